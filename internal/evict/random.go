package evict

import (
	"math/rand/v2"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// RandomPolicy picks victims uniformly from the live slots.
type RandomPolicy struct {
	mu   sync.Mutex
	live *roaring.Bitmap
	rng  *rand.Rand
}

// NewRandom creates a random policy with a deterministic seed.
func NewRandom(seed uint64) *RandomPolicy {
	return &RandomPolicy{
		live: roaring.New(),
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Kind implements Policy.
func (p *RandomPolicy) Kind() Kind { return Random }

// Admit implements Policy.
func (p *RandomPolicy) Admit(slot uint32) {
	p.mu.Lock()
	p.live.Add(slot)
	p.mu.Unlock()
}

// Touch implements Policy.
func (p *RandomPolicy) Touch(uint32) {}

// Remove implements Policy.
func (p *RandomPolicy) Remove(slot uint32) {
	p.mu.Lock()
	p.live.Remove(slot)
	p.mu.Unlock()
}

// Victims implements Policy. It samples by rank and falls back to a scan
// when the live set is mostly pinned.
func (p *RandomPolicy) Victims(n int, pinned func(slot uint32) bool) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	card := p.live.GetCardinality()
	if card == 0 || n <= 0 {
		return nil
	}

	chosen := roaring.New()
	victims := make([]uint32, 0, n)
	ok := func(slot uint32) bool {
		return !chosen.Contains(slot) && (pinned == nil || !pinned(slot))
	}

	for attempts := 0; attempts < 4*n && len(victims) < n; attempts++ {
		slot, err := p.live.Select(uint32(p.rng.Uint64N(card)))
		if err != nil {
			break
		}
		if ok(slot) {
			chosen.Add(slot)
			victims = append(victims, slot)
		}
	}

	if len(victims) < n {
		it := p.live.Iterator()
		for it.HasNext() && len(victims) < n {
			slot := it.Next()
			if ok(slot) {
				chosen.Add(slot)
				victims = append(victims, slot)
			}
		}
	}
	return victims
}
