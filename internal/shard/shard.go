// Package shard owns the keys routed to one device or rank: a key-to-slot
// index, the slot store holding embeddings and optimizer state, the set of
// live slots, and the eviction policy consulted at max capacity.
//
// Locking: reads and updates of already-present keys run under the shard's
// shared lock with per-slot striped locks inside the store. Inserting new
// keys, growth and eviction take the exclusive lock, so a slot is never
// evicted while another call is reading or updating it.
package shard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/hupe1980/dynembed/internal/evict"
	"github.com/hupe1980/dynembed/internal/initializer"
	"github.com/hupe1980/dynembed/internal/optimizer"
	"github.com/hupe1980/dynembed/internal/slotindex"
	"github.com/hupe1980/dynembed/internal/slotstore"
)

var (
	// ErrCapacityExceeded is matched by *CapacityError.
	ErrCapacityExceeded = errors.New("shard: capacity exceeded")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("shard: closed")
)

// CapacityError reports an insert that could not fit under MaxCapacity.
// Nothing was inserted or evicted by the failing call.
type CapacityError struct {
	Shard       int
	Key         uint64
	MaxCapacity int
	Size        int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("shard %d: capacity exceeded inserting key %d (size %d, max %d)", e.Shard, e.Key, e.Size, e.MaxCapacity)
}

// Is makes errors.Is(err, ErrCapacityExceeded) match.
func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// Hooks observe structural changes. They run under the exclusive lock and
// must not call back into the shard.
type Hooks struct {
	OnGrow  func(shard, from, to int)
	OnEvict func(shard int, keys []uint64)
}

// Config describes a shard.
type Config struct {
	ID           int
	Dim          int
	InitCapacity int
	// MaxCapacity bounds the number of live keys; 0 means unbounded.
	MaxCapacity int
	ChunkSlots  int
	// State lists the optimizer buffers stored next to each embedding.
	State       []slotstore.BufferSpec
	Initializer initializer.Initializer
	Policy      evict.Policy
	Memory      slotstore.MemoryAcquirer
	Hooks       Hooks
}

// Stats is a point-in-time view of a shard.
type Stats struct {
	Size          int
	Capacity      int
	MaxCapacity   int
	FreeSlots     int
	ReservedBytes int64
}

// Shard is one partition of a table.
type Shard struct {
	cfg Config

	mu     sync.RWMutex
	index  *slotindex.Index
	store  *slotstore.Store
	live   *roaring.Bitmap
	keys   []uint64 // slot -> key
	free   []uint32
	next   uint32
	closed bool
}

// New allocates a shard pre-sized to cfg.InitCapacity.
func New(cfg Config) (*Shard, error) {
	if cfg.MaxCapacity > 0 && cfg.InitCapacity > cfg.MaxCapacity {
		cfg.InitCapacity = cfg.MaxCapacity
	}
	if cfg.Initializer == nil {
		cfg.Initializer = initializer.Constant(0)
	}
	if cfg.Policy == nil {
		cfg.Policy, _ = evict.New(evict.Reject, 0)
	}

	opts := []slotstore.Option{slotstore.WithChunkSlots(cfg.ChunkSlots)}
	if cfg.Memory != nil {
		opts = append(opts, slotstore.WithMemoryAcquirer(cfg.Memory))
	}
	store, err := slotstore.New(cfg.Dim, cfg.State, opts...)
	if err != nil {
		return nil, err
	}

	s := &Shard{
		cfg:   cfg,
		index: slotindex.New(cfg.InitCapacity),
		store: store,
		live:  roaring.New(),
	}
	if cfg.InitCapacity > 0 {
		if err := s.store.Grow(cfg.InitCapacity); err != nil {
			_ = store.Close()
			return nil, err
		}
		s.keys = make([]uint64, s.store.Capacity())
	}
	return s, nil
}

// ID returns the shard id.
func (s *Shard) ID() int { return s.cfg.ID }

// Dim returns the embedding width.
func (s *Shard) Dim() int { return s.cfg.Dim }

// Size returns the number of live keys.
func (s *Shard) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.index.Len()
}

// Stats returns occupancy figures.
func (s *Shard) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{MaxCapacity: s.cfg.MaxCapacity}
	}
	return Stats{
		Size:          s.index.Len(),
		Capacity:      s.store.Capacity(),
		MaxCapacity:   s.cfg.MaxCapacity,
		FreeSlots:     len(s.free),
		ReservedBytes: s.store.ReservedBytes(),
	}
}

// lookupLocked fills slots for present keys and returns the miss count.
func (s *Shard) lookupLocked(keys []uint64, slots []uint32) int {
	misses := 0
	for i, k := range keys {
		slot, ok := s.index.Get(k)
		if !ok {
			slots[i] = slotindex.NoSlot
			misses++
			continue
		}
		slots[i] = slot
		s.cfg.Policy.Touch(slot)
	}
	return misses
}

// withSlots resolves keys, inserting misses when insert is set, and runs fn
// while eviction on this shard is excluded. Missing keys resolve to
// slotindex.NoSlot when insert is false.
func (s *Shard) withSlots(keys []uint64, insert bool, fn func(slots []uint32) error) error {
	slots := make([]uint32, len(keys))

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrClosed
	}
	if misses := s.lookupLocked(keys, slots); misses == 0 || !insert {
		defer s.mu.RUnlock()
		return fn(slots)
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.insertLocked(keys, slots); err != nil {
		return err
	}
	return fn(slots)
}

// insertLocked re-resolves every key, inserts the distinct misses and
// returns the keys evicted to make room. The capacity check covers the whole
// call before anything is changed; victims are never slots this call
// resolved.
func (s *Shard) insertLocked(keys []uint64, slots []uint32) ([]uint64, error) {
	var (
		missing []uint64
		seen    map[uint64]struct{}
		pins    = roaring.New()
	)
	for i, k := range keys {
		if slot, ok := s.index.Get(k); ok {
			slots[i] = slot
			pins.Add(slot)
			s.cfg.Policy.Touch(slot)
			continue
		}
		slots[i] = slotindex.NoSlot
		if seen == nil {
			seen = make(map[uint64]struct{})
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return nil, nil
	}

	size := s.index.Len()
	var victims []uint32
	if limit := s.cfg.MaxCapacity; limit > 0 && size+len(missing) > limit {
		need := size + len(missing) - limit
		victims = s.cfg.Policy.Victims(need, pins.Contains)
		if len(victims) < need {
			return nil, &CapacityError{
				Shard:       s.cfg.ID,
				Key:         missing[limit-size+len(victims)],
				MaxCapacity: limit,
				Size:        size,
			}
		}
	}

	if fresh := len(missing) - len(s.free) - len(victims); fresh > 0 {
		if err := s.growLocked(int(s.next) + fresh); err != nil {
			return nil, err
		}
	}
	s.index.Reserve(size - len(victims) + len(missing))

	var evicted []uint64
	if len(victims) > 0 {
		evicted = s.evictLocked(victims)
	}

	for _, k := range missing {
		slot := s.allocLocked()
		s.index.Put(k, slot)
		s.keys[slot] = k
		s.live.Add(slot)
		s.store.Reset(slot, func(v []float32) { s.cfg.Initializer.Fill(k, v) })
		s.cfg.Policy.Admit(slot)
	}

	for i, k := range keys {
		if slots[i] == slotindex.NoSlot {
			slots[i], _ = s.index.Get(k)
		}
	}
	return evicted, nil
}

func (s *Shard) growLocked(target int) error {
	from := s.store.Capacity()
	if target <= from {
		return nil
	}
	want := max(target, 2*from)
	if s.cfg.MaxCapacity > 0 {
		want = max(target, min(want, s.cfg.MaxCapacity))
	}
	if err := s.store.Grow(want); err != nil {
		return err
	}

	to := s.store.Capacity()
	keys := make([]uint64, to)
	copy(keys, s.keys)
	s.keys = keys

	if s.cfg.Hooks.OnGrow != nil {
		s.cfg.Hooks.OnGrow(s.cfg.ID, from, to)
	}
	return nil
}

func (s *Shard) allocLocked() uint32 {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return slot
	}
	slot := s.next
	s.next++
	return slot
}

func (s *Shard) evictLocked(victims []uint32) []uint64 {
	evicted := make([]uint64, 0, len(victims))
	for _, slot := range victims {
		k := s.keys[slot]
		s.releaseLocked(k, slot)
		evicted = append(evicted, k)
	}
	if s.cfg.Hooks.OnEvict != nil {
		s.cfg.Hooks.OnEvict(s.cfg.ID, evicted)
	}
	return evicted
}

func (s *Shard) releaseLocked(key uint64, slot uint32) {
	s.index.Delete(key)
	s.live.Remove(slot)
	s.cfg.Policy.Remove(slot)
	s.free = append(s.free, slot)
}

// Insert creates every absent key and returns the keys the policy evicted
// to make room for them.
func (s *Shard) Insert(keys []uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.insertLocked(keys, make([]uint32, len(keys)))
}

// Mirror replays an Insert made on another replica: removed keys are
// dropped, then absent keys are created. The eviction hook does not fire.
func (s *Shard) Mirror(removed, keys []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range removed {
		if slot, ok := s.index.Get(k); ok {
			s.releaseLocked(k, slot)
		}
	}
	_, err := s.insertLocked(keys, make([]uint32, len(keys)))
	return err
}

// Resolve returns the slot of every key. Duplicate keys share a slot. With
// insert unset, absent keys map to slotindex.NoSlot.
func (s *Shard) Resolve(keys []uint64, insert bool) ([]uint32, error) {
	out := make([]uint32, len(keys))
	err := s.withSlots(keys, insert, func(slots []uint32) error {
		copy(out, slots)
		return nil
	})
	return out, err
}

// Lookup copies the embedding of every key into dst (len(keys)·dim). Absent
// keys read as zero with found[i] false; found may be nil.
func (s *Shard) Lookup(keys []uint64, insert bool, dst []float32, found []bool) error {
	dim := s.cfg.Dim
	if len(dst) != len(keys)*dim {
		return slotstore.ErrWidth
	}
	return s.withSlots(keys, insert, func(slots []uint32) error {
		for i, slot := range slots {
			v := dst[i*dim : (i+1)*dim]
			if slot == slotindex.NoSlot {
				clear(v)
			} else {
				s.store.Read(slot, v)
			}
			if found != nil {
				found[i] = slot != slotindex.NoSlot
			}
		}
		return nil
	})
}

// Assign overwrites the embedding of every key, inserting absent keys.
func (s *Shard) Assign(keys []uint64, vecs []float32) error {
	dim := s.cfg.Dim
	if len(vecs) != len(keys)*dim {
		return slotstore.ErrWidth
	}
	return s.withSlots(keys, true, func(slots []uint32) error {
		for i, slot := range slots {
			if err := s.store.Write(slot, vecs[i*dim:(i+1)*dim]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Accumulate adds deltas in place, inserting absent keys first.
func (s *Shard) Accumulate(keys []uint64, deltas []float32) error {
	dim := s.cfg.Dim
	if len(deltas) != len(keys)*dim {
		return slotstore.ErrWidth
	}
	return s.withSlots(keys, true, func(slots []uint32) error {
		for i, slot := range slots {
			if err := s.store.Accumulate(slot, deltas[i*dim:(i+1)*dim]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Apply runs rule for every key with its gradient at iteration t.
// Keys should be distinct; duplicates are applied once each, serialized.
func (s *Shard) Apply(keys []uint64, grads []float32, t int64, rule optimizer.Rule) error {
	dim := s.cfg.Dim
	if len(grads) != len(keys)*dim {
		return slotstore.ErrWidth
	}
	return s.withSlots(keys, true, func(slots []uint32) error {
		for i, slot := range slots {
			g := grads[i*dim : (i+1)*dim]
			s.store.Update(slot, func(v []float32, state [][]float32) {
				rule.Update(t, v, g, state)
			})
		}
		return nil
	})
}

// Export returns every live key with its embedding, in slot order.
func (s *Shard) Export() ([]uint64, []float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	dim := s.cfg.Dim
	n := int(s.live.GetCardinality())
	keys := make([]uint64, 0, n)
	vecs := make([]float32, n*dim)

	it := s.live.Iterator()
	for i := 0; it.HasNext(); i++ {
		slot := it.Next()
		keys = append(keys, s.keys[slot])
		s.store.Read(slot, vecs[i*dim:(i+1)*dim])
	}
	return keys, vecs, nil
}

// Close releases all storage. Later calls return ErrClosed.
func (s *Shard) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.live.Clear()
	s.keys = nil
	s.free = nil
	return s.store.Close()
}
