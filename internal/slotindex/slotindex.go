// Package slotindex maps sparse uint64 keys to dense uint32 slot offsets.
//
// The index is an open-addressed table with linear probing over a
// power-of-two bucket array. Slots are stored biased by one so the zero
// value marks an empty bucket. Deletion uses backward shifting, so there are
// no tombstones.
//
// Index is not safe for concurrent mutation; the owning shard serializes
// writers and allows concurrent readers.
package slotindex

import "math/bits"

// NoSlot is returned by lookups for keys that are not present.
const NoSlot = ^uint32(0)

const (
	minBuckets = 16
	// maxLoad is expressed in eighths: the table grows past 6/8 occupancy.
	maxLoad = 6
)

// Index is an open-addressed key to slot map.
type Index struct {
	keys   []uint64
	slots  []uint32 // slot+1; 0 means empty
	mask   uint64
	count  int
	growAt int
}

// New creates an index sized to hold capacity entries without rehashing.
func New(capacity int) *Index {
	ix := &Index{}
	ix.init(bucketsFor(capacity))
	return ix
}

func bucketsFor(entries int) int {
	n := entries*8/maxLoad + 1
	if n < minBuckets {
		n = minBuckets
	}
	return 1 << bits.Len(uint(n-1))
}

func (ix *Index) init(buckets int) {
	ix.keys = make([]uint64, buckets)
	ix.slots = make([]uint32, buckets)
	ix.mask = uint64(buckets - 1)
	ix.growAt = buckets * maxLoad / 8
}

// mix is the splitmix64 finalizer; sequential keys land in distant buckets.
func mix(k uint64) uint64 {
	k ^= k >> 30
	k *= 0xbf58476d1ce4e5b9
	k ^= k >> 27
	k *= 0x94d049bb133111eb
	k ^= k >> 31
	return k
}

// Len returns the number of live entries.
func (ix *Index) Len() int { return ix.count }

// Buckets returns the size of the bucket array.
func (ix *Index) Buckets() int { return len(ix.keys) }

// Get returns the slot for key, or NoSlot and false.
func (ix *Index) Get(key uint64) (uint32, bool) {
	for i := mix(key) & ix.mask; ; i = (i + 1) & ix.mask {
		s := ix.slots[i]
		if s == 0 {
			return NoSlot, false
		}
		if ix.keys[i] == key {
			return s - 1, true
		}
	}
}

// Put maps key to slot, replacing any previous mapping.
// It returns the previous slot and whether one existed.
func (ix *Index) Put(key uint64, slot uint32) (uint32, bool) {
	if slot == NoSlot {
		panic("slotindex: NoSlot is not a valid slot")
	}
	if ix.count >= ix.growAt {
		ix.rehash(len(ix.keys) * 2)
	}

	for i := mix(key) & ix.mask; ; i = (i + 1) & ix.mask {
		s := ix.slots[i]
		if s == 0 {
			ix.keys[i] = key
			ix.slots[i] = slot + 1
			ix.count++
			return NoSlot, false
		}
		if ix.keys[i] == key {
			ix.slots[i] = slot + 1
			return s - 1, true
		}
	}
}

// Delete removes key and returns the slot it mapped to.
func (ix *Index) Delete(key uint64) (uint32, bool) {
	i := mix(key) & ix.mask
	for {
		s := ix.slots[i]
		if s == 0 {
			return NoSlot, false
		}
		if ix.keys[i] == key {
			ix.shiftBack(i)
			ix.count--
			return s - 1, true
		}
		i = (i + 1) & ix.mask
	}
}

// shiftBack closes the hole at i by moving later members of the probe chain
// into it.
func (ix *Index) shiftBack(i uint64) {
	for j := (i + 1) & ix.mask; ; j = (j + 1) & ix.mask {
		if ix.slots[j] == 0 {
			break
		}
		home := mix(ix.keys[j]) & ix.mask
		// Move j into i unless its home lies cyclically in (i, j].
		if (j > i && (home <= i || home > j)) || (j < i && home <= i && home > j) {
			ix.keys[i] = ix.keys[j]
			ix.slots[i] = ix.slots[j]
			i = j
		}
	}
	ix.keys[i] = 0
	ix.slots[i] = 0
}

// Reserve grows the bucket array so that n entries fit without rehashing.
func (ix *Index) Reserve(n int) {
	if n > ix.growAt {
		ix.rehash(bucketsFor(n))
	}
}

func (ix *Index) rehash(buckets int) {
	oldKeys, oldSlots := ix.keys, ix.slots
	ix.init(buckets)
	for i, s := range oldSlots {
		if s == 0 {
			continue
		}
		k := oldKeys[i]
		j := mix(k) & ix.mask
		for ix.slots[j] != 0 {
			j = (j + 1) & ix.mask
		}
		ix.keys[j] = k
		ix.slots[j] = s
	}
}

// Range calls fn for every entry until fn returns false.
// Iteration order is unspecified.
func (ix *Index) Range(fn func(key uint64, slot uint32) bool) {
	for i, s := range ix.slots {
		if s != 0 && !fn(ix.keys[i], s-1) {
			return
		}
	}
}
