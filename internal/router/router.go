// Package router assigns keys to shards according to a table's sharding
// mode and restores caller order after per-shard work.
package router

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ErrInvalidMode is returned by ParseMode.
var ErrInvalidMode = errors.New("router: invalid mode")

// Kind is the sharding strategy of a table.
type Kind int

const (
	// Distributed hashes keys across all shards.
	Distributed Kind = iota
	// Replicated keeps a full copy of the table on every shard.
	Replicated
	// Localized pins the whole table to one shard.
	Localized
)

// Mode is a parsed mode string.
type Mode struct {
	Kind  Kind
	Shard int // only meaningful for Localized
}

func (m Mode) String() string {
	switch m.Kind {
	case Replicated:
		return "replicated"
	case Localized:
		return "localized:" + strconv.Itoa(m.Shard)
	default:
		return "distributed"
	}
}

// ParseMode parses "distributed", "replicated" or "localized:<id>" and
// validates the shard id against numShards.
func ParseMode(s string, numShards int) (Mode, error) {
	if numShards <= 0 {
		return Mode{}, fmt.Errorf("%w: %d shards", ErrInvalidMode, numShards)
	}

	switch s = strings.TrimSpace(s); {
	case s == "" || s == "distributed":
		return Mode{Kind: Distributed}, nil
	case s == "replicated":
		return Mode{Kind: Replicated}, nil
	case strings.HasPrefix(s, "localized:"):
		id, err := strconv.Atoi(strings.TrimPrefix(s, "localized:"))
		if err != nil {
			return Mode{}, fmt.Errorf("%w: %q: %w", ErrInvalidMode, s, err)
		}
		if id < 0 || id >= numShards {
			return Mode{}, fmt.Errorf("%w: %q: shard %d out of range [0,%d)", ErrInvalidMode, s, id, numShards)
		}
		return Mode{Kind: Localized, Shard: id}, nil
	default:
		return Mode{}, fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// KeyHash maps a key to a well-mixed 64-bit value.
type KeyHash func(key uint64) uint64

// Modulo uses the key itself, so ownership is key mod n.
func Modulo(key uint64) uint64 { return key }

// XXHash spreads clustered key ranges evenly.
func XXHash(key uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], key)
	return xxhash.Sum64(b[:])
}

// ParseHash resolves a hash name ("modulo", "xxhash").
func ParseHash(name string) (KeyHash, error) {
	switch name {
	case "", "modulo":
		return Modulo, nil
	case "xxhash":
		return XXHash, nil
	default:
		return nil, fmt.Errorf("router: unknown key hash %q", name)
	}
}

// Partition is the share of a key batch owned by one shard.
type Partition struct {
	Shard int
	// Positions are indexes into the routed key slice.
	Positions []int
	Keys      []uint64
}

// Router routes keys for a fixed mode and shard count.
type Router struct {
	mode      Mode
	numShards int
	hash      KeyHash
	home      int // local shard of a localized table
}

// New creates a router. A nil hash means Modulo. A localized id may name a
// rank beyond numShards; its data then lives on shard id mod numShards.
func New(mode Mode, numShards int, hash KeyHash) *Router {
	if hash == nil {
		hash = Modulo
	}
	r := &Router{mode: mode, numShards: numShards, hash: hash}
	if mode.Kind == Localized && numShards > 0 {
		r.home = mode.Shard % numShards
	}
	return r
}

// Mode returns the routing mode.
func (r *Router) Mode() Mode { return r.mode }

// NumShards returns the shard count.
func (r *Router) NumShards() int { return r.numShards }

// Shards lists the shard ids that hold data for this mode.
func (r *Router) Shards() []int {
	if r.mode.Kind == Localized {
		return []int{r.home}
	}
	ids := make([]int, r.numShards)
	for i := range ids {
		ids[i] = i
	}
	return ids
}

// Owner returns the shard that serves reads for key.
func (r *Router) Owner(key uint64) int {
	switch r.mode.Kind {
	case Localized:
		return r.home
	case Replicated:
		return 0
	default:
		return int(r.hash(key) % uint64(r.numShards))
	}
}

// Owns reports whether partition id of n owns key under this mode's hash.
// Replicated tables are owned everywhere.
func (r *Router) Owns(key uint64, id, n int) bool {
	switch r.mode.Kind {
	case Replicated:
		return true
	case Localized:
		return r.mode.Shard == id
	default:
		return int(r.hash(key)%uint64(n)) == id
	}
}

// Route partitions keys by owning shard. Partitions are ordered by shard id
// and each preserves the relative order of its keys.
func (r *Router) Route(keys []uint64) []Partition {
	if r.mode.Kind != Distributed || r.numShards == 1 {
		return []Partition{whole(r.Owner(0), keys)}
	}

	counts := make([]int, r.numShards)
	owners := make([]int, len(keys))
	for i, k := range keys {
		o := r.Owner(k)
		owners[i] = o
		counts[o]++
	}

	parts := make([]Partition, 0, r.numShards)
	index := make([]int, r.numShards)
	for s, c := range counts {
		if c == 0 {
			index[s] = -1
			continue
		}
		index[s] = len(parts)
		parts = append(parts, Partition{
			Shard:     s,
			Positions: make([]int, 0, c),
			Keys:      make([]uint64, 0, c),
		})
	}
	for i, k := range keys {
		p := &parts[index[owners[i]]]
		p.Positions = append(p.Positions, i)
		p.Keys = append(p.Keys, k)
	}
	return parts
}

// Broadcast routes the full key batch to every data-holding shard. It is
// the write path of replicated tables.
func (r *Router) Broadcast(keys []uint64) []Partition {
	if r.mode.Kind != Replicated {
		return r.Route(keys)
	}
	parts := make([]Partition, r.numShards)
	for s := range parts {
		parts[s] = whole(s, keys)
	}
	return parts
}

func whole(shard int, keys []uint64) Partition {
	pos := make([]int, len(keys))
	for i := range pos {
		pos[i] = i
	}
	return Partition{Shard: shard, Positions: pos, Keys: keys}
}

// Gather scatters per-partition vectors back into caller order. results[i]
// holds dim-wide vectors for parts[i].Keys; dst holds one vector per routed
// key.
func Gather(parts []Partition, results [][]float32, dim int, dst []float32) {
	for i, p := range parts {
		src := results[i]
		for j, pos := range p.Positions {
			copy(dst[pos*dim:(pos+1)*dim], src[j*dim:(j+1)*dim])
		}
	}
}

// GatherMask is Gather for per-key booleans.
func GatherMask(parts []Partition, results [][]bool, dst []bool) {
	for i, p := range parts {
		for j, pos := range p.Positions {
			dst[pos] = results[i][j]
		}
	}
}
