package shard

import (
	"errors"
	"sync"
	"testing"

	"github.com/hupe1980/dynembed/internal/evict"
	"github.com/hupe1980/dynembed/internal/initializer"
	"github.com/hupe1980/dynembed/internal/optimizer"
	"github.com/hupe1980/dynembed/internal/resource"
	"github.com/hupe1980/dynembed/internal/slotindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShard(t *testing.T, cfg Config) *Shard {
	t.Helper()
	if cfg.Dim == 0 {
		cfg.Dim = 4
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLookup_InsertsWithInitializer(t *testing.T) {
	s := newShard(t, Config{Dim: 3, InitCapacity: 2, Initializer: initializer.Constant(0.5)})

	dst := make([]float32, 9)
	found := make([]bool, 3)
	require.NoError(t, s.Lookup([]uint64{7, 9, 7}, true, dst, found))

	assert.Equal(t, []bool{true, true, true}, found)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, dst)
	assert.Equal(t, 2, s.Size())
}

func TestLookup_WithoutInsert(t *testing.T) {
	s := newShard(t, Config{Dim: 2, Initializer: initializer.Constant(1)})
	require.NoError(t, s.Assign([]uint64{1}, []float32{3, 4}))

	dst := make([]float32, 4)
	found := make([]bool, 2)
	require.NoError(t, s.Lookup([]uint64{1, 2}, false, dst, found))

	assert.Equal(t, []bool{true, false}, found)
	assert.Equal(t, []float32{3, 4, 0, 0}, dst)
	assert.Equal(t, 1, s.Size())
}

func TestResolve_DuplicatesShareSlot(t *testing.T) {
	s := newShard(t, Config{Dim: 2})

	slots, err := s.Resolve([]uint64{5, 6, 5}, true)
	require.NoError(t, err)
	assert.Equal(t, slots[0], slots[2])
	assert.NotEqual(t, slots[0], slots[1])

	slots, err = s.Resolve([]uint64{5, 8}, false)
	require.NoError(t, err)
	assert.Equal(t, slotindex.NoSlot, slots[1])
}

func TestGrowth(t *testing.T) {
	var grown [][2]int
	s := newShard(t, Config{
		Dim:          2,
		InitCapacity: 4,
		ChunkSlots:   4,
		Hooks: Hooks{OnGrow: func(_, from, to int) {
			grown = append(grown, [2]int{from, to})
		}},
	})
	assert.Equal(t, 4, s.Stats().Capacity)

	keys := make([]uint64, 20)
	vecs := make([]float32, 40)
	for i := range keys {
		keys[i] = uint64(i * 11)
		vecs[2*i] = float32(i)
	}
	require.NoError(t, s.Assign(keys, vecs))

	assert.Equal(t, 20, s.Size())
	assert.GreaterOrEqual(t, s.Stats().Capacity, 20)
	assert.NotEmpty(t, grown)

	dst := make([]float32, 40)
	require.NoError(t, s.Lookup(keys, false, dst, nil))
	assert.Equal(t, vecs, dst)
}

func TestCapacity_Reject(t *testing.T) {
	s := newShard(t, Config{ID: 3, Dim: 2, MaxCapacity: 2})
	require.NoError(t, s.Assign([]uint64{1, 2}, []float32{1, 1, 2, 2}))

	dst := make([]float32, 4)
	err := s.Lookup([]uint64{1, 3}, true, dst, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	var ce *CapacityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Shard)
	assert.Equal(t, uint64(3), ce.Key)
	assert.Equal(t, 2, ce.MaxCapacity)

	// Nothing changed.
	assert.Equal(t, 2, s.Size())
	found := make([]bool, 1)
	require.NoError(t, s.Lookup([]uint64{3}, false, dst[:2], found))
	assert.False(t, found[0])

	// Present keys still resolve at capacity.
	require.NoError(t, s.Lookup([]uint64{2, 1}, true, dst, nil))
	assert.Equal(t, []float32{2, 2, 1, 1}, dst)
}

func TestCapacity_CheckedForWholeCall(t *testing.T) {
	s := newShard(t, Config{Dim: 1, MaxCapacity: 3})
	require.NoError(t, s.Assign([]uint64{1}, []float32{1}))

	err := s.Assign([]uint64{2, 3, 4}, []float32{2, 3, 4})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	var ce *CapacityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(4), ce.Key)
	assert.Equal(t, 1, s.Size())
}

func TestEviction_LRU(t *testing.T) {
	var evicted []uint64
	s := newShard(t, Config{
		Dim:         1,
		MaxCapacity: 2,
		Policy:      evict.NewLRU(),
		Hooks: Hooks{OnEvict: func(_ int, keys []uint64) {
			evicted = append(evicted, keys...)
		}},
	})
	require.NoError(t, s.Assign([]uint64{1, 2}, []float32{1, 2}))

	// Touch 1 so that 2 is least recently used.
	dst := make([]float32, 1)
	require.NoError(t, s.Lookup([]uint64{1}, false, dst, nil))

	require.NoError(t, s.Assign([]uint64{3}, []float32{3}))
	assert.Equal(t, []uint64{2}, evicted)
	assert.Equal(t, 2, s.Size())

	keys, vecs, err := s.Export()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 3}, keys)
	assert.ElementsMatch(t, []float32{1, 3}, vecs)
}

func TestInsertMirror_FollowerTracksLeader(t *testing.T) {
	var hooked int
	leader := newShard(t, Config{Dim: 1, MaxCapacity: 2, Policy: evict.NewLRU(), Initializer: initializer.Constant(1)})
	follower := newShard(t, Config{
		Dim:         1,
		MaxCapacity: 2,
		Initializer: initializer.Constant(1),
		Hooks:       Hooks{OnEvict: func(int, []uint64) { hooked++ }},
	})

	evicted, err := leader.Insert([]uint64{1, 2})
	require.NoError(t, err)
	assert.Empty(t, evicted)
	require.NoError(t, follower.Mirror(evicted, []uint64{1, 2}))

	// Only the leader sees the read, so only its order changes.
	require.NoError(t, leader.Lookup([]uint64{1}, false, make([]float32, 1), nil))

	evicted, err = leader.Insert([]uint64{3})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, evicted)
	require.NoError(t, follower.Mirror(evicted, []uint64{3}))

	lk, _, err := leader.Export()
	require.NoError(t, err)
	fk, _, err := follower.Export()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{1, 3}, lk)
	assert.ElementsMatch(t, lk, fk)
	assert.Zero(t, hooked)

	// Mirroring an absent removal is a no-op.
	require.NoError(t, follower.Mirror([]uint64{42}, nil))
	assert.Equal(t, 2, follower.Size())
}

func TestEviction_NeverEvictsKeysOfTheSameCall(t *testing.T) {
	s := newShard(t, Config{Dim: 1, MaxCapacity: 2, Policy: evict.NewLRU()})
	require.NoError(t, s.Assign([]uint64{1, 2}, []float32{1, 2}))

	// 1 and 2 are both pinned by this call, so 3 cannot be admitted.
	err := s.Assign([]uint64{1, 2, 3}, []float32{1, 2, 3})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	// Only 2 is pinned here; 1 is evicted for 3.
	require.NoError(t, s.Assign([]uint64{2, 3}, []float32{20, 30}))
	keys, _, err := s.Export()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint64{2, 3}, keys)
}

func TestEviction_ReinsertGetsFreshInitialValue(t *testing.T) {
	s := newShard(t, Config{Dim: 1, MaxCapacity: 1, Policy: evict.NewRandom(1), Initializer: initializer.Constant(7)})
	require.NoError(t, s.Assign([]uint64{1}, []float32{100}))
	require.NoError(t, s.Assign([]uint64{2}, []float32{200}))

	dst := make([]float32, 1)
	require.NoError(t, s.Lookup([]uint64{1}, true, dst, nil))
	assert.Equal(t, float32(7), dst[0])
}

func TestApply_SGD(t *testing.T) {
	rule, err := optimizer.New(optimizer.Config{Name: "sgd", LearningRate: 0.5})
	require.NoError(t, err)

	s := newShard(t, Config{Dim: 2, State: rule.State(2)})
	require.NoError(t, s.Assign([]uint64{4}, []float32{1, 1}))
	require.NoError(t, s.Apply([]uint64{4}, []float32{2, -2}, 1, rule))

	dst := make([]float32, 2)
	require.NoError(t, s.Lookup([]uint64{4}, false, dst, nil))
	assert.Equal(t, []float32{0, 2}, dst)
}

func TestApply_StatefulRuleInitializesState(t *testing.T) {
	rule, err := optimizer.New(optimizer.Config{Name: "adagrad", LearningRate: 0.1})
	require.NoError(t, err)

	s := newShard(t, Config{Dim: 1, State: rule.State(1)})
	require.NoError(t, s.Apply([]uint64{9}, []float32{1}, 1, rule))

	dst := make([]float32, 1)
	require.NoError(t, s.Lookup([]uint64{9}, false, dst, nil))
	// acc = 0.1 + 1, step = 0.1 / sqrt(1.1)
	assert.InDelta(t, -0.0953462, dst[0], 1e-5)
}

func TestAccumulate_Concurrent(t *testing.T) {
	s := newShard(t, Config{Dim: 2})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, s.Accumulate([]uint64{1, 2}, []float32{1, 1, 0.5, 0.5}))
			}
		}()
	}
	wg.Wait()

	dst := make([]float32, 4)
	require.NoError(t, s.Lookup([]uint64{1, 2}, false, dst, nil))
	assert.Equal(t, []float32{800, 800, 400, 400}, dst)
}

func TestWidthMismatch(t *testing.T) {
	s := newShard(t, Config{Dim: 3})
	assert.Error(t, s.Assign([]uint64{1}, []float32{1, 2}))
	assert.Error(t, s.Lookup([]uint64{1}, true, make([]float32, 2), nil))
	assert.Equal(t, 0, s.Size())
}

func TestMemoryBudget(t *testing.T) {
	ctrl := resource.NewController(resource.Config{MemoryLimitBytes: 4 * 4 * 8})
	s := newShard(t, Config{Dim: 4, ChunkSlots: 8, InitCapacity: 8, Memory: ctrl})
	assert.Equal(t, int64(128), ctrl.MemoryUsage())

	keys := make([]uint64, 9)
	for i := range keys {
		keys[i] = uint64(i)
	}
	err := s.Assign(keys, make([]float32, 36))
	require.ErrorIs(t, err, resource.ErrMemoryLimitExceeded)
	assert.Equal(t, 0, s.Size())

	require.NoError(t, s.Close())
	assert.Equal(t, int64(0), ctrl.MemoryUsage())
}

func TestClose(t *testing.T) {
	s, err := New(Config{Dim: 1})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Assign([]uint64{1}, []float32{1}), ErrClosed)
	_, _, err = s.Export()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, s.Size())
}
