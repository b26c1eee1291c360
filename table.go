package dynembed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hupe1980/dynembed/internal/evict"
	"github.com/hupe1980/dynembed/internal/initializer"
	"github.com/hupe1980/dynembed/internal/optimizer"
	"github.com/hupe1980/dynembed/internal/router"
	"github.com/hupe1980/dynembed/internal/shard"
)

// TableState is the lifecycle state of a table.
type TableState int32

const (
	// StateAllocated tables are pre-sized and serve all operations.
	StateAllocated TableState = iota + 1
	// StateTornDown is terminal; all shard storage has been released.
	StateTornDown
)

func (s TableState) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateTornDown:
		return "torn down"
	default:
		return "uninitialized"
	}
}

// ShardStats describes one shard of a table.
type ShardStats struct {
	Shard         int
	Size          int
	Capacity      int
	MaxCapacity   int
	FreeSlots     int
	ReservedBytes int64
}

// Table is a dynamic embedding table: a named mapping from uint64 keys to
// dimension-wide float32 vectors, partitioned into shards by its mode.
// Keys are created on first lookup and destroyed only by eviction or Close.
//
// Table is safe for concurrent use. Updates to the same key are serialized;
// updates to different keys proceed in parallel.
type Table struct {
	c       *Context
	name    string
	dim     int
	opts    tableOptions
	router  *router.Router
	shards  []*shard.Shard // indexed by shard id, nil where the mode holds no data
	rule    optimizer.Rule
	ini     initializer.Initializer
	step    atomic.Int64
	logger  *Logger
	metrics MetricsCollector

	mu    sync.RWMutex
	state TableState

	// mirrored is set for bounded replicated tables. Replica 0 decides every
	// insertion and eviction and the other replicas replay it, all under
	// replicaMu.
	mirrored  bool
	replicaMu sync.Mutex
}

// NewTable creates a table with one shard per local device. Invalid
// settings fail here, never at lookup time.
func (c *Context) NewTable(name string, dim int, optFns ...TableOption) (*Table, error) {
	o := applyTableOptions(optFns)

	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrInvalidArgument, dim)
	}
	if o.initCapacity < 0 || o.maxCapacity < 0 {
		return nil, fmt.Errorf("%w: capacity %d/%d", ErrInvalidArgument, o.initCapacity, o.maxCapacity)
	}

	// A localized id names a device or, with several ranks, the owning rank.
	mode, err := router.ParseMode(o.mode, max(c.Devices(), c.NumRanks()))
	if err != nil {
		return nil, &ModeError{Mode: o.mode, cause: err}
	}
	hash, err := router.ParseHash(o.keyHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	rule, err := optimizer.New(o.optimizer)
	if err != nil {
		return nil, translateError(name, err)
	}

	return c.register(name, func(name string) (*Table, error) {
		seed := c.opts.seed ^ xxhash.Sum64String(name)
		ini, err := initializer.Parse(o.initializer, seed)
		if err != nil {
			return nil, translateError(name, err)
		}

		t := &Table{
			c:       c,
			name:    name,
			dim:     dim,
			opts:    o,
			router:  router.New(mode, c.Devices(), hash),
			shards:  make([]*shard.Shard, c.Devices()),
			rule:    rule,
			ini:     ini,
			logger:  c.logger.WithTable(name),
			metrics: c.metrics,
			state:   StateAllocated,
		}
		t.mirrored = mode.Kind == router.Replicated && c.Devices() > 1 && o.maxCapacity > 0

		for _, id := range t.router.Shards() {
			kind := evict.Kind(o.eviction)
			if t.mirrored && id > 0 {
				kind = evict.Reject
			}
			policy, err := evict.New(kind, seed)
			if err != nil {
				t.closeShards()
				return nil, translateError(name, err)
			}
			s, err := shard.New(shard.Config{
				ID:           id,
				Dim:          dim,
				InitCapacity: o.initCapacity,
				MaxCapacity:  o.maxCapacity,
				ChunkSlots:   o.chunkSlots,
				State:        rule.State(dim),
				Initializer:  ini,
				Policy:       policy,
				Memory:       c.res,
				Hooks:        t.hooks(),
			})
			if err != nil {
				t.closeShards()
				return nil, translateError(name, err)
			}
			t.shards[id] = s
		}

		t.logger.LogCreate(context.Background(), dim, mode.String(), len(t.router.Shards()))
		return t, nil
	})
}

func (t *Table) hooks() shard.Hooks {
	return shard.Hooks{
		OnGrow: func(id, from, to int) {
			t.logger.LogGrowth(context.Background(), id, from, to)
			t.metrics.RecordGrowth(t.name, id, from, to)
		},
		OnEvict: func(id int, keys []uint64) {
			t.logger.LogEviction(context.Background(), id, len(keys))
			t.metrics.RecordEviction(t.name, id, len(keys))
		},
	}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Dimension returns the vector width.
func (t *Table) Dimension() int { return t.dim }

// Mode returns the canonical mode string.
func (t *Table) Mode() string { return t.router.Mode().String() }

// NumShards returns the number of shards holding data.
func (t *Table) NumShards() int { return len(t.router.Shards()) }

// Initializer describes how new keys are initialized.
func (t *Table) Initializer() string { return t.ini.String() }

// Optimizer returns the name of the update rule.
func (t *Table) Optimizer() string { return t.rule.Name() }

// Step returns the number of ApplyGradients calls so far.
func (t *Table) Step() int64 { return t.step.Load() }

// Context returns the Context that owns the table.
func (t *Table) Context() *Context { return t.c }

// State returns the lifecycle state.
func (t *Table) State() TableState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *Table) acquire() error {
	t.mu.RLock()
	if t.state != StateAllocated {
		t.mu.RUnlock()
		return fmt.Errorf("table %q: %w", t.name, ErrClosed)
	}
	return nil
}

func (t *Table) release() { t.mu.RUnlock() }

// fail translates err and logs capacity errors.
func (t *Table) fail(ctx context.Context, err error) error {
	err = translateError(t.name, err)
	var ce *CapacityError
	if errors.As(err, &ce) {
		t.logger.LogCapacity(ctx, ce)
	}
	return err
}

// Size returns the number of live keys. Replicated tables report one
// replica.
func (t *Table) Size() int {
	if t.acquire() != nil {
		return 0
	}
	defer t.release()
	return t.sizeLocked()
}

func (t *Table) sizeLocked() int {
	if t.router.Mode().Kind == router.Replicated {
		return t.shards[0].Size()
	}
	n := 0
	for _, id := range t.router.Shards() {
		n += t.shards[id].Size()
	}
	return n
}

// ShardSizes returns the live key count of every shard, indexed by shard
// id. Shards a localized table does not use report 0.
func (t *Table) ShardSizes() []int {
	sizes := make([]int, len(t.shards))
	if t.acquire() != nil {
		return sizes
	}
	defer t.release()
	for id, s := range t.shards {
		if s != nil {
			sizes[id] = s.Size()
		}
	}
	return sizes
}

// Stats returns per-shard occupancy for the shards holding data.
func (t *Table) Stats() []ShardStats {
	if t.acquire() != nil {
		return nil
	}
	defer t.release()

	out := make([]ShardStats, 0, len(t.shards))
	for _, id := range t.router.Shards() {
		st := t.shards[id].Stats()
		out = append(out, ShardStats{
			Shard:         id,
			Size:          st.Size,
			Capacity:      st.Capacity,
			MaxCapacity:   st.MaxCapacity,
			FreeSlots:     st.FreeSlots,
			ReservedBytes: st.ReservedBytes,
		})
	}
	return out
}

// flatten copies vecs into one buffer, checking every width.
func (t *Table) flatten(vecs [][]float32) ([]float32, error) {
	out := make([]float32, 0, len(vecs)*t.dim)
	for _, v := range vecs {
		if len(v) != t.dim {
			return nil, &DimensionError{Table: t.name, Expected: t.dim, Actual: len(v)}
		}
		out = append(out, v...)
	}
	return out, nil
}

// split views flat as dim-wide rows.
func split(flat []float32, dim int) [][]float32 {
	n := len(flat) / dim
	out := make([][]float32, n)
	for i := range out {
		out[i] = flat[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return out
}

func pick(flat []float32, positions []int, dim int) []float32 {
	out := make([]float32, len(positions)*dim)
	for j, pos := range positions {
		copy(out[j*dim:(j+1)*dim], flat[pos*dim:(pos+1)*dim])
	}
	return out
}

// lookup reads keys in caller order. With insert set, absent keys are
// created on every replica; otherwise they read as zero and found reports
// them.
func (t *Table) lookup(ctx context.Context, keys []uint64, insert bool) ([]float32, []bool, error) {
	out := make([]float32, len(keys)*t.dim)
	var found []bool
	if !insert {
		found = make([]bool, len(keys))
	}
	if len(keys) == 0 {
		return out, found, nil
	}

	switch {
	case insert && t.mirrored:
		t.replicaMu.Lock()
		defer t.replicaMu.Unlock()
		if err := t.syncReplicas(ctx, keys); err != nil {
			return nil, nil, err
		}
	case insert && t.router.Mode().Kind == router.Replicated && len(t.shards) > 1:
		err := t.c.forEach(ctx, len(t.shards)-1, func(_ context.Context, i int) error {
			_, err := t.shards[i+1].Resolve(keys, true)
			return err
		})
		if err != nil {
			return nil, nil, err
		}
	}

	parts := t.router.Route(keys)
	if len(parts) == 1 {
		return out, found, t.shards[parts[0].Shard].Lookup(keys, insert, out, found)
	}

	results := make([][]float32, len(parts))
	masks := make([][]bool, len(parts))
	err := t.c.forEach(ctx, len(parts), func(_ context.Context, i int) error {
		p := parts[i]
		results[i] = make([]float32, len(p.Keys)*t.dim)
		if found != nil {
			masks[i] = make([]bool, len(p.Keys))
		}
		return t.shards[p.Shard].Lookup(p.Keys, insert, results[i], masks[i])
	})
	if err != nil {
		return nil, nil, err
	}

	router.Gather(parts, results, t.dim, out)
	if found != nil {
		router.GatherMask(parts, masks, found)
	}
	return out, found, nil
}

// syncReplicas creates keys on replica 0, letting its policy choose any
// victims, then replays the same removals and insertions on every other
// replica so all of them hold one key set. Callers hold replicaMu.
func (t *Table) syncReplicas(ctx context.Context, keys []uint64) error {
	evicted, err := t.shards[0].Insert(keys)
	if err != nil {
		return err
	}
	return t.c.forEach(ctx, len(t.shards)-1, func(_ context.Context, i int) error {
		return t.shards[i+1].Mirror(evicted, keys)
	})
}

// scatter runs fn on every shard that must see a write of keys, with the
// matching dim-wide values.
func (t *Table) scatter(ctx context.Context, keys []uint64, vals []float32, fn func(s *shard.Shard, keys []uint64, vals []float32) error) error {
	if len(keys) == 0 {
		return nil
	}
	if t.mirrored {
		t.replicaMu.Lock()
		defer t.replicaMu.Unlock()
		if err := t.syncReplicas(ctx, keys); err != nil {
			return err
		}
	}
	parts := t.router.Broadcast(keys)
	return t.c.forEach(ctx, len(parts), func(_ context.Context, i int) error {
		p := parts[i]
		v := vals
		if len(p.Keys) != len(keys) {
			v = pick(vals, p.Positions, t.dim)
		}
		return fn(t.shards[p.Shard], p.Keys, v)
	})
}

// SparseRead returns the vector of every key in order, creating absent keys
// with the table initializer.
func (t *Table) SparseRead(ctx context.Context, keys []uint64) (_ [][]float32, err error) {
	if err := t.acquire(); err != nil {
		return nil, err
	}
	defer t.release()

	start := time.Now()
	defer func() { t.metrics.RecordLookup(t.name, len(keys), time.Since(start), err) }()

	out, _, err := t.lookup(ctx, keys, true)
	if err != nil {
		return nil, t.fail(ctx, err)
	}
	return split(out, t.dim), nil
}

// Get returns the vector of every present key without creating absent ones.
// found[i] is false, and the vector zero, for absent keys.
func (t *Table) Get(ctx context.Context, keys []uint64) (_ [][]float32, found []bool, err error) {
	if err := t.acquire(); err != nil {
		return nil, nil, err
	}
	defer t.release()

	start := time.Now()
	defer func() { t.metrics.RecordLookup(t.name, len(keys), time.Since(start), err) }()

	out, found, err := t.lookup(ctx, keys, false)
	if err != nil {
		return nil, nil, t.fail(ctx, err)
	}
	return split(out, t.dim), found, nil
}

// Assign overwrites the vector of every key, creating absent keys. A width
// mismatch is rejected before anything is written.
func (t *Table) Assign(ctx context.Context, keys []uint64, vecs [][]float32) (err error) {
	if len(keys) != len(vecs) {
		return fmt.Errorf("%w: %d keys, %d vectors", ErrInvalidArgument, len(keys), len(vecs))
	}
	flat, err := t.flatten(vecs)
	if err != nil {
		return err
	}

	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	start := time.Now()
	defer func() {
		t.metrics.RecordAssign(t.name, len(keys), time.Since(start), err)
		t.logger.LogAssign(ctx, len(keys), err)
	}()

	err = t.scatter(ctx, keys, flat, func(s *shard.Shard, keys []uint64, vals []float32) error {
		return s.Assign(keys, vals)
	})
	return t.fail(ctx, err)
}

// ScatterAdd adds deltas to the vectors of keys in place, creating absent
// keys first. Repeated keys accumulate every delta.
func (t *Table) ScatterAdd(ctx context.Context, keys []uint64, deltas [][]float32) (err error) {
	if len(keys) != len(deltas) {
		return fmt.Errorf("%w: %d keys, %d deltas", ErrInvalidArgument, len(keys), len(deltas))
	}
	flat, err := t.flatten(deltas)
	if err != nil {
		return err
	}

	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()

	start := time.Now()
	defer func() { t.metrics.RecordApply(t.name, len(keys), time.Since(start), err) }()

	err = t.scatter(ctx, keys, flat, func(s *shard.Shard, keys []uint64, vals []float32) error {
		return s.Accumulate(keys, vals)
	})
	return t.fail(ctx, err)
}

// ApplyKeyGradients sums the gradients of repeated keys and applies the
// table optimizer exactly once per distinct key.
func (t *Table) ApplyKeyGradients(ctx context.Context, keys []uint64, grads [][]float32) error {
	if len(keys) != len(grads) {
		return fmt.Errorf("%w: %d keys, %d gradients", ErrInvalidArgument, len(keys), len(grads))
	}
	flat, err := t.flatten(grads)
	if err != nil {
		return err
	}

	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()
	return t.applyKeyGradients(ctx, keys, flat)
}

func (t *Table) applyKeyGradients(ctx context.Context, keys []uint64, grads []float32) (err error) {
	dim := t.dim
	index := make(map[uint64]int, len(keys))
	uniq := make([]uint64, 0, len(keys))
	sum := make([]float32, 0, len(grads))
	for i, k := range keys {
		g := grads[i*dim : (i+1)*dim]
		j, ok := index[k]
		if !ok {
			index[k] = len(uniq)
			uniq = append(uniq, k)
			sum = append(sum, g...)
			continue
		}
		acc := sum[j*dim : (j+1)*dim]
		for d := range acc {
			acc[d] += g[d]
		}
	}

	start := time.Now()
	defer func() { t.metrics.RecordApply(t.name, len(uniq), time.Since(start), err) }()

	step := t.step.Add(1)
	err = t.scatter(ctx, uniq, sum, func(s *shard.Shard, keys []uint64, vals []float32) error {
		return s.Apply(keys, vals, step, t.rule)
	})
	return t.fail(ctx, err)
}

// Export returns every live key with its vector, each exactly once and in
// no particular order. Replicated tables export one replica.
func (t *Table) Export(ctx context.Context) (keys []uint64, vecs [][]float32, err error) {
	if err := t.acquire(); err != nil {
		return nil, nil, err
	}
	defer t.release()

	start := time.Now()
	defer func() {
		t.metrics.RecordExport(t.name, len(keys), time.Since(start), err)
		t.logger.LogExport(ctx, len(keys), err)
	}()

	ids := t.router.Shards()
	if t.router.Mode().Kind == router.Replicated {
		ids = ids[:1]
	}

	shardKeys := make([][]uint64, len(ids))
	shardVecs := make([][]float32, len(ids))
	err = t.c.forEach(ctx, len(ids), func(_ context.Context, i int) error {
		k, v, err := t.shards[ids[i]].Export()
		shardKeys[i], shardVecs[i] = k, v
		return err
	})
	if err != nil {
		return nil, nil, t.fail(ctx, err)
	}

	total := 0
	for _, k := range shardKeys {
		total += len(k)
	}
	keys = make([]uint64, 0, total)
	flat := make([]float32, 0, total*t.dim)
	for i := range ids {
		keys = append(keys, shardKeys[i]...)
		flat = append(flat, shardVecs[i]...)
	}
	return keys, split(flat, t.dim), nil
}

// Close tears the table down and releases all shard storage. It waits for
// in-flight operations; later operations return ErrClosed.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.state == StateTornDown {
		t.mu.Unlock()
		return nil
	}
	size := t.sizeLocked()
	t.state = StateTornDown
	err := t.closeShards()
	t.mu.Unlock()

	t.c.unregister(t)
	t.logger.LogTeardown(context.Background(), size, err)
	return err
}

func (t *Table) closeShards() error {
	var errs []error
	for _, s := range t.shards {
		if s != nil {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
