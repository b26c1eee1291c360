package dynembed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/dynembed/internal/resource"
	"golang.org/x/sync/errgroup"
)

// Context is the process-wide setup shared by all tables: local devices,
// rank layout, memory budget, worker pool, logging and metrics. Create it
// once with Init and pass it to every table through NewTable.
type Context struct {
	opts    contextOptions
	res     *resource.Controller
	logger  *Logger
	metrics MetricsCollector

	mu      sync.Mutex
	tables  map[string]*Table
	created int
	closed  bool
}

// Init validates the options and creates a Context.
func Init(optFns ...ContextOption) (*Context, error) {
	o := applyContextOptions(optFns)

	if o.devices <= 0 {
		return nil, fmt.Errorf("%w: %d devices", ErrInvalidArgument, o.devices)
	}
	if o.numRanks <= 0 || o.rank < 0 || o.rank >= o.numRanks {
		return nil, fmt.Errorf("%w: rank %d of %d", ErrInvalidArgument, o.rank, o.numRanks)
	}
	if o.memoryLimit < 0 || o.workers < 0 || o.ioLimit < 0 {
		return nil, fmt.Errorf("%w: negative resource limit", ErrInvalidArgument)
	}

	c := &Context{
		opts: o,
		res: resource.NewController(resource.Config{
			MemoryLimitBytes:   o.memoryLimit,
			MaxWorkers:         o.workers,
			IOLimitBytesPerSec: o.ioLimit,
		}),
		logger:  o.logger,
		metrics: o.metricsCollector,
		tables:  make(map[string]*Table),
	}

	c.logger.Info("context initialized",
		"devices", o.devices,
		"rank", o.rank,
		"num_ranks", o.numRanks,
		"memory_limit", o.memoryLimit,
		"workers", c.res.Workers(),
	)
	return c, nil
}

// Devices returns the number of local devices, which is the shard count of
// every table.
func (c *Context) Devices() int { return c.opts.devices }

// Rank returns this process's rank.
func (c *Context) Rank() int { return c.opts.rank }

// NumRanks returns the number of ranks.
func (c *Context) NumRanks() int { return c.opts.numRanks }

// Logger returns the context logger.
func (c *Context) Logger() *Logger { return c.logger }

// MemoryUsage returns the bytes of slot storage held by all tables.
func (c *Context) MemoryUsage() int64 { return c.res.MemoryUsage() }

// IOLimit returns the checkpoint throughput cap in bytes per second, 0 if
// unlimited.
func (c *Context) IOLimit() int64 { return c.opts.ioLimit }

// Table returns the open table with the given name.
func (c *Context) Table(name string) (*Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tables[name]
	return t, ok
}

// Tables returns all open tables ordered by name.
func (c *Context) Tables() []*Table {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (c *Context) register(name string, build func(name string) (*Table, error)) (*Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if name == "" {
		name = fmt.Sprintf("table_%d", c.created)
	}
	if _, ok := c.tables[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateTable, name)
	}

	t, err := build(name)
	if err != nil {
		return nil, err
	}
	c.created++
	c.tables[name] = t
	return t, nil
}

func (c *Context) unregister(t *Table) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables[t.name] == t {
		delete(c.tables, t.name)
	}
}

// Close tears down every open table. The context cannot create tables
// afterwards.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tables := make([]*Table, 0, len(c.tables))
	for _, t := range c.tables {
		tables = append(tables, t)
	}
	c.mu.Unlock()

	var errs []error
	for _, t := range tables {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forEach runs fn for every index in [0,n) on the worker pool and returns
// the first error.
func (c *Context) forEach(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n == 1 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(ctx, 0)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := c.res.AcquireWorker(gctx); err != nil {
				return err
			}
			defer c.res.ReleaseWorker()
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
