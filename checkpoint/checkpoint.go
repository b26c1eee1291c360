package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hupe1980/dynembed"
	"github.com/hupe1980/dynembed/blobstore"
	"github.com/hupe1980/dynembed/internal/resource"
	"golang.org/x/sync/errgroup"
)

// Save exports every table and commits a new checkpoint to store.
//
// Chunks are written first, then the manifest, then CURRENT. A failure
// before the CURRENT write leaves the previous checkpoint current; the
// orphaned chunks are removed by the next Prune.
func Save(ctx context.Context, store blobstore.BlobStore, tables []*dynembed.Table, opts ...Option) (m *Manifest, err error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no tables to save", dynembed.ErrInvalidArgument)
	}
	if err := checkNames(tables); err != nil {
		return nil, err
	}

	o := applyOptions(tables, opts)
	limiter := resource.NewController(resource.Config{IOLimitBytesPerSec: o.rateLimit})
	ms := NewStore(store)

	var id uint64
	defer func() {
		keys := 0
		if m != nil {
			keys = m.Keys()
		}
		o.logger.LogCheckpoint(ctx, "save", id, keys, err)
	}()

	prev, err := ms.Load(ctx)
	switch {
	case err == nil:
		id = prev.ID + 1
	case errors.Is(err, ErrNotFound):
		id = 1
	default:
		return nil, err
	}

	m = &Manifest{
		ID:        id,
		UUID:      uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Tables:    make([]TableInfo, len(tables)),
	}

	for i, t := range tables {
		info, err := saveTable(ctx, store, limiter, o, id, t)
		if err != nil {
			return nil, fmt.Errorf("save table %q: %w", t.Name(), err)
		}
		m.Tables[i] = info
	}

	if err := ms.Save(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func saveTable(ctx context.Context, store blobstore.BlobStore, limiter *resource.Controller, o options, id uint64, t *dynembed.Table) (TableInfo, error) {
	keys, vecs, err := t.Export(ctx)
	if err != nil {
		return TableInfo{}, err
	}
	sortByKey(keys, vecs)

	info := TableInfo{
		Name:        t.Name(),
		Dimension:   t.Dimension(),
		Mode:        t.Mode(),
		Initializer: t.Initializer(),
		Optimizer:   t.Optimizer(),
		Size:        len(keys),
		Chunks:      make([]ChunkInfo, (len(keys)+o.chunkKeys-1)/o.chunkKeys),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i := range info.Chunks {
		lo := i * o.chunkKeys
		hi := min(lo+o.chunkKeys, len(keys))
		g.Go(func() error {
			data, err := encodeChunk(t.Dimension(), keys[lo:hi], vecs[lo:hi], o.compression)
			if err != nil {
				return err
			}
			path := fmt.Sprintf("%s%s/part-%05d.chunk", chunkDir(id), t.Name(), i)
			if err := writeBlob(ctx, store, limiter, path, data); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			info.Chunks[i] = ChunkInfo{
				Path:        path,
				Keys:        hi - lo,
				Size:        int64(len(data)),
				Compression: o.compression.String(),
				MinKey:      keys[lo],
				MaxKey:      keys[hi-1],
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TableInfo{}, err
	}
	return info, nil
}

func writeBlob(ctx context.Context, store blobstore.BlobStore, limiter *resource.Controller, path string, data []byte) error {
	w, err := store.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err := resource.NewRateLimitedWriter(ctx, w, limiter).Write(data); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Sync(); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Load returns the manifest of the current checkpoint, or of the version set
// with WithVersion.
func Load(ctx context.Context, store blobstore.BlobStore, opts ...Option) (*Manifest, error) {
	o := applyOptions(nil, opts)
	return NewStore(store).LoadVersion(ctx, o.version)
}

// Restore assigns the saved vectors of each table from the current
// checkpoint. Tables are matched by name. Keys absent from the checkpoint
// keep their values; restore into fresh tables to reproduce the saved state
// exactly. A table whose dimension differs from the saved one fails with a
// *dynembed.DimensionError before any chunk is read.
func Restore(ctx context.Context, store blobstore.BlobStore, tables []*dynembed.Table, opts ...Option) (m *Manifest, err error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: no tables to restore", dynembed.ErrInvalidArgument)
	}
	if err := checkNames(tables); err != nil {
		return nil, err
	}

	o := applyOptions(tables, opts)
	limiter := resource.NewController(resource.Config{IOLimitBytesPerSec: o.rateLimit})

	var id uint64
	defer func() {
		keys := 0
		if m != nil {
			for _, t := range tables {
				if info, ok := m.Table(t.Name()); ok {
					keys += info.Size
				}
			}
		}
		o.logger.LogCheckpoint(ctx, "restore", id, keys, err)
	}()

	m, err = NewStore(store).LoadVersion(ctx, o.version)
	if err != nil {
		return nil, err
	}
	id = m.ID

	infos := make([]TableInfo, len(tables))
	for i, t := range tables {
		info, ok := m.Table(t.Name())
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrTableMissing, t.Name())
		}
		if info.Dimension != t.Dimension() {
			return nil, &dynembed.DimensionError{Table: t.Name(), Expected: t.Dimension(), Actual: info.Dimension}
		}
		infos[i] = info
	}

	for i, t := range tables {
		if err := restoreTable(ctx, store, limiter, o, t, infos[i]); err != nil {
			return nil, fmt.Errorf("restore table %q: %w", t.Name(), err)
		}
	}
	return m, nil
}

func restoreTable(ctx context.Context, store blobstore.BlobStore, limiter *resource.Controller, o options, t *dynembed.Table, info TableInfo) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, ci := range info.Chunks {
		g.Go(func() error {
			data, err := blobstore.ReadAll(ctx, store, ci.Path)
			if err != nil {
				return fmt.Errorf("read %s: %w", ci.Path, err)
			}
			if err := limiter.AcquireIO(ctx, len(data)); err != nil {
				return err
			}
			c, err := decodeChunk(data)
			if err != nil {
				return fmt.Errorf("%s: %w", ci.Path, err)
			}
			if c.dim != t.Dimension() {
				return &dynembed.DimensionError{Table: t.Name(), Expected: t.Dimension(), Actual: c.dim}
			}
			if len(c.keys) != ci.Keys {
				return fmt.Errorf("%w: %s holds %d keys, manifest says %d", ErrCorrupt, ci.Path, len(c.keys), ci.Keys)
			}
			return t.Assign(ctx, c.keys, c.vecs)
		})
	}
	return g.Wait()
}

// Prune keeps the newest keep checkpoints and deletes older manifests and
// their chunks, plus chunk directories no manifest references. The current
// checkpoint is never deleted. It returns the IDs of removed manifests.
// Prune must not run concurrently with Save on the same store.
func Prune(ctx context.Context, store blobstore.BlobStore, keep int) ([]uint64, error) {
	if keep < 1 {
		keep = 1
	}
	ms := NewStore(store)

	current, err := ms.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	versions, err := ms.ListVersions(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool)
	var removed []uint64
	for i, v := range versions {
		if len(versions)-i <= keep || v.ID == current.ID {
			live[chunkDir(v.ID)] = true
			continue
		}
		if err := ms.DeleteVersion(ctx, v.ID); err != nil {
			return removed, err
		}
		removed = append(removed, v.ID)
	}
	live[chunkDir(current.ID)] = true

	names, err := store.List(ctx, "ckpt-")
	if err != nil {
		return removed, err
	}
	for _, name := range names {
		dir, _, ok := strings.Cut(name, "/")
		if !ok || live[dir+"/"] {
			continue
		}
		if err := store.Delete(ctx, name); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// checkNames rejects nil tables and repeated names.
func checkNames(tables []*dynembed.Table) error {
	seen := make(map[string]bool, len(tables))
	for i, t := range tables {
		if t == nil {
			return fmt.Errorf("%w: table %d is nil", dynembed.ErrInvalidArgument, i)
		}
		if seen[t.Name()] {
			return fmt.Errorf("%w: table %q listed twice", dynembed.ErrInvalidArgument, t.Name())
		}
		seen[t.Name()] = true
	}
	return nil
}

// sortByKey orders keys ascending and permutes vecs alongside.
func sortByKey(keys []uint64, vecs [][]float32) {
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	slices.SortFunc(idx, func(a, b int) int {
		switch {
		case keys[a] < keys[b]:
			return -1
		case keys[a] > keys[b]:
			return 1
		}
		return 0
	})

	sk := make([]uint64, len(keys))
	sv := make([][]float32, len(vecs))
	for i, j := range idx {
		sk[i], sv[i] = keys[j], vecs[j]
	}
	copy(keys, sk)
	copy(vecs, sv)
}
