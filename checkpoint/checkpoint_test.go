package checkpoint

import (
	"context"
	"fmt"
	"testing"

	"github.com/hupe1980/dynembed"
	"github.com/hupe1980/dynembed/blobstore"
	"github.com/hupe1980/dynembed/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(t *testing.T, opts ...dynembed.ContextOption) *dynembed.Context {
	t.Helper()
	c, err := dynembed.Init(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newTable(t *testing.T, c *dynembed.Context, name string, dim int, opts ...dynembed.TableOption) *dynembed.Table {
	t.Helper()
	tbl, err := c.NewTable(name, dim, opts...)
	require.NoError(t, err)
	return tbl
}

func exportMap(t *testing.T, tbl *dynembed.Table) map[uint64][]float32 {
	t.Helper()
	keys, vecs, err := tbl.Export(context.Background())
	require.NoError(t, err)
	out := make(map[uint64][]float32, len(keys))
	for i, k := range keys {
		out[k] = vecs[i]
	}
	return out
}

func fill(t *testing.T, tbl *dynembed.Table, keys []uint64, v float32) {
	t.Helper()
	vecs := make([][]float32, len(keys))
	for i := range vecs {
		vecs[i] = make([]float32, tbl.Dimension())
		for j := range vecs[i] {
			vecs[i][j] = v
		}
	}
	require.NoError(t, tbl.Assign(context.Background(), keys, vecs))
}

func TestSaveRestore_RoundTrip(t *testing.T) {
	stores := map[string]func(t *testing.T) blobstore.BlobStore{
		"memory": func(*testing.T) blobstore.BlobStore { return blobstore.NewMemoryStore() },
		"local":  func(t *testing.T) blobstore.BlobStore { return blobstore.NewLocalStore(t.TempDir()) },
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)
			rng := testutil.NewRNG(11)

			src := newContext(t, dynembed.WithDevices(4))
			users := newTable(t, src, "users", 8)
			items := newTable(t, src, "items", 4, dynembed.WithMode("replicated"))

			userKeys := rng.DistinctKeys(1000)
			require.NoError(t, users.Assign(ctx, userKeys, rng.UniformRangeVectors(len(userKeys), 8)))
			itemKeys := rng.DistinctKeys(50)
			require.NoError(t, items.Assign(ctx, itemKeys, rng.UniformRangeVectors(len(itemKeys), 4)))

			m, err := Save(ctx, store, []*dynembed.Table{users, items},
				WithChunkKeys(128),
				WithCompression(CompressionZSTD),
			)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), m.ID)
			assert.NotEmpty(t, m.UUID)
			require.Len(t, m.Tables, 2)
			assert.Equal(t, 1000, m.Tables[0].Size)
			assert.Len(t, m.Tables[0].Chunks, 8)
			assert.Equal(t, "replicated", m.Tables[1].Mode)
			assert.Equal(t, 1050, m.Keys())

			// Restore into a differently sharded context.
			dst := newContext(t, dynembed.WithDevices(2))
			users2 := newTable(t, dst, "users", 8)
			items2 := newTable(t, dst, "items", 4)

			restored, err := Restore(ctx, store, []*dynembed.Table{users2, items2})
			require.NoError(t, err)
			assert.Equal(t, m.UUID, restored.UUID)

			assert.Equal(t, exportMap(t, users), exportMap(t, users2))
			assert.Equal(t, exportMap(t, items), exportMap(t, items2))
			assert.Equal(t, 1000, users2.Size())
		})
	}
}

func TestSave_EmptyTable(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	c := newContext(t)
	tbl := newTable(t, c, "empty", 4)

	m, err := Save(ctx, store, []*dynembed.Table{tbl})
	require.NoError(t, err)
	assert.Equal(t, 0, m.Tables[0].Size)
	assert.Empty(t, m.Tables[0].Chunks)

	_, err = Restore(ctx, store, []*dynembed.Table{tbl})
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Size())
}

func TestSave_Versions(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	c := newContext(t)
	tbl := newTable(t, c, "t", 2)

	keys := []uint64{1, 2, 3}
	fill(t, tbl, keys, 1)
	m1, err := Save(ctx, store, []*dynembed.Table{tbl})
	require.NoError(t, err)

	fill(t, tbl, keys, 2)
	m2, err := Save(ctx, store, []*dynembed.Table{tbl})
	require.NoError(t, err)
	assert.Equal(t, m1.ID+1, m2.ID)
	assert.NotEqual(t, m1.UUID, m2.UUID)

	latest, err := Load(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, m2.ID, latest.ID)

	fresh := newTable(t, newContext(t), "t", 2)
	_, err = Restore(ctx, store, []*dynembed.Table{fresh}, WithVersion(m1.ID))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1}, exportMap(t, fresh)[2])

	_, err = Restore(ctx, store, []*dynembed.Table{fresh})
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 2}, exportMap(t, fresh)[2])
}

func TestRestore_Overlay(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	src := newTable(t, newContext(t), "t", 1)
	fill(t, src, []uint64{1, 2}, 5)
	_, err := Save(ctx, store, []*dynembed.Table{src})
	require.NoError(t, err)

	dst := newTable(t, newContext(t), "t", 1)
	fill(t, dst, []uint64{2, 3}, 9)
	_, err = Restore(ctx, store, []*dynembed.Table{dst})
	require.NoError(t, err)

	got := exportMap(t, dst)
	assert.Equal(t, map[uint64][]float32{1: {5}, 2: {5}, 3: {9}}, got)
}

func TestRestore_Errors(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	c := newContext(t)

	tbl := newTable(t, c, "users", 8)
	fill(t, tbl, []uint64{1}, 1)

	_, err := Restore(ctx, store, []*dynembed.Table{tbl})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Save(ctx, store, []*dynembed.Table{tbl})
	require.NoError(t, err)

	other := newContext(t)
	wide := newTable(t, other, "users", 16)
	_, err = Restore(ctx, store, []*dynembed.Table{wide})
	require.ErrorIs(t, err, dynembed.ErrDimensionMismatch)
	var de *dynembed.DimensionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 16, de.Expected)
	assert.Equal(t, 8, de.Actual)
	assert.Equal(t, 0, wide.Size())

	missing := newTable(t, other, "items", 8)
	_, err = Restore(ctx, store, []*dynembed.Table{missing})
	assert.ErrorIs(t, err, ErrTableMissing)

	_, err = Restore(ctx, store, nil)
	assert.ErrorIs(t, err, dynembed.ErrInvalidArgument)
	_, err = Save(ctx, store, nil)
	assert.ErrorIs(t, err, dynembed.ErrInvalidArgument)
	_, err = Save(ctx, store, []*dynembed.Table{tbl, tbl})
	assert.ErrorIs(t, err, dynembed.ErrInvalidArgument)
	_, err = Restore(ctx, store, []*dynembed.Table{tbl, tbl})
	assert.ErrorIs(t, err, dynembed.ErrInvalidArgument)

	_, err = Save(ctx, store, []*dynembed.Table{tbl, nil})
	assert.ErrorIs(t, err, dynembed.ErrInvalidArgument)
	_, err = Restore(ctx, store, []*dynembed.Table{nil})
	assert.ErrorIs(t, err, dynembed.ErrInvalidArgument)
}

func TestRestore_CorruptChunk(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	tbl := newTable(t, newContext(t), "t", 4)
	fill(t, tbl, []uint64{1, 2, 3}, 3)

	m, err := Save(ctx, store, []*dynembed.Table{tbl}, WithCompression(CompressionNone))
	require.NoError(t, err)

	path := m.Tables[0].Chunks[0].Path
	data, err := blobstore.ReadAll(ctx, store, path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, store.Put(ctx, path, data))

	fresh := newTable(t, newContext(t), "t", 4)
	_, err = Restore(ctx, store, []*dynembed.Table{fresh})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSave_ClosedTable(t *testing.T) {
	tbl := newTable(t, newContext(t), "t", 4)
	require.NoError(t, tbl.Close())

	_, err := Save(context.Background(), blobstore.NewMemoryStore(), []*dynembed.Table{tbl})
	assert.ErrorIs(t, err, dynembed.ErrClosed)
}

func TestSave_RateLimited(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	c := newContext(t, dynembed.WithIOLimit(1<<30))
	tbl := newTable(t, c, "t", 4)
	fill(t, tbl, []uint64{1, 2, 3}, 1)

	_, err := Save(ctx, store, []*dynembed.Table{tbl}, WithConcurrency(1))
	require.NoError(t, err)

	_, err = Save(ctx, store, []*dynembed.Table{tbl}, WithRateLimit(1<<20))
	require.NoError(t, err)
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	tbl := newTable(t, newContext(t), "t", 2)
	fill(t, tbl, []uint64{1, 2, 3}, 1)

	for range 4 {
		_, err := Save(ctx, store, []*dynembed.Table{tbl})
		require.NoError(t, err)
	}
	require.NoError(t, store.Put(ctx, "ckpt-000099/t/part-00000.chunk", []byte("orphan")))

	removed, err := Prune(ctx, store, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, removed)

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"CURRENT",
		"MANIFEST-000003.json",
		"MANIFEST-000004.json",
		"ckpt-000003/t/part-00000.chunk",
		"ckpt-000004/t/part-00000.chunk",
	}, names)

	fresh := newTable(t, newContext(t), "t", 2)
	m, err := Restore(ctx, store, []*dynembed.Table{fresh})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), m.ID)
	assert.Equal(t, 3, fresh.Size())

	removed, err = Prune(ctx, blobstore.NewMemoryStore(), 1)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		c, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, name, c.String(), fmt.Sprintf("parse %s", name))
	}
	_, err := ParseCompression("brotli")
	assert.Error(t, err)
}
