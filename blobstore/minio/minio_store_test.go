package minio

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/hupe1980/dynembed"
	"github.com/hupe1980/dynembed/blobstore"
	"github.com/hupe1980/dynembed/checkpoint"
	"github.com/hupe1980/dynembed/testutil"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIntegrationStore connects to the MinIO server named by MINIO_ENDPOINT
// (default credentials minioadmin/minioadmin) and skips when none is set.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()

	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}
	user, pass := os.Getenv("MINIO_ROOT_USER"), os.Getenv("MINIO_ROOT_PASSWORD")
	if user == "" {
		user, pass = "minioadmin", "minioadmin"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds: credentials.NewStaticV4(user, pass, ""),
	})
	require.NoError(t, err)

	ctx := context.Background()
	const bucket = "dynembed-it"
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		t.Skipf("MinIO not reachable: %v", err)
	}
	if !exists {
		require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	return NewStore(client, bucket, time.Now().Format("20060102-150405.000000000"))
}

func TestIntegration_Blobs(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000003.json")))
	got, err := blobstore.ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000003.json", string(got))

	w, err := store.Create(ctx, "ckpt-000003/items/part-00000.chunk")
	require.NoError(t, err)
	_, err = w.Write([]byte("DETC-header-and-block"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "ckpt-000003/items/part-00000.chunk")
	require.NoError(t, err)
	rc, err := b.ReadRange(ctx, 5, 6)
	require.NoError(t, err)
	part, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "header", string(part))
	require.NoError(t, rc.Close())

	_, err = b.ReadRange(ctx, b.Size(), 1)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, b.Close())

	names, err := store.List(ctx, "ckpt-")
	require.NoError(t, err)
	assert.Equal(t, []string{"ckpt-000003/items/part-00000.chunk"}, names)

	for _, name := range append(names, "CURRENT") {
		require.NoError(t, store.Delete(ctx, name))
	}
	_, err = store.Open(ctx, "CURRENT")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestIntegration_Checkpoint(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	c, err := dynembed.Init(dynembed.WithDevices(2))
	require.NoError(t, err)
	defer c.Close()

	tbl, err := c.NewTable("users", 8)
	require.NoError(t, err)

	rng := testutil.NewRNG(5)
	keys := rng.DistinctKeys(300)
	vecs := rng.UniformRangeVectors(len(keys), 8)
	require.NoError(t, tbl.Assign(ctx, keys, vecs))

	m, err := checkpoint.Save(ctx, store, []*dynembed.Table{tbl}, checkpoint.WithChunkKeys(64))
	require.NoError(t, err)
	info, ok := m.Table("users")
	require.True(t, ok)
	assert.Len(t, info.Chunks, 5)

	c2, err := dynembed.Init(dynembed.WithDevices(3))
	require.NoError(t, err)
	defer c2.Close()
	restored, err := c2.NewTable("users", 8)
	require.NoError(t, err)

	_, err = checkpoint.Restore(ctx, store, []*dynembed.Table{restored})
	require.NoError(t, err)

	got, found, err := restored.Get(ctx, keys)
	require.NoError(t, err)
	for i := range keys {
		require.True(t, found[i])
		assert.Equal(t, vecs[i], got[i])
	}

	_, err = checkpoint.Prune(ctx, store, 1)
	require.NoError(t, err)
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NotFound"}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied"}))
}

func TestStore_Key(t *testing.T) {
	s := NewStore(nil, "b", "checkpoints/")
	assert.Equal(t, "checkpoints/users/part-00000.chunk", s.key("users/part-00000.chunk"))
	assert.Equal(t, "CURRENT", NewStore(nil, "b", "").key("CURRENT"))
}
