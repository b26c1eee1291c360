// Package checkpoint saves and restores embedding tables through a
// blobstore.BlobStore.
//
// A checkpoint is built on Table.Export and Table.Assign: restoring a saved
// table into a fresh table of the same dimension reproduces its key set and
// vectors exactly. Optimizer state is not saved.
//
// # Layout
//
//	ckpt-000007/<table>/part-00000.chunk   sorted keys and vectors, compressed
//	MANIFEST-000007.json                   tables, chunk list, UUID, timestamp
//	CURRENT                                name of the committed manifest
//
// Save writes chunks, then the manifest, then CURRENT. CURRENT is replaced
// with a single atomic Put, so readers observe either the previous or the new
// checkpoint. Wrap an S3 store in s3.DDBCommitStore when several writers may
// commit to the same prefix.
//
// # Usage
//
//	store := blobstore.NewLocalStore("/var/lib/model")
//	m, err := checkpoint.Save(ctx, store, []*dynembed.Table{users, items},
//	    checkpoint.WithCompression(checkpoint.CompressionZSTD),
//	)
//
//	// later, in a new process
//	_, err = checkpoint.Restore(ctx, store, []*dynembed.Table{users, items})
//
// Chunk IO is throttled by the tables' Context IO limit (dynembed.WithIOLimit)
// unless WithRateLimit overrides it.
package checkpoint
