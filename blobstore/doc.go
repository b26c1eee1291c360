// Package blobstore provides the storage abstraction behind checkpoints.
//
// A checkpoint is a set of immutable chunk blobs plus a manifest and a CURRENT
// pointer. BlobStore is the interface the checkpoint package reads and writes
// them through. Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: local filesystem, mmap-backed reads and rename-on-close writes
//   - MemoryStore: in-process map, for tests
//   - s3.Store: Amazon S3 with range reads and multipart uploads
//   - s3.DDBCommitStore: S3 plus a DynamoDB conditional write for CURRENT
//   - minio.Store: MinIO and other S3-compatible object stores
//
// # Custom Implementations
//
//	type BlobStore interface {
//	    Open(ctx, name) (Blob, error)
//	    Create(ctx, name) (WritableBlob, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Open must return an error satisfying errors.Is(err, ErrNotFound) for
// missing blobs. Put must be atomic: readers see either the old content or
// the new content, never a prefix.
package blobstore
