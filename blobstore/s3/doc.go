// Package s3 provides Amazon S3 implementations of blobstore.BlobStore.
//
// # Usage
//
//	store, err := s3.NewFromConfig(ctx, "my-bucket", "checkpoints/",
//	    config.WithRegion("us-east-1"),
//	)
//
//	err = checkpoint.Save(ctx, store, tables)
//
// Store alone is safe for a single writer per prefix. When several trainers
// may commit checkpoints under the same prefix, wrap it in a DDBCommitStore,
// which turns the CURRENT pointer into a DynamoDB conditional write.
//
// # Features
//
//   - Range reads for partial chunk fetches
//   - Multipart uploads with CRC32C checksums for large chunks
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
