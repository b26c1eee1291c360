// Package minio stores checkpoints in any S3-compatible object store through
// the MinIO client (MinIO itself, Ceph RGW, SeaweedFS, Garage).
//
// The store has no AWS SDK dependency, which makes it the usual choice for
// on-premise training clusters:
//
//	client, err := minio.New("minio.internal:9000", &minio.Options{
//	    Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
//	    Secure: true,
//	})
//	if err != nil {
//	    return err
//	}
//
//	store := minioblob.NewStore(client, "training", "recsys/embeddings")
//	m, err := checkpoint.Save(ctx, store, tables)
//
// Chunk files are streamed with PutObject while they are encoded, so a Create
// never buffers a whole chunk. Keys are laid out below the prefix exactly as
// they would be in a LocalStore directory.
package minio
