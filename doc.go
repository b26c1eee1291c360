// Package dynembed provides dynamic embedding tables for sparse
// recommendation models.
//
// A table maps uint64 keys to fixed-width float32 vectors. Keys are created
// on first lookup (insert-on-miss) or by Assign, live in one of the table's
// shards, and are removed only by eviction at max capacity or when the
// table is closed.
//
// # Quick Start
//
//	c, _ := dynembed.Init(dynembed.WithDevices(2))
//	defer c.Close()
//
//	users, _ := c.NewTable("users", 16,
//	    dynembed.WithMode("distributed"),
//	    dynembed.WithInitializer("random"),
//	    dynembed.WithOptimizer(dynembed.Adagrad(0.05)),
//	)
//
//	res, _ := users.LookupSparse(ctx, dynembed.Batch{
//	    Keys:       []uint64{7, 42, 42, 9},
//	    RowLengths: []int{1, 3},
//	}, dynembed.CombinerMean)
//
//	// ... compute one gradient per row of res.Rows ...
//	_ = users.ApplyGradients(ctx, res, rowGrads)
//
// # Modes
//
//   - distributed: keys are spread over all shards by key mod shards (or
//     xxhash with WithKeyHash("xxhash")).
//   - localized:<id>: the whole table lives on shard id.
//   - replicated: every shard holds a full copy; reads use shard 0 and
//     writes reach every copy.
//
// # Capacity
//
// Every shard is pre-sized to the init capacity and grows in chunks. With a
// max capacity, new keys beyond it either fail with a *CapacityError
// (default) or evict old keys (WithEviction("lru") or "random"). A key
// resolved by a call is never evicted by that same call.
//
// # Persistence
//
// Export and Assign round-trip every live key. Package checkpoint writes
// them to a blobstore.BlobStore (local disk, memory, S3, MinIO).
package dynembed
