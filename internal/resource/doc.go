// Package resource implements the process-wide resource controller shared by
// every table created from one dynembed.Context.
//
// The controller governs three resources:
//
//   - Memory: slot chunk allocations for all shards (non-blocking, fail-fast)
//   - Workers: the fan-out width for per-shard work
//   - IO: a token bucket for checkpoint reads and writes
//
// Memory is tracked with a weighted semaphore for the hard limit and an
// atomic counter for usage. AcquireMemory never blocks; a shard that cannot
// grow reports ErrMemoryLimitExceeded and the step fails:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 8 << 30,
//	})
//	if err := rc.AcquireMemory(chunkBytes); err != nil {
//	    return err
//	}
//	defer rc.ReleaseMemory(chunkBytes)
//
// IO limiting wraps writers so large blobs are throttled in burst-sized
// pieces:
//
//	w = resource.NewRateLimitedWriter(ctx, w, rc)
//
// All methods are safe for concurrent use and a nil *Controller is valid:
// every method becomes a no-op.
package resource
