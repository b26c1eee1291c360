// Package slotstore holds the fixed-width float32 vectors of one shard.
//
// Storage is a list of chunks, each an anonymous off-heap mapping holding
// ChunkSlots consecutive slots for every buffer: buffer 0 is the embedding
// value, further buffers hold per-slot optimizer state. Growing appends
// chunks and never moves existing slots, so a slot's memory is stable for
// the life of the store.
//
// Per-slot access is serialized through a fixed array of striped mutexes.
// Operations on disjoint slots rarely contend; operations on the same slot
// never interleave at sub-vector granularity. Grow and Close are not safe
// to call concurrently with anything else; the owning shard holds its
// exclusive lock for both.
package slotstore
