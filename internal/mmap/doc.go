// Package mmap provides read-only file mappings and anonymous off-heap
// mappings.
//
// File mappings back LocalStore blobs so checkpoint chunks can be decoded
// without an intermediate copy. Anonymous mappings back the slot chunks of
// the shard store, which keeps large embedding tables outside the Go heap
// and out of the garbage collector's scan set.
//
//	m, err := mmap.Open("part-00000.bin")
//	if err != nil { ... }
//	defer m.Close()
//	data := m.Bytes()
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with madvise(2) access hints
//   - Windows: CreateFileMapping/MapViewOfFile and VirtualAlloc
//
// Mapping is safe for concurrent reads. Close is idempotent, but callers must
// not touch Bytes or Float32s after Close returns.
package mmap
