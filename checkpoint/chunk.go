package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hupe1980/dynembed/internal/compress"
	"github.com/hupe1980/dynembed/internal/hash"
)

const (
	chunkMagic   = 0x43544544 // "DETC"
	chunkVersion = 1

	chunkHeaderSize = 28
)

// chunk is the decoded content of one chunk blob.
type chunk struct {
	dim  int
	keys []uint64
	vecs [][]float32
}

// encodeChunk serializes keys and their vectors.
// Format:
// Magic (4 bytes)
// Version (4 bytes)
// Dim (4 bytes)
// Count (4 bytes)
// Compression (4 bytes)
// Checksum (4 bytes) - CRC32C of block
// BlockLength (4 bytes)
// Block: compress.Encode of
//
//	Keys (Count x 8 bytes)
//	Values (Count x Dim x 4 bytes, float32 bits)
func encodeChunk(dim int, keys []uint64, vecs [][]float32, ct compress.Type) ([]byte, error) {
	if len(keys) != len(vecs) {
		return nil, fmt.Errorf("chunk: %d keys but %d vectors", len(keys), len(vecs))
	}

	raw := make([]byte, 0, len(keys)*(8+4*dim))
	for _, k := range keys {
		raw = binary.LittleEndian.AppendUint64(raw, k)
	}
	for i, v := range vecs {
		if len(v) != dim {
			return nil, fmt.Errorf("chunk: vector %d has width %d, want %d", i, len(v), dim)
		}
		for _, x := range v {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(x))
		}
	}

	block, err := compress.Encode(raw, ct)
	if err != nil {
		return nil, err
	}

	out := make([]byte, chunkHeaderSize, chunkHeaderSize+len(block))
	binary.LittleEndian.PutUint32(out[0:4], chunkMagic)
	binary.LittleEndian.PutUint32(out[4:8], chunkVersion)
	binary.LittleEndian.PutUint32(out[8:12], uint32(dim))
	binary.LittleEndian.PutUint32(out[12:16], uint32(len(keys)))
	binary.LittleEndian.PutUint32(out[16:20], uint32(ct))
	binary.LittleEndian.PutUint32(out[20:24], hash.CRC32C(block))
	binary.LittleEndian.PutUint32(out[24:28], uint32(len(block)))
	return append(out, block...), nil
}

// decodeChunk reverses encodeChunk.
func decodeChunk(data []byte) (*chunk, error) {
	if len(data) < chunkHeaderSize {
		return nil, fmt.Errorf("%w: %d byte header", ErrCorrupt, len(data))
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != chunkMagic {
		return nil, fmt.Errorf("%w: invalid magic %x", ErrCorrupt, magic)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != chunkVersion {
		return nil, fmt.Errorf("%w: chunk version %d", ErrIncompatibleVersion, v)
	}
	dim := int(binary.LittleEndian.Uint32(data[8:12]))
	count := int(binary.LittleEndian.Uint32(data[12:16]))
	ct := compress.Type(binary.LittleEndian.Uint32(data[16:20]))
	checksum := binary.LittleEndian.Uint32(data[20:24])
	length := int(binary.LittleEndian.Uint32(data[24:28]))

	block := data[chunkHeaderSize:]
	if len(block) != length {
		return nil, fmt.Errorf("%w: block is %d bytes, header says %d", ErrCorrupt, len(block), length)
	}
	if hash.CRC32C(block) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	raw, err := compress.Decode(block, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(raw) != count*(8+4*dim) {
		return nil, fmt.Errorf("%w: payload is %d bytes for %d keys of width %d", ErrCorrupt, len(raw), count, dim)
	}

	c := &chunk{
		dim:  dim,
		keys: make([]uint64, count),
		vecs: make([][]float32, count),
	}
	for i := range c.keys {
		c.keys[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	vals := raw[count*8:]
	flat := make([]float32, count*dim)
	for i := range flat {
		flat[i] = math.Float32frombits(binary.LittleEndian.Uint32(vals[i*4:]))
	}
	for i := range c.vecs {
		c.vecs[i] = flat[i*dim : (i+1)*dim : (i+1)*dim]
	}
	return c, nil
}
