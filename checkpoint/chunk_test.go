package checkpoint

import (
	"encoding/binary"
	"testing"

	"github.com/hupe1980/dynembed/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunk_RoundTrip(t *testing.T) {
	rng := testutil.NewRNG(7)
	keys := rng.DistinctKeys(300)
	vecs := rng.UniformRangeVectors(len(keys), 16)

	for _, ct := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			data, err := encodeChunk(16, keys, vecs, ct)
			require.NoError(t, err)

			c, err := decodeChunk(data)
			require.NoError(t, err)
			assert.Equal(t, 16, c.dim)
			assert.Equal(t, keys, c.keys)
			assert.Equal(t, vecs, c.vecs)
		})
	}
}

func TestChunk_CompressesRepetitiveData(t *testing.T) {
	keys := make([]uint64, 1000)
	vecs := make([][]float32, 1000)
	for i := range keys {
		keys[i] = uint64(i)
		vecs[i] = []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	}

	raw, err := encodeChunk(8, keys, vecs, CompressionNone)
	require.NoError(t, err)
	packed, err := encodeChunk(8, keys, vecs, CompressionZSTD)
	require.NoError(t, err)
	assert.Less(t, len(packed), len(raw)/2)
}

func TestChunk_Empty(t *testing.T) {
	data, err := encodeChunk(4, nil, nil, CompressionLZ4)
	require.NoError(t, err)

	c, err := decodeChunk(data)
	require.NoError(t, err)
	assert.Empty(t, c.keys)
	assert.Equal(t, 4, c.dim)
}

func TestChunk_Corrupt(t *testing.T) {
	keys := []uint64{1, 2, 3}
	vecs := [][]float32{{1, 2}, {3, 4}, {5, 6}}
	data, err := encodeChunk(2, keys, vecs, CompressionNone)
	require.NoError(t, err)

	_, err = decodeChunk(data[:10])
	assert.ErrorIs(t, err, ErrCorrupt)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xFF
	_, err = decodeChunk(flipped)
	assert.ErrorIs(t, err, ErrCorrupt)

	truncated := data[:len(data)-4]
	_, err = decodeChunk(truncated)
	assert.ErrorIs(t, err, ErrCorrupt)

	badMagic := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(badMagic[0:4], 0xDEADBEEF)
	_, err = decodeChunk(badMagic)
	assert.ErrorIs(t, err, ErrCorrupt)

	future := append([]byte(nil), data...)
	binary.LittleEndian.PutUint32(future[4:8], 99)
	_, err = decodeChunk(future)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestChunk_WidthMismatch(t *testing.T) {
	_, err := encodeChunk(3, []uint64{1}, [][]float32{{1, 2}}, CompressionNone)
	assert.Error(t, err)

	_, err = encodeChunk(3, []uint64{1, 2}, [][]float32{{1, 2, 3}}, CompressionNone)
	assert.Error(t, err)
}

func TestSortByKey(t *testing.T) {
	keys := []uint64{9, 1, 5}
	vecs := [][]float32{{9}, {1}, {5}}
	sortByKey(keys, vecs)
	assert.Equal(t, []uint64{1, 5, 9}, keys)
	assert.Equal(t, [][]float32{{1}, {5}, {9}}, vecs)
}
