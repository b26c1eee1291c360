package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	compressible := bytes.Repeat([]byte{0, 0, 0x88, 0x41}, 4096)
	random := make([]byte, 4096)
	for i := range random {
		random[i] = byte(i*7919 + i>>3)
	}

	for _, typ := range []Type{None, LZ4, ZSTD} {
		t.Run(typ.String(), func(t *testing.T) {
			for _, data := range [][]byte{compressible, random, {}} {
				block, err := Encode(data, typ)
				require.NoError(t, err)

				out, err := Decode(block, typ)
				require.NoError(t, err)
				assert.Equal(t, len(data), len(out))
				assert.True(t, bytes.Equal(data, out))
			}
		})
	}
}

func TestEncode_ShrinksRepetitiveData(t *testing.T) {
	data := bytes.Repeat([]byte{1, 2, 3, 4}, 8192)

	lz, err := Encode(data, LZ4)
	require.NoError(t, err)
	assert.Less(t, len(lz), len(data)/2)

	zs, err := Encode(data, ZSTD)
	require.NoError(t, err)
	assert.Less(t, len(zs), len(data)/2)
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte{1, 2}, LZ4)
	assert.ErrorIs(t, err, ErrCorrupt)

	block, err := Encode(bytes.Repeat([]byte{9}, 1024), ZSTD)
	require.NoError(t, err)
	_, err = Decode(block[:len(block)-4], ZSTD)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestParse(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		typ, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, name, typ.String())
	}
	_, err := Parse("brotli")
	assert.ErrorIs(t, err, ErrUnknownType)
}
