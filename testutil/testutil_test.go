package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformRangeVectors(t *testing.T) {
	rng := NewRNG(4711)

	v := rng.UniformRangeVectors(8, 32)

	assert.Equal(t, 8, len(v))
	assert.Equal(t, 32, len(v[0]))
	assert.LessOrEqual(t, v[0][0], float32(1.0))
	assert.GreaterOrEqual(t, v[1][0], float32(-1.0))
}

func TestReset(t *testing.T) {
	rng := NewRNG(4711)
	k1 := rng.Keys(10, 1000)

	rng.Reset()
	k2 := rng.Keys(10, 1000)

	assert.Equal(t, k1, k2)
}

func TestDistinctKeys(t *testing.T) {
	keys := NewRNG(1).DistinctKeys(500)

	seen := make(map[uint64]bool)
	for _, k := range keys {
		require.False(t, seen[k])
		seen[k] = true
	}
	assert.Len(t, keys, 500)
}

func TestRaggedBatch(t *testing.T) {
	keys, lengths := NewRNG(7).RaggedBatch(64, 4, 100)

	require.Len(t, lengths, 64)
	total := 0
	for _, n := range lengths {
		assert.GreaterOrEqual(t, n, 0)
		assert.LessOrEqual(t, n, 4)
		total += n
	}
	assert.Len(t, keys, total)
	for _, k := range keys {
		assert.Less(t, k, uint64(100))
	}
}

func TestDenseEmbedding_Lookup(t *testing.T) {
	ref := NewDenseEmbedding(2, func(key uint64, v []float64) {
		for i := range v {
			v[i] = float64(key)
		}
	})

	keys := []uint64{1, 2, 3}
	lengths := []int{2, 0, 1}

	sum := ref.Lookup(keys, lengths, nil, Sum)
	assert.Equal(t, [][]float32{{3, 3}, {0, 0}, {3, 3}}, sum)

	mean := ref.Lookup(keys, lengths, nil, Mean)
	assert.Equal(t, [][]float32{{1.5, 1.5}, {0, 0}, {3, 3}}, mean)

	weighted := ref.Lookup(keys, lengths, []float32{1, 3, 2}, Mean)
	assert.Equal(t, [][]float32{{1.75, 1.75}, {0, 0}, {3, 3}}, weighted)
}

func TestDenseEmbedding_SGD(t *testing.T) {
	ref := NewDenseEmbedding(1, nil)
	keys := []uint64{5, 5, 6}
	ref.SGD(keys, []int{2, 1}, nil, Mean, [][]float32{{2}, {4}}, 0.5)

	// key 5: two occurrences of 2/2 each; key 6: 4.
	assert.Equal(t, []float64{-1}, ref.Vector(5))
	assert.Equal(t, []float64{-2}, ref.Vector(6))
}

func TestRelativeSquaredError(t *testing.T) {
	assert.Equal(t, 0.0, RelativeSquaredError([][]float32{{1, 2}}, [][]float32{{1, 2}}))
	assert.InDelta(t, 0.01, RelativeSquaredError([][]float32{{1.1}}, [][]float32{{1}}), 1e-6)
}
