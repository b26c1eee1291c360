package testutil

import (
	"math/rand"
	"sync"
)

// RNG struct encapsulates the random number generator and seed.
// It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Reset resets the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// Uint64 returns a pseudo-random uint64.
func (r *RNG) Uint64() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Uint64()
}

// Float32 returns, as a float32, a pseudo-random number in [0.0,1.0).
func (r *RNG) Float32() float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Float32()
}

// FillUniformRange fills dst with random values in range [minVal, maxVal).
func (r *RNG) FillUniformRange(dst []float32, minVal, maxVal float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	span := maxVal - minVal
	for i := range dst {
		dst[i] = minVal + r.rand.Float32()*span
	}
}

// UniformRangeVectors generates random vectors with values in range [-1, 1).
// Uses a single backing array for efficiency.
func (r *RNG) UniformRangeVectors(num int, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)

	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = r.rand.Float32()*2 - 1
		}
		vectors[i] = vec
	}

	return vectors
}

// Keys returns n keys drawn from [0, keySpace). Keys may repeat.
func (r *RNG) Keys(n int, keySpace uint64) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]uint64, n)
	for i := range keys {
		keys[i] = r.rand.Uint64() % keySpace
	}
	return keys
}

// DistinctKeys returns n distinct keys spread over the full uint64 range.
func (r *RNG) DistinctKeys(n int) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uint64]struct{}, n)
	keys := make([]uint64, 0, n)
	for len(keys) < n {
		k := r.rand.Uint64()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// RaggedBatch returns rows of between 0 and maxHotness keys drawn from
// [0, keySpace), flattened, with the length of every row.
func (r *RNG) RaggedBatch(rows, maxHotness int, keySpace uint64) ([]uint64, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lengths := make([]int, rows)
	var keys []uint64
	for i := range lengths {
		n := r.rand.Intn(maxHotness + 1)
		lengths[i] = n
		for j := 0; j < n; j++ {
			keys = append(keys, r.rand.Uint64()%keySpace)
		}
	}
	return keys, lengths
}

// Combiner selects the row reduction of the dense reference.
type Combiner int

const (
	Sum Combiner = iota
	Mean
)

// DenseEmbedding is a float64 reference embedding: an explicit key-to-vector
// map with textbook gather-reduce forward and dense SGD.
type DenseEmbedding struct {
	dim  int
	fill func(key uint64, v []float64)
	rows map[uint64][]float64
}

// NewDenseEmbedding creates a reference table. fill sets the vector of a
// key on first use; nil means zeros.
func NewDenseEmbedding(dim int, fill func(key uint64, v []float64)) *DenseEmbedding {
	return &DenseEmbedding{dim: dim, fill: fill, rows: make(map[uint64][]float64)}
}

// Vector returns the vector of key, creating it on first use.
func (d *DenseEmbedding) Vector(key uint64) []float64 {
	v, ok := d.rows[key]
	if !ok {
		v = make([]float64, d.dim)
		if d.fill != nil {
			d.fill(key, v)
		}
		d.rows[key] = v
	}
	return v
}

// Set overwrites the vector of key.
func (d *DenseEmbedding) Set(key uint64, v []float32) {
	dst := d.Vector(key)
	for i := range dst {
		dst[i] = float64(v[i])
	}
}

// rowWeights returns the factor of every key in the forward pass.
func rowWeights(lengths []int, weights []float32, comb Combiner) []float64 {
	total := 0
	for _, n := range lengths {
		total += n
	}
	out := make([]float64, total)
	k := 0
	for _, n := range lengths {
		var sum float64
		for i := k; i < k+n; i++ {
			w := 1.0
			if weights != nil {
				w = float64(weights[i])
			}
			out[i] = w
			sum += w
		}
		if comb == Mean {
			for i := k; i < k+n; i++ {
				if sum == 0 {
					out[i] = 0
				} else {
					out[i] /= sum
				}
			}
		}
		k += n
	}
	return out
}

// Lookup reduces every row.
func (d *DenseEmbedding) Lookup(keys []uint64, lengths []int, weights []float32, comb Combiner) [][]float32 {
	factors := rowWeights(lengths, weights, comb)
	out := make([][]float32, len(lengths))
	k := 0
	for r, n := range lengths {
		acc := make([]float64, d.dim)
		for ; n > 0; n-- {
			v := d.Vector(keys[k])
			for i := range acc {
				acc[i] += factors[k] * v[i]
			}
			k++
		}
		out[r] = make([]float32, d.dim)
		for i := range acc {
			out[r][i] = float32(acc[i])
		}
	}
	return out
}

// SGD applies one dense SGD step for the given row gradients: every key
// occurrence contributes factor·g_row to the key's gradient.
func (d *DenseEmbedding) SGD(keys []uint64, lengths []int, weights []float32, comb Combiner, rowGrads [][]float32, lr float64) {
	factors := rowWeights(lengths, weights, comb)
	grads := make(map[uint64][]float64)
	k := 0
	for r, n := range lengths {
		for ; n > 0; n-- {
			g, ok := grads[keys[k]]
			if !ok {
				g = make([]float64, d.dim)
				grads[keys[k]] = g
			}
			for i := range g {
				g[i] += factors[k] * float64(rowGrads[r][i])
			}
			k++
		}
	}
	for key, g := range grads {
		v := d.Vector(key)
		for i := range v {
			v[i] -= lr * g[i]
		}
	}
}

// RelativeSquaredError returns Σ(got-want)² / Σwant² over all elements,
// or Σ(got-want)² when want is all zeros. Shapes must match.
func RelativeSquaredError(got, want [][]float32) float64 {
	var diff, norm float64
	for r := range want {
		for i := range want[r] {
			d := float64(got[r][i]) - float64(want[r][i])
			diff += d * d
			norm += float64(want[r][i]) * float64(want[r][i])
		}
	}
	if norm == 0 {
		return diff
	}
	return diff / norm
}
