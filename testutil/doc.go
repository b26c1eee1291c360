// Package testutil provides testing utilities for dynembed.
//
// This package is intended for use in tests and benchmarks only.
// It provides deterministic random data, ragged key batches and a dense
// reference embedding to check sparse results against.
//
// # Random Data
//
//	rng := testutil.NewRNG(seed)
//	grads := rng.UniformRangeVectors(rows, dim) // uniform [-1, 1)
//	keys, lengths := rng.RaggedBatch(rows, maxHotness, keySpace)
//
// # Dense Reference
//
//	ref := testutil.NewDenseEmbedding(dim, func(key uint64, v []float64) { ... })
//	out := ref.Lookup(keys, lengths, nil, testutil.Mean)
//	ref.SGD(keys, lengths, nil, testutil.Mean, rowGrads, lr)
//	err := testutil.RelativeSquaredError(got, want)
package testutil
