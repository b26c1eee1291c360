// Package combiner reduces variable-length groups of key vectors into one
// vector per row and maps row gradients back onto the keys.
//
// Rows are described by their lengths (hotness); keys are never reordered,
// only segmented. Optional per-key weights generalize both combiners:
//
//	sum:  out[r] = Σ w_k·v_k             grad_k = w_k·g_r
//	mean: out[r] = Σ w_k·v_k / Σ w_k      grad_k = w_k·g_r / Σ w_k
//
// Without weights every w_k is 1. Empty rows (and mean rows whose weights
// sum to zero) produce zero vectors and zero gradients.
package combiner

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknown is returned by Parse.
	ErrUnknown = errors.New("combiner: unknown combiner")
	// ErrShape is returned when buffers disagree with the row layout.
	ErrShape = errors.New("combiner: shape mismatch")
)

// Kind selects the reduction.
type Kind int

const (
	Sum Kind = iota
	Mean
)

func (k Kind) String() string {
	if k == Mean {
		return "mean"
	}
	return "sum"
}

// Parse converts "sum" or "mean" into a Kind.
func Parse(s string) (Kind, error) {
	switch s {
	case "", "sum":
		return Sum, nil
	case "mean":
		return Mean, nil
	default:
		return Sum, fmt.Errorf("%w: %q", ErrUnknown, s)
	}
}

// Validate checks that rowLengths covers exactly numKeys keys and that
// weights, if present, has one entry per key.
func Validate(rowLengths []int, numKeys int, weights []float32) error {
	total := 0
	for r, n := range rowLengths {
		if n < 0 {
			return fmt.Errorf("%w: row %d has negative length %d", ErrShape, r, n)
		}
		total += n
	}
	if total != numKeys {
		return fmt.Errorf("%w: row lengths cover %d keys, got %d", ErrShape, total, numKeys)
	}
	if weights != nil && len(weights) != numKeys {
		return fmt.Errorf("%w: %d weights for %d keys", ErrShape, len(weights), numKeys)
	}
	return nil
}

func weight(weights []float32, k int) float32 {
	if weights == nil {
		return 1
	}
	return weights[k]
}

// rowScale is the divisor applied to a row: 1 for sum, Σw for mean.
// A zero result marks a row that contributes nothing.
func rowScale(kind Kind, weights []float32, start, n int) float32 {
	if n == 0 {
		return 0
	}
	if kind == Sum {
		return 1
	}
	var total float32
	for k := start; k < start+n; k++ {
		total += weight(weights, k)
	}
	return total
}

// Reduce writes len(rowLengths) dim-wide rows into out.
func Reduce(kind Kind, vecs []float32, dim int, rowLengths []int, weights []float32, out []float32) error {
	numKeys := len(vecs) / dim
	if len(vecs) != numKeys*dim || len(out) != len(rowLengths)*dim {
		return ErrShape
	}
	if err := Validate(rowLengths, numKeys, weights); err != nil {
		return err
	}

	clear(out)
	k := 0
	for r, n := range rowLengths {
		scale := rowScale(kind, weights, k, n)
		if scale == 0 {
			k += n
			continue
		}
		row := out[r*dim : (r+1)*dim]
		for end := k + n; k < end; k++ {
			w := weight(weights, k) / scale
			v := vecs[k*dim : (k+1)*dim]
			for i := range row {
				row[i] += w * v[i]
			}
		}
	}
	return nil
}

// ExpandGradient is the inverse of Reduce: it writes one dim-wide gradient
// per key into out.
func ExpandGradient(kind Kind, rowGrads []float32, dim int, rowLengths []int, weights []float32, out []float32) error {
	if len(rowGrads) != len(rowLengths)*dim {
		return ErrShape
	}
	numKeys := len(out) / dim
	if len(out) != numKeys*dim {
		return ErrShape
	}
	if err := Validate(rowLengths, numKeys, weights); err != nil {
		return err
	}

	k := 0
	for r, n := range rowLengths {
		scale := rowScale(kind, weights, k, n)
		g := rowGrads[r*dim : (r+1)*dim]
		for end := k + n; k < end; k++ {
			dst := out[k*dim : (k+1)*dim]
			if scale == 0 {
				clear(dst)
				continue
			}
			w := weight(weights, k) / scale
			for i := range dst {
				dst[i] = w * g[i]
			}
		}
	}
	return nil
}
