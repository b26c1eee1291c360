package dynembed

import (
	"context"
	"fmt"

	"github.com/hupe1980/dynembed/internal/combiner"
	"golang.org/x/sync/errgroup"
)

// ForwardBatch is the key exchange received by one rank in model-parallel
// training. Rows are grouped by source rank, then by table, then by row:
// for R ranks, T tables and a per-rank batch of B rows, RowLengths has
// R·T·B entries and row (r, t, b) is RowLengths[(r·T+t)·B+b].
type ForwardBatch struct {
	Keys       []uint64
	RowLengths []int
	Weights    []float32
}

// ModelParallelForward computes this rank's partial reduction of a
// model-parallel lookup. A key contributes only if this rank owns it under
// its table's mode; mean rows are still divided by the full row weight, so
// summing the outputs of all ranks yields the complete reduction.
//
// The result holds one buffer per source rank, laid out table-major with
// B rows of each table's dimension.
func (c *Context) ModelParallelForward(ctx context.Context, tables []*Table, combiners []Combiner, batch ForwardBatch) ([][]float32, error) {
	nt := len(tables)
	if nt == 0 {
		return nil, fmt.Errorf("%w: no tables", ErrInvalidArgument)
	}
	if combiners != nil && len(combiners) != nt {
		return nil, fmt.Errorf("%w: %d combiners for %d tables", ErrInvalidArgument, len(combiners), nt)
	}
	if err := combiner.Validate(batch.RowLengths, len(batch.Keys), batch.Weights); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	ranks := c.NumRanks()
	if len(batch.RowLengths)%(ranks*nt) != 0 {
		return nil, fmt.Errorf("%w: %d rows do not split into %d ranks x %d tables", ErrInvalidArgument, len(batch.RowLengths), ranks, nt)
	}
	rows := len(batch.RowLengths) / (ranks * nt)

	offsets := make([]int, len(batch.RowLengths)+1)
	for i, n := range batch.RowLengths {
		offsets[i+1] = offsets[i] + n
	}

	tableOffset := make([]int, nt+1)
	for i, t := range tables {
		if t == nil {
			return nil, fmt.Errorf("%w: table %d is nil", ErrInvalidArgument, i)
		}
		if t.c != c {
			return nil, fmt.Errorf("%w: table %q belongs to another context", ErrInvalidArgument, t.name)
		}
		tableOffset[i+1] = tableOffset[i] + rows*t.dim
	}

	out := make([][]float32, ranks)
	for r := range out {
		out[r] = make([]float32, tableOffset[nt])
	}

	g, gctx := errgroup.WithContext(ctx)
	for ti, t := range tables {
		comb := CombinerSum
		if combiners != nil {
			comb = combiners[ti]
		}
		g.Go(func() error {
			kind, err := comb.kind()
			if err != nil {
				return err
			}

			// Collect the rows of table ti from every source rank.
			var (
				keys    []uint64
				weights []float32
				lengths = make([]int, 0, ranks*rows)
			)
			for r := 0; r < ranks; r++ {
				first := (r*nt + ti) * rows
				for row := first; row < first+rows; row++ {
					lengths = append(lengths, batch.RowLengths[row])
					for k := offsets[row]; k < offsets[row+1]; k++ {
						keys = append(keys, batch.Keys[k])
						if batch.Weights != nil {
							weights = append(weights, batch.Weights[k])
						} else {
							weights = append(weights, 1)
						}
					}
				}
			}

			owned := make([]uint64, 0, len(keys))
			for _, k := range keys {
				if t.router.Owns(k, c.Rank(), ranks) {
					owned = append(owned, k)
				}
			}

			if err := t.acquire(); err != nil {
				return err
			}
			vecs, _, err := t.lookup(gctx, owned, true)
			t.release()
			if err != nil {
				return t.fail(gctx, err)
			}

			// Unowned keys read as zero and carry zero weight; the divisor
			// of a mean row stays the full row weight.
			all := make([]float32, len(keys)*t.dim)
			eff := make([]float32, len(keys))
			k, j := 0, 0
			for _, n := range lengths {
				scale := float32(1)
				if kind == combiner.Mean {
					scale = 0
					for i := k; i < k+n; i++ {
						scale += weights[i]
					}
				}
				for end := k + n; k < end; k++ {
					if !t.router.Owns(keys[k], c.Rank(), ranks) {
						continue
					}
					copy(all[k*t.dim:(k+1)*t.dim], vecs[j*t.dim:(j+1)*t.dim])
					j++
					if scale != 0 {
						eff[k] = weights[k] / scale
					}
				}
			}

			reduced := make([]float32, len(lengths)*t.dim)
			if err := combiner.Reduce(combiner.Sum, all, t.dim, lengths, eff, reduced); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
			}

			width := rows * t.dim
			for r := 0; r < ranks; r++ {
				copy(out[r][tableOffset[ti]:tableOffset[ti]+width], reduced[r*width:(r+1)*width])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
