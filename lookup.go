package dynembed

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/dynembed/internal/combiner"
	"golang.org/x/sync/errgroup"
)

// Combiner reduces the keys of one row into a single vector.
type Combiner string

const (
	// CombinerSum adds the (weighted) key vectors of a row.
	CombinerSum Combiner = "sum"
	// CombinerMean divides the weighted sum by the sum of weights, or by the
	// row length when unweighted.
	CombinerMean Combiner = "mean"
)

func (c Combiner) kind() (combiner.Kind, error) {
	k, err := combiner.Parse(string(c))
	if err != nil {
		return k, fmt.Errorf("%w: %w", ErrUnknownCombiner, err)
	}
	return k, nil
}

// Batch is a row-segmented list of keys. RowLengths[r] keys starting after
// the keys of rows [0,r) form row r; rows may be empty. Weights is optional
// and, when set, has one entry per key.
type Batch struct {
	Keys       []uint64
	RowLengths []int
	Weights    []float32
}

func (b Batch) clone() Batch {
	out := Batch{
		Keys:       append([]uint64(nil), b.Keys...),
		RowLengths: append([]int(nil), b.RowLengths...),
	}
	if b.Weights != nil {
		out.Weights = append([]float32(nil), b.Weights...)
	}
	return out
}

// LookupResult is the forward output of LookupSparse. It remembers the row
// layout so the row gradients can be mapped back onto the keys.
type LookupResult struct {
	// Rows holds one dimension-wide vector per row.
	Rows [][]float32

	table *Table
	batch Batch
	kind  combiner.Kind
}

// Table returns the table the result was read from.
func (r *LookupResult) Table() *Table { return r.table }

// Combiner returns the combiner used for the reduction.
func (r *LookupResult) Combiner() Combiner { return Combiner(r.kind.String()) }

// ExpandGradient maps one gradient per row back to one gradient per key:
// sum broadcasts w_k·g_r, mean broadcasts w_k·g_r/Σw. Empty rows contribute
// nothing.
func (r *LookupResult) ExpandGradient(rowGrads [][]float32) ([][]float32, error) {
	flat, err := r.expand(rowGrads)
	if err != nil {
		return nil, err
	}
	return split(flat, r.table.dim), nil
}

func (r *LookupResult) expand(rowGrads [][]float32) ([]float32, error) {
	t := r.table
	if len(rowGrads) != len(r.batch.RowLengths) {
		return nil, fmt.Errorf("%w: %d row gradients for %d rows", ErrInvalidArgument, len(rowGrads), len(r.batch.RowLengths))
	}
	flat, err := t.flatten(rowGrads)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(r.batch.Keys)*t.dim)
	if err := combiner.ExpandGradient(r.kind, flat, t.dim, r.batch.RowLengths, r.batch.Weights, out); err != nil {
		return nil, translateError(t.name, err)
	}
	return out, nil
}

// LookupSparse reads the keys of every row, creating absent keys, and
// reduces each row with comb. Keys are never reordered.
func (t *Table) LookupSparse(ctx context.Context, batch Batch, comb Combiner) (_ *LookupResult, err error) {
	kind, err := comb.kind()
	if err != nil {
		return nil, err
	}
	if err := combiner.Validate(batch.RowLengths, len(batch.Keys), batch.Weights); err != nil {
		return nil, translateError(t.name, err)
	}

	if err := t.acquire(); err != nil {
		return nil, err
	}
	defer t.release()

	start := time.Now()
	defer func() { t.metrics.RecordLookup(t.name, len(batch.Keys), time.Since(start), err) }()

	vecs, _, err := t.lookup(ctx, batch.Keys, true)
	if err != nil {
		return nil, t.fail(ctx, err)
	}

	out := make([]float32, len(batch.RowLengths)*t.dim)
	if err := combiner.Reduce(kind, vecs, t.dim, batch.RowLengths, batch.Weights, out); err != nil {
		return nil, translateError(t.name, err)
	}

	return &LookupResult{
		Rows:  split(out, t.dim),
		table: t,
		batch: batch.clone(),
		kind:  kind,
	}, nil
}

// ApplyGradients expands one gradient per row of res back onto its keys and
// applies the table optimizer once per distinct key, summing the gradients
// of keys that occur more than once. Each call is one optimizer step.
func (t *Table) ApplyGradients(ctx context.Context, res *LookupResult, rowGrads [][]float32) error {
	if res == nil || res.table != t {
		return fmt.Errorf("%w: lookup result belongs to another table", ErrInvalidArgument)
	}
	keyGrads, err := res.expand(rowGrads)
	if err != nil {
		return err
	}

	if err := t.acquire(); err != nil {
		return err
	}
	defer t.release()
	return t.applyKeyGradients(ctx, res.batch.Keys, keyGrads)
}

// LookupSparseMulti runs LookupSparse for several tables concurrently.
// combiners may be nil, meaning sum for every table.
func LookupSparseMulti(ctx context.Context, tables []*Table, batches []Batch, combiners []Combiner) ([]*LookupResult, error) {
	if len(batches) != len(tables) {
		return nil, fmt.Errorf("%w: %d batches for %d tables", ErrInvalidArgument, len(batches), len(tables))
	}
	if combiners != nil && len(combiners) != len(tables) {
		return nil, fmt.Errorf("%w: %d combiners for %d tables", ErrInvalidArgument, len(combiners), len(tables))
	}
	for i, t := range tables {
		if t == nil {
			return nil, fmt.Errorf("%w: table %d is nil", ErrInvalidArgument, i)
		}
	}

	results := make([]*LookupResult, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range tables {
		comb := CombinerSum
		if combiners != nil {
			comb = combiners[i]
		}
		g.Go(func() error {
			res, err := t.LookupSparse(gctx, batches[i], comb)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
