package dynembed

import (
	"errors"
	"fmt"

	"github.com/hupe1980/dynembed/internal/combiner"
	"github.com/hupe1980/dynembed/internal/evict"
	"github.com/hupe1980/dynembed/internal/initializer"
	"github.com/hupe1980/dynembed/internal/optimizer"
	"github.com/hupe1980/dynembed/internal/resource"
	"github.com/hupe1980/dynembed/internal/router"
	"github.com/hupe1980/dynembed/internal/shard"
	"github.com/hupe1980/dynembed/internal/slotstore"
)

var (
	// ErrCapacityExceeded is returned when a new key does not fit into a
	// shard at max capacity and eviction could not free a slot.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrDimensionMismatch is returned when a vector width differs from the
	// table dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrInvalidMode is returned for an unsupported mode string.
	ErrInvalidMode = errors.New("invalid mode")

	// ErrClosed is returned by operations on a torn down table or context.
	ErrClosed = errors.New("closed")

	// ErrInvalidArgument is returned for malformed arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrDuplicateTable is returned when a table name is already in use.
	ErrDuplicateTable = errors.New("duplicate table")

	// ErrUnknownCombiner is returned for a combiner other than sum or mean.
	ErrUnknownCombiner = errors.New("unknown combiner")

	// ErrUnknownOptimizer is returned for an unsupported optimizer name.
	ErrUnknownOptimizer = errors.New("unknown optimizer")

	// ErrMemoryLimitExceeded is returned when shard growth would exceed the
	// context memory limit.
	ErrMemoryLimitExceeded = errors.New("memory limit exceeded")
)

// CapacityError reports a rejected insert with the table, shard and key that
// did not fit. The failing call inserted nothing into that shard.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type CapacityError struct {
	Table       string
	Shard       int
	Key         uint64
	MaxCapacity int
	cause       error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("table %q shard %d: capacity exceeded inserting key %d (max capacity %d)", e.Table, e.Shard, e.Key, e.MaxCapacity)
}

func (e *CapacityError) Unwrap() error { return e.cause }

// Is reports whether target is ErrCapacityExceeded.
func (e *CapacityError) Is(target error) bool { return target == ErrCapacityExceeded }

// DimensionError indicates a vector width that disagrees with the table.
type DimensionError struct {
	Table    string
	Expected int
	Actual   int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("table %q: dimension mismatch: expected %d, got %d", e.Table, e.Expected, e.Actual)
}

// Is reports whether target is ErrDimensionMismatch.
func (e *DimensionError) Is(target error) bool { return target == ErrDimensionMismatch }

// ModeError indicates an invalid mode string at table construction.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ModeError struct {
	Mode  string
	cause error
}

func (e *ModeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("invalid mode %q: %v", e.Mode, e.cause)
	}
	return fmt.Sprintf("invalid mode %q", e.Mode)
}

func (e *ModeError) Unwrap() error { return e.cause }

// Is reports whether target is ErrInvalidMode.
func (e *ModeError) Is(target error) bool { return target == ErrInvalidMode }

// translateError maps internal errors onto the public error kinds and
// attaches the table name.
func translateError(table string, err error) error {
	if err == nil {
		return nil
	}

	var ce *shard.CapacityError
	if errors.As(err, &ce) {
		return &CapacityError{Table: table, Shard: ce.Shard, Key: ce.Key, MaxCapacity: ce.MaxCapacity, cause: err}
	}
	if errors.Is(err, shard.ErrClosed) || errors.Is(err, slotstore.ErrClosed) {
		return fmt.Errorf("table %q: %w", table, ErrClosed)
	}
	if errors.Is(err, resource.ErrMemoryLimitExceeded) {
		return fmt.Errorf("table %q: %w: %w", table, ErrMemoryLimitExceeded, err)
	}
	if errors.Is(err, slotstore.ErrWidth) {
		return fmt.Errorf("table %q: %w: %w", table, ErrDimensionMismatch, err)
	}
	if errors.Is(err, router.ErrInvalidMode) {
		return fmt.Errorf("table %q: %w", table, err)
	}
	if errors.Is(err, combiner.ErrUnknown) {
		return fmt.Errorf("%w: %w", ErrUnknownCombiner, err)
	}
	if errors.Is(err, combiner.ErrShape) {
		return fmt.Errorf("table %q: %w: %w", table, ErrInvalidArgument, err)
	}
	if errors.Is(err, optimizer.ErrUnknown) {
		return fmt.Errorf("%w: %w", ErrUnknownOptimizer, err)
	}
	if errors.Is(err, evict.ErrUnknownPolicy) || errors.Is(err, initializer.ErrInvalid) {
		return fmt.Errorf("table %q: %w: %w", table, ErrInvalidArgument, err)
	}

	return err
}
