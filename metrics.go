package dynembed

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus (see package metrics/prom).
type MetricsCollector interface {
	// RecordLookup is called after each lookup of keys embeddings.
	RecordLookup(table string, keys int, duration time.Duration, err error)

	// RecordApply is called after each gradient application or scatter-add.
	// keys is the number of distinct keys updated.
	RecordApply(table string, keys int, duration time.Duration, err error)

	// RecordAssign is called after each bulk assign.
	RecordAssign(table string, keys int, duration time.Duration, err error)

	// RecordExport is called after each export.
	RecordExport(table string, keys int, duration time.Duration, err error)

	// RecordEviction is called when a shard evicts keys.
	RecordEviction(table string, shard, keys int)

	// RecordGrowth is called when a shard store grows.
	RecordGrowth(table string, shard, from, to int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordLookup(string, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordApply(string, int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordAssign(string, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordExport(string, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordEviction(string, int, int)                {}
func (NoopMetricsCollector) RecordGrowth(string, int, int, int)             {}

// BasicMetricsCollector provides simple in-memory metrics collection across
// all tables. Useful for debugging and tests.
type BasicMetricsCollector struct {
	LookupCount      atomic.Int64
	LookupKeys       atomic.Int64
	LookupErrors     atomic.Int64
	LookupTotalNanos atomic.Int64
	ApplyCount       atomic.Int64
	ApplyKeys        atomic.Int64
	ApplyErrors      atomic.Int64
	ApplyTotalNanos  atomic.Int64
	AssignCount      atomic.Int64
	AssignKeys       atomic.Int64
	AssignErrors     atomic.Int64
	ExportCount      atomic.Int64
	ExportKeys       atomic.Int64
	ExportErrors     atomic.Int64
	EvictedKeys      atomic.Int64
	GrowthCount      atomic.Int64
}

// RecordLookup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordLookup(_ string, keys int, duration time.Duration, err error) {
	b.LookupCount.Add(1)
	b.LookupKeys.Add(int64(keys))
	b.LookupTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.LookupErrors.Add(1)
	}
}

// RecordApply implements MetricsCollector.
func (b *BasicMetricsCollector) RecordApply(_ string, keys int, duration time.Duration, err error) {
	b.ApplyCount.Add(1)
	b.ApplyKeys.Add(int64(keys))
	b.ApplyTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ApplyErrors.Add(1)
	}
}

// RecordAssign implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAssign(_ string, keys int, _ time.Duration, err error) {
	b.AssignCount.Add(1)
	b.AssignKeys.Add(int64(keys))
	if err != nil {
		b.AssignErrors.Add(1)
	}
}

// RecordExport implements MetricsCollector.
func (b *BasicMetricsCollector) RecordExport(_ string, keys int, _ time.Duration, err error) {
	b.ExportCount.Add(1)
	b.ExportKeys.Add(int64(keys))
	if err != nil {
		b.ExportErrors.Add(1)
	}
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(_ string, _ int, keys int) {
	b.EvictedKeys.Add(int64(keys))
}

// RecordGrowth implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGrowth(string, int, int, int) {
	b.GrowthCount.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		LookupCount:    b.LookupCount.Load(),
		LookupKeys:     b.LookupKeys.Load(),
		LookupErrors:   b.LookupErrors.Load(),
		LookupAvgNanos: avg(b.LookupTotalNanos.Load(), b.LookupCount.Load()),
		ApplyCount:     b.ApplyCount.Load(),
		ApplyKeys:      b.ApplyKeys.Load(),
		ApplyErrors:    b.ApplyErrors.Load(),
		ApplyAvgNanos:  avg(b.ApplyTotalNanos.Load(), b.ApplyCount.Load()),
		AssignCount:    b.AssignCount.Load(),
		AssignKeys:     b.AssignKeys.Load(),
		AssignErrors:   b.AssignErrors.Load(),
		ExportCount:    b.ExportCount.Load(),
		ExportKeys:     b.ExportKeys.Load(),
		ExportErrors:   b.ExportErrors.Load(),
		EvictedKeys:    b.EvictedKeys.Load(),
		GrowthCount:    b.GrowthCount.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	LookupCount    int64
	LookupKeys     int64
	LookupErrors   int64
	LookupAvgNanos int64
	ApplyCount     int64
	ApplyKeys      int64
	ApplyErrors    int64
	ApplyAvgNanos  int64
	AssignCount    int64
	AssignKeys     int64
	AssignErrors   int64
	ExportCount    int64
	ExportKeys     int64
	ExportErrors   int64
	EvictedKeys    int64
	GrowthCount    int64
}
