package prom

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/dynembed"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the sum of all samples of the named counter or gauge whose
// labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func TestCollector_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	c.RecordLookup("users", 10, time.Millisecond, nil)
	c.RecordLookup("users", 5, time.Millisecond, errors.New("boom"))
	c.RecordApply("users", 3, time.Millisecond, nil)
	c.RecordEviction("users", 0, 4)
	c.RecordGrowth("users", 1, 16, 32)

	assert.Equal(t, 2.0, value(t, reg, "dynembed_operations_total", map[string]string{"op": "lookup"}))
	assert.Equal(t, 1.0, value(t, reg, "dynembed_operations_total", map[string]string{"op": "lookup", "status": "error"}))
	assert.Equal(t, 10.0, value(t, reg, "dynembed_keys_total", map[string]string{"op": "lookup"}))
	assert.Equal(t, 3.0, value(t, reg, "dynembed_keys_total", map[string]string{"op": "apply"}))
	assert.Equal(t, 4.0, value(t, reg, "dynembed_evicted_keys_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "dynembed_shard_growths_total", nil))
	assert.Equal(t, 32.0, value(t, reg, "dynembed_shard_capacity_slots", map[string]string{"shard": "1"}))
}

func TestCollector_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)

	_, err = New(reg, WithNamespace("other"))
	assert.NoError(t, err)
}

func TestCollector_WiredIntoTables(t *testing.T) {
	reg := prometheus.NewRegistry()
	mc, err := New(reg)
	require.NoError(t, err)

	c, err := dynembed.Init(dynembed.WithMetricsCollector(mc))
	require.NoError(t, err)
	defer c.Close()

	tbl, err := c.NewTable("items", 2, dynembed.WithInitCapacity(2), dynembed.WithChunkSlots(2), dynembed.WithInitializer("1"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = tbl.SparseRead(ctx, []uint64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, tbl.Assign(ctx, []uint64{1}, [][]float32{{3, 3}}))

	assert.Equal(t, 1.0, value(t, reg, "dynembed_operations_total", map[string]string{"table": "items", "op": "lookup"}))
	assert.Equal(t, 1.0, value(t, reg, "dynembed_operations_total", map[string]string{"table": "items", "op": "assign"}))
	assert.Greater(t, value(t, reg, "dynembed_shard_growths_total", map[string]string{"table": "items"}), 0.0)
}
