// Package prom exports table metrics to Prometheus.
//
//	reg := prometheus.NewRegistry()
//	mc, err := prom.New(reg)
//	if err != nil { ... }
//	c, err := dynembed.Init(dynembed.WithMetricsCollector(mc))
//
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prom

import (
	"strconv"
	"time"

	"github.com/hupe1980/dynembed"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector implements dynembed.MetricsCollector with Prometheus metrics.
type Collector struct {
	ops      *prometheus.CounterVec
	keys     *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	evicted  *prometheus.CounterVec
	growths  *prometheus.CounterVec
	capacity *prometheus.GaugeVec
}

var _ dynembed.MetricsCollector = (*Collector)(nil)

// Option configures a Collector.
type Option func(*config)

type config struct {
	namespace string
	buckets   []float64
}

// WithNamespace sets the metric name prefix. Default: "dynembed".
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithBuckets sets the latency histogram buckets in seconds.
func WithBuckets(buckets []float64) Option {
	return func(c *config) { c.buckets = buckets }
}

// New creates a Collector and registers its metrics with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	cfg := config{
		namespace: "dynembed",
		buckets:   prometheus.DefBuckets,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "operations_total",
			Help:      "Table operations by outcome",
		}, []string{"table", "op", "status"}),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "keys_total",
			Help:      "Keys processed by table operations",
		}, []string{"table", "op"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of table operations",
			Buckets:   cfg.buckets,
		}, []string{"op", "status"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "evicted_keys_total",
			Help:      "Keys evicted to make room for new keys",
		}, []string{"table"}),
		growths: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "shard_growths_total",
			Help:      "Shard store growth events",
		}, []string{"table"}),
		capacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.namespace,
			Name:      "shard_capacity_slots",
			Help:      "Current slot capacity per shard",
		}, []string{"table", "shard"}),
	}

	for _, m := range []prometheus.Collector{c.ops, c.keys, c.latency, c.evicted, c.growths, c.capacity} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) record(op, table string, keys int, d time.Duration, err error) {
	s := status(err)
	c.ops.WithLabelValues(table, op, s).Inc()
	c.latency.WithLabelValues(op, s).Observe(d.Seconds())
	if err == nil {
		c.keys.WithLabelValues(table, op).Add(float64(keys))
	}
}

func (c *Collector) RecordLookup(table string, keys int, d time.Duration, err error) {
	c.record("lookup", table, keys, d, err)
}

func (c *Collector) RecordApply(table string, keys int, d time.Duration, err error) {
	c.record("apply", table, keys, d, err)
}

func (c *Collector) RecordAssign(table string, keys int, d time.Duration, err error) {
	c.record("assign", table, keys, d, err)
}

func (c *Collector) RecordExport(table string, keys int, d time.Duration, err error) {
	c.record("export", table, keys, d, err)
}

func (c *Collector) RecordEviction(table string, _ int, keys int) {
	c.evicted.WithLabelValues(table).Add(float64(keys))
}

func (c *Collector) RecordGrowth(table string, shard, _, to int) {
	c.growths.WithLabelValues(table).Inc()
	c.capacity.WithLabelValues(table, strconv.Itoa(shard)).Set(float64(to))
}
