package dynembed

import (
	"log/slog"

	"github.com/hupe1980/dynembed/internal/optimizer"
)

type contextOptions struct {
	devices          int
	rank             int
	numRanks         int
	memoryLimit      int64
	workers          int
	ioLimit          int64
	seed             uint64
	metricsCollector MetricsCollector
	logger           *Logger
}

// ContextOption configures Init.
type ContextOption func(*contextOptions)

// WithDevices sets the number of local devices. Every table gets one shard
// per device.
func WithDevices(n int) ContextOption {
	return func(o *contextOptions) {
		o.devices = n
	}
}

// WithRank sets this process's rank and the total number of ranks. Only the
// model-parallel forward path consults them; the context never talks to
// other ranks.
func WithRank(rank, numRanks int) ContextOption {
	return func(o *contextOptions) {
		o.rank = rank
		o.numRanks = numRanks
	}
}

// WithMemoryLimit caps the bytes of slot storage across all tables.
// 0 means unlimited.
func WithMemoryLimit(bytes int64) ContextOption {
	return func(o *contextOptions) {
		o.memoryLimit = bytes
	}
}

// WithWorkers bounds the number of shards worked on concurrently.
// 0 means GOMAXPROCS.
func WithWorkers(n int) ContextOption {
	return func(o *contextOptions) {
		o.workers = n
	}
}

// WithIOLimit caps checkpoint throughput in bytes per second.
func WithIOLimit(bytesPerSec int64) ContextOption {
	return func(o *contextOptions) {
		o.ioLimit = bytesPerSec
	}
}

// WithSeed seeds random initializers and random eviction. Tables with the
// same name and seed initialize every key identically on every rank.
func WithSeed(seed uint64) ContextOption {
	return func(o *contextOptions) {
		o.seed = seed
	}
}

// WithMetricsCollector configures a metrics collector for all tables.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &dynembed.BasicMetricsCollector{}
//	c, _ := dynembed.Init(dynembed.WithMetricsCollector(metrics))
//	// ... use c ...
//	stats := metrics.GetStats()
//	fmt.Printf("Lookups: %d, Avg latency: %dns\n", stats.LookupCount, stats.LookupAvgNanos)
func WithMetricsCollector(mc MetricsCollector) ContextOption {
	return func(o *contextOptions) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := dynembed.NewJSONLogger(slog.LevelInfo)
//	c, _ := dynembed.Init(dynembed.WithLogger(logger))
func WithLogger(logger *Logger) ContextOption {
	return func(o *contextOptions) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) ContextOption {
	return func(o *contextOptions) {
		o.logger = NewTextLogger(level)
	}
}

func applyContextOptions(optFns []ContextOption) contextOptions {
	o := contextOptions{
		devices:          1,
		rank:             0,
		numRanks:         1,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.metricsCollector == nil {
		o.metricsCollector = NoopMetricsCollector{}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	return o
}

// OptimizerConfig selects and parameterizes a table's update rule.
// Name is one of sgd, momentum, adagrad, adam, adamax, adadelta, rmsprop or
// ftrl; zero fields take the Keras defaults.
type OptimizerConfig = optimizer.Config

// SGD returns plain stochastic gradient descent.
func SGD(learningRate float32) OptimizerConfig {
	return OptimizerConfig{Name: "sgd", LearningRate: learningRate}
}

// Momentum returns SGD with momentum, optionally Nesterov.
func Momentum(learningRate, momentum float32, nesterov bool) OptimizerConfig {
	return OptimizerConfig{Name: "momentum", LearningRate: learningRate, Momentum: momentum, Nesterov: nesterov}
}

// Adagrad returns Adagrad with the default initial accumulator of 0.1.
func Adagrad(learningRate float32) OptimizerConfig {
	return OptimizerConfig{Name: "adagrad", LearningRate: learningRate}
}

// Adam returns Adam with default betas and epsilon.
func Adam(learningRate float32) OptimizerConfig {
	return OptimizerConfig{Name: "adam", LearningRate: learningRate}
}

type tableOptions struct {
	mode         string
	initializer  string
	initCapacity int
	maxCapacity  int
	eviction     string
	optimizer    OptimizerConfig
	keyHash      string
	chunkSlots   int
}

// TableOption configures NewTable. All settings are fixed for the table's
// life.
type TableOption func(*tableOptions)

// WithMode sets the sharding mode: "distributed" (default), "replicated" or
// "localized:<shard>". With several ranks the localized id may name a rank
// that has fewer devices; the table is then stored on shard id mod devices.
func WithMode(mode string) TableOption {
	return func(o *tableOptions) {
		o.mode = mode
	}
}

// WithInitializer sets how new keys are initialized: a numeric literal such
// as "17" fills every element, "random"/"uniform" draws from ±0.05,
// "normal" from N(0, 0.05), "zeros" and "ones" are constants.
func WithInitializer(spec string) TableOption {
	return func(o *tableOptions) {
		o.initializer = spec
	}
}

// WithInitCapacity pre-sizes every shard.
func WithInitCapacity(n int) TableOption {
	return func(o *tableOptions) {
		o.initCapacity = n
	}
}

// WithMaxCapacity bounds the live keys per shard. 0 means unbounded.
func WithMaxCapacity(n int) TableOption {
	return func(o *tableOptions) {
		o.maxCapacity = n
	}
}

// WithEviction selects what happens when a shard is full: "reject"
// (default), "lru" or "random".
func WithEviction(policy string) TableOption {
	return func(o *tableOptions) {
		o.eviction = policy
	}
}

// WithOptimizer sets the update rule used by ApplyGradients.
func WithOptimizer(cfg OptimizerConfig) TableOption {
	return func(o *tableOptions) {
		o.optimizer = cfg
	}
}

// WithKeyHash selects the distributed key hash: "modulo" (default) or
// "xxhash".
func WithKeyHash(name string) TableOption {
	return func(o *tableOptions) {
		o.keyHash = name
	}
}

// WithChunkSlots sets how many slots each storage chunk holds.
func WithChunkSlots(n int) TableOption {
	return func(o *tableOptions) {
		o.chunkSlots = n
	}
}

func applyTableOptions(optFns []TableOption) tableOptions {
	o := tableOptions{
		mode:         "distributed",
		initializer:  "random",
		initCapacity: 1024,
		eviction:     "reject",
		optimizer:    SGD(1.0),
		keyHash:      "modulo",
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
