package checkpoint

import (
	"github.com/hupe1980/dynembed"
	"github.com/hupe1980/dynembed/internal/compress"
)

// Compression selects the chunk codec.
type Compression = compress.Type

const (
	CompressionNone = compress.None
	CompressionLZ4  = compress.LZ4
	CompressionZSTD = compress.ZSTD
)

// ParseCompression converts "none", "lz4" or "zstd" into a Compression.
func ParseCompression(name string) (Compression, error) {
	return compress.Parse(name)
}

const (
	// DefaultChunkKeys is the number of keys per chunk blob.
	DefaultChunkKeys = 1 << 16
	// DefaultConcurrency is the number of chunks written or read at once.
	DefaultConcurrency = 4
)

// Option configures Save, Restore and Load.
type Option func(*options)

type options struct {
	compression Compression
	chunkKeys   int
	concurrency int
	rateLimit   int64
	version     uint64
	logger      *dynembed.Logger
}

// WithCompression sets the chunk codec. Default: LZ4.
func WithCompression(c Compression) Option {
	return func(o *options) { o.compression = c }
}

// WithChunkKeys sets the maximum number of keys per chunk.
func WithChunkKeys(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkKeys = n
		}
	}
}

// WithConcurrency bounds the number of chunks in flight.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRateLimit caps chunk IO in bytes per second. It overrides the
// WithIOLimit setting of the tables' Context. 0 keeps that setting.
func WithRateLimit(bytesPerSec int64) Option {
	return func(o *options) { o.rateLimit = bytesPerSec }
}

// WithVersion makes Restore and Load read a specific checkpoint ID instead
// of the one CURRENT points to.
func WithVersion(id uint64) Option {
	return func(o *options) { o.version = id }
}

// WithLogger overrides the tables' Context logger.
func WithLogger(l *dynembed.Logger) Option {
	return func(o *options) { o.logger = l }
}

func applyOptions(tables []*dynembed.Table, opts []Option) options {
	o := options{
		compression: CompressionLZ4,
		chunkKeys:   DefaultChunkKeys,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if len(tables) > 0 {
		c := tables[0].Context()
		if o.rateLimit == 0 {
			o.rateLimit = c.IOLimit()
		}
		if o.logger == nil {
			o.logger = c.Logger()
		}
	}
	if o.logger == nil {
		o.logger = dynembed.NoopLogger()
	}
	return o
}
