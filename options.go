package docindex

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/hupe1980/docindex/internal/resource"
	"github.com/hupe1980/docindex/work"
	"golang.org/x/time/rate"
)

type options struct {
	fs          vfs.FS
	compression CompressionType
	sync        bool
	logger      *Logger
	observer    MetricsObserver
	work        work.Config
	resources   resource.Config
	tuner       resource.AutoTunerConfig
	retryLimit  rate.Limit
	retryBurst  int
}

// Option configures Open.
type Option func(*options)

// WithInMemory keeps the whole database in memory. Nothing survives Close.
func WithInMemory() Option {
	return func(o *options) {
		o.fs = vfs.NewMem()
	}
}

// WithFS runs the storage on a custom filesystem.
func WithFS(fs vfs.FS) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithCompression sets the document body compression. Default is LZ4.
func WithCompression(t CompressionType) Option {
	return func(o *options) {
		o.compression = t
	}
}

// WithSync makes every write durable before it returns.
func WithSync(sync bool) Option {
	return func(o *options) {
		o.sync = sync
	}
}

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := docindex.NewJSONLogger(slog.LevelInfo)
//	db, _ := docindex.Open("./data", docindex.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsObserver receives indexing events, e.g. a BasicMetricsObserver
// or an observability.PrometheusObserver.
// Pass nil to disable metrics.
func WithMetricsObserver(obs MetricsObserver) Option {
	return func(o *options) {
		if obs == nil {
			obs = NoopMetricsObserver{}
		}
		o.observer = obs
	}
}

// WithIdleTimeout sets how long an executor waits for work before it flushes
// and runs an idle pass. Default is 5s.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.work.IdleTimeout = d
	}
}

// WithAbandonedAfter sets how long an abandoned index waits before idle
// passes pick it up. Default is 3h.
func WithAbandonedAfter(d time.Duration) Option {
	return func(o *options) {
		o.work.AbandonedAfter = d
	}
}

// WithMemoryLimit caps the bytes of document batches held in memory.
// Exceeding it fails the pass as out-of-memory and shrinks the batch size.
// 0 disables the limit.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.resources.MemoryLimitBytes = bytes
	}
}

// WithReadLimit caps how many document bytes per second the map executor
// reads for indexing. Zero disables the limit.
func WithReadLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.resources.ReadBytesPerSec = bytesPerSec
	}
}

// WithBackgroundWorkers bounds how many passes and tasks run at once across
// the map and reduce executors. Default is 2.
func WithBackgroundWorkers(n int) Option {
	return func(o *options) {
		o.resources.MaxBackgroundWorkers = int64(n)
	}
}

// WithBatchSize sets the initial, minimum and maximum number of documents per
// batch. Zero values keep their defaults.
func WithBatchSize(initial, minSize, maxSize int) Option {
	return func(o *options) {
		o.tuner.InitialBatchSize = initial
		o.tuner.MinBatchSize = minSize
		o.tuner.MaxBatchSize = maxSize
	}
}

// WithMaxBatchBytes caps the accumulated document size of one batch.
func WithMaxBatchBytes(bytes int64) Option {
	return func(o *options) {
		o.tuner.MaxBatchBytes = bytes
	}
}

// WithRetryLimit bounds how often executors retry after unexpected failures.
// By default failures are retried immediately.
func WithRetryLimit(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.retryLimit = limit
		o.retryBurst = burst
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		compression: CompressionLZ4,
		logger:      NoopLogger(),
		observer:    NoopMetricsObserver{},
		work:        work.DefaultConfig(),
		resources:   resource.Config{MaxBackgroundWorkers: 2},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
