package memgov

import (
	"log/slog"
	"time"

	"github.com/hupe1980/memgov/codec"
	"github.com/hupe1980/memgov/tier"
)

type options struct {
	config           Config
	codec            codec.Codec
	metricsCollector MetricsCollector
	logger           *Logger
	layers           []tier.LayerConfig
	now              func() time.Time
}

// Option configures Governor construction.
//
// Options apply in order on top of DefaultConfig, so WithConfig followed by
// WithMaxMemoryMB overrides the configured budget.
type Option func(*options)

// WithConfig replaces the whole configuration.
//
// Example:
//
//	cfg, _ := memgov.LoadConfig("memgov.yaml")
//	gov, _ := memgov.New(memgov.WithConfig(cfg))
func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.config = cfg
	}
}

// WithMaxMemoryMB sets the process memory budget.
func WithMaxMemoryMB(mb int) Option {
	return func(o *options) {
		o.config.MaxMemoryMB = mb
	}
}

// WithLODLevel pins the level of detail ("ultra", "high", "medium", "low")
// or enables automatic selection with "auto".
func WithLODLevel(level string) Option {
	return func(o *options) {
		o.config.LODLevel = level
	}
}

// WithCacheStrategy sets the eviction strategy (aggressive, balanced, conservative).
func WithCacheStrategy(strategy string) Option {
	return func(o *options) {
		o.config.CacheStrategy = strategy
	}
}

// WithParallelClustering enables or disables worker dispatch for large
// clustering inputs. maxWorkers <= 0 keeps the configured value.
func WithParallelClustering(enabled bool, maxWorkers int) Option {
	return func(o *options) {
		o.config.EnableParallelClustering = enabled
		if maxWorkers > 0 {
			o.config.MaxWorkers = maxWorkers
		}
	}
}

// WithPools replaces the pools registered at startup.
// Pass no pools to register none; RegisterPool adds more later.
func WithPools(pools ...PoolConfig) Option {
	return func(o *options) {
		o.config.Pools = append([]PoolConfig{}, pools...)
	}
}

// WithSeed makes clustering, SOM and predictor initialization reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.config.Seed = seed
	}
}

// WithLayer attaches a cache layer. Layers are ranked per placement by
// SelectLayers, Place and Fetch.
//
// Example:
//
//	store, _ := redis.New(ctx, redis.Options{URL: "redis://localhost:6379/0"})
//	gov, _ := memgov.New(memgov.WithLayer(tier.LayerConfig{
//	    Name: "redis", Kind: tier.KindFastKV, Priority: 1, Backend: store,
//	}))
func WithLayer(cfg tier.LayerConfig) Option {
	return func(o *options) {
		o.layers = append(o.layers, cfg)
	}
}

// WithCodec configures the codec used by ExportClusters.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &memgov.BasicMetricsCollector{}
//	gov, _ := memgov.New(memgov.WithMetricsCollector(metrics))
//	// ... use gov ...
//	stats := metrics.GetStats()
//	fmt.Printf("Ticks: %d, Evicted: %d bytes\n", stats.TickCount, stats.EvictedBytes)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := memgov.NewJSONLogger(slog.LevelInfo)
//	gov, _ := memgov.New(memgov.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		config:           DefaultConfig(),
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		now:              time.Now,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
