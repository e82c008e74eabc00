package flatten

import (
	"log/slog"

	"github.com/c360/querycache/metric"
	"github.com/c360/querycache/pkg/cache"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	clock    cache.Clock
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
}

// WithClock sets the time source for flag windows and tombstones.
func WithClock(clock cache.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics exports cache and recompute metrics to registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		if registry != nil {
			o.registry = registry
			o.metrics = registry.CoreMetrics()
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		clock:  cache.SystemClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.logger = o.logger.With("component", "flatten")
	return o
}

func (o *options) cacheOptions(prefix string) []cache.Option {
	return []cache.Option{
		cache.WithClock(o.clock),
		cache.WithLogger(o.logger),
		cache.WithMetrics(o.registry, prefix),
	}
}
