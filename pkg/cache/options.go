package cache

import (
	"log/slog"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/metric"
)

// Option configures cache behavior using the functional options pattern.
type Option func(*cacheOptions)

// cacheOptions holds internal configuration for cache instances.
// Stats are ALWAYS collected - they are not optional.
// Metrics are optional and exposed via WithMetrics().
type cacheOptions struct {
	// metricsReg is optional - if provided, cache stats are also exposed as Prometheus metrics
	metricsReg *metric.MetricsRegistry

	// metricsPrefix is used as the component label for Prometheus metrics
	metricsPrefix string

	clock  Clock
	logger *slog.Logger
}

// WithMetrics enables Prometheus metrics export for cache statistics.
// If registry is nil or prefix is empty, this option is ignored.
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(opts *cacheOptions) {
		if registry != nil && prefix != "" {
			opts.metricsReg = registry
			opts.metricsPrefix = prefix
		}
	}
}

// WithClock injects the time source used for TTL expiry and flag windows.
func WithClock(clock Clock) Option {
	return func(opts *cacheOptions) {
		if clock != nil {
			opts.clock = clock
		}
	}
}

// WithLogger sets the logger used for consolidation and removal diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *cacheOptions) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// applyOptions applies functional options to create final cache configuration.
func applyOptions(options ...Option) *cacheOptions {
	opts := &cacheOptions{
		clock:  SystemClock(),
		logger: slog.Default(),
	}

	for _, opt := range options {
		if opt != nil {
			opt(opts)
		}
	}

	return opts
}

// buildMetrics registers cache metrics when requested.
func (o *cacheOptions) buildMetrics(method string) (*cacheMetrics, error) {
	if o.metricsReg == nil || o.metricsPrefix == "" {
		return nil, nil
	}
	m, err := newCacheMetrics(o.metricsReg, o.metricsPrefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "cache", method, "metrics registration")
	}
	return m, nil
}
