package tableevents

import (
	"log/slog"

	"github.com/c360/querycache/metric"
)

// Option configures a Bus or NATSNotifier.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	source  string
}

// WithLogger sets the logger for dropped and delivered events.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics counts received and dropped events in the registry's core metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		if registry != nil {
			o.metrics = registry.CoreMetrics()
		}
	}
}

// WithSource stamps published events that carry no source with the node name.
func WithSource(source string) Option {
	return func(o *options) {
		o.source = source
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
