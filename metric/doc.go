// Package metric provides Prometheus-based metrics collection for querycache nodes.
//
// The package offers a centralized metrics registry managing both core node
// metrics (table lifecycle events, forgotten keys, recompute latency, NATS
// health) and component-specific metrics registered by the caches themselves.
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//
//	columns, err := columncache.New(cfg.ColumnCache,
//	    columncache.WithMetrics(registry))
//
//	http.Handle("/metrics", registry.Handler())
//
// # Component Registration
//
// Component metrics are keyed by "component.metric". Registering the same key
// twice returns an invalid-class error rather than panicking, so two caches
// sharing a prefix fail at construction time:
//
//	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "my_total", Help: "..."})
//	if err := registry.RegisterCounter("my-component", "my_total", counter); err != nil {
//	    return err
//	}
package metric
