package cache

import (
	"time"

	"github.com/c360/querycache/metric"
	"github.com/prometheus/client_golang/prometheus"
)

// cacheMetrics holds Prometheus metrics for cache operations.
type cacheMetrics struct {
	hits           prometheus.Counter
	misses         prometheus.Counter
	offers         prometheus.Counter
	rejections     prometheus.Counter
	evictions      prometheus.Counter
	removals       prometheus.Counter
	consolidations prometheus.Counter

	size    prometheus.Gauge
	bytes   prometheus.Gauge
	flagged prometheus.Gauge

	consolidateDuration prometheus.Histogram
}

func newCounter(prefix, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "querycache",
		Subsystem:   "cache",
		Name:        name,
		ConstLabels: prometheus.Labels{"component": prefix},
		Help:        help,
	})
}

func newGauge(prefix, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "querycache",
		Subsystem:   "cache",
		Name:        name,
		ConstLabels: prometheus.Labels{"component": prefix},
		Help:        help,
	})
}

// newCacheMetrics creates and registers cache metrics with the provided registry.
func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		hits:           newCounter(prefix, "hits_total", "Total number of cache hits"),
		misses:         newCounter(prefix, "misses_total", "Total number of cache misses"),
		offers:         newCounter(prefix, "offers_total", "Total number of accepted offers"),
		rejections:     newCounter(prefix, "rejections_total", "Total number of offers rejected for unknown size"),
		evictions:      newCounter(prefix, "evictions_total", "Total number of keys evicted from residency"),
		removals:       newCounter(prefix, "removals_total", "Total number of keys explicitly forgotten"),
		consolidations: newCounter(prefix, "consolidations_total", "Total number of consolidation passes"),
		size:           newGauge(prefix, "size", "Current number of resident entries"),
		bytes:          newGauge(prefix, "resident_bytes", "Current resident memory in bytes"),
		flagged:        newGauge(prefix, "flagged", "Current number of flagged entries"),
		consolidateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "querycache",
			Subsystem:   "cache",
			Name:        "consolidate_duration_seconds",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Duration of consolidation passes",
			Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
	}

	counters := map[string]prometheus.Counter{
		"cache_hits":           m.hits,
		"cache_misses":         m.misses,
		"cache_offers":         m.offers,
		"cache_rejections":     m.rejections,
		"cache_evictions":      m.evictions,
		"cache_removals":       m.removals,
		"cache_consolidations": m.consolidations,
	}
	for name, c := range counters {
		if err := registry.RegisterCounter(prefix, name, c); err != nil {
			return nil, err
		}
	}

	gauges := map[string]prometheus.Gauge{
		"cache_size":    m.size,
		"cache_bytes":   m.bytes,
		"cache_flagged": m.flagged,
	}
	for name, g := range gauges {
		if err := registry.RegisterGauge(prefix, name, g); err != nil {
			return nil, err
		}
	}

	if err := registry.RegisterHistogram(prefix, "cache_consolidate_duration", m.consolidateDuration); err != nil {
		return nil, err
	}

	return m, nil
}

// The record helpers are nil-safe so call sites need no metrics-enabled checks.

func (m *cacheMetrics) recordHit() {
	if m != nil {
		m.hits.Inc()
	}
}

func (m *cacheMetrics) recordMiss() {
	if m != nil {
		m.misses.Inc()
	}
}

func (m *cacheMetrics) recordOffer() {
	if m != nil {
		m.offers.Inc()
	}
}

func (m *cacheMetrics) recordRejection() {
	if m != nil {
		m.rejections.Inc()
	}
}

func (m *cacheMetrics) recordEvictions(n int) {
	if m != nil && n > 0 {
		m.evictions.Add(float64(n))
	}
}

func (m *cacheMetrics) recordRemovals(n int) {
	if m != nil && n > 0 {
		m.removals.Add(float64(n))
	}
}

func (m *cacheMetrics) recordConsolidation(size int, bytes int64, took time.Duration) {
	if m == nil {
		return
	}
	m.consolidations.Inc()
	m.size.Set(float64(size))
	m.bytes.Set(float64(bytes))
	m.consolidateDuration.Observe(took.Seconds())
}

func (m *cacheMetrics) updateSize(size int, bytes int64) {
	if m != nil {
		m.size.Set(float64(size))
		m.bytes.Set(float64(bytes))
	}
}

func (m *cacheMetrics) updateFlagged(n int) {
	if m != nil {
		m.flagged.Set(float64(n))
	}
}
