package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains node-level metrics shared by the cache consumers
type Metrics struct {
	// Table lifecycle metrics
	TableEventsReceived *prometheus.CounterVec
	TableEventsDropped  prometheus.Counter
	KeysForgotten       *prometheus.CounterVec

	// Derived value metrics
	RecomputeDuration *prometheus.HistogramVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all node metrics
func NewMetrics() *Metrics {
	return &Metrics{
		TableEventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querycache",
				Subsystem: "table_events",
				Name:      "received_total",
				Help:      "Total number of table lifecycle events received",
			},
			[]string{"type"},
		),

		TableEventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "querycache",
				Subsystem: "table_events",
				Name:      "dropped_total",
				Help:      "Total number of malformed table lifecycle events dropped",
			},
		),

		KeysForgotten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "querycache",
				Subsystem: "cache",
				Name:      "keys_forgotten_total",
				Help:      "Total number of cache keys forgotten after table removal",
			},
			[]string{"component"},
		),

		RecomputeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "querycache",
				Subsystem: "derived",
				Name:      "recompute_duration_seconds",
				Help:      "Duration of derived value recomputation on cache miss",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"component"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "querycache",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "querycache",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// The Record helpers are nil-safe so optional wiring needs no checks.

// RecordTableEvent records a received table lifecycle event
func (m *Metrics) RecordTableEvent(eventType string) {
	if m == nil {
		return
	}
	m.TableEventsReceived.WithLabelValues(eventType).Inc()
}

// RecordTableEventDropped records a malformed table lifecycle event
func (m *Metrics) RecordTableEventDropped() {
	if m == nil {
		return
	}
	m.TableEventsDropped.Inc()
}

// RecordKeysForgotten records keys dropped after a table removal
func (m *Metrics) RecordKeysForgotten(component string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.KeysForgotten.WithLabelValues(component).Add(float64(n))
}

// RecordRecompute records the duration of a derived value recomputation
func (m *Metrics) RecordRecompute(component string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RecomputeDuration.WithLabelValues(component).Observe(duration.Seconds())
}

// RecordNATSStatus records NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect records a NATS reconnection
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}
