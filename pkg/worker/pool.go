// Package worker runs background work items on a fixed set of goroutines.
//
// Submit never blocks: when the queue is full the item is dropped and
// ErrQueueFull returned, so callers on a read path are never slowed by the
// pool.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/metric"
)

// Pool runs process for every submitted item of type T
type Pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T) error

	queue   chan T
	wg      sync.WaitGroup
	metrics *poolMetrics

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	failed     prometheus.Counter
	dropped    prometheus.Counter
	duration   prometheus.Histogram
}

// Option configures a Pool
type Option[T any] func(*Pool[T]) error

// WithMetrics registers prefix_* metrics for the pool in registry. A nil
// registry disables them.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) error {
		if registry == nil {
			return nil
		}
		m, err := newPoolMetrics(registry, prefix)
		if err != nil {
			return err
		}
		p.metrics = m
		return nil
	}
}

func newPoolMetrics(registry *metric.MetricsRegistry, prefix string) (*poolMetrics, error) {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the worker pool queue",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_submitted_total",
			Help: "Items accepted by the worker pool",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Items whose processing returned an error",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_dropped_total",
			Help: "Items dropped because the queue was full",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "_duration_seconds",
			Help:    "Time spent processing one item",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}

	for _, err := range []error{
		registry.RegisterGauge(prefix, prefix+"_queue_depth", m.queueDepth),
		registry.RegisterCounter(prefix, prefix+"_submitted_total", m.submitted),
		registry.RegisterCounter(prefix, prefix+"_failed_total", m.failed),
		registry.RegisterCounter(prefix, prefix+"_dropped_total", m.dropped),
		registry.RegisterHistogram(prefix, prefix+"_duration_seconds", m.duration),
	} {
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewPool creates a pool of workers goroutines reading from a queue of
// queueSize items. It does not run anything until Start.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if process == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "worker", "NewPool", "process function is nil")
	}
	if workers <= 0 || queueSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "worker", "NewPool",
			fmt.Sprintf("workers and queue size must be positive, got %d and %d", workers, queueSize))
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   process,
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, errors.WrapInvalid(err, "worker", "NewPool", "apply option")
		}
	}
	return p, nil
}

// Submit queues work without blocking
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.queue)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is done or on Stop.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.queue:
			if !ok {
				return
			}
			start := time.Now()
			err := p.process(ctx, work)
			p.processed.Add(1)
			if err != nil {
				p.failed.Add(1)
			}
			if p.metrics != nil {
				p.metrics.queueDepth.Set(float64(len(p.queue)))
				p.metrics.duration.Observe(time.Since(start).Seconds())
				if err != nil {
					p.metrics.failed.Inc()
				}
			}
		}
	}
}
