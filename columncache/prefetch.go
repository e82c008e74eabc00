package columncache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/metric"
	"github.com/c360/querycache/pkg/worker"
)

// PrefetchRequest names one column of one shard to load ahead of a scan.
type PrefetchRequest struct {
	Shard  ShardKey
	Column string
}

// PrefetchConfig sizes a Prefetcher.
type PrefetchConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`

	// LoadsPerSecond caps background loads across all workers. Zero means
	// unlimited.
	LoadsPerSecond float64 `json:"loads_per_second,omitempty"`
	Burst          int     `json:"burst,omitempty"`
}

// DefaultPrefetchConfig returns 4 workers, a queue of 256 requests and no
// rate limit.
func DefaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{Workers: 4, QueueSize: 256}
}

// Prefetcher loads column shards in the background so a later scan finds
// them cached. A prefetched load does not count as a read: the shard stays
// resident only if reads earn it a place at the next consolidation.
type Prefetcher struct {
	cache   *Cache
	load    LoadFunc
	pool    *worker.Pool[PrefetchRequest]
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewPrefetcher creates a Prefetcher that loads through load. With a
// registry it exports querycache_columncache_prefetch_* metrics.
func (c *Cache) NewPrefetcher(load LoadFunc, config PrefetchConfig, registry *metric.MetricsRegistry) (*Prefetcher, error) {
	if load == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "columncache", "NewPrefetcher", "load function is nil")
	}
	if config.LoadsPerSecond < 0 || config.Burst < 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "columncache", "NewPrefetcher",
			fmt.Sprintf("negative rate limit %v/s burst %d", config.LoadsPerSecond, config.Burst))
	}
	p := &Prefetcher{cache: c, load: load, logger: c.logger}
	if config.LoadsPerSecond > 0 {
		burst := config.Burst
		if burst == 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(config.LoadsPerSecond), burst)
	}

	pool, err := worker.NewPool(config.Workers, config.QueueSize, p.process,
		worker.WithMetrics[PrefetchRequest](registry, "querycache_columncache_prefetch"))
	if err != nil {
		return nil, errors.Wrap(err, "columncache", "NewPrefetcher", "create worker pool")
	}
	p.pool = pool
	return p, nil
}

// Start launches the workers. They stop when ctx is done or on Stop.
func (p *Prefetcher) Start(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Prefetch queues a load. It never blocks; a full queue drops the request
// and returns a transient error.
func (p *Prefetcher) Prefetch(shard ShardKey, column string) error {
	if err := p.pool.Submit(PrefetchRequest{Shard: shard, Column: column}); err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			return errors.WrapTransient(err, "columncache", "Prefetch",
				fmt.Sprintf("queue %s of %s", column, shard))
		}
		return errors.Wrap(err, "columncache", "Prefetch", "submit")
	}
	return nil
}

// Stop waits up to timeout for queued loads to finish.
func (p *Prefetcher) Stop(timeout time.Duration) error {
	return p.pool.Stop(timeout)
}

// Stats returns the worker pool statistics.
func (p *Prefetcher) Stats() worker.PoolStats {
	return p.pool.Stats()
}

func (p *Prefetcher) process(ctx context.Context, req PrefetchRequest) error {
	if p.cache.columns.Contains(req.Shard, req.Column) || p.cache.removed(req.Shard.Table) {
		return nil
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return errors.WrapTransient(err, "columncache", "Prefetch", "wait for rate limit")
		}
	}
	if _, err := p.cache.loadShared(ctx, req.Shard, req.Column, p.load, "Prefetch"); err != nil {
		p.logger.Debug("prefetch failed", "shard", req.Shard.String(), "column", req.Column, "error", err)
		return err
	}
	return nil
}
