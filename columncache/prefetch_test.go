package columncache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/metric"
)

func TestPrefetcher_LoadsWithoutCountingReads(t *testing.T) {
	c, _ := newTestCache(t, 1000)
	var loads atomic.Int32
	load := func(_ context.Context, _ ShardKey, column string) (*ColumnShard, error) {
		loads.Add(1)
		return columnOf(column, 100), nil
	}

	p, err := c.NewPrefetcher(load, PrefetchConfig{Workers: 2, QueueSize: 16}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	shard := ShardKey{Table: "orders", FirstRowID: 0}
	require.NoError(t, p.Prefetch(shard, "price"))
	require.NoError(t, p.Prefetch(shard, "qty"))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int32(2), loads.Load())
	assert.Equal(t, 2, c.Size())
	count, ok := c.Count(shard, "price")
	require.True(t, ok)
	assert.Equal(t, int64(0), count)

	got, err := c.GetOrLoad(context.Background(), shard, "price", load)
	require.NoError(t, err)
	assert.Equal(t, "price", got.Column)
	assert.Equal(t, int32(2), loads.Load(), "prefetched shard is served from cache")
}

func TestPrefetcher_SkipsResidentAndRemoved(t *testing.T) {
	c, _ := newTestCache(t, 1000)
	shard := ShardKey{Table: "orders", FirstRowID: 0}
	require.NoError(t, c.Offer(shard, "price", columnOf("price", 100)))
	c.RemoveTable("users")

	var loads atomic.Int32
	p, err := c.NewPrefetcher(func(_ context.Context, _ ShardKey, column string) (*ColumnShard, error) {
		loads.Add(1)
		return columnOf(column, 100), nil
	}, DefaultPrefetchConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Prefetch(shard, "price"))
	require.NoError(t, p.Prefetch(ShardKey{Table: "users"}, "name"))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int32(0), loads.Load())
	assert.Equal(t, int64(0), p.Stats().Failed)
}

func TestPrefetcher_LoadFailure(t *testing.T) {
	c, _ := newTestCache(t, 1000)
	p, err := c.NewPrefetcher(func(context.Context, ShardKey, string) (*ColumnShard, error) {
		return nil, errors.ErrConnectionTimeout
	}, DefaultPrefetchConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Prefetch(ShardKey{Table: "orders"}, "price"))
	require.NoError(t, p.Stop(time.Second))

	assert.Equal(t, int64(1), p.Stats().Failed)
	assert.Equal(t, 0, c.Size())
}

func TestPrefetcher_QueueFullIsTransient(t *testing.T) {
	c, _ := newTestCache(t, 1000)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	p, err := c.NewPrefetcher(func(_ context.Context, _ ShardKey, column string) (*ColumnShard, error) {
		started <- struct{}{}
		<-release
		return columnOf(column, 100), nil
	}, PrefetchConfig{Workers: 1, QueueSize: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	require.NoError(t, p.Prefetch(ShardKey{Table: "orders"}, "a"))
	<-started
	require.NoError(t, p.Prefetch(ShardKey{Table: "orders"}, "b"))

	err = p.Prefetch(ShardKey{Table: "orders"}, "c")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	close(release)
	require.NoError(t, p.Stop(time.Second))
}

func TestNewPrefetcher_Invalid(t *testing.T) {
	c, _ := newTestCache(t, 1000)

	_, err := c.NewPrefetcher(nil, DefaultPrefetchConfig(), nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = c.NewPrefetcher(func(context.Context, ShardKey, string) (*ColumnShard, error) {
		return nil, nil
	}, PrefetchConfig{}, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestPrefetcher_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	c, _ := newTestCache(t, 1000, WithMetrics(registry))
	p, err := c.NewPrefetcher(func(_ context.Context, _ ShardKey, column string) (*ColumnShard, error) {
		return columnOf(column, 100), nil
	}, DefaultPrefetchConfig(), registry)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Prefetch(ShardKey{Table: "orders"}, "price"))
	require.NoError(t, p.Stop(time.Second))

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)
	var submitted float64
	for _, mf := range families {
		if mf.GetName() == "querycache_columncache_prefetch_submitted_total" {
			submitted = mf.Metric[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), submitted)
}

func TestPrefetcher_RateLimit(t *testing.T) {
	c, _ := newTestCache(t, 10_000)
	var loads atomic.Int32
	p, err := c.NewPrefetcher(func(_ context.Context, _ ShardKey, column string) (*ColumnShard, error) {
		loads.Add(1)
		return columnOf(column, 100), nil
	}, PrefetchConfig{Workers: 4, QueueSize: 16, LoadsPerSecond: 20, Burst: 1}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Start(ctx))
	for _, column := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"} {
		require.NoError(t, p.Prefetch(ShardKey{Table: "orders"}, column))
	}
	<-ctx.Done()
	_ = p.Stop(time.Second)

	// One immediate token plus one every 50ms
	assert.LessOrEqual(t, loads.Load(), int32(4))
	assert.GreaterOrEqual(t, loads.Load(), int32(1))

	_, err = c.NewPrefetcher(func(context.Context, ShardKey, string) (*ColumnShard, error) {
		return nil, nil
	}, PrefetchConfig{Workers: 1, QueueSize: 1, LoadsPerSecond: -1}, nil)
	assert.True(t, errors.IsInvalid(err))
}
