package columncache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/c360/querycache/errors"
	"github.com/c360/querycache/metric"
	"github.com/c360/querycache/pkg/cache"
	"github.com/c360/querycache/tableevents"
)

// LoadFunc reads and decompresses one column of one shard.
type LoadFunc func(ctx context.Context, shard ShardKey, column string) (*ColumnShard, error)

// Cache keeps the most frequently read decompressed column shards resident
// within a byte budget.
type Cache struct {
	columns    *cache.CountingCache[ShardKey, string, *ColumnShard]
	tombstones *cache.ConstantTimeCache[string, struct{}, time.Time]
	group      singleflight.Group

	// removal is held shared by writes and exclusively by RemoveTable, so a
	// tombstone check and the write it guards cannot straddle a removal.
	removal sync.RWMutex

	clock   cache.Clock
	logger  *slog.Logger
	metrics *metric.Metrics
}

// New creates a Cache from config. It uses CapacityBytes and Cleanup for the
// shard cache and TTL for how long a removed table stays tombstoned.
func New(config cache.Config, opts ...Option) (*Cache, error) {
	o := applyOptions(opts...)

	columns, err := cache.NewCountingFromConfig[ShardKey, string, *ColumnShard](config, sizeOf,
		o.cacheOptions("column_shards")...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "columncache", "New", "create shard cache")
	}
	tombstones, err := cache.NewConstantTimeFromConfig[string, struct{}, time.Time](config,
		o.cacheOptions("column_tombstones")...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "columncache", "New", "create tombstone cache")
	}

	return &Cache{
		columns:    columns,
		tombstones: tombstones,
		clock:      o.clock,
		logger:     o.logger,
		metrics:    o.metrics,
	}, nil
}

// Offer counts a read of column in shard and caches data for it.
func (c *Cache) Offer(shard ShardKey, column string, data *ColumnShard) error {
	c.removal.RLock()
	defer c.removal.RUnlock()

	if c.removed(shard.Table) {
		return errors.WrapInvalid(errors.ErrTableRemoved, "columncache", "Offer",
			fmt.Sprintf("table %s", shard.Table))
	}
	return c.columns.Offer(shard, column, data)
}

// Get counts a read of column in shard and returns it if resident. Reads
// of a tombstoned table are absent and not counted.
func (c *Cache) Get(shard ShardKey, column string) (*ColumnShard, bool) {
	if c.removed(shard.Table) {
		return nil, false
	}
	return c.columns.Get(shard, column)
}

// GetAll returns the resident columns of shard. Reads are not counted.
func (c *Cache) GetAll(shard ShardKey) []*ColumnShard {
	return c.columns.GetAll(shard)
}

// Count returns the number of reads of column in shard seen so far.
func (c *Cache) Count(shard ShardKey, column string) (int64, bool) {
	return c.columns.GetCount(shard, column)
}

// GetOrLoad returns column of shard, loading it with load on a miss.
// Concurrent misses on the same column share one load. Loaded data that fails
// its checksum is not cached.
func (c *Cache) GetOrLoad(ctx context.Context, shard ShardKey, column string, load LoadFunc) (*ColumnShard, error) {
	if c.removed(shard.Table) {
		return nil, errors.WrapInvalid(errors.ErrTableRemoved, "columncache", "GetOrLoad",
			fmt.Sprintf("table %s", shard.Table))
	}
	if data, ok := c.Get(shard, column); ok {
		return data, nil
	}

	// The read was counted by Get already; only cache the data
	return c.loadShared(ctx, shard, column, load, "GetOrLoad")
}

// loadShared runs load once per (shard, column) across concurrent callers
// and caches the verified result without counting a use.
func (c *Cache) loadShared(ctx context.Context, shard ShardKey, column string, load LoadFunc, method string) (*ColumnShard, error) {
	res, err, _ := c.group.Do(shard.String()+"\x00"+column, func() (any, error) {
		start := c.clock.Now()
		data, err := load(ctx, shard, column)
		c.metrics.RecordRecompute("columncache", c.clock.Now().Sub(start))
		if err != nil {
			return nil, errors.Wrap(err, "columncache", method,
				fmt.Sprintf("load %s of %s", column, shard))
		}
		if data == nil {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "columncache", method,
				fmt.Sprintf("loader returned no data for %s of %s", column, shard))
		}
		if !data.Verify() {
			return nil, errors.WrapFatal(errors.ErrDataCorrupted, "columncache", method,
				fmt.Sprintf("checksum mismatch for %s of %s", column, shard))
		}
		if err := c.store(shard, column, data, method); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*ColumnShard), nil
}

func (c *Cache) store(shard ShardKey, column string, data *ColumnShard, method string) error {
	c.removal.RLock()
	defer c.removal.RUnlock()

	if c.removed(shard.Table) {
		return errors.WrapInvalid(errors.ErrTableRemoved, "columncache", method,
			fmt.Sprintf("table %s", shard.Table))
	}
	return c.columns.Replace(shard, column, data)
}

// RemoveTable drops every shard of table and tombstones it so loads still in
// flight cannot cache it again. It returns the number of columns dropped.
func (c *Cache) RemoveTable(table string) int {
	c.removal.Lock()
	defer c.removal.Unlock()

	c.tombstones.Purge()
	c.tombstones.Offer(table, struct{}{}, c.clock.Now())
	n := c.columns.RemoveIf(func(shard ShardKey, _ string) bool { return shard.Table == table })
	c.metrics.RecordKeysForgotten("columncache", n)
	c.logger.Info("column shards forgotten", "table", table, "columns", n)
	return n
}

// Attach subscribes the cache to table lifecycle events.
func (c *Cache) Attach(ctx context.Context, notifier tableevents.Notifier) error {
	return notifier.Subscribe(ctx, func(_ context.Context, event tableevents.Event) {
		switch event.Type {
		case tableevents.TableRemoved:
			c.RemoveTable(event.Table)
		case tableevents.TableLoaded:
			c.tombstones.Remove(event.Table, struct{}{})
		}
	})
}

// Consolidate recomputes which columns are resident.
func (c *Cache) Consolidate() {
	c.columns.Consolidate()
}

// Size returns the number of resident columns.
func (c *Cache) Size() int {
	return c.columns.Size()
}

// MemoryUsage returns the resident bytes.
func (c *Cache) MemoryUsage() int64 {
	return c.columns.MemoryUsage()
}

// Capacity returns the byte budget.
func (c *Cache) Capacity() int64 {
	return c.columns.Capacity()
}

// Stats returns statistics of the shard cache.
func (c *Cache) Stats() *cache.Statistics {
	return c.columns.Stats()
}

func (c *Cache) removed(table string) bool {
	_, ok := c.tombstones.Get(table, struct{}{})
	return ok
}
