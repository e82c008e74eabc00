package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/c360/querycache/errors"
)

// timedEntry is a value and the instant it was offered.
type timedEntry[V any] struct {
	value    V
	inserted time.Time
}

// ConstantTimeCache holds values for a fixed time-to-live. Expiry is checked
// on read: an entry is absent once ttl has elapsed since it was offered, so
// every lookup is one map access and one time comparison regardless of cache
// size. There is no background sweeper; expired entries are dropped when a
// later offer touches the same outer key.
type ConstantTimeCache[K1, K2 comparable, V any] struct {
	mu    sync.RWMutex
	ttl   time.Duration
	clock Clock
	items map[K1]map[K2]*timedEntry[V]

	stats   *Statistics   // ALWAYS initialized
	metrics *cacheMetrics // Optional, if metrics enabled
}

// NewConstantTime creates a ConstantTimeCache with the given time-to-live.
func NewConstantTime[K1, K2 comparable, V any](ttl time.Duration, options ...Option) (*ConstantTimeCache[K1, K2, V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewConstantTime",
			fmt.Sprintf("ttl must be positive, got %v", ttl))
	}

	opts := applyOptions(options...)
	metrics, err := opts.buildMetrics("NewConstantTime")
	if err != nil {
		return nil, err
	}

	return &ConstantTimeCache[K1, K2, V]{
		ttl:     ttl,
		clock:   opts.clock,
		items:   make(map[K1]map[K2]*timedEntry[V]),
		stats:   NewStatistics(),
		metrics: metrics,
	}, nil
}

// TTL returns the configured time-to-live.
func (c *ConstantTimeCache[K1, K2, V]) TTL() time.Duration {
	return c.ttl
}

func (c *ConstantTimeCache[K1, K2, V]) expired(e *timedEntry[V], now time.Time) bool {
	return now.Sub(e.inserted) >= c.ttl
}

// Offer stores v under (k1, k2), restarting its time-to-live.
func (c *ConstantTimeCache[K1, K2, V]) Offer(k1 K1, k2 K2, v V) {
	now := c.clock.Now()

	c.mu.Lock()
	inner, ok := c.items[k1]
	if !ok {
		inner = make(map[K2]*timedEntry[V])
		c.items[k1] = inner
	}
	for k, e := range inner {
		if c.expired(e, now) {
			delete(inner, k)
		}
	}
	inner[k2] = &timedEntry[V]{value: v, inserted: now}
	c.mu.Unlock()

	c.stats.Offer()
	c.metrics.recordOffer()
}

// Get returns the value under (k1, k2) if it has not expired.
func (c *ConstantTimeCache[K1, K2, V]) Get(k1 K1, k2 K2) (V, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.items[k1][k2]
	c.mu.RUnlock()

	if !ok || c.expired(e, now) {
		c.stats.Miss()
		c.metrics.recordMiss()
		var zero V
		return zero, false
	}

	c.stats.Hit()
	c.metrics.recordHit()
	return e.value, true
}

// GetAll returns every unexpired value under outer key k1.
func (c *ConstantTimeCache[K1, K2, V]) GetAll(k1 K1) []V {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	inner := c.items[k1]
	values := make([]V, 0, len(inner))
	for _, e := range inner {
		if !c.expired(e, now) {
			values = append(values, e.value)
		}
	}
	return values
}

// Size returns the number of unexpired entries.
func (c *ConstantTimeCache[K1, K2, V]) Size() int {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	size := 0
	for _, inner := range c.items {
		for _, e := range inner {
			if !c.expired(e, now) {
				size++
			}
		}
	}
	return size
}

// Remove drops (k1, k2) and reports whether it was present, expired or not.
func (c *ConstantTimeCache[K1, K2, V]) Remove(k1 K1, k2 K2) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	inner, ok := c.items[k1]
	if !ok {
		return false
	}
	if _, ok = inner[k2]; !ok {
		return false
	}
	delete(inner, k2)
	if len(inner) == 0 {
		delete(c.items, k1)
	}
	c.stats.Removals(1)
	c.metrics.recordRemovals(1)
	return true
}

// RemoveOuter drops every entry under k1 and returns how many were dropped.
func (c *ConstantTimeCache[K1, K2, V]) RemoveOuter(k1 K1) int {
	c.mu.Lock()
	n := len(c.items[k1])
	delete(c.items, k1)
	c.mu.Unlock()

	c.stats.Removals(n)
	c.metrics.recordRemovals(n)
	return n
}

// Clear drops every entry. Unexpired entries count as removals.
func (c *ConstantTimeCache[K1, K2, V]) Clear() {
	now := c.clock.Now()

	c.mu.Lock()
	n := 0
	for _, inner := range c.items {
		for _, e := range inner {
			if !c.expired(e, now) {
				n++
			}
		}
	}
	c.items = make(map[K1]map[K2]*timedEntry[V])
	c.mu.Unlock()

	c.stats.Removals(n)
	c.metrics.recordRemovals(n)
}

// Purge drops every expired entry and returns how many it dropped. Offer
// only prunes under the outer key it writes, so entries under outer keys
// that are never offered again stay stored until a Purge.
func (c *ConstantTimeCache[K1, K2, V]) Purge() int {
	now := c.clock.Now()

	c.mu.Lock()
	n := 0
	for k1, inner := range c.items {
		for k2, e := range inner {
			if c.expired(e, now) {
				delete(inner, k2)
				n++
			}
		}
		if len(inner) == 0 {
			delete(c.items, k1)
		}
	}
	c.mu.Unlock()

	if n > 0 {
		c.stats.Evictions(n)
		c.metrics.recordEvictions(n)
	}
	return n
}

// Stats returns cache statistics.
func (c *ConstantTimeCache[K1, K2, V]) Stats() *Statistics {
	return c.stats
}
