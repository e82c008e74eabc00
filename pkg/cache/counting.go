package cache

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/c360/querycache/errors"
)

// tracked is the per-key record of a CountingCache. It outlives residency:
// the count survives eviction and is dropped only on explicit removal.
type tracked[V any] struct {
	seq   uint64 // order of first appearance, used to break count ties
	count atomic.Int64
	cell  atomic.Pointer[valueCell[V]] // nil until the first accepted offer
}

// member is a resident key's record and the size it was admitted with.
type member[V any] struct {
	t    *tracked[V]
	size int64
}

// residency is an immutable snapshot of the resident set. Consolidation
// builds a new one and swaps it in with a single atomic store.
type residency[K1, K2 comparable, V any] struct {
	members map[Key[K1, K2]]member[V]
	byOuter map[K1][]Key[K1, K2] // admission order
	bytes   int64
}

func newResidency[K1, K2 comparable, V any](capacity int) *residency[K1, K2, V] {
	return &residency[K1, K2, V]{
		members: make(map[Key[K1, K2]]member[V], capacity),
		byOuter: make(map[K1][]Key[K1, K2]),
	}
}

func (r *residency[K1, K2, V]) admit(key Key[K1, K2], t *tracked[V], size int64) {
	r.members[key] = member[V]{t: t, size: size}
	r.byOuter[key.Outer] = append(r.byOuter[key.Outer], key)
	r.bytes += size
}

// without returns a copy of r minus the keys matched by drop.
func (r *residency[K1, K2, V]) without(drop func(Key[K1, K2]) bool) *residency[K1, K2, V] {
	next := newResidency[K1, K2, V](len(r.members))
	for _, keys := range r.byOuter {
		for _, key := range keys {
			if drop(key) {
				continue
			}
			m := r.members[key]
			next.admit(key, m.t, m.size)
		}
	}
	return next
}

// holds reports whether t is the resident record for key.
func (r *residency[K1, K2, V]) holds(key Key[K1, K2], t *tracked[V]) bool {
	m, ok := r.members[key]
	return ok && m.t == t
}

// candidate is one tracked key as seen by a consolidation pass.
type candidate[K1, K2 comparable, V any] struct {
	key   Key[K1, K2]
	t     *tracked[V]
	size  int64
	count int64
}

// consolidation summarizes one residency recomputation.
type consolidation[K1, K2 comparable] struct {
	admitted []Key[K1, K2]
	rejected []Key[K1, K2] // tracked keys with a value that did not make residency
	bytes    int64
}

// CountingCache maps (outer, inner) keys to values, counts every offer and
// get per key, and keeps the most used values resident within a byte budget.
//
// Residency is recomputed only by Consolidate: keys are ranked by count
// (ties go to the key seen first) and admitted greedily until the first one
// that does not fit. That key and every lower ranked key are evicted, even if
// a smaller one further down would still fit.
type CountingCache[K1, K2 comparable, V any] struct {
	capacity int64
	cleanup  CleanupPolicy
	sizeFn   MemorySizeFunc[V]

	mu      sync.RWMutex
	keys    map[Key[K1, K2]]*tracked[V]
	nextSeq uint64

	consolidateMu sync.Mutex
	resident      atomic.Pointer[residency[K1, K2, V]]

	clock   Clock
	logger  *slog.Logger
	stats   *Statistics   // ALWAYS initialized
	metrics *cacheMetrics // Optional, if metrics enabled
}

// NewCounting creates a CountingCache holding at most capacityBytes of
// resident values. cleanup decides after each offer whether to consolidate
// synchronously; nil means Always.
func NewCounting[K1, K2 comparable, V any](
	capacityBytes int64, cleanup CleanupPolicy, sizeFn MemorySizeFunc[V], options ...Option,
) (*CountingCache[K1, K2, V], error) {
	opts := applyOptions(options...)
	return newCountingCache[K1, K2, V](capacityBytes, cleanup, sizeFn, opts, "NewCounting")
}

func newCountingCache[K1, K2 comparable, V any](
	capacityBytes int64, cleanup CleanupPolicy, sizeFn MemorySizeFunc[V], opts *cacheOptions, method string,
) (*CountingCache[K1, K2, V], error) {
	if capacityBytes <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", method,
			fmt.Sprintf("capacity must be positive, got %d", capacityBytes))
	}
	if sizeFn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "cache", method,
			"memory size function is required")
	}
	if cleanup == nil {
		cleanup = Always()
	}

	// Stats are ALWAYS initialized - observability is not optional
	metrics, err := opts.buildMetrics(method)
	if err != nil {
		return nil, err
	}

	c := &CountingCache[K1, K2, V]{
		capacity: capacityBytes,
		cleanup:  cleanup,
		sizeFn:   sizeFn,
		keys:     make(map[Key[K1, K2]]*tracked[V]),
		clock:    opts.clock,
		logger:   opts.logger,
		stats:    NewStatistics(),
		metrics:  metrics,
	}
	c.resident.Store(newResidency[K1, K2, V](0))
	return c, nil
}

// Offer records a use of (k1, k2) and replaces its value with v.
// The value is stored whether or not the key is resident; residency changes
// only when the cache consolidates.
//
// If the size of v cannot be computed the offer is rejected as a whole: no
// value is stored and the count is left untouched.
func (c *CountingCache[K1, K2, V]) Offer(k1 K1, k2 K2, v V) error {
	return c.store(k1, k2, v, true, "Offer")
}

// Replace stores v for (k1, k2) like Offer but does not record a use. It
// completes a read that Get already counted and missed on.
func (c *CountingCache[K1, K2, V]) Replace(k1 K1, k2 K2, v V) error {
	return c.store(k1, k2, v, false, "Replace")
}

func (c *CountingCache[K1, K2, V]) store(k1 K1, k2 K2, v V, use bool, method string) error {
	size, err := c.sizeFn(v)
	if err == nil && size < 0 {
		err = fmt.Errorf("negative size %d", size)
	}
	if err != nil {
		c.stats.Rejection()
		c.metrics.recordRejection()
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrSizeUnavailable, err),
			"CountingCache", method, "memory size computation")
	}

	t := c.track(Key[K1, K2]{Outer: k1, Inner: k2})
	t.cell.Store(&valueCell[V]{value: v, size: size})
	if use {
		t.count.Add(1)
	}

	c.stats.Offer()
	c.metrics.recordOffer()

	if c.cleanup() {
		c.Consolidate()
	}
	return nil
}

// Get records a use of (k1, k2) and returns its value if it is resident.
// Get never triggers a consolidation.
func (c *CountingCache[K1, K2, V]) Get(k1 K1, k2 K2) (V, bool) {
	key := Key[K1, K2]{Outer: k1, Inner: k2}
	t := c.track(key)
	t.count.Add(1)
	return c.residentValue(key, t)
}

// Contains reports whether (k1, k2) is resident. It does not count as a use
// and is not recorded as a hit or miss.
func (c *CountingCache[K1, K2, V]) Contains(k1 K1, k2 K2) bool {
	key := Key[K1, K2]{Outer: k1, Inner: k2}
	t, ok := c.lookup(key)
	return ok && c.resident.Load().holds(key, t)
}

// GetAll returns the resident values sharing outer key k1, in admission
// order. It does not count as a use of any key.
func (c *CountingCache[K1, K2, V]) GetAll(k1 K1) []V {
	res := c.resident.Load()
	keys := res.byOuter[k1]
	values := make([]V, 0, len(keys))
	for _, key := range keys {
		if cell := res.members[key].t.cell.Load(); cell != nil {
			values = append(values, cell.value)
		}
	}
	return values
}

// GetCount returns the use count of (k1, k2). It is absent if the key was
// never offered or read, or has been removed.
func (c *CountingCache[K1, K2, V]) GetCount(k1 K1, k2 K2) (int64, bool) {
	c.mu.RLock()
	t, ok := c.keys[Key[K1, K2]{Outer: k1, Inner: k2}]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return t.count.Load(), true
}

// Size returns the number of resident keys.
func (c *CountingCache[K1, K2, V]) Size() int {
	return len(c.resident.Load().members)
}

// MemoryUsage returns the bytes charged against the budget by the resident
// keys, as admitted by the last consolidation and adjusted for removals since.
func (c *CountingCache[K1, K2, V]) MemoryUsage() int64 {
	return c.resident.Load().bytes
}

// Capacity returns the byte budget.
func (c *CountingCache[K1, K2, V]) Capacity() int64 {
	return c.capacity
}

// Stats returns cache statistics.
func (c *CountingCache[K1, K2, V]) Stats() *Statistics {
	return c.stats
}

// Keys returns every tracked key, resident or not, in order of first appearance.
func (c *CountingCache[K1, K2, V]) Keys() []Key[K1, K2] {
	c.mu.RLock()
	type seqKey struct {
		seq uint64
		key Key[K1, K2]
	}
	all := make([]seqKey, 0, len(c.keys))
	for key, t := range c.keys {
		all = append(all, seqKey{seq: t.seq, key: key})
	}
	c.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	keys := make([]Key[K1, K2], len(all))
	for i, sk := range all {
		keys[i] = sk.key
	}
	return keys
}

// Resident returns a snapshot of the resident entries in admission order
// within each outer key.
func (c *CountingCache[K1, K2, V]) Resident() []Entry[K1, K2, V] {
	res := c.resident.Load()
	entries := make([]Entry[K1, K2, V], 0, len(res.members))
	for _, keys := range res.byOuter {
		for _, key := range keys {
			if cell := res.members[key].t.cell.Load(); cell != nil {
				entries = append(entries, Entry[K1, K2, V]{Key: key, Value: cell.value, Size: cell.size})
			}
		}
	}
	return entries
}

// Consolidate recomputes residency under the byte budget. It is safe to call
// concurrently with offers and gets; an offer racing with a pass may or may
// not be reflected in it.
func (c *CountingCache[K1, K2, V]) Consolidate() {
	c.consolidate(nil)
}

// consolidate admits the pinned keys first, charging them against the budget
// regardless of rank, then runs the greedy pass over the rest.
func (c *CountingCache[K1, K2, V]) consolidate(pinned map[Key[K1, K2]]struct{}) consolidation[K1, K2] {
	c.consolidateMu.Lock()
	defer c.consolidateMu.Unlock()

	start := c.clock.Now()

	c.mu.RLock()
	candidates := make([]candidate[K1, K2, V], 0, len(c.keys))
	for key, t := range c.keys {
		cell := t.cell.Load()
		if cell == nil {
			continue
		}
		candidates = append(candidates, candidate[K1, K2, V]{
			key:   key,
			t:     t,
			size:  cell.size,
			count: t.count.Load(),
		})
	}
	c.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		return candidates[i].t.seq < candidates[j].t.seq
	})

	next := newResidency[K1, K2, V](len(candidates))
	result := consolidation[K1, K2]{}

	if len(pinned) > 0 {
		for _, cand := range candidates {
			if _, ok := pinned[cand.key]; ok {
				next.admit(cand.key, cand.t, cand.size)
				result.admitted = append(result.admitted, cand.key)
			}
		}
	}

	stopped := false
	for _, cand := range candidates {
		if _, ok := pinned[cand.key]; ok {
			continue
		}
		if stopped || next.bytes+cand.size > c.capacity {
			stopped = true
			result.rejected = append(result.rejected, cand.key)
			continue
		}
		next.admit(cand.key, cand.t, cand.size)
		result.admitted = append(result.admitted, cand.key)
	}
	result.bytes = next.bytes

	prev := c.resident.Swap(next)

	evicted := 0
	for key, m := range prev.members {
		if !next.holds(key, m.t) {
			evicted++
		}
	}

	took := c.clock.Now().Sub(start)
	c.stats.Consolidation()
	c.stats.Evictions(evicted)
	c.stats.UpdateSize(int64(len(next.members)))
	c.stats.UpdateMemoryUsage(next.bytes)
	c.metrics.recordEvictions(evicted)
	c.metrics.recordConsolidation(len(next.members), next.bytes, took)

	c.logger.Debug("cache consolidated",
		"candidates", len(candidates),
		"resident", len(next.members),
		"bytes", next.bytes,
		"capacity", c.capacity,
		"evicted", evicted)

	return result
}

// Remove forgets (k1, k2) entirely: count, value and residency.
func (c *CountingCache[K1, K2, V]) Remove(k1 K1, k2 K2) bool {
	target := Key[K1, K2]{Outer: k1, Inner: k2}
	return c.RemoveIf(func(o K1, i K2) bool { return o == target.Outer && i == target.Inner }) > 0
}

// RemoveOuter forgets every key under outer key k1 and returns how many were dropped.
func (c *CountingCache[K1, K2, V]) RemoveOuter(k1 K1) int {
	return c.RemoveIf(func(o K1, _ K2) bool { return o == k1 })
}

// RemoveIf forgets every key matched by pred and returns how many were dropped.
// Removal takes effect immediately, without waiting for a consolidation.
func (c *CountingCache[K1, K2, V]) RemoveIf(pred func(K1, K2) bool) int {
	c.consolidateMu.Lock()
	defer c.consolidateMu.Unlock()

	c.mu.Lock()
	dropped := make(map[Key[K1, K2]]struct{})
	for key := range c.keys {
		if pred(key.Outer, key.Inner) {
			dropped[key] = struct{}{}
			delete(c.keys, key)
		}
	}
	c.mu.Unlock()

	if len(dropped) == 0 {
		return 0
	}

	next := c.resident.Load().without(func(key Key[K1, K2]) bool {
		_, ok := dropped[key]
		return ok
	})
	c.resident.Store(next)

	c.stats.Removals(len(dropped))
	c.stats.UpdateSize(int64(len(next.members)))
	c.stats.UpdateMemoryUsage(next.bytes)
	c.metrics.recordRemovals(len(dropped))
	c.metrics.updateSize(len(next.members), next.bytes)

	return len(dropped)
}

// Clear forgets every key.
func (c *CountingCache[K1, K2, V]) Clear() {
	c.consolidateMu.Lock()
	defer c.consolidateMu.Unlock()

	c.mu.Lock()
	n := len(c.keys)
	c.keys = make(map[Key[K1, K2]]*tracked[V])
	c.mu.Unlock()

	c.resident.Store(newResidency[K1, K2, V](0))

	c.stats.Removals(n)
	c.stats.UpdateSize(0)
	c.stats.UpdateMemoryUsage(0)
	c.metrics.recordRemovals(n)
	c.metrics.updateSize(0, 0)
}

// track returns the record for key, creating it on first sight.
func (c *CountingCache[K1, K2, V]) track(key Key[K1, K2]) *tracked[V] {
	c.mu.RLock()
	t, ok := c.keys[key]
	c.mu.RUnlock()
	if ok {
		return t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok = c.keys[key]; ok {
		return t
	}
	t = &tracked[V]{seq: c.nextSeq}
	c.nextSeq++
	c.keys[key] = t
	return t
}

// lookup returns the record for key without creating it.
func (c *CountingCache[K1, K2, V]) lookup(key Key[K1, K2]) (*tracked[V], bool) {
	c.mu.RLock()
	t, ok := c.keys[key]
	c.mu.RUnlock()
	return t, ok
}

// residentValue returns t's value if t is the resident record for key.
func (c *CountingCache[K1, K2, V]) residentValue(key Key[K1, K2], t *tracked[V]) (V, bool) {
	if c.resident.Load().holds(key, t) {
		if cell := t.cell.Load(); cell != nil {
			c.stats.Hit()
			c.metrics.recordHit()
			return cell.value, true
		}
	}
	c.stats.Miss()
	c.metrics.recordMiss()
	var zero V
	return zero, false
}
