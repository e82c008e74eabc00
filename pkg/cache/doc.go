// Package cache provides the memory-bounded caches of a querycache node: a
// frequency-admission counting cache, a constant-time TTL cache, and a
// versioned cache that keeps superseded versions of derived data alive for a
// grace window.
//
// # Overview
//
// All caches are keyed by a two-part Key: an outer key grouping related
// variants (a table shard, a source table and flatten field) and an inner key
// naming one variant (a column, a version id).
//
//   - CountingCache: counts every Offer and Get per key and keeps the most used
//     values resident within a byte budget.
//   - ConstantTimeCache: fixed time-to-live, expiry checked lazily on read.
//   - VersionedCache: a CountingCache plus a newest-version index per source
//     key and time-bounded retention flags.
//
// Every cache is an explicitly constructed value. There is no package-level
// instance; callers hold and pass references, and tests build isolated ones.
//
// # Quick Start
//
//	columns, err := cache.NewCounting[ShardKey, string, *Column](
//		512<<20,
//		cache.EveryN(64),
//		func(c *Column) (int64, error) { return c.MemorySize(), nil },
//		cache.WithMetrics(registry, "column_cache"),
//	)
//	if err != nil {
//		return err
//	}
//
//	if err := columns.Offer(shard, "price", col); err != nil {
//		// the value could not be sized; serve it uncached
//	}
//	col, ok := columns.Get(shard, "price")
//
// # Admission
//
// Residency is recomputed only by Consolidate, never on a read. A pass ranks
// every key that has a value by count, breaks ties by first appearance, and
// admits keys while the running total stays within the budget. The first key
// that does not fit ends the pass: it and every lower ranked key are evicted
// even if a smaller one would fit in the leftover space. The result is a
// total, reproducible order in O(n log n) over the tracked keys.
//
// Counts survive eviction. A key is only forgotten by Remove, RemoveOuter,
// RemoveIf or Clear, typically because its table was unloaded.
//
// When a cache consolidates is an injected CleanupPolicy: Always, Never,
// EveryN or Interval. Tests pick Always or Never to make residency
// deterministic.
//
// # Versions and Flags
//
// VersionedCache.RegisterVersion makes a version the newest for its source key.
// The version it replaces is flagged until now plus the flag window; while
// flagged it is admitted ahead of every unflagged key. GetNewestVersionAndFlag
// refreshes the flag on the newest version so a query that just chose it can
// rely on it for a full window.
//
// A version moves through these states:
//
//	Registered -> Newest -> Superseded (flagged) -> Expired -> Evicted -> Forgotten
//
// A superseded version that is no longer flagged and loses admission is
// forgotten at once, since nothing can reach it through the newest index.
//
// # Time
//
// Caches read time from an injected Clock (WithClock). SystemClock is the
// default; ManualClock lets tests move time without sleeping.
//
// # Observability
//
// Statistics are always on and available through Stats(). WithMetrics also
// exports them to Prometheus under the querycache_cache_* names with a
// component label.
//
// # Thread Safety
//
// All operations are safe for concurrent use:
//   - Per-key counters are atomic; concurrent offers and gets never lose counts
//   - Values are published as immutable cells, so a read sees a matching value and size
//   - Residency is an immutable snapshot swapped in with one atomic store
//   - Consolidations are serialized with each other and with removals, and
//     sort outside the key map lock
package cache
