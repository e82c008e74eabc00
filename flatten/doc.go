// Package flatten caches flattened materializations of source tables.
//
// Flattening table T along a repeated field F produces a derived table the
// query engine can scan directly. Recomputing one is expensive, so the
// Manager keeps them in a cache.VersionedCache keyed by (T, F):
//
//	manager, err := flatten.New[*Flattened](cfg, sizeOf, flatten.WithMetrics(registry))
//	id, table, err := manager.GetOrFlatten(ctx, "orders", "items", flattenOrders)
//
// Each recompute registers a new version under a fresh UUID. A query plans
// against the version NewestAndFlag returns and reads it back with Get; the
// flag keeps it resident for the flag window even if a newer version
// replaces it meanwhile.
//
// When a source table is removed (RemoveTable, or a table.removed event
// after Attach) every version derived from it is forgotten, and the table is
// tombstoned for the configured TTL: a recompute that finishes after the
// removal fails with errors.ErrTableRemoved instead of resurrecting it.
package flatten
