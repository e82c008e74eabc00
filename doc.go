// Package querycache is the cache engine of a distributed columnar query
// engine node.
//
// The engine admits values by how often they are used rather than how
// recently, and keeps the resident set within a byte budget:
//
//   - pkg/cache: CountingCache (frequency admission), ConstantTimeCache
//     (pure time-to-live) and VersionedCache (several live versions per key,
//     with a grace window for superseded ones)
//   - columncache: decompressed column shards on a CountingCache
//   - flatten: flattened table materializations on a VersionedCache
//   - tableevents: table lifecycle events, in-process or over NATS, that
//     make the caches forget removed tables
//
// Node wires these together from a config.Config:
//
//	cfg, err := config.NewLoader().LoadFile("configs/node.yaml")
//	node, err := querycache.NewNode(cfg)
//	if err := node.Start(ctx); err != nil {
//		return err
//	}
//	defer node.Close(ctx)
//
//	data, err := node.Columns.GetOrLoad(ctx, shard, "price", decompress)
//	id, table, err := node.Flattened.GetOrFlatten(ctx, "orders", "items", flattenOrders)
//
//	err = node.TableRemoved(ctx, "orders")
//
// Consolidation is synchronous and driven by each cache's cleanup policy;
// there are no background goroutines.
package querycache
