// Package columncache keeps decompressed column shards in memory.
//
// Tables are stored as compressed shards, each identified by the table name
// and the id of its first row. Decompressing a column is the expensive part
// of a scan, so the Cache counts every read of a (shard, column) pair and
// keeps the most frequently read columns resident within a byte budget:
//
//	columns, err := columncache.New(cfg, columncache.WithMetrics(registry))
//	data, err := columns.GetOrLoad(ctx, shard, "price", decompress)
//
// Shards are checksummed with xxhash when they are created. A loaded shard
// that fails Verify is reported as errors.ErrDataCorrupted and never cached.
//
// Removing a table (RemoveTable, or a table.removed event after Attach)
// drops all of its columns together with their read counts.
package columncache
