package cache

// Key identifies a cached value by an outer key grouping related variants
// (a table shard, a source table and flatten field) and an inner key naming
// one variant (a column, a version id).
type Key[K1, K2 comparable] struct {
	Outer K1
	Inner K2
}

// NewKey builds a Key from its two parts.
func NewKey[K1, K2 comparable](outer K1, inner K2) Key[K1, K2] {
	return Key[K1, K2]{Outer: outer, Inner: inner}
}

// MemorySizeFunc reports the approximate in-memory footprint of a value in bytes.
// A returned error, or a negative size, rejects the value from the cache.
type MemorySizeFunc[V any] func(V) (int64, error)

// Entry is a resident cache entry: a key, its value and the size it was admitted with.
type Entry[K1, K2 comparable, V any] struct {
	Key   Key[K1, K2]
	Value V
	Size  int64
}

// valueCell pairs a value with its computed size. Cells are immutable once
// published so readers always observe a matching value and size.
type valueCell[V any] struct {
	value V
	size  int64
}
