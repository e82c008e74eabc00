package flatten

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/querycache/columncache"
)

func TestTable_MemorySize(t *testing.T) {
	items := columncache.NewColumnShard("items.sku", 3, make([]byte, 24), nil)
	table := &Table{
		Key:  Key{Table: "orders", Field: "items"},
		Rows: 3,
		Columns: map[string]*columncache.ColumnShard{
			"items.sku": items,
			"empty":     nil,
		},
	}

	want := int64(tableOverhead+len("orders")+len("items")) +
		int64(len("items.sku")) + items.MemorySize() + int64(len("empty"))
	assert.Equal(t, want, table.MemorySize())

	size, err := TableSize(table)
	require.NoError(t, err)
	assert.Equal(t, want, size)

	_, err = TableSize(nil)
	assert.Error(t, err)
}
