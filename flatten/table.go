package flatten

import (
	"fmt"

	"github.com/c360/querycache/columncache"
)

// tableOverhead approximates the fixed cost of a resident flattened table.
const tableOverhead = 128

// Table is a flattened table held column-wise. Each column has one entry per
// flattened row.
type Table struct {
	Key     Key
	Rows    int
	Columns map[string]*columncache.ColumnShard
}

// MemorySize returns the approximate resident size of the table in bytes.
func (t *Table) MemorySize() int64 {
	size := int64(tableOverhead + len(t.Key.Table) + len(t.Key.Field))
	for name, column := range t.Columns {
		size += int64(len(name))
		if column != nil {
			size += column.MemorySize()
		}
	}
	return size
}

// TableSize is the MemorySizeFunc for Manager[*Table].
func TableSize(t *Table) (int64, error) {
	if t == nil {
		return 0, fmt.Errorf("nil flattened table")
	}
	return t.MemorySize(), nil
}
