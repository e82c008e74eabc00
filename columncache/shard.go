package columncache

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ShardKey identifies a shard of a table by the id of its first row.
type ShardKey struct {
	Table      string `json:"table"`
	FirstRowID int64  `json:"first_row_id"`
}

// String returns "table@first_row_id".
func (k ShardKey) String() string {
	return fmt.Sprintf("%s@%d", k.Table, k.FirstRowID)
}

// shardOverhead approximates the fixed cost of a resident shard.
const shardOverhead = 64

// ColumnShard is the decompressed data of one column of one shard.
type ColumnShard struct {
	Column   string
	Rows     int
	Data     []byte
	Nulls    []bool
	Checksum uint64
}

// NewColumnShard creates a ColumnShard and checksums its data.
func NewColumnShard(column string, rows int, data []byte, nulls []bool) *ColumnShard {
	return &ColumnShard{
		Column:   column,
		Rows:     rows,
		Data:     data,
		Nulls:    nulls,
		Checksum: xxhash.Sum64(data),
	}
}

// MemorySize returns the approximate resident size of the shard in bytes.
func (c *ColumnShard) MemorySize() int64 {
	return shardOverhead + int64(len(c.Column)) + int64(len(c.Data)) + int64(len(c.Nulls))
}

// Verify reports whether the data still matches its checksum.
func (c *ColumnShard) Verify() bool {
	return xxhash.Sum64(c.Data) == c.Checksum
}

func sizeOf(c *ColumnShard) (int64, error) {
	if c == nil {
		return 0, fmt.Errorf("nil column shard")
	}
	return c.MemorySize(), nil
}
