package records

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/parquet-go/parquet-go"
)

// EncodeParquet writes rows as a gzip-compressed parquet file.
func EncodeParquet[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf, parquet.Compression(&parquet.Gzip))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			w.Close()
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet reads every row of a parquet file.
func DecodeParquet[T any](data []byte) ([]T, error) {
	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows, nil
}

// Batch accumulates the rows of every record in one raw batch file.
type Batch struct {
	Blocks       []BlockRow
	Rewards      []RewardRow
	Transactions []TransactionRow
}

// Add extracts one per-slot record into the batch.
func (b *Batch) Add(rec json.RawMessage) error {
	ex, err := Extract(rec)
	if err != nil {
		return err
	}
	b.Blocks = append(b.Blocks, ex.Block)
	b.Rewards = append(b.Rewards, ex.Rewards...)
	b.Transactions = append(b.Transactions, ex.Transactions...)
	return nil
}

// Len returns the number of rows held for an entity.
func (b *Batch) Len(e Entity) int {
	switch e {
	case EntityBlocks:
		return len(b.Blocks)
	case EntityRewards:
		return len(b.Rewards)
	case EntityTransactions:
		return len(b.Transactions)
	}
	return 0
}

// Encode writes the rows of one entity as a parquet file.
func (b *Batch) Encode(e Entity) ([]byte, error) {
	switch e {
	case EntityBlocks:
		return EncodeParquet(b.Blocks)
	case EntityRewards:
		return EncodeParquet(b.Rewards)
	case EntityTransactions:
		return EncodeParquet(b.Transactions)
	}
	return nil, fmt.Errorf("unknown entity %q", e)
}
