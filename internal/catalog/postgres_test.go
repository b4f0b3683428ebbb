package catalog

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

// openTestWriter connects to the database named by CATALOG_TEST_DSN under a
// fresh namespace. The namespace's rows are removed when the test ends.
func openTestWriter(t *testing.T) *PostgresWriter {
	t.Helper()
	dsn := os.Getenv("CATALOG_TEST_DSN")
	if dsn == "" {
		t.Skip("CATALOG_TEST_DSN not set")
	}

	ns := "test-" + uuid.New().String()
	w, err := NewPostgresWriter(context.Background(), Config{PostgresDSN: dsn, Namespace: ns})
	if err != nil {
		t.Fatalf("NewPostgresWriter failed: %v", err)
	}
	t.Cleanup(func() {
		_, _ = w.pool.Exec(context.Background(), `DELETE FROM _meta_partitioned_files WHERE namespace = $1`, ns)
		w.Close()
	})
	return w
}

func blockRecord(path string, first, last uint64) FileRecord {
	return FileRecord{
		Path:         path,
		SourcePath:   "processed_data/" + path,
		Entity:       "blocks",
		Epoch:        first / 432000,
		BlockDate:    "2023-11-14",
		BlockHour:    "2023-11-14 22:00:00",
		CreationDate: "2023-11-16",
		FirstSlot:    first,
		LastSlot:     last,
		FirstTime:    1700000000,
		LastTime:     1700000100,
		RowCount:     int64(last - first + 1),
		Action:       "move",
	}
}

func TestPostgresRecordFileUpserts(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()

	rec := blockRecord("blocks/a.parquet.gzip", 100, 199)
	if err := w.RecordFile(ctx, rec); err != nil {
		t.Fatalf("RecordFile failed: %v", err)
	}
	rec.RowCount = 7
	rec.Action = "split"
	if err := w.RecordFile(ctx, rec); err != nil {
		t.Fatalf("RecordFile upsert failed: %v", err)
	}

	var (
		count    int
		rowCount int64
		action   string
	)
	err := w.pool.QueryRow(ctx,
		`SELECT COUNT(*), MAX(row_count), MAX(action) FROM _meta_partitioned_files WHERE namespace = $1`,
		w.cfg.Namespace,
	).Scan(&count, &rowCount, &action)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if count != 1 || rowCount != 7 || action != "split" {
		t.Errorf("got count=%d row_count=%d action=%s, want 1 7 split", count, rowCount, action)
	}
}

func TestPostgresCoverageGaps(t *testing.T) {
	w := openTestWriter(t)
	ctx := context.Background()

	for _, rec := range []FileRecord{
		blockRecord("blocks/a.parquet.gzip", 100, 199),
		blockRecord("blocks/b.parquet.gzip", 150, 180),
		blockRecord("blocks/c.parquet.gzip", 210, 300),
		blockRecord("blocks/d.parquet.gzip", 301, 400),
	} {
		if err := w.RecordFile(ctx, rec); err != nil {
			t.Fatalf("RecordFile failed: %v", err)
		}
	}

	gaps, err := w.CoverageGaps(ctx, "blocks", 0, 1000)
	if err != nil {
		t.Fatalf("CoverageGaps failed: %v", err)
	}
	if len(gaps) != 1 || gaps[0] != [2]uint64{200, 209} {
		t.Errorf("gaps = %v, want [[200 209]]", gaps)
	}

	gaps, err = w.CoverageGaps(ctx, "rewards", 0, 1000)
	if err != nil {
		t.Fatalf("CoverageGaps failed: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("rewards gaps = %v, want none", gaps)
	}
}
