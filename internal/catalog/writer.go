// Package catalog records every file the validator places in the
// partitioned layout, so downstream readers can find files by slot range
// without listing the bucket.
package catalog

import (
	"context"
	"time"
)

type Config struct {
	PostgresDSN string
	Namespace   string
}

// FileRecord describes one file in the partitioned layout.
type FileRecord struct {
	Path         string
	SourcePath   string
	Entity       string
	Epoch        uint64
	BlockDate    string
	BlockHour    string
	CreationDate string
	FirstSlot    uint64
	LastSlot     uint64
	FirstTime    int64
	LastTime     int64
	RowCount     int64
	ByteSize     int64
	Checksum     string
	Action       string // "move" | "split"
	RecordedAt   time.Time
}

// Writer persists file records.
type Writer interface {
	RecordFile(ctx context.Context, rec FileRecord) error
	Close() error
}

// NewWriter returns a PostgreSQL writer when a DSN is configured and a
// no-op writer otherwise.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordFile(_ context.Context, _ FileRecord) error { return nil }
func (noopWriter) Close() error                                     { return nil }
