package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewPostgresWriter creates a new PostgreSQL catalog writer.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Println("[catalog] connected to PostgreSQL catalog")
	return &PostgresWriter{pool: pool, cfg: cfg}, nil
}

// RecordFile upserts the record for one partitioned file.
func (w *PostgresWriter) RecordFile(ctx context.Context, rec FileRecord) error {
	query := `
		INSERT INTO _meta_partitioned_files (
			namespace, path, source_path, entity, epoch, block_date, block_hour,
			creation_date, first_slot, last_slot, first_time, last_time,
			row_count, byte_size, checksum, action
		)
		VALUES ($1, $2, $3, $4, $5, $6::date, $7::timestamp, $8::date, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (namespace, path)
		DO UPDATE SET
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			action = EXCLUDED.action,
			created_at = NOW()
	`

	_, err := w.pool.Exec(ctx, query,
		w.cfg.Namespace,
		rec.Path,
		rec.SourcePath,
		rec.Entity,
		int64(rec.Epoch),
		rec.BlockDate,
		rec.BlockHour,
		rec.CreationDate,
		int64(rec.FirstSlot),
		int64(rec.LastSlot),
		rec.FirstTime,
		rec.LastTime,
		rec.RowCount,
		rec.ByteSize,
		rec.Checksum,
		rec.Action,
	)
	if err != nil {
		return fmt.Errorf("record file %s: %w", rec.Path, err)
	}
	return nil
}

// CoverageGaps returns the slot ranges missing between recorded files of an
// entity within [from, to].
func (w *PostgresWriter) CoverageGaps(ctx context.Context, entity string, from, to uint64) ([][2]uint64, error) {
	query := `
		WITH ranges AS (
			SELECT first_slot, last_slot
			FROM _meta_partitioned_files
			WHERE namespace = $1
			  AND entity = $2
			  AND first_slot >= $3
			  AND last_slot <= $4
		),
		gaps AS (
			SELECT
				MAX(last_slot) OVER (ORDER BY first_slot ROWS BETWEEN UNBOUNDED PRECEDING AND 1 PRECEDING) + 1 AS gap_start,
				first_slot - 1 AS gap_end
			FROM ranges
		)
		SELECT gap_start, gap_end
		FROM gaps
		WHERE gap_start <= gap_end
	`

	rows, err := w.pool.Query(ctx, query, w.cfg.Namespace, entity, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("query gaps: %w", err)
	}
	defer rows.Close()

	var gaps [][2]uint64
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		gaps = append(gaps, [2]uint64{uint64(start), uint64(end)})
	}

	return gaps, rows.Err()
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
