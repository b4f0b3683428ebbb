// Package parser turns raw batch files into per-entity columnar files.
package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/slot-indexer/internal/checkpoint"
	"github.com/withObsrvr/slot-indexer/internal/config"
	"github.com/withObsrvr/slot-indexer/internal/logging"
	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/naming"
	"github.com/withObsrvr/slot-indexer/internal/rawbatch"
	"github.com/withObsrvr/slot-indexer/internal/records"
	"github.com/withObsrvr/slot-indexer/internal/state"
	"github.com/withObsrvr/slot-indexer/internal/storage"
)

// failurePause is how long a worker waits after a failed file.
const failurePause = time.Second

// Parser runs the scan monitor and the parse workers.
type Parser struct {
	cfg         config.ParserConfig
	queue       *ParseQueueManager
	data        storage.ObjectStore
	checkpoints *checkpoint.Manager
	codec       *rawbatch.Codec
	log         *slog.Logger
}

// New creates a parser reading raw batches from data. stateStore holds the
// parser documents and the collector checkpoints.
func New(cfg config.ParserConfig, data storage.ObjectStore, stateStore *state.Store) (*Parser, error) {
	codec, err := rawbatch.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}

	return &Parser{
		cfg: cfg,
		queue: NewParseQueueManager(QueueConfig{
			ScanInterval:   cfg.ScanInterval,
			SaveInterval:   cfg.SaveInterval,
			MaxQueueSize:   cfg.MaxQueueSize,
			MaxFileRetries: cfg.MaxFileRetries,
		}, data, stateStore),
		data:        data,
		checkpoints: checkpoint.NewManager(stateStore),
		codec:       codec,
		log:         logging.Component("parser"),
	}, nil
}

// Queue exposes the parse queue.
func (p *Parser) Queue() *ParseQueueManager {
	return p.queue
}

// SafeSlot returns the slot below which every raw file is final: the smallest
// last uploaded slot across collector workers. Reports false when no worker
// has checkpointed yet.
func (p *Parser) SafeSlot(ctx context.Context) (uint64, bool, error) {
	slot, err := p.checkpoints.MinLastUploaded(ctx)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return slot, true, nil
}

// Run restores the queue state and processes files until ctx is cancelled.
func (p *Parser) Run(ctx context.Context) error {
	defer p.codec.Close()

	if err := p.queue.RestoreState(ctx); err != nil {
		return err
	}

	p.log.Info("starting parser", "workers", p.cfg.WorkerCount, "scan_interval", p.cfg.ScanInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.runMonitor(gctx) })
	for i := 0; i < p.cfg.WorkerCount; i++ {
		id := i
		g.Go(func() error { return p.runWorker(gctx, id) })
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return errors.Join(runErr, p.queue.SaveState(saveCtx, true))
}

func (p *Parser) runMonitor(ctx context.Context) error {
	p.monitorTick(ctx)

	interval := p.cfg.ScanInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.monitorTick(ctx)
		}
	}
}

// monitorTick scans for new files, sweeps stale ones, saves state and
// publishes progress.
func (p *Parser) monitorTick(ctx context.Context) {
	safe, ok, err := p.SafeSlot(ctx)
	switch {
	case err != nil:
		p.log.Error("cannot read collector checkpoints", "error", err)
	case !ok:
		p.log.Info("no collector checkpoints yet, nothing to parse")
	default:
		if _, err := p.queue.ScanForFiles(ctx, safe); err != nil {
			p.log.Error("scan failed", "error", err)
		}
	}

	if n := p.queue.SweepStale(p.cfg.StaleTimeout); n > 0 {
		p.log.Warn("requeued stale files", "count", n)
	}
	if err := p.queue.SaveState(ctx, false); err != nil {
		p.log.Error("failed to save parser state", "error", err)
	}

	prog := p.queue.Progress()
	metrics.Get().SetQueue(metrics.StageParser, prog.Queued, prog.Processing, prog.Failed)
	p.log.Info("parser progress",
		"completed", prog.Completed,
		"processing", prog.Processing,
		"queued", prog.Queued,
		"failed", prog.Failed,
	)
}

func (p *Parser) runWorker(ctx context.Context, id int) error {
	log := logging.WorkerLogger("parser", id)
	log.Info("parser worker starting")

	for ctx.Err() == nil {
		task := p.queue.GetTask(ctx, id, p.cfg.TaskTimeout)
		if task == nil {
			continue
		}

		if err := p.processFile(ctx, id, task.Name); err != nil {
			metrics.Get().IncFilesParsed("error")
			logging.FileLogger("parser", id, task.Name).Error("parse failed", "error", err)
			p.queue.RequeueFile(task.Name, id)
			select {
			case <-ctx.Done():
			case <-time.After(failurePause):
			}
			continue
		}
		metrics.Get().IncFilesParsed("ok")
		p.queue.CompleteFile(task.Name, id, true)
	}

	log.Info("parser worker stopped")
	return nil
}

// processFile writes the three columnar files of one raw batch and deletes
// the raw file once all of them are stored.
func (p *Parser) processFile(ctx context.Context, workerID int, name string) error {
	log := logging.FileLogger("parser", workerID, name)
	start := time.Now()

	data, err := p.data.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	recs, err := p.codec.Decode(data, name)
	if err != nil {
		return err
	}

	var batch records.Batch
	for i, rec := range recs {
		if err := batch.Add(rec); err != nil {
			return fmt.Errorf("%s record %d: %w", name, i, err)
		}
	}

	for _, entity := range records.Entities {
		out, err := batch.Encode(entity)
		if err != nil {
			return fmt.Errorf("encode %s: %w", entity, err)
		}
		key := naming.ProcessedName(string(entity), name)
		if err := p.data.Put(ctx, key, out); err != nil {
			metrics.Get().IncUploads(metrics.StageParser, "error")
			return fmt.Errorf("upload %s: %w", key, err)
		}
		metrics.Get().IncUploads(metrics.StageParser, "ok")
		metrics.Get().AddRowsWritten(string(entity), batch.Len(entity))
	}

	if err := p.data.Delete(ctx, name); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete %s: %w", name, err)
	}

	log.Info("parsed file",
		"records", len(recs),
		"blocks", batch.Len(records.EntityBlocks),
		"rewards", batch.Len(records.EntityRewards),
		"transactions", batch.Len(records.EntityTransactions),
		"duration", time.Since(start),
	)
	return nil
}
