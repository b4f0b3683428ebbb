// Package collector fetches blocks slot by slot from a chain node and uploads
// them as raw batch files.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/slot-indexer/internal/checkpoint"
	"github.com/withObsrvr/slot-indexer/internal/config"
	"github.com/withObsrvr/slot-indexer/internal/logging"
	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/naming"
	"github.com/withObsrvr/slot-indexer/internal/rawbatch"
	"github.com/withObsrvr/slot-indexer/internal/state"
	"github.com/withObsrvr/slot-indexer/internal/storage"
)

// RemainingQueueKey holds the slots that were queued or in flight at shutdown.
const RemainingQueueKey = "remaining_queue_slots.json"

// Chain is the node API the collector needs.
type Chain interface {
	HeadFetcher
	BlockFetcher
}

// RemainingQueue is the document written at shutdown.
type RemainingQueue struct {
	Slots     []uint64 `json:"slots"`
	Timestamp string   `json:"timestamp"`
	Reason    string   `json:"reason"`
}

// Collector orchestrates the queue filler, the monitor and the fetch workers.
type Collector struct {
	cfg         config.CollectorConfig
	queue       *SlotQueueManager
	fetcher     *batchFetcher
	data        storage.ObjectStore
	state       *state.Store
	checkpoints *checkpoint.Manager
	codec       *rawbatch.Codec
	ext         string
	runID       string
	now         func() time.Time
	log         *slog.Logger

	activeWorkers atomic.Int32
}

// New creates a collector. data receives raw batches; stateStore holds the
// queue documents and worker checkpoints.
func New(cfg config.CollectorConfig, chain Chain, data storage.ObjectStore, stateStore *state.Store) (*Collector, error) {
	codec, err := rawbatch.NewCodec()
	if err != nil {
		return nil, fmt.Errorf("create codec: %w", err)
	}

	queue := NewSlotQueueManager(QueueConfig{
		StartSlot:         cfg.StartSlot,
		HighWater:         cfg.HighWater,
		LowWater:          cfg.LowWater,
		MaxSlotRetries:    cfg.MaxSlotRetries,
		HeadCheckInterval: cfg.HeadCheckInterval,
		SaveInterval:      cfg.SaveInterval,
	}, chain, stateStore)

	return &Collector{
		cfg:   cfg,
		queue: queue,
		fetcher: newBatchFetcher(chain, FetchConfig{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
		}),
		data:        data,
		state:       stateStore,
		checkpoints: checkpoint.NewManager(stateStore),
		codec:       codec,
		ext:         rawbatch.Extension(cfg.RawCompression),
		runID:       logging.NewRunID(),
		now:         time.Now,
		log:         logging.Component("collector"),
	}, nil
}

// Queue exposes the slot queue.
func (c *Collector) Queue() *SlotQueueManager {
	return c.queue
}

// Run reconciles persisted state, then runs the filler, the monitor and
// the workers until ctx is cancelled. Final state is saved before returning.
func (c *Collector) Run(ctx context.Context) error {
	defer c.codec.Close()

	plan, err := c.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	c.ValidateRecovery(plan)

	c.log.Info("starting collector",
		"run_id", c.runID,
		"workers", c.cfg.WorkerCount,
		"batch_size", c.cfg.BatchSize,
		"upload_threshold", c.cfg.UploadThreshold(),
		"start_slot", plan.Resume,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runFiller(gctx) })
	g.Go(func() error { return c.runMonitor(gctx) })
	for i := 0; i < c.cfg.WorkerCount; i++ {
		id := i
		c.activeWorkers.Add(1)
		g.Go(func() error {
			defer func() {
				if c.activeWorkers.Add(-1) == 0 && gctx.Err() == nil {
					c.log.Error("all workers stopped; the collector is idle until restarted")
				}
			}()
			return c.runWorker(gctx, id)
		})
	}

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer cancel()
	return errors.Join(runErr, c.Stop(stopCtx))
}

// runFiller tops up the queue once a second.
func (c *Collector) runFiller(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if c.queue.ShouldFill(ctx) {
				c.queue.Fill(ctx, c.cfg.FillChunk)
			}
		}
	}
}

// runMonitor sweeps stale slots, saves state, publishes progress and
// backfills gaps every MonitorInterval.
func (c *Collector) runMonitor(ctx context.Context) error {
	interval := c.cfg.MonitorInterval
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
			c.monitorTick(ctx)
		}
	}
}

func (c *Collector) monitorTick(ctx context.Context) {
	if n := c.queue.SweepStale(c.cfg.StaleTimeout); n > 0 {
		c.log.Warn("requeued stale slots", "count", n)
	}

	if err := c.queue.SaveState(ctx, false); err != nil {
		c.log.Error("failed to save queue state", "error", err)
	}

	p := c.queue.Progress()
	p.PublishMetrics()
	c.log.Info("progress",
		"completed", p.Completed,
		"processing", p.Processing,
		"queued", p.Queued,
		"dead_lettered", p.DeadLettered,
		"current_slot", p.CurrentSlot,
		"head", p.ChainHead,
		"behind", p.SlotsBehind,
		"gaps", p.GapCount,
	)

	if slots := c.queue.GapSlots(c.cfg.BackfillPerTick); len(slots) > 0 {
		added := c.queue.Backfill(slots...)
		c.log.Info("backfilling gaps", "gaps", p.GapCount, "enqueued", added)
	}

	if _, err := c.publishFileGaps(ctx); err != nil {
		c.log.Warn("cannot list raw files for gap metrics", "error", err)
	}
}

// publishFileGaps attributes the slots missing between raw batch files to
// worker indexes and publishes the counts.
func (c *Collector) publishFileGaps(ctx context.Context) (map[int]uint64, error) {
	objs, err := c.data.List(ctx, naming.RawPrefix)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(objs))
	for i, o := range objs {
		names[i] = o.Key
	}

	gaps := naming.WorkerGaps(naming.CollectGaps(names), c.cfg.WorkerCount)
	for id, n := range gaps {
		metrics.Get().SetWorkerGaps(id, n)
	}
	return gaps, nil
}

// Stop persists the queue state and writes the remaining queued and
// in-flight slots to RemainingQueueKey.
func (c *Collector) Stop(ctx context.Context) error {
	c.log.Info("stopping collector, saving final state")

	var errs []error
	if err := c.queue.SaveState(ctx, true); err != nil {
		errs = append(errs, err)
	}

	if slots := c.queue.Drain(); len(slots) > 0 {
		doc := RemainingQueue{
			Slots:     slots,
			Timestamp: c.now().UTC().Format(time.RFC3339),
			Reason:    "shutdown",
		}
		if err := c.state.SaveJSON(ctx, RemainingQueueKey, doc); err != nil {
			errs = append(errs, fmt.Errorf("save remaining queue: %w", err))
		} else {
			c.log.Info("saved remaining queued slots", "count", len(slots))
		}
	}

	return errors.Join(errs...)
}
