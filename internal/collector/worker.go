package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/withObsrvr/slot-indexer/internal/checkpoint"
	"github.com/withObsrvr/slot-indexer/internal/logging"
	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/naming"
	"github.com/withObsrvr/slot-indexer/internal/rawbatch"
)

// finalFlushTimeout bounds the upload a worker makes after cancellation.
const finalFlushTimeout = 30 * time.Second

type bufferedRecord struct {
	slot      uint64
	blockTime int64
	record    json.RawMessage
}

// uploadBuffer accumulates records of one worker between uploads.
type uploadBuffer struct {
	records []bufferedRecord
}

func (b *uploadBuffer) add(r SlotResult) {
	var bt int64
	if h, err := rawbatch.ReadHeader(r.Record); err == nil {
		bt = h.BlockTime
	}
	b.records = append(b.records, bufferedRecord{slot: r.Slot, blockTime: bt, record: r.Record})
}

func (b *uploadBuffer) len() int { return len(b.records) }

func (b *uploadBuffer) reset() { b.records = nil }

// span sorts the buffer by slot and describes it for naming. FirstTime and
// LastTime are the min and max non-zero block times.
func (b *uploadBuffer) span(workerID int, now time.Time) naming.Span {
	sort.Slice(b.records, func(i, j int) bool { return b.records[i].slot < b.records[j].slot })

	s := naming.Span{
		FirstSlot: b.records[0].slot,
		LastSlot:  b.records[len(b.records)-1].slot,
		Timestamp: now.Unix(),
		WorkerID:  workerID,
	}
	for _, r := range b.records {
		if r.blockTime <= 0 {
			continue
		}
		if s.FirstTime == 0 || r.blockTime < s.FirstTime {
			s.FirstTime = r.blockTime
		}
		if r.blockTime > s.LastTime {
			s.LastTime = r.blockTime
		}
	}
	return s
}

func (b *uploadBuffer) slots() []uint64 {
	out := make([]uint64, len(b.records))
	for i, r := range b.records {
		out[i] = r.slot
	}
	return out
}

// runWorker pulls batches from the queue until ctx is done or the node
// answers with a fatal code. Buffered records are uploaded on exit.
func (c *Collector) runWorker(ctx context.Context, id int) error {
	log := logging.WorkerLogger("collector", id)
	log.Info("worker starting")

	threshold := c.cfg.UploadThreshold()
	buf := &uploadBuffer{}
	batches := 0

	defer func() {
		if buf.len() > 0 {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			defer cancel()
			if _, err := c.upload(flushCtx, id, buf, batches); err != nil {
				log.Error("final upload failed", "error", err)
			}
		}
		log.Info("worker stopped")
	}()

	for ctx.Err() == nil {
		tasks := c.queue.GetBatch(ctx, id, c.cfg.BatchSize, c.cfg.BatchTimeout)
		if len(tasks) == 0 {
			if buf.len() > 0 && buf.len() >= threshold/2 {
				if n, err := c.upload(ctx, id, buf, batches); err == nil {
					batches = n
				}
			}
			continue
		}

		slots := make([]uint64, len(tasks))
		for i, t := range tasks {
			slots[i] = t.Slot
		}

		results, err := c.fetcher.fetch(ctx, slots)
		if err != nil {
			c.queue.Release(tasks)
			break
		}

		if stop := c.handleResults(log, id, tasks, results, buf); stop {
			return nil
		}
		log.Debug("fetched batch", "slots", len(tasks), "buffered", buf.len())

		if buf.len() >= threshold {
			if n, err := c.upload(ctx, id, buf, batches); err == nil {
				batches = n
			}
		}
	}
	return nil
}

// handleResults routes each slot outcome. Reports true when the worker must stop.
func (c *Collector) handleResults(log *slog.Logger, id int, tasks []*SlotTask, results []SlotResult, buf *uploadBuffer) bool {
	for i, r := range results {
		switch {
		case r.Fatal():
			c.queue.Requeue(r.Slot, id)
			c.queue.Release(tasks[i+1:])
			log.Error("stopping worker on fatal chain error",
				"slot", r.Slot, "code", r.Code, "error", ErrFatalChain)
			return true
		case r.Retryable():
			c.queue.Requeue(r.Slot, id)
		default:
			buf.add(r)
			c.queue.Complete(r.Slot, id, true)
		}
	}
	return false
}

// upload writes the buffer as one raw batch and then the worker checkpoint.
// On failure every buffered slot goes back to the queue. The buffer is
// always reset. Returns the worker's upload count.
func (c *Collector) upload(ctx context.Context, id int, buf *uploadBuffer, batches int) (int, error) {
	defer buf.reset()

	span := buf.span(id, c.now())
	name := naming.RawName(span, c.ext)
	log := logging.BatchLogger(c.runID, span.FirstSlot, span.LastSlot).With("worker_id", id)

	records := make([]json.RawMessage, buf.len())
	for i, r := range buf.records {
		records[i] = r.record
	}

	data, err := c.codec.Encode(records, c.ext)
	if err == nil {
		err = c.data.Put(ctx, name, data)
	}
	if err != nil {
		metrics.Get().IncUploads(metrics.StageCollector, "error")
		requeued := c.queue.Enqueue(buf.slots()...)
		log.Error("upload failed, slots requeued", "file", name, "requeued", requeued, "error", err)
		return batches, fmt.Errorf("upload %s: %w", name, err)
	}
	metrics.Get().IncUploads(metrics.StageCollector, "ok")
	batches++

	cp := checkpoint.WorkerCheckpoint{
		WorkerID:         id,
		LastUploadedSlot: span.LastSlot,
		Timestamp:        span.Timestamp,
		BatchCount:       batches,
	}
	if err := c.checkpoints.Save(ctx, cp); err != nil {
		log.Warn("failed to save worker checkpoint", "error", err)
	}

	log.Info("uploaded batch", "file", name, "records", len(records), "bytes", len(data))
	return batches, nil
}
