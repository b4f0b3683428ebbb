package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/rawbatch"
	"github.com/withObsrvr/slot-indexer/internal/rpc"
)

var (
	// ErrFatalChain marks a node answer that must stop the worker.
	ErrFatalChain = errors.New("fatal chain error")
)

// BlockFetcher fetches a batch of blocks in one round trip.
type BlockFetcher interface {
	GetBlocks(ctx context.Context, slots []uint64) ([]rpc.BlockResult, error)
}

// FetchConfig bounds the retries of a batch fetch.
type FetchConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

// SlotResult is the outcome of one slot in a batch.
type SlotResult struct {
	Slot   uint64
	Status string
	Code   int
	Record json.RawMessage
}

// Fatal reports whether the node answered with a code that stops the worker.
func (r SlotResult) Fatal() bool {
	return r.Status == rawbatch.StatusError && rpc.Classify(r.Code) == rpc.ClassFatal
}

// Retryable reports whether the slot was not fetched and should be requeued.
func (r SlotResult) Retryable() bool {
	return r.Status == rawbatch.StatusNetworkError || r.Status == rawbatch.StatusMaxRetriesExceeded
}

type batchFetcher struct {
	rpc BlockFetcher
	cfg FetchConfig
	now func() time.Time
	log *slog.Logger
}

func newBatchFetcher(f BlockFetcher, cfg FetchConfig) *batchFetcher {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return &batchFetcher{rpc: f, cfg: cfg, now: time.Now, log: slog.With("component", "fetch")}
}

// fetch requests every slot in one batch. A transient answer for any slot
// retries the whole batch with exponential backoff; a transport failure
// retries with linear backoff. The only error returned is ctx's.
func (f *batchFetcher) fetch(ctx context.Context, slots []uint64) ([]SlotResult, error) {
	transport, transient := 0, 0
	for {
		results, err := f.rpc.GetBlocks(ctx, slots)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			transport++
			metrics.Get().IncBatchRetries("transport")
			f.log.Warn("batch request failed", "slots", len(slots), "attempt", transport, "error", err)
			if transport >= f.cfg.MaxRetries {
				return stubs(slots, rawbatch.StatusNetworkError), nil
			}
			if err := sleep(ctx, f.cfg.InitialBackoff*time.Duration(transport)); err != nil {
				return nil, err
			}
			continue
		}

		if code, ok := transientCode(results); ok {
			transient++
			metrics.Get().IncBatchRetries("transient")
			if transient >= f.cfg.MaxRetries {
				f.log.Error("batch retries exhausted", "slots", len(slots), "code", code)
				return stubs(slots, rawbatch.StatusMaxRetriesExceeded), nil
			}
			backoff := f.cfg.InitialBackoff << (transient - 1)
			f.log.Warn("transient error in batch, retrying", "code", code, "backoff", backoff)
			if err := sleep(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		}

		return f.records(results), nil
	}
}

// transientCode returns the first sub-response that calls for a batch retry.
// Errors without a JSON-RPC code count as transient.
func transientCode(results []rpc.BlockResult) (int, bool) {
	for _, r := range results {
		if r.Err == nil {
			continue
		}
		code, _, ok := rpc.Code(r.Err)
		if !ok || rpc.Classify(code) == rpc.ClassTransient {
			return code, true
		}
	}
	return 0, false
}

func (f *batchFetcher) records(results []rpc.BlockResult) []SlotResult {
	collectedAt := f.now().Unix()
	out := make([]SlotResult, 0, len(results))

	for _, r := range results {
		meta := rawbatch.Meta{Slot: r.Slot, CollectedAt: collectedAt}
		var (
			rec json.RawMessage
			err error
		)

		switch {
		case r.Err != nil:
			code, msg, _ := rpc.Code(r.Err)
			meta.Code, meta.Message = code, msg
			meta.Status = rawbatch.StatusError
			if rpc.Classify(code) == rpc.ClassSkipped {
				meta.Status = rawbatch.StatusSkipped
				zero := int64(0)
				meta.BlockTime = &zero
			}
			rec, err = rawbatch.Stub(meta)
		case r.Empty():
			meta.Status, meta.Code, meta.Message = rawbatch.StatusEmpty, rawbatch.CodeOK, "Empty result"
			rec, err = rawbatch.Stub(meta)
		default:
			meta.Status, meta.Code, meta.Message = rawbatch.StatusOK, rawbatch.CodeOK, "OK"
			rec, err = rawbatch.Annotate(r.Block, meta)
		}

		if err != nil {
			f.log.Error("cannot encode record", "slot", r.Slot, "error", err)
			meta.Status = rawbatch.StatusError
			meta.Message = err.Error()
			rec, _ = rawbatch.Stub(meta)
		}

		metrics.Get().IncSlotsFetched(meta.Status)
		out = append(out, SlotResult{Slot: r.Slot, Status: meta.Status, Code: meta.Code, Record: rec})
	}
	return out
}

func stubs(slots []uint64, status string) []SlotResult {
	out := make([]SlotResult, len(slots))
	for i, s := range slots {
		metrics.Get().IncSlotsFetched(status)
		out[i] = SlotResult{Slot: s, Status: status}
	}
	return out
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
