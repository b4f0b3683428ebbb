package collector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/withObsrvr/slot-indexer/internal/checkpoint"
	"github.com/withObsrvr/slot-indexer/internal/naming"
	"github.com/withObsrvr/slot-indexer/internal/state"
)

// Resume point candidate sources.
const (
	CandidateCheckpoint = "worker_checkpoints"
	CandidateCursor     = "queue_cursor"
	CandidateRawFiles   = "raw_files"
	CandidateCompleted  = "completed_slots"
)

// largeGapWarning is the gap count above which recovery suggests a
// dedicated backfill.
const largeGapWarning = 1000

// ResumePlan describes how the collector resumes after a restart.
type ResumePlan struct {
	Candidates map[string]uint64
	Resume     uint64
	FromConfig bool
	GapSlots   int
	Remaining  int
}

// RecoveryResult contains the outcome of the post-reconcile checks.
type RecoveryResult struct {
	Passed   bool
	Warnings []string
}

// Reconcile restores the queue and picks the most conservative resume slot
// among the worker checkpoints, the saved cursor, the raw file names and
// the completed set. Gaps and slots left over from the previous shutdown
// are queued ahead of new work.
func (c *Collector) Reconcile(ctx context.Context) (ResumePlan, error) {
	c.log.Info("starting reconciliation")
	plan := ResumePlan{Candidates: make(map[string]uint64)}

	minUploaded, err := c.checkpoints.MinLastUploaded(ctx)
	switch {
	case err == nil:
		plan.Candidates[CandidateCheckpoint] = minUploaded
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
	default:
		c.log.Warn("cannot read worker checkpoints", "error", err)
	}

	saved, err := c.queue.RestoreState(ctx)
	if err != nil {
		return ResumePlan{}, err
	}
	if saved.CurrentSlot > 0 {
		plan.Candidates[CandidateCursor] = saved.CurrentSlot
	}

	objs, err := c.data.List(ctx, naming.RawPrefix)
	if err != nil {
		c.log.Warn("cannot list raw files", "error", err)
	} else {
		names := make([]string, len(objs))
		for i, o := range objs {
			names[i] = o.Key
		}
		if last, ok := naming.MaxLastSlot(names); ok {
			plan.Candidates[CandidateRawFiles] = last + 1
		}
	}

	if last, ok := c.queue.MaxCompleted(); ok {
		plan.Candidates[CandidateCompleted] = last + 1
	}

	if len(plan.Candidates) == 0 {
		plan.Resume = c.cfg.StartSlot
		plan.FromConfig = true
		c.log.Warn("no recovery data found", "start_slot", plan.Resume)
	} else {
		plan.Resume = uint64(math.MaxUint64)
		for _, v := range plan.Candidates {
			if v < plan.Resume {
				plan.Resume = v
			}
		}
		c.log.Info("restart point determined", "resume", plan.Resume, "candidates", plan.Candidates)
	}

	if gaps := c.queue.GapSlots(math.MaxInt); len(gaps) > 0 {
		plan.GapSlots = c.queue.Backfill(gaps...)
		c.log.Info("queued gaps from previous run", "slots", plan.GapSlots)
	}

	remaining, err := c.loadRemaining(ctx)
	if err != nil {
		c.log.Error("cannot load remaining queue slots", "error", err)
	}
	var replay []uint64
	for _, s := range remaining {
		if s < plan.Resume && !c.queue.IsCompleted(s) {
			replay = append(replay, s)
		}
	}
	if len(replay) > 0 {
		plan.Remaining = c.queue.Backfill(replay...)
		c.log.Info("queued remaining slots from previous run", "slots", plan.Remaining)
	}

	c.queue.SetCurrentSlot(plan.Resume)
	c.log.Info("reconciliation complete", "start_slot", plan.Resume)
	return plan, nil
}

func (c *Collector) loadRemaining(ctx context.Context) ([]uint64, error) {
	var doc RemainingQueue
	if err := c.state.LoadJSON(ctx, RemainingQueueKey, &doc); err != nil {
		if errors.Is(err, state.ErrNoState) {
			return nil, nil
		}
		return nil, fmt.Errorf("load %s: %w", RemainingQueueKey, err)
	}
	sort.Slice(doc.Slots, func(i, j int) bool { return doc.Slots[i] < doc.Slots[j] })
	return doc.Slots, nil
}

// ValidateRecovery sanity-checks the queue after Reconcile.
func (c *Collector) ValidateRecovery(plan ResumePlan) RecoveryResult {
	result := RecoveryResult{Passed: true}

	if cursor := c.queue.CurrentSlot(); c.cfg.StartSlot > cursor {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("configured start slot %d is ahead of the resume cursor %d", c.cfg.StartSlot, cursor))
	}

	p := c.queue.Progress()
	if p.GapCount > largeGapWarning {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("large number of gaps detected: %d; consider a dedicated gap-filling run", p.GapCount))
	}

	for _, w := range result.Warnings {
		c.log.Warn("recovery check", "warning", w)
	}
	result.Passed = len(result.Warnings) == 0

	if p.TotalProcessed > 0 {
		c.log.Info("previous run totals",
			"processed", p.TotalProcessed,
			"workers", len(p.WorkerStats),
			"resume", plan.Resume,
		)
	}
	return result
}
