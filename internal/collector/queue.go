package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/slotrange"
	"github.com/withObsrvr/slot-indexer/internal/state"
)

// State document keys on the state bucket.
const (
	QueueStateKey     = "queue_manager_state.json"
	CompletedSlotsKey = "completed_slots.json"
)

// HeadFetcher reports the chain head.
type HeadFetcher interface {
	GetSlot(ctx context.Context) (uint64, error)
}

// QueueConfig tunes the slot queue.
type QueueConfig struct {
	StartSlot         uint64
	HighWater         int
	LowWater          int
	MaxSlotRetries    int
	HeadCheckInterval time.Duration
	SaveInterval      time.Duration
}

// WorkerStats counts per-worker outcomes.
type WorkerStats struct {
	Processed  int       `json:"processed"`
	Errors     int       `json:"errors"`
	LastActive time.Time `json:"last_active"`
}

// QueueState is the cursor document persisted under QueueStateKey.
type QueueState struct {
	Version      int                 `json:"version"`
	CurrentSlot  uint64              `json:"current_slot"`
	LastRPCSlot  uint64              `json:"last_rpc_slot"`
	WorkerStats  map[int]WorkerStats `json:"worker_stats"`
	DeadLettered []slotrange.Range   `json:"dead_lettered,omitempty"`
	Timestamp    int64               `json:"timestamp"`
}

// completedDoc is the completed-slot document. Slots is the legacy layout
// that listed every slot individually.
type completedDoc struct {
	Version int               `json:"version"`
	Ranges  []slotrange.Range `json:"ranges"`
	Count   int               `json:"count"`
	Min     uint64            `json:"min"`
	Max     uint64            `json:"max"`
	Slots   []uint64          `json:"slots,omitempty"`
}

// Progress is a point-in-time snapshot of the queue.
type Progress struct {
	Completed      int                 `json:"completed"`
	Processing     int                 `json:"processing"`
	Queued         int                 `json:"queued"`
	DeadLettered   int                 `json:"dead_lettered"`
	CurrentSlot    uint64              `json:"current_slot"`
	ChainHead      uint64              `json:"last_rpc_slot"`
	SlotsBehind    uint64              `json:"slots_behind"`
	MinCompleted   uint64              `json:"min_completed"`
	MaxCompleted   uint64              `json:"max_completed"`
	GapCount       int                 `json:"gaps"`
	GapSlots       uint64              `json:"gap_slots"`
	WorkerStats    map[int]WorkerStats `json:"worker_stats"`
	TotalProcessed int                 `json:"total_processed"`
}

// SlotQueueManager owns the slot cursor, the pending queue, the in-flight
// map and the completed set. Each piece has its own lock. Nested locks are
// taken in the order cursorMu, queueMu, procMu.
type SlotQueueManager struct {
	cfg   QueueConfig
	head  HeadFetcher
	state *state.Store
	log   *slog.Logger
	now   func() time.Time

	cursorMu      sync.Mutex
	currentSlot   uint64
	lastHead      uint64
	lastHeadCheck time.Time
	lastSave      time.Time

	queueMu sync.Mutex
	queue   []*SlotTask
	queued  map[uint64]struct{}
	notify  chan struct{}

	procMu     sync.Mutex
	processing map[uint64]*SlotTask

	doneMu    sync.Mutex
	completed map[uint64]struct{}
	dead      map[uint64]struct{}

	statsMu sync.Mutex
	stats   map[int]*WorkerStats
}

// NewSlotQueueManager creates a queue starting at cfg.StartSlot.
func NewSlotQueueManager(cfg QueueConfig, head HeadFetcher, store *state.Store) *SlotQueueManager {
	if cfg.MaxSlotRetries < 1 {
		cfg.MaxSlotRetries = 1
	}
	return &SlotQueueManager{
		cfg:         cfg,
		head:        head,
		state:       store,
		log:         slog.With("component", "slot_queue"),
		now:         time.Now,
		currentSlot: cfg.StartSlot,
		queued:      make(map[uint64]struct{}),
		notify:      make(chan struct{}, 1),
		processing:  make(map[uint64]*SlotTask),
		completed:   make(map[uint64]struct{}),
		dead:        make(map[uint64]struct{}),
		stats:       make(map[int]*WorkerStats),
	}
}

// refreshHead asks the node for the chain head at most once per
// HeadCheckInterval. Failures keep the previous value.
func (q *SlotQueueManager) refreshHead(ctx context.Context) {
	q.cursorMu.Lock()
	due := q.lastHeadCheck.IsZero() || q.now().Sub(q.lastHeadCheck) >= q.cfg.HeadCheckInterval
	if due {
		q.lastHeadCheck = q.now()
	}
	q.cursorMu.Unlock()
	if !due || q.head == nil {
		return
	}

	head, err := q.head.GetSlot(ctx)
	if err != nil {
		q.log.Warn("failed to refresh chain head", "error", err)
		return
	}

	q.cursorMu.Lock()
	q.lastHead = head
	q.cursorMu.Unlock()
	q.log.Debug("chain head", "slot", head)
}

// Fill enqueues up to n consecutive slots from the cursor, never passing the
// known chain head or the high-water mark. Returns the number added.
func (q *SlotQueueManager) Fill(ctx context.Context, n int) int {
	q.refreshHead(ctx)

	q.cursorMu.Lock()
	defer q.cursorMu.Unlock()
	if q.lastHead == 0 {
		return 0
	}

	q.queueMu.Lock()
	added := 0
	for added < n && q.currentSlot <= q.lastHead && len(q.queue) < q.cfg.HighWater {
		slot := q.currentSlot
		q.currentSlot++
		if _, dup := q.queued[slot]; dup {
			continue
		}
		q.pushLocked(NewSlotTask(slot), false)
		added++
	}
	q.queueMu.Unlock()

	if added > 0 {
		q.log.Debug("filled queue", "added", added, "current_slot", q.currentSlot, "head", q.lastHead)
	}
	return added
}

// ShouldFill reports whether the queue is below the low-water mark and the
// cursor has not passed the known head.
func (q *SlotQueueManager) ShouldFill(ctx context.Context) bool {
	q.refreshHead(ctx)

	q.queueMu.Lock()
	depth := len(q.queue)
	q.queueMu.Unlock()
	if depth >= q.cfg.LowWater {
		return false
	}

	q.cursorMu.Lock()
	defer q.cursorMu.Unlock()
	return q.lastHead == 0 || q.currentSlot <= q.lastHead
}

// pushLocked adds a task to the queue. Caller holds queueMu.
func (q *SlotQueueManager) pushLocked(t *SlotTask, front bool) {
	if front {
		q.queue = append([]*SlotTask{t}, q.queue...)
	} else {
		q.queue = append(q.queue, t)
	}
	q.queued[t.Slot] = struct{}{}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// GetBatch waits up to timeout for work and returns at most n tasks. A
// partial batch is returned as soon as anything is available.
func (q *SlotQueueManager) GetBatch(ctx context.Context, workerID, n int, timeout time.Duration) []*SlotTask {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if tasks := q.take(workerID, n); len(tasks) > 0 {
			return tasks
		}
		select {
		case <-q.notify:
		case <-deadline.C:
			return q.take(workerID, n)
		case <-ctx.Done():
			return nil
		}
	}
}

func (q *SlotQueueManager) take(workerID, n int) []*SlotTask {
	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	if n > len(q.queue) {
		n = len(q.queue)
	}

	now := q.now()
	tasks := make([]*SlotTask, 0, n)

	q.procMu.Lock()
	for _, t := range q.queue[:n] {
		delete(q.queued, t.Slot)
		if err := t.assign(workerID, now); err != nil {
			q.log.Error("dropping task", "slot", t.Slot, "error", err)
			continue
		}
		q.processing[t.Slot] = t
		tasks = append(tasks, t)
	}
	q.procMu.Unlock()

	q.queue = q.queue[n:]
	if len(q.queue) > 0 {
		// wake the next waiter
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return tasks
}

func (q *SlotQueueManager) popProcessing(slot uint64) *SlotTask {
	q.procMu.Lock()
	defer q.procMu.Unlock()
	t := q.processing[slot]
	delete(q.processing, slot)
	return t
}

// Complete removes the slot from the in-flight map. On success the slot joins
// the completed set; otherwise it is dead-lettered.
func (q *SlotQueueManager) Complete(slot uint64, workerID int, success bool) {
	t := q.popProcessing(slot)
	if t != nil {
		next := Completed
		if !success {
			next = DeadLettered
		}
		if err := t.transition(next); err != nil {
			q.log.Warn("unexpected completion", "slot", slot, "error", err)
		}
	}

	q.doneMu.Lock()
	if success {
		q.completed[slot] = struct{}{}
		delete(q.dead, slot)
	} else {
		q.dead[slot] = struct{}{}
	}
	q.doneMu.Unlock()

	q.recordStats(workerID, success)
}

func (q *SlotQueueManager) recordStats(workerID int, success bool) {
	if workerID < 0 {
		return
	}
	q.statsMu.Lock()
	defer q.statsMu.Unlock()
	ws, ok := q.stats[workerID]
	if !ok {
		ws = &WorkerStats{}
		q.stats[workerID] = ws
	}
	if success {
		ws.Processed++
	} else {
		ws.Errors++
	}
	ws.LastActive = q.now()
}

// Requeue charges one retry to the slot. Below MaxSlotRetries it goes back
// to the queue; at the bound it is dead-lettered. Reports whether the slot
// was dead-lettered.
func (q *SlotQueueManager) Requeue(slot uint64, workerID int) bool {
	t := q.popProcessing(slot)
	if t == nil {
		t = NewSlotTask(slot)
		t.State = InFlight
	}
	t.RetryCount++

	if t.RetryCount < q.cfg.MaxSlotRetries {
		if err := t.transition(Retrying); err != nil {
			q.log.Warn("requeue failed", "slot", slot, "error", err)
			return false
		}
		t.WorkerID = -1
		q.queueMu.Lock()
		if _, dup := q.queued[slot]; !dup {
			q.pushLocked(t, false)
		}
		q.queueMu.Unlock()
		q.log.Debug("requeued slot", "slot", slot, "worker_id", workerID, "retry", t.RetryCount)
		return false
	}

	if err := t.transition(DeadLettered); err != nil {
		q.log.Warn("dead-letter transition", "slot", slot, "error", err)
	}
	q.doneMu.Lock()
	q.dead[slot] = struct{}{}
	q.doneMu.Unlock()
	q.recordStats(workerID, false)

	q.log.Error("slot dead-lettered", "slot", slot, "worker_id", workerID, "retries", t.RetryCount)
	return true
}

// Release returns in-flight tasks to the front of the queue without charging
// a retry.
func (q *SlotQueueManager) Release(tasks []*SlotTask) {
	var back []*SlotTask
	q.procMu.Lock()
	for _, t := range tasks {
		if q.processing[t.Slot] != t {
			continue
		}
		delete(q.processing, t.Slot)
		if err := t.release(); err != nil {
			q.log.Warn("release failed", "slot", t.Slot, "error", err)
			continue
		}
		back = append(back, t)
	}
	q.procMu.Unlock()

	q.queueMu.Lock()
	for i := len(back) - 1; i >= 0; i-- {
		if _, dup := q.queued[back[i].Slot]; !dup {
			q.pushLocked(back[i], true)
		}
	}
	q.queueMu.Unlock()
}

// Enqueue adds fresh tasks for slots that need to be fetched again. The
// slots leave the completed set. Slots already queued are skipped.
func (q *SlotQueueManager) Enqueue(slots ...uint64) int {
	return q.enqueue(false, slots)
}

// Backfill is Enqueue at the front of the queue: the slots are served before
// any fresh slot, in the order given.
func (q *SlotQueueManager) Backfill(slots ...uint64) int {
	return q.enqueue(true, slots)
}

func (q *SlotQueueManager) enqueue(front bool, slots []uint64) int {
	q.doneMu.Lock()
	for _, s := range slots {
		delete(q.completed, s)
	}
	q.doneMu.Unlock()

	q.queueMu.Lock()
	defer q.queueMu.Unlock()
	var fresh []*SlotTask
	for _, s := range slots {
		if _, dup := q.queued[s]; dup {
			continue
		}
		t := NewSlotTask(s)
		if !front {
			q.pushLocked(t, false)
		}
		q.queued[s] = struct{}{}
		fresh = append(fresh, t)
	}
	if front && len(fresh) > 0 {
		q.queue = append(fresh, q.queue...)
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return len(fresh)
}

// SweepStale requeues in-flight tasks assigned longer than timeout ago.
// Returns the number swept.
func (q *SlotQueueManager) SweepStale(timeout time.Duration) int {
	cutoff := q.now().Add(-timeout)

	var stale []uint64
	q.procMu.Lock()
	for slot, t := range q.processing {
		if t.AssignedAt.Before(cutoff) {
			stale = append(stale, slot)
		}
	}
	q.procMu.Unlock()

	for _, slot := range stale {
		q.log.Warn("stale slot", "slot", slot)
		q.Requeue(slot, -1)
	}
	return len(stale)
}

// completedRanges snapshots the completed set as merged ranges.
func (q *SlotQueueManager) completedRanges() []slotrange.Range {
	q.doneMu.Lock()
	slots := make([]uint64, 0, len(q.completed))
	for s := range q.completed {
		slots = append(slots, s)
	}
	q.doneMu.Unlock()
	return slotrange.Compact(slots)
}

// Gaps returns the runs of slots missing from the completed set between its
// minimum and maximum.
func (q *SlotQueueManager) Gaps() []slotrange.Gap {
	return slotrange.Gaps(q.completedRanges())
}

// GapSlots lists up to limit missing slots in ascending order, leaving out
// dead-lettered, queued and in-flight slots.
func (q *SlotQueueManager) GapSlots(limit int) []uint64 {
	gaps := q.Gaps()
	if len(gaps) == 0 || limit <= 0 {
		return nil
	}

	q.doneMu.Lock()
	dead := make(map[uint64]struct{}, len(q.dead))
	for s := range q.dead {
		dead[s] = struct{}{}
	}
	q.doneMu.Unlock()

	var out []uint64
	for _, g := range gaps {
		for s := g.Start; s <= g.End && len(out) < limit; s++ {
			if _, ok := dead[s]; ok {
				continue
			}
			if q.isPending(s) {
				continue
			}
			out = append(out, s)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (q *SlotQueueManager) isPending(slot uint64) bool {
	q.queueMu.Lock()
	_, queued := q.queued[slot]
	q.queueMu.Unlock()
	if queued {
		return true
	}
	q.procMu.Lock()
	_, inFlight := q.processing[slot]
	q.procMu.Unlock()
	return inFlight
}

// IsCompleted reports whether the slot is in the completed set.
func (q *SlotQueueManager) IsCompleted(slot uint64) bool {
	q.doneMu.Lock()
	defer q.doneMu.Unlock()
	_, ok := q.completed[slot]
	return ok
}

// IsDeadLettered reports whether the slot exhausted its retries.
func (q *SlotQueueManager) IsDeadLettered(slot uint64) bool {
	q.doneMu.Lock()
	defer q.doneMu.Unlock()
	_, ok := q.dead[slot]
	return ok
}

// MaxCompleted returns the highest completed slot.
func (q *SlotQueueManager) MaxCompleted() (uint64, bool) {
	ranges := q.completedRanges()
	if len(ranges) == 0 {
		return 0, false
	}
	return ranges[len(ranges)-1].End, true
}

// CurrentSlot returns the next slot Fill will enqueue.
func (q *SlotQueueManager) CurrentSlot() uint64 {
	q.cursorMu.Lock()
	defer q.cursorMu.Unlock()
	return q.currentSlot
}

// SetCurrentSlot moves the fill cursor.
func (q *SlotQueueManager) SetCurrentSlot(slot uint64) {
	q.cursorMu.Lock()
	defer q.cursorMu.Unlock()
	q.currentSlot = slot
}

// Progress returns a snapshot of every counter.
func (q *SlotQueueManager) Progress() Progress {
	var p Progress

	ranges := q.completedRanges()
	for _, r := range ranges {
		p.Completed += int(r.Size())
	}
	if len(ranges) > 0 {
		p.MinCompleted = ranges[0].Start
		p.MaxCompleted = ranges[len(ranges)-1].End
	}
	gaps := slotrange.Gaps(ranges)
	p.GapCount = len(gaps)
	p.GapSlots = slotrange.Count(gaps)

	q.doneMu.Lock()
	p.DeadLettered = len(q.dead)
	q.doneMu.Unlock()

	q.procMu.Lock()
	p.Processing = len(q.processing)
	q.procMu.Unlock()

	q.queueMu.Lock()
	p.Queued = len(q.queue)
	q.queueMu.Unlock()

	q.cursorMu.Lock()
	p.CurrentSlot = q.currentSlot
	p.ChainHead = q.lastHead
	q.cursorMu.Unlock()
	if p.ChainHead > p.CurrentSlot {
		p.SlotsBehind = p.ChainHead - p.CurrentSlot
	}

	q.statsMu.Lock()
	p.WorkerStats = make(map[int]WorkerStats, len(q.stats))
	for id, ws := range q.stats {
		p.WorkerStats[id] = *ws
		p.TotalProcessed += ws.Processed
	}
	q.statsMu.Unlock()

	return p
}

// PublishMetrics pushes the progress snapshot to the metrics registry.
func (p Progress) PublishMetrics() {
	m := metrics.Get()
	m.SetCollectorProgress(metrics.CollectorProgress{
		CurrentSlot:    p.CurrentSlot,
		ChainHead:      p.ChainHead,
		SlotsBehind:    p.SlotsBehind,
		CompletedSlots: p.Completed,
		GapSlots:       p.GapSlots,
	})
	m.SetQueue(metrics.StageCollector, p.Queued, p.Processing, p.DeadLettered)
}

// SaveState persists the cursor document and the compressed completed set.
// Unless force is set, it does nothing within SaveInterval of the last save.
func (q *SlotQueueManager) SaveState(ctx context.Context, force bool) error {
	q.cursorMu.Lock()
	if !force && !q.lastSave.IsZero() && q.now().Sub(q.lastSave) < q.cfg.SaveInterval {
		q.cursorMu.Unlock()
		return nil
	}
	doc := QueueState{
		Version:     state.Version,
		CurrentSlot: q.currentSlot,
		LastRPCSlot: q.lastHead,
		Timestamp:   q.now().Unix(),
	}
	q.cursorMu.Unlock()

	q.statsMu.Lock()
	doc.WorkerStats = make(map[int]WorkerStats, len(q.stats))
	for id, ws := range q.stats {
		doc.WorkerStats[id] = *ws
	}
	q.statsMu.Unlock()

	q.doneMu.Lock()
	dead := make([]uint64, 0, len(q.dead))
	for s := range q.dead {
		dead = append(dead, s)
	}
	q.doneMu.Unlock()
	doc.DeadLettered = slotrange.Compact(dead)

	if err := q.state.SaveJSON(ctx, QueueStateKey, doc); err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}

	ranges := q.completedRanges()
	completed := completedDoc{Version: state.Version, Ranges: ranges}
	for _, r := range ranges {
		completed.Count += int(r.Size())
	}
	if len(ranges) > 0 {
		completed.Min = ranges[0].Start
		completed.Max = ranges[len(ranges)-1].End
	}
	if err := q.state.SaveCompressed(ctx, CompletedSlotsKey, completed); err != nil {
		return fmt.Errorf("save completed slots: %w", err)
	}

	q.cursorMu.Lock()
	q.lastSave = q.now()
	q.cursorMu.Unlock()

	q.log.Debug("saved queue state", "current_slot", doc.CurrentSlot, "completed", completed.Count)
	return nil
}

// RestoreState loads the persisted cursor and completed set. Missing
// documents leave the defaults in place and are not errors.
func (q *SlotQueueManager) RestoreState(ctx context.Context) (QueueState, error) {
	var doc QueueState
	err := q.state.LoadJSON(ctx, QueueStateKey, &doc)
	switch {
	case errors.Is(err, state.ErrNoState):
		q.log.Info("no saved queue state")
	case err != nil:
		return QueueState{}, fmt.Errorf("restore queue state: %w", err)
	default:
		q.cursorMu.Lock()
		if doc.CurrentSlot > 0 {
			q.currentSlot = doc.CurrentSlot
		}
		q.lastHead = doc.LastRPCSlot
		q.cursorMu.Unlock()

		q.statsMu.Lock()
		for id, ws := range doc.WorkerStats {
			ws := ws
			q.stats[id] = &ws
		}
		q.statsMu.Unlock()

		q.doneMu.Lock()
		for _, s := range slotrange.Expand(doc.DeadLettered) {
			q.dead[s] = struct{}{}
		}
		q.doneMu.Unlock()
	}

	var completed completedDoc
	err = q.state.LoadCompressed(ctx, CompletedSlotsKey, &completed)
	switch {
	case errors.Is(err, state.ErrNoState):
	case err != nil:
		return QueueState{}, fmt.Errorf("restore completed slots: %w", err)
	default:
		ranges := completed.Ranges
		if len(completed.Slots) > 0 {
			ranges = slotrange.Merge(append(ranges, slotrange.Compact(completed.Slots)...))
		}
		q.doneMu.Lock()
		for _, s := range slotrange.Expand(ranges) {
			q.completed[s] = struct{}{}
		}
		n := len(q.completed)
		q.doneMu.Unlock()
		q.log.Info("restored completed slots", "count", n, "ranges", len(ranges))
	}

	return doc, nil
}

// Drain empties the queue and the in-flight map and returns their slots in
// ascending order.
func (q *SlotQueueManager) Drain() []uint64 {
	q.queueMu.Lock()
	q.procMu.Lock()
	slots := make([]uint64, 0, len(q.queue)+len(q.processing))
	for _, t := range q.queue {
		slots = append(slots, t.Slot)
	}
	for slot := range q.processing {
		slots = append(slots, slot)
	}
	q.queue = nil
	q.queued = make(map[uint64]struct{})
	q.processing = make(map[uint64]*SlotTask)
	q.procMu.Unlock()
	q.queueMu.Unlock()

	sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
	return slots
}
