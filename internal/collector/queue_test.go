package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/slot-indexer/internal/slotrange"
	"github.com/withObsrvr/slot-indexer/internal/state"
	"github.com/withObsrvr/slot-indexer/internal/storage"
)

type fakeHead struct {
	mu    sync.Mutex
	slot  uint64
	err   error
	calls int
}

func (f *fakeHead) GetSlot(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.slot, f.err
}

func testQueueConfig(start uint64) QueueConfig {
	return QueueConfig{
		StartSlot:         start,
		HighWater:         5000,
		LowWater:          1000,
		MaxSlotRetries:    3,
		HeadCheckInterval: time.Minute,
		SaveInterval:      time.Minute,
	}
}

func newTestQueue(t *testing.T, start, head uint64) (*SlotQueueManager, *state.Store) {
	t.Helper()
	st := state.New(storage.NewMemoryStore(""))
	return NewSlotQueueManager(testQueueConfig(start), &fakeHead{slot: head}, st), st
}

func completeAll(q *SlotQueueManager, tasks []*SlotTask) {
	for _, task := range tasks {
		q.Complete(task.Slot, task.WorkerID, true)
	}
}

func TestFillStopsAtHead(t *testing.T) {
	q, _ := newTestQueue(t, 1000, 1010)

	added := q.Fill(context.Background(), 20)
	assert.Equal(t, 11, added)
	assert.Equal(t, uint64(1011), q.CurrentSlot())

	tasks := q.GetBatch(context.Background(), 0, 20, 10*time.Millisecond)
	require.Len(t, tasks, 11)
	assert.Equal(t, uint64(1000), tasks[0].Slot)
	assert.Equal(t, uint64(1010), tasks[10].Slot)
}

func TestFillRespectsHighWater(t *testing.T) {
	st := state.New(storage.NewMemoryStore(""))
	cfg := testQueueConfig(0)
	cfg.HighWater = 5
	q := NewSlotQueueManager(cfg, &fakeHead{slot: 100}, st)

	assert.Equal(t, 5, q.Fill(context.Background(), 20))
	assert.Equal(t, 0, q.Fill(context.Background(), 20))
	assert.Equal(t, 5, q.Progress().Queued)
}

func TestFillUnknownHead(t *testing.T) {
	st := state.New(storage.NewMemoryStore(""))
	q := NewSlotQueueManager(testQueueConfig(10), &fakeHead{err: errors.New("unavailable")}, st)

	assert.Equal(t, 0, q.Fill(context.Background(), 20))
	assert.Equal(t, uint64(10), q.CurrentSlot())
}

func TestHeadCheckedOncePerInterval(t *testing.T) {
	head := &fakeHead{slot: 50}
	q := NewSlotQueueManager(testQueueConfig(0), head, state.New(storage.NewMemoryStore("")))

	q.Fill(context.Background(), 1)
	q.Fill(context.Background(), 1)
	q.ShouldFill(context.Background())
	assert.Equal(t, 1, head.calls)

	now := time.Now().Add(2 * time.Minute)
	q.now = func() time.Time { return now }
	q.Fill(context.Background(), 1)
	assert.Equal(t, 2, head.calls)
}

func TestShouldFill(t *testing.T) {
	st := state.New(storage.NewMemoryStore(""))
	cfg := testQueueConfig(0)
	cfg.LowWater = 3
	q := NewSlotQueueManager(cfg, &fakeHead{slot: 10}, st)

	assert.True(t, q.ShouldFill(context.Background()))
	q.Fill(context.Background(), 3)
	assert.False(t, q.ShouldFill(context.Background()))

	q.GetBatch(context.Background(), 0, 3, time.Millisecond)
	q.SetCurrentSlot(11)
	assert.False(t, q.ShouldFill(context.Background()), "cursor past head")
}

func TestGetBatchPartialAndTimeout(t *testing.T) {
	q, _ := newTestQueue(t, 0, 2)
	q.Fill(context.Background(), 10)

	tasks := q.GetBatch(context.Background(), 7, 10, time.Second)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		assert.Equal(t, InFlight, task.State)
		assert.Equal(t, 7, task.WorkerID)
		assert.False(t, task.AssignedAt.IsZero())
	}
	assert.Equal(t, 3, q.Progress().Processing)

	start := time.Now()
	assert.Empty(t, q.GetBatch(context.Background(), 7, 10, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestGetBatchWakesOnEnqueue(t *testing.T) {
	q, _ := newTestQueue(t, 0, 0)

	done := make(chan []*SlotTask)
	go func() {
		done <- q.GetBatch(context.Background(), 0, 5, 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Enqueue(42)

	select {
	case tasks := <-done:
		require.Len(t, tasks, 1)
		assert.Equal(t, uint64(42), tasks[0].Slot)
	case <-time.After(2 * time.Second):
		t.Fatal("GetBatch did not wake up")
	}
}

func TestCompletedNotProcessing(t *testing.T) {
	q, _ := newTestQueue(t, 100, 104)
	q.Fill(context.Background(), 5)

	tasks := q.GetBatch(context.Background(), 1, 5, time.Millisecond)
	completeAll(q, tasks)

	for s := uint64(100); s <= 104; s++ {
		assert.True(t, q.IsCompleted(s))
	}
	p := q.Progress()
	assert.Equal(t, 0, p.Processing)
	assert.Equal(t, 5, p.Completed)
	assert.Equal(t, uint64(100), p.MinCompleted)
	assert.Equal(t, uint64(104), p.MaxCompleted)
	assert.Equal(t, 5, p.WorkerStats[1].Processed)
	assert.Equal(t, Completed, tasks[0].State)
}

func TestRequeueDeadLettersAfterMaxRetries(t *testing.T) {
	q, _ := newTestQueue(t, 500, 500)
	q.Fill(context.Background(), 1)

	for i := 1; i <= 2; i++ {
		tasks := q.GetBatch(context.Background(), 0, 1, time.Millisecond)
		require.Len(t, tasks, 1)
		assert.False(t, q.Requeue(500, 0))
		assert.Equal(t, Retrying, tasks[0].State)
		assert.Equal(t, i, tasks[0].RetryCount)
	}

	tasks := q.GetBatch(context.Background(), 0, 1, time.Millisecond)
	require.Len(t, tasks, 1)
	assert.True(t, q.Requeue(500, 0))
	assert.Equal(t, DeadLettered, tasks[0].State)
	assert.True(t, q.IsDeadLettered(500))

	assert.Empty(t, q.GetBatch(context.Background(), 0, 1, time.Millisecond))
	p := q.Progress()
	assert.Equal(t, 1, p.DeadLettered)
	assert.Equal(t, 1, p.WorkerStats[0].Errors)
}

func TestDeadLetteredSlotsAreNotBackfilled(t *testing.T) {
	q, _ := newTestQueue(t, 0, 0)
	q.Complete(10, 0, true)
	q.Complete(14, 0, true)

	q.Enqueue(12)
	task := q.GetBatch(context.Background(), 0, 1, time.Millisecond)
	require.Len(t, task, 1)
	for i := 0; i < 3; i++ {
		q.Requeue(12, 0)
		q.GetBatch(context.Background(), 0, 1, time.Millisecond)
	}
	require.True(t, q.IsDeadLettered(12))

	assert.Equal(t, []uint64{11, 13}, q.GapSlots(10))
}

func TestGapSlotsSkipsPending(t *testing.T) {
	q, _ := newTestQueue(t, 0, 0)
	q.Complete(1, 0, true)
	q.Complete(5, 0, true)
	q.Enqueue(2)
	q.Enqueue(3)
	q.GetBatch(context.Background(), 0, 1, time.Millisecond) // 2 in flight, 3 queued

	assert.Equal(t, []uint64{4}, q.GapSlots(10))
	assert.Equal(t, []slotrange.Gap{{Start: 2, End: 4, Size: 3}}, q.Gaps())
}

func TestGapsEmptyIffContiguous(t *testing.T) {
	q, _ := newTestQueue(t, 0, 0)
	assert.Empty(t, q.Gaps())

	for s := uint64(20); s <= 30; s++ {
		q.Complete(s, 0, true)
	}
	assert.Empty(t, q.Gaps())

	q.Complete(33, 0, true)
	assert.Equal(t, []slotrange.Gap{{Start: 31, End: 32, Size: 2}}, q.Gaps())

	q.Complete(31, 0, true)
	q.Complete(32, 0, true)
	assert.Empty(t, q.Gaps())
}

func TestReleaseKeepsRetryBudget(t *testing.T) {
	q, _ := newTestQueue(t, 0, 2)
	q.Fill(context.Background(), 3)
	tasks := q.GetBatch(context.Background(), 0, 3, time.Millisecond)
	require.Len(t, tasks, 3)

	q.Release(tasks[1:])
	for _, task := range tasks[1:] {
		assert.Equal(t, Pending, task.State)
		assert.Equal(t, 0, task.RetryCount)
		assert.Equal(t, -1, task.WorkerID)
	}

	again := q.GetBatch(context.Background(), 1, 3, time.Millisecond)
	require.Len(t, again, 2)
	assert.Equal(t, uint64(1), again[0].Slot)
	assert.Equal(t, uint64(2), again[1].Slot)
}

func TestEnqueueReopensCompletedSlots(t *testing.T) {
	q, _ := newTestQueue(t, 0, 0)
	q.Complete(9, 0, true)

	assert.Equal(t, 1, q.Enqueue(9, 9))
	assert.False(t, q.IsCompleted(9))
	assert.Equal(t, 1, q.Progress().Queued)
}

func TestBackfillIsServedFirst(t *testing.T) {
	q, _ := newTestQueue(t, 100, 10000)
	q.Complete(100, 0, true)
	q.Complete(102, 0, true)
	q.SetCurrentSlot(103)
	require.Equal(t, 500, q.Fill(context.Background(), 500))

	gaps := q.GapSlots(10)
	require.Equal(t, []uint64{101}, gaps)
	assert.Equal(t, 1, q.Backfill(gaps...))
	assert.Equal(t, 0, q.Backfill(101))

	next := q.GetBatch(context.Background(), 0, 2, time.Millisecond)
	require.Len(t, next, 2)
	assert.Equal(t, uint64(101), next[0].Slot)
	assert.Equal(t, uint64(103), next[1].Slot)
}

func TestBackfillKeepsGivenOrder(t *testing.T) {
	q, _ := newTestQueue(t, 0, 0)
	q.Enqueue(50)
	q.Backfill(7, 8, 9)

	next := q.GetBatch(context.Background(), 0, 4, time.Millisecond)
	require.Len(t, next, 4)
	for i, want := range []uint64{7, 8, 9, 50} {
		assert.Equal(t, want, next[i].Slot)
	}
}

func TestSweepStale(t *testing.T) {
	q, _ := newTestQueue(t, 0, 1)
	q.Fill(context.Background(), 2)
	q.GetBatch(context.Background(), 3, 2, time.Millisecond)

	assert.Equal(t, 0, q.SweepStale(time.Minute))

	later := time.Now().Add(10 * time.Minute)
	q.now = func() time.Time { return later }
	assert.Equal(t, 2, q.SweepStale(5*time.Minute))

	p := q.Progress()
	assert.Equal(t, 0, p.Processing)
	assert.Equal(t, 2, p.Queued)
	assert.Zero(t, p.WorkerStats[3].Errors)
}

func TestSaveAndRestoreState(t *testing.T) {
	ctx := context.Background()
	q, st := newTestQueue(t, 100, 120)
	q.Fill(ctx, 5)
	completeAll(q, q.GetBatch(ctx, 2, 3, time.Millisecond))
	q.Complete(110, 2, true)
	q.Complete(111, 2, false)

	require.NoError(t, q.SaveState(ctx, true))

	ok, err := st.Objects().Exists(ctx, CompletedSlotsKey+state.CompressedSuffix)
	require.NoError(t, err)
	assert.True(t, ok)

	restored := NewSlotQueueManager(testQueueConfig(0), &fakeHead{}, st)
	doc, err := restored.RestoreState(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(105), doc.CurrentSlot)
	assert.Equal(t, uint64(105), restored.CurrentSlot())
	assert.Equal(t, uint64(120), doc.LastRPCSlot)
	for _, s := range []uint64{100, 101, 102, 110} {
		assert.True(t, restored.IsCompleted(s), "slot %d", s)
	}
	assert.True(t, restored.IsDeadLettered(111))
	p := restored.Progress()
	assert.Equal(t, 4, p.WorkerStats[2].Processed)
	assert.Equal(t, 1, p.WorkerStats[2].Errors)
}

func TestSaveStateIsIntervalGated(t *testing.T) {
	ctx := context.Background()
	q, st := newTestQueue(t, 0, 0)

	require.NoError(t, q.SaveState(ctx, false))
	require.NoError(t, st.Objects().Delete(ctx, QueueStateKey))

	require.NoError(t, q.SaveState(ctx, false))
	ok, err := st.Objects().Exists(ctx, QueueStateKey)
	require.NoError(t, err)
	assert.False(t, ok, "second save inside the interval must be skipped")

	require.NoError(t, q.SaveState(ctx, true))
	ok, err = st.Objects().Exists(ctx, QueueStateKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRestoreLegacyCompletedLayout(t *testing.T) {
	ctx := context.Background()
	st := state.New(storage.NewMemoryStore(""))
	require.NoError(t, st.SaveJSON(ctx, CompletedSlotsKey, map[string]any{"slots": []uint64{5, 6, 8}}))

	q := NewSlotQueueManager(testQueueConfig(0), &fakeHead{}, st)
	_, err := q.RestoreState(ctx)
	require.NoError(t, err)

	assert.True(t, q.IsCompleted(6))
	assert.Equal(t, []slotrange.Gap{{Start: 7, End: 7, Size: 1}}, q.Gaps())
}

func TestRestoreWithoutState(t *testing.T) {
	q, _ := newTestQueue(t, 77, 0)
	doc, err := q.RestoreState(context.Background())
	require.NoError(t, err)
	assert.Zero(t, doc.CurrentSlot)
	assert.Equal(t, uint64(77), q.CurrentSlot())
}

func TestDrain(t *testing.T) {
	q, _ := newTestQueue(t, 10, 14)
	q.Fill(context.Background(), 5)
	q.GetBatch(context.Background(), 0, 2, time.Millisecond)

	assert.Equal(t, []uint64{10, 11, 12, 13, 14}, q.Drain())
	p := q.Progress()
	assert.Zero(t, p.Queued)
	assert.Zero(t, p.Processing)
}

func TestTaskTransitions(t *testing.T) {
	task := NewSlotTask(1)
	assert.Equal(t, -1, task.WorkerID)
	require.ErrorIs(t, task.transition(Completed), ErrIllegalTransition)

	require.NoError(t, task.assign(4, time.Now()))
	require.NoError(t, task.transition(Completed))
	require.ErrorIs(t, task.transition(InFlight), ErrIllegalTransition)
}
