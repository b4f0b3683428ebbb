package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/withObsrvr/slot-indexer/internal/metrics"
	"github.com/withObsrvr/slot-indexer/internal/naming"
	"github.com/withObsrvr/slot-indexer/internal/state"
	"github.com/withObsrvr/slot-indexer/internal/storage"
)

// State document keys on the state bucket.
const (
	QueueStateKey     = "parser_queue_state.json"
	CompletedFilesKey = "parser_completed_files.json"
)

// QueueConfig tunes the parse queue.
type QueueConfig struct {
	ScanInterval   time.Duration
	SaveInterval   time.Duration
	MaxQueueSize   int
	MaxFileRetries int
}

// ParseTask is one raw batch file waiting to be parsed.
type ParseTask struct {
	Name       string
	Size       int64
	CreatedAt  time.Time
	RetryCount int
	AssignedAt time.Time
	WorkerID   int
}

// WorkerStats counts per-worker outcomes.
type WorkerStats struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// Progress is a point-in-time snapshot of the parse queue.
type Progress struct {
	Completed   int                 `json:"completed"`
	Processing  int                 `json:"processing"`
	Queued      int                 `json:"queued"`
	Failed      int                 `json:"failed"`
	WorkerStats map[int]WorkerStats `json:"worker_stats"`
}

type queueState struct {
	Version     int                 `json:"version"`
	Timestamp   string              `json:"timestamp"`
	Stats       Progress            `json:"stats"`
	WorkerStats map[int]WorkerStats `json:"worker_stats"`
	FailedFiles map[string]int      `json:"failed_files"`
}

type completedFiles struct {
	Files []string `json:"files"`
	Count int      `json:"count"`
}

// ParseQueueManager tracks raw batch files from discovery to deletion.
type ParseQueueManager struct {
	cfg     QueueConfig
	objects storage.ObjectStore
	state   *state.Store
	log     *slog.Logger
	now     func() time.Time

	queue    chan *ParseTask
	queuedMu sync.Mutex
	queued   map[string]struct{}

	procMu     sync.Mutex
	processing map[string]*ParseTask

	doneMu    sync.Mutex
	completed map[string]struct{}

	failMu sync.Mutex
	failed map[string]int

	statsMu sync.Mutex
	stats   map[int]*WorkerStats

	scanMu   sync.Mutex
	lastScan time.Time
	lastSave time.Time
}

// NewParseQueueManager creates a queue over the raw files of objects.
func NewParseQueueManager(cfg QueueConfig, objects storage.ObjectStore, store *state.Store) *ParseQueueManager {
	if cfg.MaxQueueSize < 1 {
		cfg.MaxQueueSize = 1
	}
	if cfg.MaxFileRetries < 1 {
		cfg.MaxFileRetries = 1
	}
	return &ParseQueueManager{
		cfg:        cfg,
		objects:    objects,
		state:      store,
		log:        slog.With("component", "parse_queue"),
		now:        time.Now,
		queue:      make(chan *ParseTask, cfg.MaxQueueSize),
		queued:     make(map[string]struct{}),
		processing: make(map[string]*ParseTask),
		completed:  make(map[string]struct{}),
		failed:     make(map[string]int),
		stats:      make(map[int]*WorkerStats),
	}
}

// ScanForFiles lists the raw prefix and queues every file whose last slot is
// below safeSlot and that is not already known. It runs at most once per
// ScanInterval and stops adding when the queue is full. Returns the number
// of files added.
func (q *ParseQueueManager) ScanForFiles(ctx context.Context, safeSlot uint64) (int, error) {
	q.scanMu.Lock()
	defer q.scanMu.Unlock()
	if !q.lastScan.IsZero() && q.now().Sub(q.lastScan) < q.cfg.ScanInterval {
		return 0, nil
	}

	objs, err := q.objects.List(ctx, naming.RawPrefix)
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", naming.RawPrefix, err)
	}

	names := make([]string, len(objs))
	for i, o := range objs {
		names[i] = o.Key
	}
	metrics.Get().SetRawFilesQueue(naming.FilesQueue(names))

	added := 0
scan:
	for _, o := range objs {
		rf, err := naming.ParseRaw(o.Key)
		if err != nil || rf.LastSlot >= safeSlot {
			continue
		}
		if q.known(o.Key) {
			continue
		}

		task := &ParseTask{Name: o.Key, Size: o.Size, CreatedAt: o.ModTime, WorkerID: -1}
		q.queuedMu.Lock()
		select {
		case q.queue <- task:
			q.queued[o.Key] = struct{}{}
			q.queuedMu.Unlock()
			added++
		default:
			q.queuedMu.Unlock()
			break scan
		}
	}

	q.lastScan = q.now()
	if added > 0 {
		q.log.Info("added files to parse queue", "added", added, "safe_slot", safeSlot)
	}
	return added, nil
}

// known reports whether the file is completed, queued, in flight or has
// exhausted its retries.
func (q *ParseQueueManager) known(name string) bool {
	q.doneMu.Lock()
	_, done := q.completed[name]
	q.doneMu.Unlock()
	if done {
		return true
	}

	q.queuedMu.Lock()
	_, queued := q.queued[name]
	q.queuedMu.Unlock()
	if queued {
		return true
	}

	q.procMu.Lock()
	_, inFlight := q.processing[name]
	q.procMu.Unlock()
	if inFlight {
		return true
	}

	q.failMu.Lock()
	defer q.failMu.Unlock()
	return q.failed[name] >= q.cfg.MaxFileRetries
}

// GetTask waits up to timeout for a file and assigns it to workerID. Files
// completed since they were queued are dropped.
func (q *ParseQueueManager) GetTask(ctx context.Context, workerID int, timeout time.Duration) *ParseTask {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var task *ParseTask
	for task == nil {
		select {
		case task = <-q.queue:
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return nil
		}
		// a stale sweep may have requeued a file its first worker then finished
		if q.IsCompleted(task.Name) {
			q.queuedMu.Lock()
			delete(q.queued, task.Name)
			q.queuedMu.Unlock()
			task = nil
		}
	}

	task.AssignedAt = q.now()
	task.WorkerID = workerID
	q.procMu.Lock()
	q.processing[task.Name] = task
	q.procMu.Unlock()

	q.queuedMu.Lock()
	delete(q.queued, task.Name)
	q.queuedMu.Unlock()
	return task
}

// CompleteFile removes the file from the in-flight map. Success adds it to
// the completed set and clears its failures; otherwise a failure is counted.
func (q *ParseQueueManager) CompleteFile(name string, workerID int, success bool) {
	q.procMu.Lock()
	delete(q.processing, name)
	q.procMu.Unlock()

	if success {
		q.doneMu.Lock()
		q.completed[name] = struct{}{}
		q.doneMu.Unlock()

		q.failMu.Lock()
		delete(q.failed, name)
		q.failMu.Unlock()
	} else {
		q.failMu.Lock()
		q.failed[name]++
		q.failMu.Unlock()
	}

	q.recordStats(workerID, success)
}

func (q *ParseQueueManager) recordStats(workerID int, success bool) {
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
}

// RequeueFile charges one retry to the file. Below MaxFileRetries it goes
// back to the queue; at the bound it is marked failed and no scan picks it
// up again. Reports whether the file was marked failed.
func (q *ParseQueueManager) RequeueFile(name string, workerID int) bool {
	q.procMu.Lock()
	task := q.processing[name]
	delete(q.processing, name)
	q.procMu.Unlock()
	if task == nil {
		return false
	}

	task.RetryCount++
	if task.RetryCount < q.cfg.MaxFileRetries {
		task.WorkerID = -1
		q.queuedMu.Lock()
		select {
		case q.queue <- task:
			q.queued[name] = struct{}{}
		default:
			// full; the next scan finds the file again
		}
		q.queuedMu.Unlock()
		q.log.Warn("requeued file", "file", name, "retry", task.RetryCount)
		return false
	}

	q.failMu.Lock()
	q.failed[name] = task.RetryCount
	q.failMu.Unlock()
	q.recordStats(workerID, false)
	q.log.Error("file failed after retries", "file", name, "retries", task.RetryCount)
	return true
}

// SweepStale requeues files assigned longer than timeout ago.
func (q *ParseQueueManager) SweepStale(timeout time.Duration) int {
	cutoff := q.now().Add(-timeout)

	var stale []string
	q.procMu.Lock()
	for name, task := range q.processing {
		if task.AssignedAt.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	q.procMu.Unlock()

	for _, name := range stale {
		q.log.Warn("stale file, requeuing", "file", name)
		q.RequeueFile(name, -1)
	}
	return len(stale)
}

// IsCompleted reports whether the file was parsed.
func (q *ParseQueueManager) IsCompleted(name string) bool {
	q.doneMu.Lock()
	defer q.doneMu.Unlock()
	_, ok := q.completed[name]
	return ok
}

// Progress returns a snapshot of every counter.
func (q *ParseQueueManager) Progress() Progress {
	var p Progress

	q.doneMu.Lock()
	p.Completed = len(q.completed)
	q.doneMu.Unlock()

	q.procMu.Lock()
	p.Processing = len(q.processing)
	q.procMu.Unlock()

	p.Queued = len(q.queue)

	q.failMu.Lock()
	for _, n := range q.failed {
		if n >= q.cfg.MaxFileRetries {
			p.Failed++
		}
	}
	q.failMu.Unlock()

	q.statsMu.Lock()
	p.WorkerStats = make(map[int]WorkerStats, len(q.stats))
	for id, ws := range q.stats {
		p.WorkerStats[id] = *ws
	}
	q.statsMu.Unlock()

	return p
}

// SaveState persists the queue document and the compressed completed list.
// Unless force is set it does nothing within SaveInterval of the last save.
func (q *ParseQueueManager) SaveState(ctx context.Context, force bool) error {
	q.scanMu.Lock()
	skip := !force && !q.lastSave.IsZero() && q.now().Sub(q.lastSave) < q.cfg.SaveInterval
	q.scanMu.Unlock()
	if skip {
		return nil
	}

	p := q.Progress()
	doc := queueState{
		Version:     state.Version,
		Timestamp:   q.now().UTC().Format(time.RFC3339),
		Stats:       p,
		WorkerStats: p.WorkerStats,
	}
	q.failMu.Lock()
	doc.FailedFiles = make(map[string]int, len(q.failed))
	for k, v := range q.failed {
		doc.FailedFiles[k] = v
	}
	q.failMu.Unlock()

	if err := q.state.SaveJSON(ctx, QueueStateKey, doc); err != nil {
		return fmt.Errorf("save parser state: %w", err)
	}

	q.doneMu.Lock()
	files := make([]string, 0, len(q.completed))
	for name := range q.completed {
		files = append(files, name)
	}
	q.doneMu.Unlock()
	sort.Strings(files)

	if err := q.state.SaveCompressed(ctx, CompletedFilesKey, completedFiles{Files: files, Count: len(files)}); err != nil {
		return fmt.Errorf("save parser completed files: %w", err)
	}

	q.scanMu.Lock()
	q.lastSave = q.now()
	q.scanMu.Unlock()
	return nil
}

// RestoreState loads the saved failures, stats and completed list. Missing
// documents are not errors.
func (q *ParseQueueManager) RestoreState(ctx context.Context) error {
	var doc queueState
	err := q.state.LoadJSON(ctx, QueueStateKey, &doc)
	switch {
	case errors.Is(err, state.ErrNoState):
	case err != nil:
		return fmt.Errorf("restore parser state: %w", err)
	default:
		q.statsMu.Lock()
		for id, ws := range doc.WorkerStats {
			ws := ws
			q.stats[id] = &ws
		}
		q.statsMu.Unlock()

		q.failMu.Lock()
		for k, v := range doc.FailedFiles {
			q.failed[k] = v
		}
		q.failMu.Unlock()
		q.log.Info("restored parser queue state", "failed", len(doc.FailedFiles))
	}

	var completed completedFiles
	err = q.state.LoadCompressed(ctx, CompletedFilesKey, &completed)
	switch {
	case errors.Is(err, state.ErrNoState):
	case err != nil:
		return fmt.Errorf("restore parser completed files: %w", err)
	default:
		q.doneMu.Lock()
		for _, name := range completed.Files {
			q.completed[name] = struct{}{}
		}
		q.doneMu.Unlock()
		q.log.Info("restored completed files", "count", len(completed.Files))
	}
	return nil
}
