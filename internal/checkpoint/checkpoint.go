package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/withObsrvr/slot-indexer/internal/state"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

var checkpointKey = regexp.MustCompile(`^worker_(\d+)\.json$`)

// WorkerCheckpoint records the last raw batch a collector worker uploaded.
// It is written only after the upload succeeded.
type WorkerCheckpoint struct {
	Version          int    `json:"version"`
	WorkerID         int    `json:"worker_id"`
	LastUploadedSlot uint64 `json:"last_uploaded_slot"`
	Timestamp        int64  `json:"timestamp"`
	BatchCount       int    `json:"batch_count"`
}

// Key returns the state bucket key for a worker checkpoint.
func Key(workerID int) string {
	return fmt.Sprintf("worker_%d.json", workerID)
}

// Manager handles checkpoint persistence and retrieval.
type Manager struct {
	store *state.Store
}

// NewManager creates a checkpoint manager on the state bucket.
func NewManager(store *state.Store) *Manager {
	return &Manager{store: store}
}

// Save persists the checkpoint for cp.WorkerID.
func (m *Manager) Save(ctx context.Context, cp WorkerCheckpoint) error {
	cp.Version = state.Version
	if cp.Timestamp == 0 {
		cp.Timestamp = time.Now().Unix()
	}
	if err := m.store.SaveJSON(ctx, Key(cp.WorkerID), cp); err != nil {
		return fmt.Errorf("save checkpoint for worker %d: %w", cp.WorkerID, err)
	}
	return nil
}

// Load reads the checkpoint of one worker.
func (m *Manager) Load(ctx context.Context, workerID int) (*WorkerCheckpoint, error) {
	var cp WorkerCheckpoint
	if err := m.store.LoadJSON(ctx, Key(workerID), &cp); err != nil {
		if errors.Is(err, state.ErrNoState) {
			return nil, ErrNoCheckpoint
		}
		return nil, err
	}
	return &cp, nil
}

// LoadAll reads every worker checkpoint on the state bucket, ordered by worker id.
func (m *Manager) LoadAll(ctx context.Context) ([]WorkerCheckpoint, error) {
	objs, err := m.store.Objects().List(ctx, "worker_")
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var out []WorkerCheckpoint
	for _, obj := range objs {
		match := checkpointKey.FindStringSubmatch(obj.Key)
		if match == nil {
			continue
		}
		id, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}

		cp, err := m.Load(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNoCheckpoint) {
				continue
			}
			return nil, err
		}
		out = append(out, *cp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// MinLastUploaded returns the smallest last_uploaded_slot across all workers.
// Every slot below it has been uploaded by some worker. Returns ErrNoCheckpoint
// when no worker has checkpointed yet.
func (m *Manager) MinLastUploaded(ctx context.Context) (uint64, error) {
	cps, err := m.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	if len(cps) == 0 {
		return 0, ErrNoCheckpoint
	}

	min := cps[0].LastUploadedSlot
	for _, cp := range cps[1:] {
		if cp.LastUploadedSlot < min {
			min = cp.LastUploadedSlot
		}
	}
	return min, nil
}
