package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/slot-indexer/internal/state"
	"github.com/withObsrvr/slot-indexer/internal/storage"
)

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	m := NewManager(state.New(storage.NewMemoryStore("")))

	_, err := m.Load(ctx, 0)
	require.ErrorIs(t, err, ErrNoCheckpoint)

	require.NoError(t, m.Save(ctx, WorkerCheckpoint{WorkerID: 0, LastUploadedSlot: 1099, BatchCount: 100}))

	cp, err := m.Load(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1099), cp.LastUploadedSlot)
	assert.Equal(t, state.Version, cp.Version)
	assert.NotZero(t, cp.Timestamp)
}

func TestMinLastUploaded(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryStore("")
	m := NewManager(state.New(objects))

	_, err := m.MinLastUploaded(ctx)
	require.ErrorIs(t, err, ErrNoCheckpoint)

	require.NoError(t, m.Save(ctx, WorkerCheckpoint{WorkerID: 0, LastUploadedSlot: 500}))
	require.NoError(t, m.Save(ctx, WorkerCheckpoint{WorkerID: 1, LastUploadedSlot: 320}))
	require.NoError(t, m.Save(ctx, WorkerCheckpoint{WorkerID: 12, LastUploadedSlot: 900}))
	// Not a checkpoint, must be ignored.
	require.NoError(t, objects.Put(ctx, "worker_notes.json", []byte(`{}`)))

	all, err := m.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, 12, all[2].WorkerID)

	min, err := m.MinLastUploaded(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(320), min)
}
