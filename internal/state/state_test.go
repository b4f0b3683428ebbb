package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/slot-indexer/internal/storage"
)

type doc struct {
	Version int      `json:"version"`
	Slots   []uint64 `json:"slots"`
}

func TestSaveLoadJSON(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStore(""))

	var missing doc
	require.ErrorIs(t, s.LoadJSON(ctx, "queue_manager_state.json", &missing), ErrNoState)

	require.NoError(t, s.SaveJSON(ctx, "queue_manager_state.json", doc{Version: Version, Slots: []uint64{1, 2}}))

	var got doc
	require.NoError(t, s.LoadJSON(ctx, "queue_manager_state.json", &got))
	assert.Equal(t, []uint64{1, 2}, got.Slots)
}

func TestCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	objects := storage.NewMemoryStore("")
	s := New(objects)

	require.NoError(t, s.SaveCompressed(ctx, "completed_slots.json", doc{Version: Version, Slots: []uint64{7, 8, 9}}))

	ok, err := objects.Exists(ctx, "completed_slots.json.gzip")
	require.NoError(t, err)
	assert.True(t, ok)

	var got doc
	require.NoError(t, s.LoadCompressed(ctx, "completed_slots.json", &got))
	assert.Equal(t, []uint64{7, 8, 9}, got.Slots)
}

func TestLoadCompressedFallsBackToPlain(t *testing.T) {
	ctx := context.Background()
	s := New(storage.NewMemoryStore(""))

	require.NoError(t, s.SaveJSON(ctx, "completed_slots.json", doc{Slots: []uint64{3}}))

	var got doc
	require.NoError(t, s.LoadCompressed(ctx, "completed_slots.json", &got))
	assert.Equal(t, []uint64{3}, got.Slots)

	var none doc
	require.ErrorIs(t, s.LoadCompressed(ctx, "parser_completed_files.json", &none), ErrNoState)
}
