package checkpoint

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/streamq/internal/streaming"
)

var (
	_ streaming.CheckpointStore = (*MemoryStore)(nil)
	_ streaming.CheckpointStore = (*BoltStore)(nil)
)

type store interface {
	streaming.CheckpointStore
	Close() error
}

func exerciseStore(t *testing.T, s store) {
	t.Helper()
	ctx := context.Background()
	const loc = "/ckpt/orders"

	_, ok, err := s.QueryID(ctx, loc)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.LastBatch(ctx, loc)
	require.NoError(t, err)
	require.False(t, ok)

	id := uuid.New()
	require.NoError(t, s.BindQueryID(ctx, loc, id))
	got, ok, err := s.QueryID(ctx, loc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)
	_, ok, err = s.LastBatch(ctx, loc)
	require.NoError(t, err)
	require.False(t, ok, "binding an id must not invent a committed batch")

	require.NoError(t, s.CommitBatch(ctx, loc, streaming.BatchCommit{BatchID: 0, EndOffset: 10}))
	require.NoError(t, s.CommitBatch(ctx, loc, streaming.BatchCommit{BatchID: 4, EndOffset: 57}))
	last, ok, err := s.LastBatch(ctx, loc)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, streaming.BatchCommit{BatchID: 4, EndOffset: 57}, last)

	got, _, err = s.QueryID(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, id, got, "committing keeps the bound id")

	require.ErrorIs(t, s.BindQueryID(ctx, " ", id), ErrEmptyLocation)
	require.ErrorIs(t, s.CommitBatch(ctx, "", streaming.BatchCommit{BatchID: 1}), ErrEmptyLocation)
}

// TestMemoryStore covers the in-memory implementation.
func TestMemoryStore(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore()
	exerciseStore(t, s)
	require.NoError(t, s.Close())
}

// TestBoltStore covers the bbolt implementation.
func TestBoltStore(t *testing.T) {
	t.Parallel()

	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "meta", "checkpoints.db"))
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())
}

// TestBoltStoreSurvivesReopen ensures metadata is durable across process restarts.
func TestBoltStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoints.db")
	ctx := context.Background()
	id := uuid.New()

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.BindQueryID(ctx, "/ckpt/a", id))
	require.NoError(t, s.CommitBatch(ctx, "/ckpt/a", streaming.BatchCommit{BatchID: 9, EndOffset: 120}))
	require.NoError(t, s.Close())

	reopened, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	got, ok, err := reopened.QueryID(ctx, "/ckpt/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, got)
	last, ok, err := reopened.LastBatch(ctx, "/ckpt/a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, streaming.BatchCommit{BatchID: 9, EndOffset: 120}, last)
}

// TestOpenBoltStoreRequiresPath guards the constructor.
func TestOpenBoltStoreRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := OpenBoltStore("")
	require.Error(t, err)
}
