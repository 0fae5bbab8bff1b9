package sinks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/streamq/internal/progress"
	"github.com/JakeFAU/streamq/internal/storage/memory"
	"github.com/JakeFAU/streamq/internal/store"
	"github.com/JakeFAU/streamq/internal/streaming"
)

// lifecycle builds started, two progress and a terminated event for one run.
func lifecycle(exception string) (uuid.UUID, uuid.UUID, []progress.Event) {
	queryID, runID := uuid.New(), uuid.New()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := func(batch int64) *streaming.ProgressSnapshot {
		return &streaming.ProgressSnapshot{
			ID:           queryID,
			RunID:        runID,
			Name:         "clicks",
			Timestamp:    now.Add(time.Duration(batch+1) * time.Second),
			BatchID:      batch,
			NumInputRows: 10 * (batch + 1),
			DurationMs:   map[string]int64{"triggerExecution": 20},
			StateOperators: []streaming.StateOperatorProgress{
				{OperatorName: "stateStoreSave", NumRowsTotal: batch + 1},
			},
		}
	}
	return queryID, runID, []progress.Event{
		{Kind: streaming.KindStarted, QueryID: queryID, RunID: runID, Name: "clicks", TS: now},
		{Kind: streaming.KindProgress, QueryID: queryID, RunID: runID, Name: "clicks", TS: now.Add(time.Second), Progress: snap(0)},
		{Kind: streaming.KindProgress, QueryID: queryID, RunID: runID, Name: "clicks", TS: now.Add(2 * time.Second), Progress: snap(1)},
		{Kind: streaming.KindIdle, QueryID: queryID, RunID: runID, TS: now.Add(3 * time.Second)},
		{Kind: streaming.KindTerminated, QueryID: queryID, RunID: runID, TS: now.Add(4 * time.Second), Exception: exception},
	}
}

// TestStoreSinkPersistsRunHistory writes a full run lifecycle.
func TestStoreSinkPersistsRunHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewProgressStore()
	sink := NewStoreSink(repo, nil)
	queryID, runID, batch := lifecycle("")

	require.NoError(t, sink.Consume(ctx, batch))

	run, err := repo.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, queryID, run.QueryID)
	require.Equal(t, "clicks", run.Name)
	require.Equal(t, store.RunStopped, run.Status)
	require.Equal(t, batch[4].TS, *run.FinishedAt)
	require.Nil(t, run.ErrorMessage)

	recs, err := repo.ListProgress(ctx, runID, 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int64(20), recs[1].NumInputRows)

	var snap streaming.ProgressSnapshot
	require.NoError(t, json.Unmarshal(recs[1].Payload, &snap))
	require.Equal(t, int64(1), snap.BatchID)
}

// TestStoreSinkRecordsFailures stores the exception text of failed runs.
func TestStoreSinkRecordsFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := memory.NewProgressStore()
	_, runID, batch := lifecycle("query clicks terminated with exception: boom")

	require.NoError(t, NewStoreSink(repo, nil).Consume(ctx, batch))

	run, err := repo.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, store.RunFailed, run.Status)
	require.Equal(t, "query clicks terminated with exception: boom", *run.ErrorMessage)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	_, _, batch := lifecycle("")
	// Completing a run whose start was never stored reports not found.
	err := NewStoreSink(memory.NewProgressStore(), nil).Consume(context.Background(), batch[4:])
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorContains(t, err, "complete run")

	require.NoError(t, (*StoreSink)(nil).Consume(context.Background(), batch))
}
