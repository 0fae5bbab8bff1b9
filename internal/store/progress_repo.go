// Package store declares interfaces for persisting query run history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("query run not found")

// RunStatus mirrors the query_runs status column.
type RunStatus string

// Query run statuses persisted in query_runs.status.
const (
	RunRunning RunStatus = "running"
	RunStopped RunStatus = "stopped"
	RunFailed  RunStatus = "failed"
)

// QueryRun models the query_runs table for API responses.
type QueryRun struct {
	// RunID is the primary key; unique per start.
	RunID uuid.UUID `json:"run_id"`
	// QueryID is stable across restarts from the same checkpoint.
	QueryID uuid.UUID `json:"query_id"`
	// Name is empty for unnamed queries.
	Name string `json:"name,omitempty"`
	// StartedAt captures when the run was first observed.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil until the run terminates.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	// Status is running/stopped/failed.
	Status RunStatus `json:"status"`
	// ErrorMessage stores the failure reason of failed runs.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// ProgressRecord is one persisted progress snapshot.
type ProgressRecord struct {
	RunID                  uuid.UUID `json:"run_id"`
	BatchID                int64     `json:"batch_id"`
	Timestamp              time.Time `json:"timestamp"`
	NumInputRows           int64     `json:"num_input_rows"`
	InputRowsPerSecond     float64   `json:"input_rows_per_second"`
	ProcessedRowsPerSecond float64   `json:"processed_rows_per_second"`
	// Payload is the full snapshot JSON.
	Payload []byte `json:"payload"`
}

// ProgressRepository persists query runs and their progress snapshots.
type ProgressRepository interface {
	// UpsertRunStart inserts (or idempotently updates) a running run.
	UpsertRunStart(ctx context.Context, run QueryRun) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// AppendProgress stores one snapshot; replays of the same batch are ignored.
	AppendProgress(ctx context.Context, rec ProgressRecord) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (QueryRun, error)
	// ListRuns returns runs newest first, filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]QueryRun, error)
	// ListProgress returns a run's snapshots oldest first.
	ListProgress(ctx context.Context, runID uuid.UUID, limit, offset int) ([]ProgressRecord, error)
}
