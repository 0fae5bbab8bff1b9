package streaming

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Run identifies one execution attempt handed to an Engine.
type Run struct {
	ID    uuid.UUID
	RunID uuid.UUID
	Name  string
	Spec  QuerySpec
}

// Callbacks is how an Engine reports on a run. All calls for one run must come
// from a single goroutine in the order the events happened.
type Callbacks interface {
	OnBatchComplete(runID uuid.UUID, metrics BatchMetrics)
	OnQueryIdle(runID uuid.UUID, ts time.Time)
	OnQueryFailed(runID uuid.UUID, err error)
}

// Execution is a running micro-batch loop.
type Execution interface {
	// Stop asks the loop to exit after the in-flight batch. It does not block.
	Stop()
	// Done is closed once the loop exited and will make no further callbacks.
	Done() <-chan struct{}
	// ProcessAllAvailable blocks until all input available at call time has
	// been committed by a completed batch or the loop exited.
	ProcessAllAvailable(ctx context.Context) error
}

// Engine executes queries. ctx passed to Start bounds initialization only;
// the returned Execution lives until stopped or failed.
type Engine interface {
	Validate(spec QuerySpec) error
	Start(ctx context.Context, run Run, cb Callbacks) (Execution, error)
}

// BatchCommit is the position recorded once a batch was written to its sink.
// EndOffset is exclusive: a restarted run reads from it.
type BatchCommit struct {
	BatchID   int64
	EndOffset int64
}

// CheckpointStore remembers which query id owns a checkpoint location and the
// last batch committed there.
type CheckpointStore interface {
	QueryID(ctx context.Context, location string) (uuid.UUID, bool, error)
	BindQueryID(ctx context.Context, location string, id uuid.UUID) error
	LastBatch(ctx context.Context, location string) (BatchCommit, bool, error)
	CommitBatch(ctx context.Context, location string, commit BatchCommit) error
}

// IDGenerator creates query and run ids.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Clock supplies event timestamps.
type Clock interface {
	Now() time.Time
}
