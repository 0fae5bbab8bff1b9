package streaming

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handle is the client view of one query run. It stays readable after the run
// terminated until the Manager purges it.
type Handle struct {
	id         uuid.UUID
	runID      uuid.UUID
	name       string
	checkpoint string
	startedAt  time.Time
	manager    *Manager
	ready      chan struct{}

	mu            sync.RWMutex
	status        Status
	exception     *StreamingQueryError
	exec          Execution
	stopRequested bool
	finishedAt    time.Time
	history       *progressRing

	// finished is guarded by manager.mu and flips after the Terminated event
	// was dispatched.
	finished bool
}

func newHandle(m *Manager, run Run, capacity int, now time.Time) *Handle {
	return &Handle{
		id:         run.ID,
		runID:      run.RunID,
		name:       run.Name,
		checkpoint: run.Spec.CheckpointLocation,
		startedAt:  now,
		manager:    m,
		ready:      make(chan struct{}),
		status:     StatusInitializing,
		history:    newProgressRing(capacity),
	}
}

// ID is stable across restarts from the same checkpoint location.
func (h *Handle) ID() uuid.UUID { return h.id }

// RunID is unique per execution attempt.
func (h *Handle) RunID() uuid.UUID { return h.runID }

// Name returns the user-assigned name, possibly empty.
func (h *Handle) Name() string { return h.name }

// CheckpointLocation returns the location the run was started with.
func (h *Handle) CheckpointLocation() string { return h.checkpoint }

// StartedAt returns when Start was called.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Status returns the current lifecycle state.
func (h *Handle) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// IsActive reports whether the run is Active or Idle.
func (h *Handle) IsActive() bool {
	return h.Status().IsActive()
}

// FinishedAt returns the termination time, zero while running.
func (h *Handle) FinishedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.finishedAt
}

// Exception returns the terminal failure or nil.
func (h *Handle) Exception() *StreamingQueryError {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exception
}

// LastProgress returns the newest snapshot or nil. The snapshot is shared with
// listeners and must not be modified.
func (h *Handle) LastProgress() *ProgressSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.history.last()
}

// RecentProgress returns the retained snapshots oldest first. The slice is a
// fresh copy; the snapshots it points to are shared and must not be modified.
func (h *Handle) RecentProgress() []*ProgressSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.history.items()
}

// AwaitTermination waits for the run to terminate. Without a timeout
// (timeout <= 0) it returns the run's failure, if any. With a timeout it
// reports whether the run terminated in time and leaves the failure to
// Exception. ctx bounds the wait only; it does not stop the run.
func (h *Handle) AwaitTermination(ctx context.Context, timeout time.Duration) (bool, error) {
	terminated, err := h.manager.waitFor(ctx, timeout, func() bool { return h.finished })
	if err != nil || !terminated {
		return terminated, err
	}
	if timeout <= 0 {
		if exc := h.Exception(); exc != nil {
			return true, exc
		}
	}
	return true, nil
}

// Stop terminates the run. It is idempotent.
func (h *Handle) Stop(ctx context.Context) error {
	return h.manager.Stop(ctx, h)
}

// ProcessAllAvailable blocks until the input available now has been processed
// by a completed batch. It returns the run's failure if it failed meanwhile.
func (h *Handle) ProcessAllAvailable(ctx context.Context) error {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.RLock()
	exec, exc := h.exec, h.exception
	h.mu.RUnlock()
	if exc != nil {
		return exc
	}
	if exec == nil {
		return nil
	}
	if err := exec.ProcessAllAvailable(ctx); err != nil {
		if exc := h.Exception(); exc != nil {
			return exc
		}
		return err
	}
	if exc := h.Exception(); exc != nil {
		return exc
	}
	return nil
}

// markActive moves Idle back to Active when data arrives.
func (h *Handle) markActive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == StatusIdle {
		h.status = StatusActive
	}
}

// markIdle moves an active run to Idle. It reports false for runs that are
// initializing, stopping or terminated.
func (h *Handle) markIdle() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.IsActive() {
		return false
	}
	h.status = StatusIdle
	return true
}

func (h *Handle) terminal() bool {
	return h.Status().IsTerminal()
}
