package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/streamq/internal/store"
)

// ProgressStore is an in-memory store.ProgressRepository.
type ProgressStore struct {
	mu       sync.RWMutex
	runs     map[uuid.UUID]store.QueryRun
	progress map[uuid.UUID][]store.ProgressRecord
}

// NewProgressStore constructs an empty ProgressStore.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		runs:     make(map[uuid.UUID]store.QueryRun),
		progress: make(map[uuid.UUID][]store.ProgressRecord),
	}
}

// UpsertRunStart records a running run unless it already exists.
func (s *ProgressStore) UpsertRunStart(_ context.Context, run store.QueryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return nil
	}
	run.Status = store.RunRunning
	run.FinishedAt = nil
	run.ErrorMessage = nil
	s.runs[run.RunID] = run
	return nil
}

// CompleteRun marks a run finished.
func (s *ProgressStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = &finishedAt
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[runID] = run
	return nil
}

// AppendProgress stores a copy of rec, ignoring replays of the same batch.
func (s *ProgressStore) AppendProgress(_ context.Context, rec store.ProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.progress[rec.RunID]
	idx, found := slices.BinarySearchFunc(list, rec.BatchID, func(r store.ProgressRecord, id int64) int {
		switch {
		case r.BatchID < id:
			return -1
		case r.BatchID > id:
			return 1
		}
		return 0
	})
	if found {
		return nil
	}
	rec.Payload = append([]byte(nil), rec.Payload...)
	s.progress[rec.RunID] = slices.Insert(list, idx, rec)
	return nil
}

// GetRun returns a run or store.ErrNotFound.
func (s *ProgressStore) GetRun(_ context.Context, runID uuid.UUID) (store.QueryRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.QueryRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *ProgressStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.QueryRun, error) {
	s.mu.RLock()
	runs := make([]store.QueryRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	slices.SortFunc(runs, func(a, b store.QueryRun) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return slices.Compare(b.RunID[:], a.RunID[:])
	})
	return page(runs, limit, offset), nil
}

// ListProgress returns a run's snapshots in batch order.
func (s *ProgressStore) ListProgress(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return page(slices.Clone(s.progress[runID]), limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
