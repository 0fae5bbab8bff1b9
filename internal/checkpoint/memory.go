package checkpoint

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/streamq/internal/streaming"
)

// MemoryStore keeps checkpoint metadata in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// QueryID returns the id bound to location.
func (s *MemoryStore) QueryID(_ context.Context, location string) (uuid.UUID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[location]
	if !ok || rec.QueryID == uuid.Nil {
		return uuid.Nil, false, nil
	}
	return rec.QueryID, true, nil
}

// BindQueryID binds id to location, keeping any committed batch.
func (s *MemoryStore) BindQueryID(_ context.Context, location string, id uuid.UUID) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[location]
	if !ok {
		rec = Record{LastBatchID: noBatch}
	}
	rec.QueryID = id
	s.records[location] = rec
	return nil
}

// LastBatch returns the last batch committed at location.
func (s *MemoryStore) LastBatch(_ context.Context, location string) (streaming.BatchCommit, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[location]
	if !ok || rec.LastBatchID == noBatch {
		return streaming.BatchCommit{}, false, nil
	}
	return rec.commit(), true, nil
}

// CommitBatch records commit as the latest batch committed at location.
func (s *MemoryStore) CommitBatch(_ context.Context, location string, commit streaming.BatchCommit) error {
	if err := validateLocation(location); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[location]
	if !ok {
		rec = Record{}
	}
	rec.LastBatchID, rec.EndOffset = commit.BatchID, commit.EndOffset
	s.records[location] = rec
	return nil
}

// Close implements the store lifecycle; it performs no action.
func (s *MemoryStore) Close() error {
	return nil
}
