package microbatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// sink receives the output rows of each batch.
type sink interface {
	Description() string
	AddBatch(ctx context.Context, batchID int64, rows []Row) error
}

// MemorySink collects output rows for inspection. The engine keeps one per
// query name; see Engine.MemorySink.
type MemorySink struct {
	mu      sync.RWMutex
	rows    []Row
	batches int
}

// NewMemorySink returns an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Description implements sink.
func (s *MemorySink) Description() string {
	return "MemorySink"
}

// AddBatch implements sink.
func (s *MemorySink) AddBatch(_ context.Context, _ int64, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	s.batches++
	return nil
}

// Rows returns every row written so far.
func (s *MemorySink) Rows() []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Row(nil), s.rows...)
}

// Batches returns the number of batches written.
func (s *MemorySink) Batches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.batches
}

// logSink writes one structured log line per batch.
type logSink struct {
	logger *zap.Logger
}

func (s logSink) Description() string {
	return "LogSink"
}

func (s logSink) AddBatch(_ context.Context, batchID int64, rows []Row) error {
	fields := []zap.Field{zap.Int64("batch_id", batchID), zap.Int("rows", len(rows))}
	if len(rows) > 0 {
		last := rows[len(rows)-1]
		fields = append(fields, zap.String("last_key", last.Key), zap.Int64("last_value", last.Value))
	}
	s.logger.Info("batch output", fields...)
	return nil
}

type noopSink struct{}

func (noopSink) Description() string                          { return "NoopSink" }
func (noopSink) AddBatch(context.Context, int64, []Row) error { return nil }
