package sinks

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/progress"
	"github.com/JakeFAU/streamq/internal/store"
	"github.com/JakeFAU/streamq/internal/streaming"
)

// StoreSink persists run history via a store.ProgressRepository: one run row
// per start plus one progress row per completed batch.
type StoreSink struct {
	repo   store.ProgressRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.ProgressRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume writes the batch in order. It respects ctx deadlines and returns the
// first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		var err error
		switch evt.Kind {
		case streaming.KindStarted:
			err = s.repo.UpsertRunStart(ctx, store.QueryRun{
				RunID:     evt.RunID,
				QueryID:   evt.QueryID,
				Name:      evt.Name,
				StartedAt: evt.TS,
			})
			if err != nil {
				err = fmt.Errorf("upsert run start: %w", err)
			}
		case streaming.KindProgress:
			err = s.appendProgress(ctx, evt)
		case streaming.KindTerminated:
			err = s.completeRun(ctx, evt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) appendProgress(ctx context.Context, evt progress.Event) error {
	p := evt.Progress
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	err = s.repo.AppendProgress(ctx, store.ProgressRecord{
		RunID:                  evt.RunID,
		BatchID:                p.BatchID,
		Timestamp:              p.Timestamp,
		NumInputRows:           p.NumInputRows,
		InputRowsPerSecond:     p.InputRowsPerSecond,
		ProcessedRowsPerSecond: p.ProcessedRowsPerSecond,
		Payload:                payload,
	})
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return nil
}

func (s *StoreSink) completeRun(ctx context.Context, evt progress.Event) error {
	status := store.RunStopped
	var msg *string
	if evt.Failed() {
		status = store.RunFailed
		text := evt.Exception
		msg = &text
	}
	if err := s.repo.CompleteRun(ctx, evt.RunID, evt.TS, status, msg); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
