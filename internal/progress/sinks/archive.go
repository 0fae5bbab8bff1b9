package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/streamq/internal/progress"
	"github.com/JakeFAU/streamq/internal/streaming"
)

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher produces a hex digest of an archive document.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// RunArchive is the document written for every terminated run.
type RunArchive struct {
	ID             uuid.UUID                     `json:"id"`
	RunID          uuid.UUID                     `json:"runId"`
	Name           string                        `json:"name,omitempty"`
	StartedAt      time.Time                     `json:"startedAt,omitzero"`
	FinishedAt     time.Time                     `json:"finishedAt"`
	Status         string                        `json:"status"`
	Exception      string                        `json:"exception,omitempty"`
	RecentProgress []*streaming.ProgressSnapshot `json:"recentProgress"`
}

// ArchiveConfig configures an ArchiveSink.
//   - Prefix: object path prefix (default "runs").
//   - Retention: snapshots kept per run (default streaming.DefaultProgressRetention).
//   - Hasher: when set, a "<object>.sha256" checksum object is written next to
//     every archive.
type ArchiveConfig struct {
	Prefix    string
	Retention int
	Hasher    Hasher
}

// ArchiveSink keeps the recent progress of every live run and writes it as one
// JSON object to a blob store when the run terminates. Objects are named
// <prefix>/<query id>/<run id>.json.
type ArchiveSink struct {
	store     BlobStore
	prefix    string
	retention int
	hasher    Hasher
	logger    *zap.Logger
	runs      map[uuid.UUID]*RunArchive
}

// NewArchiveSink constructs an ArchiveSink.
func NewArchiveSink(store BlobStore, cfg ArchiveConfig, logger *zap.Logger) *ArchiveSink {
	if cfg.Prefix == "" {
		cfg.Prefix = "runs"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = streaming.DefaultProgressRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveSink{
		store:     store,
		prefix:    cfg.Prefix,
		retention: cfg.Retention,
		hasher:    cfg.Hasher,
		logger:    logger,
		runs:      make(map[uuid.UUID]*RunArchive),
	}
}

// ObjectPath returns where the archive of a run is written.
func (s *ArchiveSink) ObjectPath(queryID, runID uuid.UUID) string {
	return path.Join(s.prefix, queryID.String(), runID.String()+".json")
}

// Consume folds the batch into the per-run buffers and uploads terminated runs.
func (s *ArchiveSink) Consume(ctx context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case streaming.KindStarted:
			run := s.run(evt)
			run.Name = evt.Name
			run.StartedAt = evt.TS
		case streaming.KindProgress:
			run := s.run(evt)
			if run.Name == "" {
				run.Name = evt.Name
			}
			run.RecentProgress = append(run.RecentProgress, evt.Progress)
			if over := len(run.RecentProgress) - s.retention; over > 0 {
				run.RecentProgress = append(run.RecentProgress[:0:0], run.RecentProgress[over:]...)
			}
		case streaming.KindTerminated:
			if err := s.upload(ctx, evt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *ArchiveSink) run(evt progress.Event) *RunArchive {
	run, ok := s.runs[evt.RunID]
	if !ok {
		run = &RunArchive{ID: evt.QueryID, RunID: evt.RunID, RecentProgress: []*streaming.ProgressSnapshot{}}
		s.runs[evt.RunID] = run
	}
	return run
}

func (s *ArchiveSink) upload(ctx context.Context, evt progress.Event) error {
	run := s.run(evt)
	delete(s.runs, evt.RunID)
	run.FinishedAt = evt.TS
	run.Status = "stopped"
	if evt.Failed() {
		run.Status = "failed"
		run.Exception = evt.Exception
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run archive: %w", err)
	}
	objectPath := s.ObjectPath(run.ID, run.RunID)
	uri, err := s.store.PutObject(ctx, objectPath, "application/json", data)
	if err != nil {
		return fmt.Errorf("archive run %s: %w", run.RunID, err)
	}
	fields := []zap.Field{zap.Stringer("run_id", run.RunID), zap.String("uri", uri)}
	if s.hasher != nil {
		digest, err := s.hasher.Hash(data)
		if err != nil {
			return fmt.Errorf("hash run archive %s: %w", run.RunID, err)
		}
		if _, err := s.store.PutObject(ctx, objectPath+".sha256", "text/plain", []byte(digest)); err != nil {
			return fmt.Errorf("write archive checksum %s: %w", run.RunID, err)
		}
		fields = append(fields, zap.String("sha256", digest))
	}
	s.logger.Info("run archived", fields...)
	return nil
}

// Close drops buffered runs that never terminated.
func (s *ArchiveSink) Close(context.Context) error {
	if n := len(s.runs); n > 0 {
		s.logger.Debug("discarding unfinished run archives", zap.Int("runs", n))
	}
	clear(s.runs)
	return nil
}
