// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/streamq/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// schema is applied by Migrate.
const schema = `
CREATE TABLE IF NOT EXISTS query_runs (
	run_id        UUID PRIMARY KEY,
	query_id      UUID NOT NULL,
	name          TEXT NOT NULL DEFAULT '',
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS query_runs_started_at_idx ON query_runs (started_at DESC);
CREATE TABLE IF NOT EXISTS query_progress (
	run_id                    UUID NOT NULL REFERENCES query_runs (run_id) ON DELETE CASCADE,
	batch_id                  BIGINT NOT NULL,
	ts                        TIMESTAMPTZ NOT NULL,
	num_input_rows            BIGINT NOT NULL,
	input_rows_per_second     DOUBLE PRECISION NOT NULL,
	processed_rows_per_second DOUBLE PRECISION NOT NULL,
	payload                   JSONB NOT NULL,
	PRIMARY KEY (run_id, batch_id)
);`

// ProgressStore implements the store.ProgressRepository interface using Postgres.
type ProgressStore struct {
	pool pool
}

// NewProgressStore connects a pool using cfg.
func NewProgressStore(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProgressStoreWithPool(p pool) (*ProgressStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the tables if they do not exist.
func (s *ProgressStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate progress schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a run in running state. A replayed start is a no-op.
func (s *ProgressStore) UpsertRunStart(ctx context.Context, run store.QueryRun) error {
	query := `
		INSERT INTO query_runs (run_id, query_id, name, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, query, run.RunID, run.QueryID, run.Name, run.StartedAt, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run as finished with a status and optional error message.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE query_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE run_id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, string(status), errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendProgress inserts one snapshot row.
func (s *ProgressStore) AppendProgress(ctx context.Context, rec store.ProgressRecord) error {
	query := `
		INSERT INTO query_progress
			(run_id, batch_id, ts, num_input_rows, input_rows_per_second, processed_rows_per_second, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, batch_id) DO NOTHING;
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		rec.RunID,
		rec.BatchID,
		rec.Timestamp,
		rec.NumInputRows,
		rec.InputRowsPerSecond,
		rec.ProcessedRowsPerSecond,
		rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append progress: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its run id.
func (s *ProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (store.QueryRun, error) {
	query := `
		SELECT run_id, query_id, name, started_at, finished_at, status, error_message
		FROM query_runs
		WHERE run_id = $1;
	`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.QueryRun{}, store.ErrNotFound
		}
		return store.QueryRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs newest first, with optional status filtering.
func (s *ProgressStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.QueryRun, error) {
	query := `
		SELECT run_id, query_id, name, started_at, finished_at, status, error_message
		FROM query_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.QueryRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListProgress retrieves a run's snapshots in batch order.
func (s *ProgressStore) ListProgress(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.ProgressRecord, error) {
	query := `
		SELECT run_id, batch_id, ts, num_input_rows, input_rows_per_second, processed_rows_per_second, payload
		FROM query_progress
		WHERE run_id = $1
		ORDER BY batch_id ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	var out []store.ProgressRecord
	for rows.Next() {
		var rec store.ProgressRecord
		err := rows.Scan(
			&rec.RunID,
			&rec.BatchID,
			&rec.Timestamp,
			&rec.NumInputRows,
			&rec.InputRowsPerSecond,
			&rec.ProcessedRowsPerSecond,
			&rec.Payload,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate progress: %w", err)
	}
	return out, nil
}

func scanRun(row pgx.Row) (store.QueryRun, error) {
	var (
		run    store.QueryRun
		status string
	)
	err := row.Scan(
		&run.RunID,
		&run.QueryID,
		&run.Name,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.QueryRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
