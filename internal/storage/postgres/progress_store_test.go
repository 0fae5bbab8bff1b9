package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/streamq/internal/store"
)

var runColumns = []string{"run_id", "query_id", "name", "started_at", "finished_at", "status", "error_message"}

func newMockStore(t *testing.T) (*ProgressStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewProgressStoreWithPool(mock)
	require.NoError(t, err)
	return s, mock
}

func TestUpsertRunStartInsertsRow(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	run := store.QueryRun{
		RunID:     uuid.New(),
		QueryID:   uuid.New(),
		Name:      "clicks",
		StartedAt: time.Unix(1700000000, 0).UTC(),
	}
	mock.ExpectExec("INSERT INTO query_runs").
		WithArgs(run.RunID, run.QueryID, run.Name, run.StartedAt, "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRunStart(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunReportsMissingRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	finished := time.Unix(1700000100, 0).UTC()
	msg := "boom"

	mock.ExpectExec("UPDATE query_runs").
		WithArgs(finished, "failed", &msg, runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE query_runs").
		WithArgs(finished, "stopped", pgxmock.AnyArg(), runID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, s.CompleteRun(context.Background(), runID, finished, store.RunFailed, &msg))
	err := s.CompleteRun(context.Background(), runID, finished, store.RunStopped, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendProgressWrapsErrors(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rec := store.ProgressRecord{
		RunID:        uuid.New(),
		BatchID:      3,
		Timestamp:    time.Unix(1700000000, 0).UTC(),
		NumInputRows: 10,
		Payload:      []byte(`{"batchId":3}`),
	}
	mock.ExpectExec("INSERT INTO query_progress").
		WithArgs(rec.RunID, rec.BatchID, rec.Timestamp, rec.NumInputRows, 0.0, 0.0, rec.Payload).
		WillReturnError(errors.New("connection reset"))

	err := s.AppendProgress(context.Background(), rec)
	require.ErrorContains(t, err, "failed to append progress: connection reset")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID, queryID := uuid.New(), uuid.New()
	started := time.Unix(1700000000, 0).UTC()
	finished := started.Add(time.Minute)

	mock.ExpectQuery("SELECT run_id, query_id").
		WithArgs(runID).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow(runID, queryID, "clicks", started, &finished, "stopped", (*string)(nil)))
	mock.ExpectQuery("SELECT run_id, query_id").
		WithArgs(runID).
		WillReturnError(pgx.ErrNoRows)

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, queryID, run.QueryID)
	require.Equal(t, store.RunStopped, run.Status)
	require.Equal(t, finished, *run.FinishedAt)
	require.Nil(t, run.ErrorMessage)

	_, err = s.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsAppliesFilter(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	started := time.Unix(1700000000, 0).UTC()
	status := store.RunRunning
	filter := "running"

	mock.ExpectQuery("FROM query_runs").
		WithArgs(&filter, 10, 0).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow(uuid.New(), uuid.New(), "a", started, (*time.Time)(nil), "running", (*string)(nil)).
			AddRow(uuid.New(), uuid.New(), "", started, (*time.Time)(nil), "running", (*string)(nil)))

	runs, err := s.ListRuns(context.Background(), &status, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "a", runs[0].Name)
	require.Nil(t, runs[1].FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListProgress(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	ts := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("FROM query_progress").
		WithArgs(runID, 50, 0).
		WillReturnRows(pgxmock.NewRows([]string{
			"run_id", "batch_id", "ts", "num_input_rows",
			"input_rows_per_second", "processed_rows_per_second", "payload",
		}).
			AddRow(runID, int64(0), ts, int64(5), 0.0, 50.0, []byte(`{"batchId":0}`)).
			AddRow(runID, int64(1), ts.Add(time.Second), int64(10), 10.0, 100.0, []byte(`{"batchId":1}`)))

	recs, err := s.ListProgress(context.Background(), runID, 50, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, int64(1), recs[1].BatchID)
	require.JSONEq(t, `{"batchId":1}`, string(recs[1].Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS query_runs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewProgressStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewProgressStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewProgressStoreWithPool(nil)
	require.Error(t, err)
}

func TestPingWrapsErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewProgressStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	require.NoError(t, s.Ping(context.Background()))
	err = s.Ping(context.Background())
	require.ErrorContains(t, err, "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
