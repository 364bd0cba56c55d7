package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

var runColumns = []string{
	"id", "poll", "tenant", "provider", "status", "submitted_at", "started_at", "finished_at",
	"row_count", "completeness", "freshness", "anomalies", "blob_uri", "error_text",
}

func newMockStore(t *testing.T) (*RunStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRunStoreWithPool(mock, "ingest_runs")
	require.NoError(t, err)
	return store, mock
}

func TestNewRunStoreWithPoolValidatesTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewRunStoreWithPool(mock, "runs; DROP TABLE x")
	require.ErrorContains(t, err, "invalid table name")
	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)
	require.Equal(t, defaultTable, store.table)
	_, err = NewRunStoreWithPool(nil, "")
	require.Error(t, err)
}

func TestCreateRunInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1700000000, 0).UTC()
	run := ingest.RunRecord{
		ID:        "run-1",
		Poll:      "daily",
		Tenant:    "acme",
		Provider:  "search_console",
		Status:    ingest.RunStatusQueued,
		Submitted: submitted,
	}

	mock.ExpectExec("INSERT INTO ingest_runs").
		WithArgs(
			run.ID,
			run.Poll,
			run.Tenant,
			run.Provider,
			"queued",
			submitted,
			run.Started,
			run.Finished,
			0,
			0.0,
			0.0,
			[]byte(`[]`),
			"",
			"",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunReportsMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	finished := time.Unix(1700000100, 0).UTC()
	run := ingest.RunRecord{
		ID:        "run-1",
		Status:    ingest.RunStatusSucceeded,
		Finished:  &finished,
		Rows:      12,
		Anomalies: []string{"no rows returned"},
	}

	mock.ExpectExec("UPDATE ingest_runs SET").
		WithArgs("run-1", "succeeded", run.Started, run.Finished, 12, 0.0, 0.0,
			[]byte(`["no rows returned"]`), "", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE ingest_runs SET").
		WithArgs("run-1", "succeeded", run.Started, run.Finished, 12, 0.0, 0.0,
			[]byte(`["no rows returned"]`), "", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.UpdateRun(context.Background(), run))
	require.ErrorIs(t, store.UpdateRun(context.Background(), run), ingest.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScansRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1700000000, 0).UTC()
	started := submitted.Add(time.Second)
	var notFinished *time.Time

	mock.ExpectQuery("SELECT id, poll").
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).AddRow(
			"run-1", "daily", "acme", "analytics", "running", submitted, &started, notFinished,
			3, 0.5, 1.0, []byte(`["1 of 2 expected days missing"]`), "", "",
		))
	mock.ExpectQuery("SELECT id, poll").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, ingest.RunStatusRunning, run.Status)
	require.Equal(t, 3, run.Rows)
	require.NotNil(t, run.Started)
	require.True(t, started.Equal(*run.Started))
	require.Nil(t, run.Finished)
	require.Equal(t, []string{"1 of 2 expected days missing"}, run.Anomalies)

	_, err = store.GetRun(context.Background(), "ghost")
	require.ErrorIs(t, err, ingest.ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsAppliesLimit(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1700000000, 0).UTC()
	var none *time.Time

	mock.ExpectQuery("ORDER BY submitted_at DESC").
		WithArgs(100).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-2", "daily", "acme", "analytics", "queued", submitted.Add(time.Minute), none, none,
				0, 0.0, 0.0, []byte(`[]`), "", "").
			AddRow("run-1", "daily", "acme", "analytics", "failed", submitted, none, none,
				0, 0.0, 0.0, []byte(`[]`), "", "boom"))

	runs, err := store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "run-2", runs[0].ID)
	require.Equal(t, "boom", runs[1].ErrorText)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateCreatesTable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ingest_runs").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingReportsFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewRunStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(pgx.ErrTxClosed)
	err = store.Ping(context.Background())
	require.ErrorIs(t, err, pgx.ErrTxClosed)
	require.NoError(t, mock.ExpectationsWereMet())
}
