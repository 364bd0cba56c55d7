// Package postgres persists ingest run records in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/analytics-ingest/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "ingest_runs"

// Config controls the Postgres connection pool used for run records.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RunStore implements ingest.RunStore on a pgx pool.
type RunStore struct {
	pool  pool
	table string
}

// NewRunStore connects to Postgres using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	store, err := NewRunStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(p pool, table string) (*RunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *RunStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the run table when it does not exist.
func (s *RunStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id            TEXT PRIMARY KEY,
	poll          TEXT NOT NULL,
	tenant        TEXT NOT NULL,
	provider      TEXT NOT NULL,
	status        TEXT NOT NULL,
	submitted_at  TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ,
	row_count     INTEGER NOT NULL DEFAULT 0,
	completeness  DOUBLE PRECISION NOT NULL DEFAULT 0,
	freshness     DOUBLE PRECISION NOT NULL DEFAULT 0,
	anomalies     JSONB NOT NULL DEFAULT '[]',
	blob_uri      TEXT NOT NULL DEFAULT '',
	error_text    TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create run table: %w", err)
	}
	return nil
}

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run ingest.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	anomalies, err := encodeAnomalies(run.Anomalies)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	poll,
	tenant,
	provider,
	status,
	submitted_at,
	started_at,
	finished_at,
	row_count,
	completeness,
	freshness,
	anomalies,
	blob_uri,
	error_text
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, s.table)
	args := []any{
		run.ID,
		run.Poll,
		run.Tenant,
		run.Provider,
		string(run.Status),
		run.Submitted,
		run.Started,
		run.Finished,
		run.Rows,
		run.Completeness,
		run.Freshness,
		anomalies,
		run.BlobURI,
		run.ErrorText,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRun overwrites the mutable columns of an existing run.
func (s *RunStore) UpdateRun(ctx context.Context, run ingest.RunRecord) error {
	anomalies, err := encodeAnomalies(run.Anomalies)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	started_at = $3,
	finished_at = $4,
	row_count = $5,
	completeness = $6,
	freshness = $7,
	anomalies = $8,
	blob_uri = $9,
	error_text = $10
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		run.ID,
		string(run.Status),
		run.Started,
		run.Finished,
		run.Rows,
		run.Completeness,
		run.Freshness,
		anomalies,
		run.BlobURI,
		run.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrRunNotFound
	}
	return nil
}

func (s *RunStore) selectColumns() string {
	return fmt.Sprintf(`SELECT id, poll, tenant, provider, status, submitted_at, started_at, finished_at,
	row_count, completeness, freshness, anomalies, blob_uri, error_text
FROM %s`, s.table)
}

// GetRun fetches a run by ID.
func (s *RunStore) GetRun(ctx context.Context, runID string) (ingest.RunRecord, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, s.selectColumns()+"\nWHERE id = $1", runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ingest.RunRecord{}, ingest.ErrRunNotFound
		}
		return ingest.RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns up to limit runs, newest first. A non-positive limit
// returns at most 100.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]ingest.RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, s.selectColumns()+"\nORDER BY submitted_at DESC, id DESC\nLIMIT $1", limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []ingest.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (ingest.RunRecord, error) {
	var (
		run       ingest.RunRecord
		status    string
		anomalies []byte
	)
	err := row.Scan(
		&run.ID,
		&run.Poll,
		&run.Tenant,
		&run.Provider,
		&status,
		&run.Submitted,
		&run.Started,
		&run.Finished,
		&run.Rows,
		&run.Completeness,
		&run.Freshness,
		&anomalies,
		&run.BlobURI,
		&run.ErrorText,
	)
	if err != nil {
		return ingest.RunRecord{}, err
	}
	run.Status = ingest.RunStatus(status)
	if len(anomalies) > 0 {
		if err := json.Unmarshal(anomalies, &run.Anomalies); err != nil {
			return ingest.RunRecord{}, fmt.Errorf("decode anomalies: %w", err)
		}
	}
	return run, nil
}

func encodeAnomalies(anomalies []string) ([]byte, error) {
	if anomalies == nil {
		anomalies = []string{}
	}
	data, err := json.Marshal(anomalies)
	if err != nil {
		return nil, fmt.Errorf("marshal anomalies: %w", err)
	}
	return data, nil
}
