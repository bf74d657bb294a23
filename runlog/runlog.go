// Package runlog persists scrape run history in SQLite.
//
// Each pipeline cycle opens a run row, appends one fetch_log row per
// HTTP request made during the cycle, then closes the run with its
// outcome. The log backs the runs API and the run-history MCP tool.
// Timestamps are epoch milliseconds.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/tarif/dbopen"
)

// Run statuses. A run stays "running" until FinishRun closes it.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
)

// defaultKeep is how many completed runs survive pruning.
const defaultKeep = 500

// Schema is the run log schema, applied on open.
const Schema = `
-- Pipeline runs, one row per scrape cycle
CREATE TABLE IF NOT EXISTS runs (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at     INTEGER NOT NULL,
    finished_at    INTEGER,
    status         TEXT NOT NULL DEFAULT 'running',
    snapshot_count INTEGER NOT NULL DEFAULT 0,
    merged_count   INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);

-- One row per HTTP request made during a run
CREATE TABLE IF NOT EXISTS fetch_log (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    url           TEXT NOT NULL,
    status_code   INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    fetched_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_run ON fetch_log(run_id, id);
`

// Run is one pipeline cycle.
type Run struct {
	ID            int64  `json:"id"`
	StartedAt     int64  `json:"started_at"`
	FinishedAt    *int64 `json:"finished_at,omitempty"`
	Status        string `json:"status"`
	SnapshotCount int    `json:"snapshot_count"`
	MergedCount   int    `json:"merged_count"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// FetchEntry is one HTTP request made during a run.
type FetchEntry struct {
	ID           int64  `json:"id"`
	RunID        int64  `json:"run_id"`
	URL          string `json:"url"`
	StatusCode   int    `json:"status_code"`
	DurationMs   int64  `json:"duration_ms"`
	ErrorMessage string `json:"error_message,omitempty"`
	FetchedAt    int64  `json:"fetched_at"`
}

// Store wraps the run log database.
type Store struct {
	DB *sql.DB

	keep int
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, keep: defaultKeep}
}

// Open opens (or creates) the run log database at path.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("runlog: open %s: %w", path, err)
	}
	return NewStore(db), nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// StartRun opens a run row and returns its id.
func (s *Store) StartRun(ctx context.Context, startedAt time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO runs (started_at, status) VALUES (?, ?)`,
		startedAt.UnixMilli(), StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("runlog: start run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("runlog: run id: %w", err)
	}
	return id, nil
}

// FinishRun closes a run, deriving its status from runErr, then prunes
// old completed runs. The cascade removes their fetch_log rows too.
func (s *Store) FinishRun(ctx context.Context, runID int64, snapshots, merged int, runErr error) error {
	status := StatusOK
	msg := ""
	if runErr != nil {
		status = StatusError
		msg = runErr.Error()
	}
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE runs SET finished_at = ?, status = ?, snapshot_count = ?,
			merged_count = ?, error_message = ? WHERE id = ?`,
			time.Now().UnixMilli(), status, snapshots, merged, msg, runID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM runs WHERE status != ? AND id NOT IN (
			SELECT id FROM runs WHERE status != ? ORDER BY started_at DESC, id DESC LIMIT ?)`,
			StatusRunning, StatusRunning, s.keep)
		return err
	})
	if err != nil {
		return fmt.Errorf("runlog: finish run %d: %w", runID, err)
	}
	return nil
}

// RecordFetch appends one HTTP outcome to a run's fetch log.
func (s *Store) RecordFetch(ctx context.Context, runID int64, url string, statusCode int, duration time.Duration, fetchErr error) error {
	msg := ""
	if fetchErr != nil {
		msg = fetchErr.Error()
	}
	_, err := dbopen.Exec(ctx, s.DB,
		`INSERT INTO fetch_log (run_id, url, status_code, duration_ms, error_message, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, url, statusCode, duration.Milliseconds(), msg, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("runlog: record fetch: %w", err)
	}
	return nil
}

// RecentRuns returns runs newest first, in-flight ones included.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, snapshot_count, merged_count, error_message
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: list runs: %w", err)
	}
	defer rows.Close()

	var result []*Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.SnapshotCount, &r.MergedCount, &r.ErrorMessage); err != nil {
			return nil, fmt.Errorf("runlog: scan run: %w", err)
		}
		result = append(result, &r)
	}
	return result, rows.Err()
}

// RunFetches returns the fetch log of one run in request order.
func (s *Store) RunFetches(ctx context.Context, runID int64) ([]*FetchEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, run_id, url, status_code, duration_ms, error_message, fetched_at
		FROM fetch_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("runlog: list fetches: %w", err)
	}
	defer rows.Close()

	var result []*FetchEntry
	for rows.Next() {
		var e FetchEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.URL, &e.StatusCode,
			&e.DurationMs, &e.ErrorMessage, &e.FetchedAt); err != nil {
			return nil, fmt.Errorf("runlog: scan fetch: %w", err)
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}
