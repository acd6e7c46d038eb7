package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Run statuses.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunStopped     = "stopped"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// RunCounters are the per-run totals flushed while a run progresses.
type RunCounters struct {
	Discovered int64 `json:"files_discovered"`
	Created    int64 `json:"files_created"`
	Updated    int64 `json:"files_updated"`
	Unchanged  int64 `json:"files_unchanged"`
	Completed  int64 `json:"files_completed"`
	Failed     int64 `json:"files_failed"`
	Skipped    int64 `json:"files_skipped"`
	Findings   int64 `json:"findings"`
	Errors     int64 `json:"errors"`
}

// Run is one row of run history.
type Run struct {
	ID              int64      `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Status          string     `json:"status"`
	TriggeredBy     string     `json:"triggered_by"`
	Error           string     `json:"error,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	RunCounters
}

// RunError is a per-file problem recorded against a run.
type RunError struct {
	Path       string    `json:"path"`
	Stage      string    `json:"stage"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CreateRun inserts a running run and returns its id.
func (s *Store) CreateRun(ctx context.Context, startedAt time.Time, triggeredBy string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO runs (started_at, status, triggered_by)
		VALUES (?, 'running', ?)
		RETURNING id`), startedAt.UnixMilli(), triggeredBy).Scan(&id)
	if err != nil {
		return 0, wrap("create run", err)
	}
	return id, nil
}

// UpdateRunCounters overwrites the counters of a run.
func (s *Store) UpdateRunCounters(ctx context.Context, id int64, c RunCounters) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs
		SET files_discovered = ?,
		    files_created    = ?,
		    files_updated    = ?,
		    files_unchanged  = ?,
		    files_completed  = ?,
		    files_failed     = ?,
		    files_skipped    = ?,
		    findings         = ?,
		    errors           = ?
		WHERE id = ?`),
		c.Discovered, c.Created, c.Updated, c.Unchanged,
		c.Completed, c.Failed, c.Skipped, c.Findings, c.Errors, id)
	return wrap("update run counters", err)
}

// FinishRun records the final status, counters and error text of a run.
func (s *Store) FinishRun(ctx context.Context, id int64, status string, finishedAt time.Time, c RunCounters, runErr error) error {
	if err := s.UpdateRunCounters(ctx, id, c); err != nil {
		return err
	}
	var errText any
	if runErr != nil {
		errText = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs
		SET status           = ?,
		    finished_at      = ?,
		    error            = ?,
		    duration_seconds = (? - started_at) / 1000
		WHERE id = ?`),
		status, finishedAt.UnixMilli(), errText, finishedAt.UnixMilli(), id)
	return wrap("finish run", err)
}

// InterruptStaleRuns marks runs still 'running' as interrupted. It is called
// once at startup in case a previous process died mid-run.
func (s *Store) InterruptStaleRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE runs
		SET status = 'interrupted', finished_at = ?
		WHERE status = 'running'`), s.now().UnixMilli())
	if err != nil {
		return 0, wrap("interrupt stale runs", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Warn("marked stale runs as interrupted", "count", n)
	}
	return n, nil
}

const runColumns = `id, started_at, finished_at, status, triggered_by,
	files_discovered, files_created, files_updated, files_unchanged,
	files_completed, files_failed, files_skipped, findings, errors,
	error, duration_seconds`

func scanRun(rs rowScanner) (Run, error) {
	var (
		r          Run
		startedAt  int64
		finishedAt sql.NullInt64
		errText    sql.NullString
		duration   sql.NullInt64
	)
	err := rs.Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &r.TriggeredBy,
		&r.Discovered, &r.Created, &r.Updated, &r.Unchanged,
		&r.Completed, &r.Failed, &r.Skipped, &r.Findings, &r.Errors,
		&errText, &duration)
	if err != nil {
		return Run{}, err
	}
	r.StartedAt = msToTime(startedAt)
	r.FinishedAt = nullMsToTime(finishedAt)
	r.Error = errText.String
	if duration.Valid {
		d := duration.Int64
		r.DurationSeconds = &d
	}
	return r, nil
}

// GetRun returns one run.
func (s *Store) GetRun(ctx context.Context, id int64) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, wrap(fmt.Sprintf("get run %d", id), err)
	}
	return r, nil
}

// ListRuns returns runs newest first and the total number of runs.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]Run, int64, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&total); err != nil {
		return nil, 0, wrap("list runs: count", err)
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, 0, wrap("list runs", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, wrap("list runs: scan", err)
		}
		out = append(out, r)
	}
	return out, total, wrap("list runs: rows", rows.Err())
}

// RecordRunError persists a per-file problem for a run.
func (s *Store) RecordRunError(ctx context.Context, runID int64, path, stage, message string) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO run_errors (run_id, path, stage, message, occurred_at)
		VALUES (?, ?, ?, ?, ?)`), runID, path, stage, message, s.now().UnixMilli())
	return wrap("record run error", err)
}

// RunErrors lists the problems recorded for a run, oldest first.
func (s *Store) RunErrors(ctx context.Context, runID int64, limit int) ([]RunError, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT path, stage, message, occurred_at
		FROM run_errors
		WHERE run_id = ?
		ORDER BY id
		LIMIT ?`), runID, limit)
	if err != nil {
		return nil, wrap("run errors", err)
	}
	defer rows.Close()

	var out []RunError
	for rows.Next() {
		var e RunError
		var at int64
		if err := rows.Scan(&e.Path, &e.Stage, &e.Message, &at); err != nil {
			return nil, wrap("run errors: scan", err)
		}
		e.OccurredAt = msToTime(at)
		out = append(out, e)
	}
	return out, wrap("run errors: rows", rows.Err())
}
