package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/eargollo/piiscan/internal/pii"
)

// ErrNotFound is returned by Get for an unknown path.
var ErrNotFound = errors.New("file not found")

// StatusCounts maps each status to its number of records.
type StatusCounts map[Status]int64

// Total sums every status.
func (c StatusCounts) Total() int64 {
	var n int64
	for _, v := range c {
		n += v
	}
	return n
}

// InFlight sums the active statuses.
func (c StatusCounts) InFlight() int64 {
	return c[StatusClaimed] + c[StatusExtracting] + c[StatusDetecting]
}

// Finished sums the terminal statuses.
func (c StatusCounts) Finished() int64 {
	return c[StatusCompleted] + c[StatusFailed] + c[StatusSkipped]
}

// StatusSummary counts records per status. Every status is present in the
// result, zero or not.
func (s *Store) StatusSummary(ctx context.Context) (StatusCounts, error) {
	return s.statusSummary(ctx, s.db)
}

func (s *Store) statusSummary(ctx context.Context, qr querier) (StatusCounts, error) {
	rows, err := qr.QueryContext(ctx, `SELECT status, COUNT(*) FROM files GROUP BY status`)
	if err != nil {
		return nil, wrap("status summary", err)
	}
	defer rows.Close()

	counts := make(StatusCounts, len(AllStatuses))
	for _, st := range AllStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, wrap("status summary: scan", err)
		}
		counts[Status(st)] = n
	}
	return counts, wrap("status summary: rows", rows.Err())
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, path string) (FileRecord, error) {
	r, err := scanFile(s.db.QueryRowContext(ctx, s.q(`SELECT `+fileColumns+` FROM files WHERE path = ?`), path))
	if errors.Is(err, sql.ErrNoRows) {
		return FileRecord{}, ErrNotFound
	}
	if err != nil {
		return FileRecord{}, wrap(fmt.Sprintf("get %s", path), err)
	}
	return r, nil
}

// EntityCounts counts findings per category.
func (s *Store) EntityCounts(ctx context.Context) (map[pii.Category]int64, error) {
	return s.entityCounts(ctx, s.db)
}

func (s *Store) entityCounts(ctx context.Context, qr querier) (map[pii.Category]int64, error) {
	rows, err := qr.QueryContext(ctx, `
		SELECT fd.entity_type, COUNT(*)
		FROM findings fd
		JOIN files f ON f.path = fd.file_path AND f.generation = fd.generation
		WHERE f.status = 'completed'
		GROUP BY fd.entity_type`)
	if err != nil {
		return nil, wrap("entity counts", err)
	}
	defer rows.Close()

	counts := make(map[pii.Category]int64)
	for rows.Next() {
		var c string
		var n int64
		if err := rows.Scan(&c, &n); err != nil {
			return nil, wrap("entity counts: scan", err)
		}
		counts[pii.Category(c)] = n
	}
	return counts, wrap("entity counts: rows", rows.Err())
}

// FileCategories is a file with the categories found in it.
type FileCategories struct {
	Path       string               `json:"path"`
	Categories []pii.Category       `json:"categories"`
	Counts     map[pii.Category]int `json:"counts"`
	Total      int                  `json:"total"`
}

// FilesWithCategories lists files holding at least one finding in any of
// cats, most findings first.
func (s *Store) FilesWithCategories(ctx context.Context, cats []pii.Category) ([]FileCategories, error) {
	return s.filesWithCategories(ctx, s.db, cats)
}

func (s *Store) filesWithCategories(ctx context.Context, qr querier, cats []pii.Category) ([]FileCategories, error) {
	if len(cats) == 0 {
		return nil, nil
	}
	args := make([]any, len(cats))
	for i, c := range cats {
		args[i] = string(c)
	}
	rows, err := qr.QueryContext(ctx, s.q(`
		SELECT fd.file_path, fd.entity_type, COUNT(*)
		FROM findings fd
		JOIN files f ON f.path = fd.file_path AND f.generation = fd.generation
		WHERE f.status = 'completed'
		  AND fd.entity_type IN (`+placeholders(len(cats))+`)
		GROUP BY fd.file_path, fd.entity_type
		ORDER BY fd.file_path, fd.entity_type`), args...)
	if err != nil {
		return nil, wrap("files with categories", err)
	}
	defer rows.Close()

	var out []FileCategories
	for rows.Next() {
		var path, c string
		var n int
		if err := rows.Scan(&path, &c, &n); err != nil {
			return nil, wrap("files with categories: scan", err)
		}
		if len(out) == 0 || out[len(out)-1].Path != path {
			out = append(out, FileCategories{Path: path, Counts: map[pii.Category]int{}})
		}
		fc := &out[len(out)-1]
		fc.Categories = append(fc.Categories, pii.Category(c))
		fc.Counts[pii.Category(c)] = n
		fc.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("files with categories: rows", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Total > out[j].Total })
	return out, nil
}

// Filter narrows Files and Snapshot.
type Filter struct {
	Statuses   []Status
	Categories []pii.Category
	PathPrefix string
	Limit      int
	Offset     int
}

func (f Filter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		conds = append(conds, "f.status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	if f.PathPrefix != "" {
		// substr counts characters on both engines.
		conds = append(conds, "substr(f.path, 1, ?) = ?")
		args = append(args, utf8.RuneCountInString(f.PathPrefix), f.PathPrefix)
	}
	if len(f.Categories) > 0 {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM findings fd
			WHERE fd.file_path = f.path AND fd.generation = f.generation
			  AND fd.entity_type IN (`+placeholders(len(f.Categories))+`))`)
		for _, c := range f.Categories {
			args = append(args, string(c))
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Files returns records matching f ordered by path, and the total number of
// matches ignoring Limit and Offset.
func (s *Store) Files(ctx context.Context, f Filter) ([]FileRecord, int64, error) {
	return s.files(ctx, s.db, f)
}

func (s *Store) files(ctx context.Context, qr querier, f Filter) ([]FileRecord, int64, error) {
	where, args := f.where()

	var total int64
	if err := qr.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM files f`+where), args...).Scan(&total); err != nil {
		return nil, 0, wrap("files: count", err)
	}

	query := `SELECT ` + prefixed("f.", fileColumns) + ` FROM files f` + where + ` ORDER BY f.path`
	pageArgs := args
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		pageArgs = append(append([]any{}, args...), f.Limit, f.Offset)
	}
	rows, err := qr.QueryContext(ctx, s.q(query), pageArgs...)
	if err != nil {
		return nil, 0, wrap("files", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		r, err := scanFile(rows)
		if err != nil {
			return nil, 0, wrap("files: scan", err)
		}
		out = append(out, r)
	}
	return out, total, wrap("files: rows", rows.Err())
}

// Findings returns the current-generation findings of completed records
// matching f (Limit and Offset are ignored), ordered by path and offset.
func (s *Store) Findings(ctx context.Context, f Filter) ([]Finding, error) {
	return s.findings(ctx, s.db, f)
}

func (s *Store) findings(ctx context.Context, qr querier, f Filter) ([]Finding, error) {
	f.Limit, f.Offset = 0, 0
	where, args := f.where()
	if where == "" {
		where = " WHERE f.status = 'completed'"
	} else {
		where += " AND f.status = 'completed'"
	}
	catFilter := ""
	if len(f.Categories) > 0 {
		catFilter = " AND fd.entity_type IN (" + placeholders(len(f.Categories)) + ")"
		for _, c := range f.Categories {
			args = append(args, string(c))
		}
	}

	rows, err := qr.QueryContext(ctx, s.q(`
		SELECT fd.id, fd.file_path, fd.generation, fd.entity_type, fd.confidence,
		       fd.start_offset, fd.length, fd.masked_value, fd.created_at
		FROM files f
		JOIN findings fd ON fd.file_path = f.path AND fd.generation = f.generation`+
		where+catFilter+`
		ORDER BY fd.file_path, fd.start_offset, fd.id`), args...)
	if err != nil {
		return nil, wrap("findings", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var (
			fd        Finding
			c         string
			createdAt int64
		)
		if err := rows.Scan(&fd.ID, &fd.FilePath, &fd.Generation, &c, &fd.Confidence,
			&fd.Offset, &fd.Length, &fd.MaskedValue, &createdAt); err != nil {
			return nil, wrap("findings: scan", err)
		}
		fd.EntityType = pii.Category(c)
		fd.CreatedAt = msToTime(createdAt)
		out = append(out, fd)
	}
	return out, wrap("findings: rows", rows.Err())
}

// Snapshot is an export view read in one transaction: the records and
// findings matching a filter, plus the unfiltered aggregates as of the same
// instant.
type Snapshot struct {
	Files         []FileRecord           `json:"files"`
	Findings      []Finding              `json:"findings"`
	Counts        StatusCounts           `json:"counts"`
	Entities      map[pii.Category]int64 `json:"entities"`
	HighRiskFiles []FileCategories       `json:"high_risk_files"`
}

// Snapshot reads records and findings matching f, and the aggregates used
// by summaries with highRisk as the high-sensitivity categories, inside a
// single read-only transaction. A record released while the snapshot is
// taken shows either its old state without findings or its final state
// with them, never a mix.
func (s *Store) Snapshot(ctx context.Context, f Filter, highRisk []pii.Category) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, s.readTxOptions())
	if err != nil {
		return Snapshot{}, wrap("snapshot: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var snap Snapshot
	if snap.Files, _, err = s.files(ctx, tx, f); err != nil {
		return Snapshot{}, err
	}
	if snap.Findings, err = s.findings(ctx, tx, f); err != nil {
		return Snapshot{}, err
	}
	if snap.Counts, err = s.statusSummary(ctx, tx); err != nil {
		return Snapshot{}, err
	}
	if snap.Entities, err = s.entityCounts(ctx, tx); err != nil {
		return Snapshot{}, err
	}
	if snap.HighRiskFiles, err = s.filesWithCategories(ctx, tx, highRisk); err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return Snapshot{}, wrap("snapshot: commit", err)
	}
	return snap, nil
}

// Requeue moves records in the given terminal statuses back to Pending with a
// fresh attempt budget, dropping findings of requeued completed records.
// It returns the number of records moved.
func (s *Store) Requeue(ctx context.Context, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, fmt.Errorf("requeue: no statuses given")
	}
	for _, st := range statuses {
		if !st.Terminal() {
			return 0, fmt.Errorf("requeue: %q is not a terminal status", st)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("requeue: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	args := statusArgs(statuses)
	if _, err := tx.ExecContext(ctx, s.q(`
		DELETE FROM findings
		WHERE file_path IN (SELECT path FROM files WHERE status IN (`+placeholders(len(statuses))+`))`), args...); err != nil {
		return 0, wrap("requeue: drop findings", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE files
		SET status       = 'pending',
		    attempt_base = attempt_count,
		    last_error   = NULL,
		    completed_at = NULL,
		    updated_at   = ?
		WHERE status IN (`+placeholders(len(statuses))+`)`), append([]any{s.now().UnixMilli()}, args...)...)
	if err != nil {
		return 0, wrap("requeue: update", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, wrap("requeue: commit", err)
	}
	return n, nil
}

// Clear deletes every record, finding and run.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("clear: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"findings", "files", "run_errors", "runs"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return wrap("clear "+table, err)
		}
	}
	return wrap("clear: commit", tx.Commit())
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = prefix + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
