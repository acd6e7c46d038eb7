// Package store is the durable record of every discovered file: the
// fingerprint store that decides what needs processing and the claimer that
// hands records to workers. It runs the same SQL over SQLite and PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eargollo/piiscan/internal/apperr"
	"github.com/eargollo/piiscan/internal/db"
)

// ErrClaimLost means the claim was reclaimed after going stale or the record
// was reset by a fingerprint change. The caller's result must be discarded.
var ErrClaimLost = errors.New("claim no longer held")

// Options tune claiming.
type Options struct {
	// StaleAfter is how long a claim may stay active before another worker
	// may take it over. Zero or negative disables reclaim.
	StaleAfter time.Duration
	// MaxAttempts bounds claims per generation. A stale record that already
	// used them all is failed instead of reclaimed.
	MaxAttempts int
	// Now defaults to time.Now.
	Now func() time.Time
}

// Store is safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	opts    Options
}

// New wraps an open, migrated database.
func New(conn *sql.DB, dialect db.Dialect, opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Store{db: conn, dialect: dialect, opts: opts}
}

// DB exposes the handle for callers that own its lifecycle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) now() time.Time { return s.opts.Now() }

// staleBefore is the claimed_at cutoff (Unix ms) below which a claim is stale.
func (s *Store) staleBefore() int64 {
	if s.opts.StaleAfter <= 0 {
		return math.MinInt64
	}
	return s.now().Add(-s.opts.StaleAfter).UnixMilli()
}

// q rewrites ? placeholders to the dialect's form.
func (s *Store) q(query string) string {
	if s.dialect != db.Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// lockClause makes a claim SELECT skip rows another claimer holds. SQLite
// needs none: its IMMEDIATE transaction already excludes other writers.
func (s *Store) lockClause() string {
	if s.dialect == db.Postgres {
		return " FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// readTxOptions is used for multi-statement reads. Postgres needs
// REPEATABLE READ for every statement to see the same snapshot; SQLite
// gets it from the transaction itself.
func (s *Store) readTxOptions() *sql.TxOptions {
	if s.dialect == db.Postgres {
		return &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
	}
	return &sql.TxOptions{ReadOnly: true}
}

// forUpdate locks a row read inside a read-modify-write transaction.
func (s *Store) forUpdate() string {
	if s.dialect == db.Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// placeholders returns "?, ?, ?" with n entries.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

func msToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMsToTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := msToTime(v.Int64)
	return &t
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.Store(op, err)
}

const fileColumns = `path, size_bytes, fingerprint, generation, status, attempt_count,
	last_error, claimed_by, claimed_at, discovered_at, updated_at, completed_at`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(rs rowScanner) (FileRecord, error) {
	var (
		r                       FileRecord
		status                  string
		lastErr, claimedBy      sql.NullString
		claimedAt, completedAt  sql.NullInt64
		discoveredAt, updatedAt int64
	)
	if err := rs.Scan(&r.Path, &r.SizeBytes, &r.Fingerprint, &r.Generation, &status, &r.AttemptCount,
		&lastErr, &claimedBy, &claimedAt, &discoveredAt, &updatedAt, &completedAt); err != nil {
		return FileRecord{}, err
	}
	r.Status = Status(status)
	r.LastError = lastErr.String
	r.ClaimedBy = claimedBy.String
	r.ClaimedAt = nullMsToTime(claimedAt)
	r.DiscoveredAt = msToTime(discoveredAt)
	r.UpdatedAt = msToTime(updatedAt)
	r.CompletedAt = nullMsToTime(completedAt)
	return r, nil
}
