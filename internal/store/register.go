package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Register records a discovered file. A new path is Created as Pending. A
// known path with the same fingerprint is Unchanged and keeps its status. A
// changed fingerprint resets the record to Pending under a new generation,
// drops the superseded findings, and starts a fresh attempt budget.
func (s *Store) Register(ctx context.Context, fi FileInfo) (RegisterResult, error) {
	res, err := s.RegisterBatch(ctx, []FileInfo{fi})
	if err != nil {
		return 0, err
	}
	return res[0], nil
}

// RegisterBatch registers files in a single transaction. The result slice is
// parallel to files.
func (s *Store) RegisterBatch(ctx context.Context, files []FileInfo) ([]RegisterResult, error) {
	if len(files) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("register: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lookup, err := tx.PrepareContext(ctx, s.q(`SELECT fingerprint FROM files WHERE path = ?`+s.forUpdate()))
	if err != nil {
		return nil, wrap("register: prepare lookup", err)
	}
	defer lookup.Close()

	insert, err := tx.PrepareContext(ctx, s.q(`
		INSERT INTO files (path, size_bytes, fingerprint, generation, status, discovered_at, updated_at)
		VALUES (?, ?, ?, 1, 'pending', ?, ?)`))
	if err != nil {
		return nil, wrap("register: prepare insert", err)
	}
	defer insert.Close()

	dropFindings, err := tx.PrepareContext(ctx, s.q(`DELETE FROM findings WHERE file_path = ?`))
	if err != nil {
		return nil, wrap("register: prepare delete findings", err)
	}
	defer dropFindings.Close()

	reset, err := tx.PrepareContext(ctx, s.q(`
		UPDATE files
		SET size_bytes   = ?,
		    fingerprint  = ?,
		    generation   = generation + 1,
		    status       = 'pending',
		    attempt_base = attempt_count,
		    last_error   = NULL,
		    claimed_by   = NULL,
		    claimed_at   = NULL,
		    completed_at = NULL,
		    updated_at   = ?
		WHERE path = ?`))
	if err != nil {
		return nil, wrap("register: prepare reset", err)
	}
	defer reset.Close()

	now := s.now().UnixMilli()
	results := make([]RegisterResult, len(files))
	for i, fi := range files {
		fp := Fingerprint(fi)

		var existing string
		err := lookup.QueryRowContext(ctx, fi.Path).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := insert.ExecContext(ctx, fi.Path, fi.Size, fp, now, now); err != nil {
				return nil, wrap(fmt.Sprintf("register: insert %s", fi.Path), err)
			}
			results[i] = Created
		case err != nil:
			return nil, wrap(fmt.Sprintf("register: lookup %s", fi.Path), err)
		case existing == fp:
			results[i] = Unchanged
		default:
			if _, err := dropFindings.ExecContext(ctx, fi.Path); err != nil {
				return nil, wrap(fmt.Sprintf("register: drop findings %s", fi.Path), err)
			}
			if _, err := reset.ExecContext(ctx, fi.Size, fp, now, fi.Path); err != nil {
				return nil, wrap(fmt.Sprintf("register: reset %s", fi.Path), err)
			}
			results[i] = Updated
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrap("register: commit", err)
	}
	return results, nil
}
