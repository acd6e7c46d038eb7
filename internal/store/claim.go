package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// ClaimBatch atomically hands up to maxN records to workerID. Pending records
// and records whose claim went stale are eligible, oldest discovery first.
// Each claimed record moves to Claimed and has its attempt count incremented.
//
// Stale records that already used every attempt of their generation are
// moved to Failed in the same transaction and never returned.
func (s *Store) ClaimBatch(ctx context.Context, maxN int, workerID string) ([]FileRecord, error) {
	if maxN <= 0 {
		return nil, nil
	}
	if workerID == "" {
		return nil, fmt.Errorf("claim batch: empty worker id")
	}

	now := s.now().UnixMilli()
	stale := s.staleBefore()
	active := statusArgs(activeStatuses)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("claim: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	exhaustArgs := append([]any{
		fmt.Sprintf("claim attempts exhausted (%d)", s.opts.MaxAttempts), now, now,
	}, active...)
	exhaustArgs = append(exhaustArgs, stale, s.opts.MaxAttempts)
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE files
		SET status       = 'failed',
		    last_error   = ?,
		    claimed_by   = NULL,
		    claimed_at   = NULL,
		    completed_at = ?,
		    updated_at   = ?
		WHERE status IN (`+placeholders(len(active))+`)
		  AND claimed_at <= ?
		  AND attempt_count - attempt_base >= ?`), exhaustArgs...)
	if err != nil {
		return nil, wrap("claim: fail exhausted", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Warn("stale claims exhausted their attempts", "count", n, "max_attempts", s.opts.MaxAttempts)
	}

	selectArgs := append(append([]any{}, active...), stale, maxN)
	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT path, status FROM files
		WHERE status = 'pending'
		   OR (status IN (`+placeholders(len(active))+`) AND claimed_at <= ?)
		ORDER BY discovered_at, path
		LIMIT ?`+s.lockClause()), selectArgs...)
	if err != nil {
		return nil, wrap("claim: select", err)
	}
	type pick struct {
		path   string
		status Status
	}
	var picks []pick
	for rows.Next() {
		var p pick
		var st string
		if err := rows.Scan(&p.path, &st); err != nil {
			rows.Close()
			return nil, wrap("claim: scan", err)
		}
		p.status = Status(st)
		picks = append(picks, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, wrap("claim: rows", err)
	}
	rows.Close()

	if len(picks) == 0 {
		return nil, nil
	}

	update, err := tx.PrepareContext(ctx, s.q(`
		UPDATE files
		SET status        = 'claimed',
		    claimed_by    = ?,
		    claimed_at    = ?,
		    attempt_count = attempt_count + 1,
		    updated_at    = ?
		WHERE path = ?`))
	if err != nil {
		return nil, wrap("claim: prepare update", err)
	}
	defer update.Close()

	reclaimed := 0
	paths := make([]any, 0, len(picks))
	for _, p := range picks {
		if !CanTransition(p.status, StatusClaimed) {
			return nil, fmt.Errorf("claim: illegal transition %s -> claimed for %s", p.status, p.path)
		}
		if p.status.Active() {
			reclaimed++
		}
		if _, err := update.ExecContext(ctx, workerID, now, now, p.path); err != nil {
			return nil, wrap(fmt.Sprintf("claim: update %s", p.path), err)
		}
		paths = append(paths, p.path)
	}

	rows, err = tx.QueryContext(ctx, s.q(`SELECT `+fileColumns+` FROM files WHERE path IN (`+placeholders(len(paths))+`)`), paths...)
	if err != nil {
		return nil, wrap("claim: reload", err)
	}
	defer rows.Close()
	var claimed []FileRecord
	for rows.Next() {
		r, err := scanFile(rows)
		if err != nil {
			return nil, wrap("claim: scan claimed", err)
		}
		claimed = append(claimed, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("claim: reload rows", err)
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, wrap("claim: commit", err)
	}

	sort.Slice(claimed, func(i, j int) bool {
		if !claimed[i].DiscoveredAt.Equal(claimed[j].DiscoveredAt) {
			return claimed[i].DiscoveredAt.Before(claimed[j].DiscoveredAt)
		}
		return claimed[i].Path < claimed[j].Path
	})

	if reclaimed > 0 {
		slog.Info("reclaimed stale claims", "worker", workerID, "count", reclaimed)
	}
	return claimed, nil
}

// Advance moves a held claim into the Extracting or Detecting stage and
// restarts its staleness window, so stale_after bounds a single stage rather
// than the whole batch up to this file.
func (s *Store) Advance(ctx context.Context, c Claim, to Status) error {
	var from Status
	switch to {
	case StatusExtracting:
		from = StatusClaimed
	case StatusDetecting:
		from = StatusExtracting
	default:
		return fmt.Errorf("advance %s: %q is not a processing stage", c.Path, to)
	}

	now := s.now().UnixMilli()
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE files
		SET status = ?, claimed_at = ?, updated_at = ?
		WHERE path = ? AND claimed_by = ? AND generation = ? AND status = ?`),
		string(to), now, now, c.Path, c.WorkerID, c.Generation, string(from))
	if err != nil {
		return wrap(fmt.Sprintf("advance %s", c.Path), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}
	return nil
}

// Release finalises a claim: the outcome's findings and the terminal status
// are written in one transaction and the claim is cleared. If the claim was
// lost in the meantime nothing is written and ErrClaimLost is returned.
func (s *Store) Release(ctx context.Context, c Claim, out Outcome) error {
	if err := out.validate(); err != nil {
		return fmt.Errorf("release %s: %w", c.Path, err)
	}

	now := s.now().UnixMilli()
	active := statusArgs(activeStatuses)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("release: begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var lastErr any
	if out.Reason != "" {
		lastErr = out.Reason
	}
	args := append([]any{string(out.Status), lastErr, now, now, c.Path, c.WorkerID, c.Generation}, active...)
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE files
		SET status       = ?,
		    last_error   = ?,
		    claimed_by   = NULL,
		    claimed_at   = NULL,
		    completed_at = ?,
		    updated_at   = ?
		WHERE path = ? AND claimed_by = ? AND generation = ?
		  AND status IN (`+placeholders(len(active))+`)`), args...)
	if err != nil {
		return wrap(fmt.Sprintf("release %s", c.Path), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimLost
	}

	if len(out.Findings) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.q(`
			INSERT INTO findings
				(file_path, generation, entity_type, confidence, start_offset, length, masked_value, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`))
		if err != nil {
			return wrap("release: prepare findings", err)
		}
		defer stmt.Close()
		for _, f := range out.Findings {
			if _, err := stmt.ExecContext(ctx, c.Path, c.Generation, string(f.Category),
				f.Confidence, f.Offset, f.Length, f.Masked, now); err != nil {
				return wrap(fmt.Sprintf("release: insert finding %s", c.Path), err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("release: commit", err)
	}
	return nil
}
