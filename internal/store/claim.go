package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"campaign-dialer/internal/models"
)

// ErrLostOwnership reports that the caller's owner token no longer holds
// the run lock. The caller must stop processing immediately.
var ErrLostOwnership = errors.New("run ownership lost")

// ClaimableRuns lists runs a worker may try to claim: pending runs and
// running runs whose heartbeat went stale (crashed owner).
func (s *Store) ClaimableRuns(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM runs
		WHERE status = $1
		   OR (status = $2 AND (lock_heartbeat_at IS NULL OR lock_heartbeat_at < $3))
		ORDER BY created_at
		LIMIT $4
	`, models.RunPending, models.RunRunning, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, fmt.Errorf("query claimable runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TryClaim atomically takes ownership of a run. It succeeds only when the
// run is pending, or running with a heartbeat older than staleAfter
// (takeover). On takeover any job left dialing by the dead owner is reset
// to queued in the same transaction: its outcome is unknown and must be
// redriven, not assumed successful. Returns (claimed, takeover).
func (s *Store) TryClaim(ctx context.Context, runID, owner string, now time.Time, staleAfter time.Duration) (bool, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var prev models.RunStatus
	err = tx.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, status FROM runs
			WHERE id = $1
			  AND (status = $2 OR (status = $3 AND (lock_heartbeat_at IS NULL OR lock_heartbeat_at < $4)))
			FOR UPDATE
		)
		UPDATE runs SET status = $3, locked_by = $5, started_at = COALESCE(started_at, $6), lock_heartbeat_at = $6
		FROM prev WHERE runs.id = prev.id
		RETURNING prev.status
	`, runID, models.RunPending, models.RunRunning, now.Add(-staleAfter), owner, now).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("claim run: %w", err)
	}

	takeover := prev == models.RunRunning
	if takeover {
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, call_reference = NULL, updated_at = $3
			WHERE run_id = $1 AND status = $4
		`, runID, models.JobQueued, now, models.JobDialing)
		if err != nil {
			return false, false, fmt.Errorf("reset dialing jobs: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO audit_logs (run_id, event, detail, ts)
			VALUES ($1, 'lock_takeover', $2, $3)
		`, runID, "stale heartbeat, new owner "+owner, now)
		if err != nil {
			return false, false, fmt.Errorf("insert audit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, false, fmt.Errorf("commit: %w", err)
	}
	return true, takeover, nil
}

// Heartbeat proves the owner is alive and reads the cancel flag in the
// same round trip. alive=false means another worker took over.
func (s *Store) Heartbeat(ctx context.Context, runID, owner string, now time.Time) (alive bool, cancelRequested bool, err error) {
	err = s.pool.QueryRow(ctx, `
		UPDATE runs SET lock_heartbeat_at = $3
		WHERE id = $1 AND locked_by = $2 AND status = $4
		RETURNING cancel_requested
	`, runID, owner, now, models.RunRunning).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("heartbeat: %w", err)
	}
	return true, cancelRequested, nil
}

// NextQueuedJob returns the lowest-position queued job of a run. The
// position order is fixed at creation and preserved across takeover,
// which is what makes the batch resumable mid-run.
func (s *Store) NextQueuedJob(ctx context.Context, runID string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE run_id = $1 AND status = $2
		ORDER BY position LIMIT 1
	`, runID, models.JobQueued)
	job, err := scanJob(row)
	if errors.Is(err, models.ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// MarkJobDialing records a dial attempt: status dialing, attempt_count
// incremented, provider call reference stored. Guarded by run ownership.
func (s *Store) MarkJobDialing(ctx context.Context, jobID, owner, callRef string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempt_count = attempt_count + 1, call_reference = $3, updated_at = $4
		WHERE id = $1 AND status IN ($5, $2)
		  AND EXISTS (SELECT 1 FROM runs WHERE runs.id = jobs.run_id AND runs.locked_by = $6)
	`, jobID, models.JobDialing, callRef, time.Now().UTC(), models.JobQueued, owner)
	if err != nil {
		return fmt.Errorf("mark dialing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLostOwnership
	}
	return nil
}

// AdvanceJob moves a job to a terminal status and bumps the run's cursor
// in the same transaction. Retrying after a transient storage error is
// safe: an already-terminal job in the requested status is a no-op.
func (s *Store) AdvanceJob(ctx context.Context, jobID, owner string, newStatus models.JobStatus) error {
	if !newStatus.Terminal() {
		return fmt.Errorf("advance to non-terminal status %q", newStatus)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var runID string
	err = tx.QueryRow(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3
		WHERE id = $1 AND status IN ($4, $5)
		  AND EXISTS (SELECT 1 FROM runs WHERE runs.id = jobs.run_id AND runs.locked_by = $6)
		RETURNING run_id
	`, jobID, newStatus, time.Now().UTC(), models.JobQueued, models.JobDialing, owner).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		job, getErr := s.GetJob(ctx, jobID)
		if getErr == nil && job.Status == newStatus {
			return nil // idempotent retry
		}
		return ErrLostOwnership
	}
	if err != nil {
		return fmt.Errorf("advance job: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE runs SET cursor_position = cursor_position + 1 WHERE id = $1 AND locked_by = $2
	`, runID, owner)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLostOwnership
	}

	return tx.Commit(ctx)
}

// CancelRemainingJobs transitions every queued or dialing job of a run to
// cancelled and advances the cursor past them, returning the call
// references of jobs that were mid-dial so the caller can request
// provider-side aborts.
func (s *Store) CancelRemainingJobs(ctx context.Context, runID, owner string) ([]string, int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT call_reference FROM jobs
		WHERE run_id = $1 AND status = $2 AND call_reference IS NOT NULL
	`, runID, models.JobDialing)
	if err != nil {
		return nil, 0, fmt.Errorf("query dialing refs: %w", err)
	}
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan ref: %w", err)
		}
		refs = append(refs, ref)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3
		WHERE run_id = $1 AND status IN ($4, $5)
	`, runID, models.JobCancelled, now, models.JobQueued, models.JobDialing)
	if err != nil {
		return nil, 0, fmt.Errorf("cancel jobs: %w", err)
	}
	n := int(tag.RowsAffected())

	runTag, err := tx.Exec(ctx, `
		UPDATE runs SET cursor_position = cursor_position + $3 WHERE id = $1 AND locked_by = $2
	`, runID, owner, n)
	if err != nil {
		return nil, 0, fmt.Errorf("advance cursor: %w", err)
	}
	if runTag.RowsAffected() == 0 {
		return nil, 0, ErrLostOwnership
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit: %w", err)
	}
	return refs, n, nil
}

// FinalizeRun moves an owned run to a terminal status, stamps ended_at
// and releases the lock. Calling it twice is a no-op the second time.
func (s *Store) FinalizeRun(ctx context.Context, runID, owner string, terminal models.RunStatus, now time.Time) error {
	if !terminal.Terminal() {
		return fmt.Errorf("finalize to non-terminal status %q", terminal)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $3, ended_at = COALESCE(ended_at, $4), locked_by = NULL, lock_heartbeat_at = NULL
		WHERE id = $1 AND locked_by = $2 AND status = $5
	`, runID, owner, terminal, now, models.RunRunning)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}
