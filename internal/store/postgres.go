package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"campaign-dialer/internal/models"
)

// Store wraps pgxpool for Postgres persistence of runs and jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateRunParams collects inputs required to create a run and its jobs.
type CreateRunParams struct {
	TenantID  string
	CreatedBy string
	LeadIDs   []string
}

// CreateRun inserts a run plus one queued job per lead in a single
// transaction. The application-level duplicate check is defense-in-depth
// alongside the UNIQUE (run_id, lead_id) constraint.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (models.Run, error) {
	if len(p.LeadIDs) == 0 {
		return models.Run{}, models.ErrEmptyBatch
	}
	seen := make(map[string]struct{}, len(p.LeadIDs))
	for _, lead := range p.LeadIDs {
		if _, dup := seen[lead]; dup {
			return models.Run{}, fmt.Errorf("lead %s: %w", lead, models.ErrDuplicateLead)
		}
		seen[lead] = struct{}{}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Run{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	runID := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (id, tenant_id, created_by, status, cancel_requested, cursor_position, total_jobs, created_at)
		VALUES ($1, $2, $3, $4, FALSE, 0, $5, $6)
	`, runID, p.TenantID, p.CreatedBy, models.RunPending, len(p.LeadIDs), now)
	if err != nil {
		return models.Run{}, fmt.Errorf("insert run: %w", err)
	}

	for pos, lead := range p.LeadIDs {
		_, err = tx.Exec(ctx, `
			INSERT INTO jobs (id, run_id, tenant_id, lead_id, position, status, attempt_count, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		`, uuid.New().String(), runID, p.TenantID, lead, pos, models.JobQueued, now)
		if err != nil {
			if isUniqueViolation(err) {
				return models.Run{}, fmt.Errorf("lead %s: %w", lead, models.ErrDuplicateLead)
			}
			return models.Run{}, fmt.Errorf("insert job: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_logs (run_id, event, detail, ts)
		VALUES ($1, 'run_created', $2, $3)
	`, runID, fmt.Sprintf("tenant=%s created_by=%s leads=%d", p.TenantID, p.CreatedBy, len(p.LeadIDs)), now)
	if err != nil {
		return models.Run{}, fmt.Errorf("insert audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Run{}, fmt.Errorf("commit: %w", err)
	}

	return models.Run{
		ID:        runID,
		TenantID:  p.TenantID,
		CreatedBy: p.CreatedBy,
		Status:    models.RunPending,
		TotalJobs: len(p.LeadIDs),
		CreatedAt: now,
	}, nil
}

const runColumns = `id, tenant_id, created_by, status, cancel_requested, cursor_position, total_jobs, locked_by, lock_heartbeat_at, created_at, started_at, ended_at`

// GetRun fetches a run by id. Tenant authorization is the caller's job;
// the guard needs the owner tenant to decide and to log mismatches.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

func scanRun(row pgx.Row) (models.Run, error) {
	var run models.Run
	var lockedBy pgtype.Text
	var heartbeat, started, ended pgtype.Timestamptz

	err := row.Scan(&run.ID, &run.TenantID, &run.CreatedBy, &run.Status, &run.CancelRequested,
		&run.CursorPosition, &run.TotalJobs, &lockedBy, &heartbeat, &run.CreatedAt, &started, &ended)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Run{}, models.ErrNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("scan run: %w", err)
	}
	run.LockedBy = textPtr(lockedBy)
	run.LockHeartbeatAt = timePtr(heartbeat)
	run.StartedAt = timePtr(started)
	run.EndedAt = timePtr(ended)
	return run, nil
}

const jobColumns = `id, run_id, tenant_id, lead_id, position, status, attempt_count, call_reference, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListRunJobs returns all jobs of a run in attempt order.
func (s *Store) ListRunJobs(ctx context.Context, runID string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var callRef pgtype.Text

	err := row.Scan(&job.ID, &job.RunID, &job.TenantID, &job.LeadID, &job.Position,
		&job.Status, &job.AttemptCount, &callRef, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, models.ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.CallReference = textPtr(callRef)
	return job, nil
}

// RequestCancel sets the cooperative cancel flag on a tenant-matched run.
// It never touches run or job status: the owning worker observes the flag
// and drains, so the flag is acted on exactly once per in-flight job.
func (s *Store) RequestCancel(ctx context.Context, runID, tenantID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET cancel_requested = TRUE WHERE id = $1 AND tenant_id = $2
	`, runID, tenantID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ForceStop is the administrative hard stop: it skips the worker's
// graceful drain and finalizes immediately. Idempotent on terminal runs.
func (s *Store) ForceStop(ctx context.Context, runID, tenantID string, now time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.RunStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM runs WHERE id = $1 AND tenant_id = $2 FOR UPDATE
	`, runID, tenantID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock run: %w", err)
	}
	if status.Terminal() {
		return nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3
		WHERE run_id = $1 AND status IN ($4, $5)
	`, runID, models.JobCancelled, now, models.JobQueued, models.JobDialing)
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE runs
		SET status = $2, cancel_requested = TRUE, cursor_position = cursor_position + $3,
		    ended_at = COALESCE(ended_at, $4), locked_by = NULL, lock_heartbeat_at = NULL
		WHERE id = $1
	`, runID, models.RunStopped, tag.RowsAffected(), now)
	if err != nil {
		return fmt.Errorf("stop run: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_logs (run_id, event, detail, ts)
		VALUES ($1, 'run_stopped', $2, $3)
	`, runID, fmt.Sprintf("hard stop cancelled %d jobs", tag.RowsAffected()), now)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}

	return tx.Commit(ctx)
}

// CancelQueuedJob cancels a single job that has not started dialing,
// advancing the run cursor without touching run status. Cancelling the
// last open job can leave cursor_position == total_jobs on a run that is
// still pending or running; the gap closes when a worker claims the run,
// finds no queued job and finalizes it (the owning worker does the same
// on its next loop iteration).
func (s *Store) CancelQueuedJob(ctx context.Context, jobID, tenantID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var runID string
	err = tx.QueryRow(ctx, `
		UPDATE jobs SET status = $3, updated_at = $4
		WHERE id = $1 AND tenant_id = $2 AND status = $5
		RETURNING run_id
	`, jobID, tenantID, models.JobCancelled, now, models.JobQueued).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1 AND tenant_id = $2)
		`, jobID, tenantID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return models.ErrNotFound
		}
		return models.ErrJobNotCancellable
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE runs SET cursor_position = cursor_position + 1 WHERE id = $1
	`, runID)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_logs (run_id, job_id, event, detail, ts)
		VALUES ($1, $2, 'job_cancelled', 'cancelled via API before dialing', $3)
	`, runID, jobID, now)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}

	return tx.Commit(ctx)
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, runID string, jobID *string, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (run_id, job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4, NOW())
	`, runID, jobID, event, detail)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
