package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"campaign-dialer/internal/config"
	"campaign-dialer/internal/gate"
	"campaign-dialer/internal/models"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telemetry"
	"campaign-dialer/internal/telephony"
)

// RunStore is the slice of the run/job store the runner depends on.
type RunStore interface {
	ClaimableRuns(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error)
	TryClaim(ctx context.Context, runID, owner string, now time.Time, staleAfter time.Duration) (claimed, takeover bool, err error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	Heartbeat(ctx context.Context, runID, owner string, now time.Time) (alive, cancelRequested bool, err error)
	NextQueuedJob(ctx context.Context, runID string) (models.Job, bool, error)
	MarkJobDialing(ctx context.Context, jobID, owner, callRef string) error
	AdvanceJob(ctx context.Context, jobID, owner string, newStatus models.JobStatus) error
	CancelRemainingJobs(ctx context.Context, runID, owner string) ([]string, int, error)
	FinalizeRun(ctx context.Context, runID, owner string, terminal models.RunStatus, now time.Time) error
	ListRunJobs(ctx context.Context, runID string) ([]models.Job, error)
	AppendAudit(ctx context.Context, runID string, jobID *string, event, detail string) error
}

// AdmissionGate bounds concurrent dialing per tenant.
type AdmissionGate interface {
	Acquire(ctx context.Context, tenantID string) (gate.Slot, error)
	Release(ctx context.Context, slot gate.Slot) error
}

// OutcomeWaiter delivers the terminal outcome of a placed call.
type OutcomeWaiter interface {
	Await(callRef string) (<-chan telephony.Outcome, func())
}

// ReportSink receives the report of a finalized run.
type ReportSink interface {
	Export(ctx context.Context, run models.Run, jobs []models.Job) error
}

// Runner claims runs and drives each one's state machine to a terminal
// state. Multiple runners race on claims; the run lock guarantees at
// most one drives a given run at a time.
type Runner struct {
	cfg      config.Config
	store    RunStore
	gate     AdmissionGate
	dialer   telephony.Dialer
	outcomes OutcomeWaiter
	reports  ReportSink
	logger   *zap.Logger
	owner    string
}

// NewRunner constructs a runner identified by the given owner token.
func NewRunner(cfg config.Config, st RunStore, g AdmissionGate, d telephony.Dialer, o OutcomeWaiter, logger *zap.Logger, owner string) *Runner {
	return &Runner{
		cfg:      cfg,
		store:    st,
		gate:     g,
		dialer:   d,
		outcomes: o,
		logger:   logger.With(zap.String("owner", owner)),
		owner:    owner,
	}
}

// SetReportSink enables run report export after finalization.
func (r *Runner) SetReportSink(sink ReportSink) {
	r.reports = sink
}

// Run polls for claimable runs until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ids, err := r.store.ClaimableRuns(ctx, time.Now().UTC(), r.cfg.LockStaleAfter, r.cfg.ClaimBatchSize)
		if err != nil {
			r.logger.Warn("listing claimable runs failed", zap.Error(err))
			sleepCtx(ctx, r.cfg.RunPollInterval)
			continue
		}

		claimed := false
		for _, id := range ids {
			ok, takeover, err := r.store.TryClaim(ctx, id, r.owner, time.Now().UTC(), r.cfg.LockStaleAfter)
			if err != nil {
				r.logger.Warn("claim failed", zap.String("run_id", id), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			telemetry.RunsClaimed.Inc()
			if takeover {
				telemetry.LockTakeovers.Inc()
				r.logger.Info("took over run from stale owner", zap.String("run_id", id))
			}
			r.drive(ctx, id)
			claimed = true
			break
		}

		if !claimed {
			sleepCtx(ctx, r.cfg.RunPollInterval)
		}
	}
}

// drive executes the loop of §4.3 for one claimed run: heartbeat, observe
// cancellation, pick the next queued job, admit, dial, advance, repeat.
func (r *Runner) drive(ctx context.Context, runID string) {
	log := r.logger.With(zap.String("run_id", runID))

	var run models.Run
	if err := r.retryStorage(ctx, func() error {
		var err error
		run, err = r.store.GetRun(ctx, runID)
		return err
	}); err != nil {
		log.Error("loading claimed run failed", zap.Error(err))
		r.escalateFailed(runID, log)
		return
	}

	driveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Keep-alive heartbeats cover long waits (a call timeout can exceed
	// the staleness window); losing the lock cancels the drive context,
	// and a cancel request raised mid-dial is surfaced between attempts.
	var lost, cancelFlag atomic.Bool
	go r.keepAlive(driveCtx, runID, cancel, &lost, &cancelFlag)

	for {
		if driveCtx.Err() != nil {
			if lost.Load() {
				log.Info("ownership lost, leaving run to new owner")
			}
			return
		}

		alive, cancelRequested, err := r.heartbeat(driveCtx, runID)
		if err != nil {
			log.Error("heartbeat persistently failing", zap.Error(err))
			r.escalateFailed(runID, log)
			return
		}
		if !alive {
			log.Info("ownership lost, leaving run to new owner")
			return
		}

		if cancelRequested {
			r.drain(driveCtx, run, log)
			return
		}

		var job models.Job
		var found bool
		if err := r.retryStorage(driveCtx, func() error {
			var err error
			job, found, err = r.store.NextQueuedJob(driveCtx, runID)
			return err
		}); err != nil {
			log.Error("selecting next job persistently failing", zap.Error(err))
			r.escalateFailed(runID, log)
			return
		}

		if !found {
			r.finalize(run, models.RunCompleted, log)
			return
		}

		slot, err := r.gate.Acquire(driveCtx, run.TenantID)
		if errors.Is(err, gate.ErrBusy) {
			// Wait and retry admission for the same job. Skipping it or
			// failing it here is how batches used to die at the cap.
			telemetry.AdmissionBusy.Inc()
			sleepCtx(driveCtx, r.cfg.AdmissionRetryInterval)
			continue
		}
		if err != nil {
			log.Warn("admission gate unavailable", zap.Error(err))
			sleepCtx(driveCtx, r.cfg.AdmissionRetryInterval)
			continue
		}

		status, err := r.dialJob(driveCtx, run, job, slot, &cancelFlag, log)
		if err != nil {
			if errors.Is(err, errCancelRequested) {
				r.drain(driveCtx, run, log)
				return
			}
			if errors.Is(err, store.ErrLostOwnership) {
				log.Info("ownership lost mid-dial, leaving run to new owner")
				return
			}
			if driveCtx.Err() != nil {
				return
			}
			log.Error("dialing persistently failing", zap.Error(err))
			r.escalateFailed(runID, log)
			return
		}

		if err := r.retryStorage(driveCtx, func() error {
			return r.store.AdvanceJob(driveCtx, job.ID, r.owner, status)
		}); err != nil {
			if errors.Is(err, store.ErrLostOwnership) {
				log.Info("ownership lost, leaving run to new owner")
				return
			}
			log.Error("advancing job persistently failing", zap.String("job_id", job.ID), zap.Error(err))
			r.escalateFailed(runID, log)
			return
		}
	}
}

// errCancelRequested reports that a cancel request arrived while a job
// was being dialed. The caller drains the run instead of retrying.
var errCancelRequested = errors.New("cancel requested")

// dialJob holds one admission slot while driving a single job to its
// terminal status, retrying dial failures and timeouts with backoff up to
// the attempt limit. The slot is released as soon as the outcome is
// known, never past the call's lifetime. A cancel request observed by the
// keep-alive heartbeat stops the retry sequence before the next attempt,
// so cancellation latency stays within one in-flight call plus a backoff.
func (r *Runner) dialJob(ctx context.Context, run models.Run, job models.Job, slot gate.Slot, cancelFlag *atomic.Bool, log *zap.Logger) (models.JobStatus, error) {
	defer func() {
		// Release on a fresh context so a cancelled drive still frees the slot.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.gate.Release(releaseCtx, slot); err != nil {
			log.Warn("slot release failed, lease will expire it", zap.Error(err))
		}
	}()

	lead := telephony.Lead{ID: job.LeadID, RunID: run.ID, TenantID: run.TenantID}
	log = log.With(zap.String("job_id", job.ID), zap.String("lead_id", job.LeadID))

	for attempt := job.AttemptCount + 1; attempt <= r.cfg.DialMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if cancelFlag.Load() {
			return "", errCancelRequested
		}

		callRef, err := r.dialer.PlaceCall(ctx, lead)
		if err != nil {
			log.Warn("placing call failed", zap.Int("attempt", attempt), zap.Error(err))
			sleepCtx(ctx, backoffWithJitter(r.cfg.DialBackoffInitial, r.cfg.DialBackoffMax, attempt))
			continue
		}

		if err := r.retryStorage(ctx, func() error {
			return r.store.MarkJobDialing(ctx, job.ID, r.owner, callRef)
		}); err != nil {
			r.abortCall(callRef, log)
			return "", err
		}

		telemetry.CallsPlaced.Inc()
		telemetry.ActiveCalls.Inc()

		outcome, ok := r.awaitOutcome(ctx, callRef)
		telemetry.ActiveCalls.Dec()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		if !ok {
			log.Warn("call timed out waiting for outcome", zap.String("call_reference", callRef), zap.Int("attempt", attempt))
			r.abortCall(callRef, log)
			sleepCtx(ctx, backoffWithJitter(r.cfg.DialBackoffInitial, r.cfg.DialBackoffMax, attempt))
			continue
		}

		if outcome.Status == telephony.OutcomeCompleted {
			telemetry.CallsCompleted.Inc()
			return models.JobCompleted, nil
		}

		log.Info("call ended unsuccessfully", zap.String("call_reference", callRef), zap.String("detail", outcome.Detail), zap.Int("attempt", attempt))
		sleepCtx(ctx, backoffWithJitter(r.cfg.DialBackoffInitial, r.cfg.DialBackoffMax, attempt))
	}

	// Attempt limit exhausted: the job fails, the run keeps going.
	telemetry.CallsFailed.Inc()
	return models.JobFailed, nil
}

func (r *Runner) awaitOutcome(ctx context.Context, callRef string) (telephony.Outcome, bool) {
	ch, stop := r.outcomes.Await(callRef)
	defer stop()

	timer := time.NewTimer(r.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case o := <-ch:
		return o, true
	case <-timer.C:
		return telephony.Outcome{}, false
	case <-ctx.Done():
		return telephony.Outcome{}, false
	}
}

// drain handles cooperative cancellation: every non-terminal job moves to
// cancelled, in-flight calls get best-effort provider aborts, and the run
// finalizes cancelled.
func (r *Runner) drain(ctx context.Context, run models.Run, log *zap.Logger) {
	var refs []string
	var n int
	if err := r.retryStorage(ctx, func() error {
		var err error
		refs, n, err = r.store.CancelRemainingJobs(ctx, run.ID, r.owner)
		return err
	}); err != nil {
		if errors.Is(err, store.ErrLostOwnership) {
			log.Info("ownership lost during cancellation drain")
			return
		}
		log.Error("cancellation drain persistently failing", zap.Error(err))
		r.escalateFailed(run.ID, log)
		return
	}

	for _, ref := range refs {
		r.abortCall(ref, log)
	}

	log.Info("run cancelled", zap.Int("jobs_cancelled", n))
	r.finalize(run, models.RunCancelled, log)
}

// finalize is best-effort past the status write: audit, report export and
// metrics never affect run state.
func (r *Runner) finalize(run models.Run, terminal models.RunStatus, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.retryStorage(ctx, func() error {
		return r.store.FinalizeRun(ctx, run.ID, r.owner, terminal, time.Now().UTC())
	}); err != nil {
		log.Error("finalizing run failed", zap.String("status", string(terminal)), zap.Error(err))
		return
	}

	telemetry.RunsFinalized.WithLabelValues(string(terminal)).Inc()
	_ = r.store.AppendAudit(ctx, run.ID, nil, "run_finalized", "status="+string(terminal))
	log.Info("run finalized", zap.String("status", string(terminal)))

	if r.reports == nil {
		return
	}
	finalRun, err := r.store.GetRun(ctx, run.ID)
	if err != nil {
		log.Warn("loading run for report failed", zap.Error(err))
		return
	}
	jobs, err := r.store.ListRunJobs(ctx, run.ID)
	if err != nil {
		log.Warn("loading jobs for report failed", zap.Error(err))
		return
	}
	if err := r.reports.Export(ctx, finalRun, jobs); err != nil {
		log.Warn("run report export failed", zap.Error(err))
	}
}

// escalateFailed marks the run failed after unrecoverable (storage-class)
// errors. Individual dial failures never come through here.
func (r *Runner) escalateFailed(runID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.FinalizeRun(ctx, runID, r.owner, models.RunFailed, time.Now().UTC()); err != nil {
		log.Error("escalating run to failed also failed", zap.Error(err))
		return
	}
	telemetry.RunsFinalized.WithLabelValues(string(models.RunFailed)).Inc()
}

func (r *Runner) keepAlive(ctx context.Context, runID string, cancel context.CancelFunc, lost, cancelRequested *atomic.Bool) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, flagged, err := r.store.Heartbeat(ctx, runID, r.owner, time.Now().UTC())
			if err != nil {
				continue // the loop-level heartbeat escalates persistent failures
			}
			if flagged {
				cancelRequested.Store(true)
			}
			if !alive {
				lost.Store(true)
				cancel()
				return
			}
		}
	}
}

func (r *Runner) heartbeat(ctx context.Context, runID string) (alive, cancelRequested bool, err error) {
	err = r.retryStorage(ctx, func() error {
		var hbErr error
		alive, cancelRequested, hbErr = r.store.Heartbeat(ctx, runID, r.owner, time.Now().UTC())
		return hbErr
	})
	return alive, cancelRequested, err
}

func (r *Runner) abortCall(callRef string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.dialer.AbortCall(ctx, callRef); err != nil {
		log.Warn("best-effort call abort failed", zap.String("call_reference", callRef), zap.Error(err))
	}
}

// retryStorage retries transient storage failures. Lost ownership is not
// retryable: the caller must stop immediately.
func (r *Runner) retryStorage(ctx context.Context, fn func() error) error {
	attempts := r.cfg.StorageRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || errors.Is(err, store.ErrLostOwnership) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w (context: %s)", err, ctx.Err())
		}
		sleepCtx(ctx, r.cfg.StorageRetryDelay)
	}
	return err
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
