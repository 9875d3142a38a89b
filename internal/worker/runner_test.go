package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"campaign-dialer/internal/config"
	"campaign-dialer/internal/gate"
	"campaign-dialer/internal/models"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telephony"
)

func testConfig() config.Config {
	return config.Config{
		TenantMaxActiveCalls:   2,
		SlotLease:              time.Minute,
		AdmissionRetryInterval: time.Millisecond,
		RunPollInterval:        5 * time.Millisecond,
		ClaimBatchSize:         5,
		HeartbeatInterval:      5 * time.Millisecond,
		LockStaleAfter:         50 * time.Millisecond,
		CallTimeout:            25 * time.Millisecond,
		DialMaxAttempts:        2,
		DialBackoffInitial:     0,
		DialBackoffMax:         0,
		StorageRetryAttempts:   2,
		StorageRetryDelay:      time.Millisecond,
	}
}

// fakeStore mirrors the store's transactional semantics in memory.
type fakeStore struct {
	mu   sync.Mutex
	run  models.Run
	jobs []*models.Job
}

func newFakeStore(tenantID string, leadIDs ...string) *fakeStore {
	fs := &fakeStore{
		run: models.Run{
			ID:        "run-1",
			TenantID:  tenantID,
			Status:    models.RunPending,
			TotalJobs: len(leadIDs),
			CreatedAt: time.Now().UTC(),
		},
	}
	for i, lead := range leadIDs {
		fs.jobs = append(fs.jobs, &models.Job{
			ID:       fmt.Sprintf("job-%d", i+1),
			RunID:    "run-1",
			TenantID: tenantID,
			LeadID:   lead,
			Position: i,
			Status:   models.JobQueued,
		})
	}
	return fs
}

func (fs *fakeStore) claimFor(owner string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	now := time.Now().UTC()
	fs.run.Status = models.RunRunning
	fs.run.LockedBy = &owner
	fs.run.LockHeartbeatAt = &now
	fs.run.StartedAt = &now
}

func (fs *fakeStore) owns(owner string) bool {
	return fs.run.Status == models.RunRunning && fs.run.LockedBy != nil && *fs.run.LockedBy == owner
}

func (fs *fakeStore) ClaimableRuns(_ context.Context, now time.Time, staleAfter time.Duration, _ int) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.run.Status == models.RunPending {
		return []string{fs.run.ID}, nil
	}
	if fs.run.Status == models.RunRunning && (fs.run.LockHeartbeatAt == nil || fs.run.LockHeartbeatAt.Before(now.Add(-staleAfter))) {
		return []string{fs.run.ID}, nil
	}
	return nil, nil
}

func (fs *fakeStore) TryClaim(_ context.Context, runID, owner string, now time.Time, staleAfter time.Duration) (bool, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if runID != fs.run.ID {
		return false, false, nil
	}
	stale := fs.run.LockHeartbeatAt == nil || fs.run.LockHeartbeatAt.Before(now.Add(-staleAfter))
	switch {
	case fs.run.Status == models.RunPending:
		fs.run.Status = models.RunRunning
		fs.run.LockedBy = &owner
		fs.run.StartedAt = &now
		fs.run.LockHeartbeatAt = &now
		return true, false, nil
	case fs.run.Status == models.RunRunning && stale:
		fs.run.LockedBy = &owner
		fs.run.LockHeartbeatAt = &now
		for _, job := range fs.jobs {
			if job.Status == models.JobDialing {
				job.Status = models.JobQueued
				job.CallReference = nil
			}
		}
		return true, true, nil
	}
	return false, false, nil
}

func (fs *fakeStore) GetRun(_ context.Context, id string) (models.Run, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id != fs.run.ID {
		return models.Run{}, models.ErrNotFound
	}
	return fs.run, nil
}

func (fs *fakeStore) Heartbeat(_ context.Context, runID, owner string, now time.Time) (bool, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if runID != fs.run.ID || !fs.owns(owner) {
		return false, false, nil
	}
	fs.run.LockHeartbeatAt = &now
	return true, fs.run.CancelRequested, nil
}

func (fs *fakeStore) NextQueuedJob(_ context.Context, runID string) (models.Job, bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, job := range fs.jobs {
		if job.Status == models.JobQueued {
			return *job, true, nil
		}
	}
	return models.Job{}, false, nil
}

func (fs *fakeStore) MarkJobDialing(_ context.Context, jobID, owner, callRef string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.owns(owner) {
		return errLostOwnership()
	}
	for _, job := range fs.jobs {
		if job.ID == jobID && !job.Status.Terminal() {
			job.Status = models.JobDialing
			job.AttemptCount++
			job.CallReference = &callRef
			return nil
		}
	}
	return errLostOwnership()
}

func (fs *fakeStore) AdvanceJob(_ context.Context, jobID, owner string, newStatus models.JobStatus) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, job := range fs.jobs {
		if job.ID != jobID {
			continue
		}
		if job.Status.Terminal() {
			if job.Status == newStatus {
				return nil
			}
			return errLostOwnership()
		}
		if !fs.owns(owner) {
			return errLostOwnership()
		}
		job.Status = newStatus
		fs.run.CursorPosition++
		return nil
	}
	return models.ErrNotFound
}

func (fs *fakeStore) CancelRemainingJobs(_ context.Context, runID, owner string) ([]string, int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.owns(owner) {
		return nil, 0, errLostOwnership()
	}
	var refs []string
	n := 0
	for _, job := range fs.jobs {
		if job.Status == models.JobDialing && job.CallReference != nil {
			refs = append(refs, *job.CallReference)
		}
		if job.Status == models.JobQueued || job.Status == models.JobDialing {
			job.Status = models.JobCancelled
			n++
		}
	}
	fs.run.CursorPosition += n
	return refs, n, nil
}

func (fs *fakeStore) FinalizeRun(_ context.Context, runID, owner string, terminal models.RunStatus, now time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if !fs.owns(owner) {
		return nil // idempotent, matches the SQL no-op
	}
	fs.run.Status = terminal
	fs.run.EndedAt = &now
	fs.run.LockedBy = nil
	fs.run.LockHeartbeatAt = nil
	return nil
}

func (fs *fakeStore) ListRunJobs(_ context.Context, runID string) ([]models.Job, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]models.Job, 0, len(fs.jobs))
	for _, job := range fs.jobs {
		out = append(out, *job)
	}
	return out, nil
}

func (fs *fakeStore) AppendAudit(_ context.Context, _ string, _ *string, _, _ string) error {
	return nil
}

func (fs *fakeStore) snapshot() (models.Run, []models.Job) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	jobs := make([]models.Job, 0, len(fs.jobs))
	for _, job := range fs.jobs {
		jobs = append(jobs, *job)
	}
	return fs.run, jobs
}

func errLostOwnership() error {
	// Same sentinel the real store returns.
	return store.ErrLostOwnership
}

// fakeGate bounds concurrency like the Redis gate, optionally rejecting
// the first busyFirst acquisitions to simulate a saturated tenant.
type fakeGate struct {
	mu        sync.Mutex
	capacity  int
	active    int
	maxActive int
	busyFirst int
	busySeen  int
}

func (g *fakeGate) Acquire(_ context.Context, tenantID string) (gate.Slot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busySeen < g.busyFirst {
		g.busySeen++
		return gate.Slot{}, gate.ErrBusy
	}
	if g.active >= g.capacity {
		return gate.Slot{}, gate.ErrBusy
	}
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	return gate.Slot{TenantID: tenantID}, nil
}

func (g *fakeGate) Release(_ context.Context, _ gate.Slot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	return nil
}

// fakePhone scripts provider behavior per lead and delivers outcomes the
// moment they are awaited.
type fakePhone struct {
	mu             sync.Mutex
	nextRef        int
	failLeads      map[string]bool
	silentAttempts map[string]int
	results        map[string]telephony.Outcome
	placed         map[string]int
	aborted        []string
	onPlace        func()
}

func newFakePhone() *fakePhone {
	return &fakePhone{
		failLeads:      map[string]bool{},
		silentAttempts: map[string]int{},
		results:        map[string]telephony.Outcome{},
		placed:         map[string]int{},
	}
}

func (p *fakePhone) PlaceCall(_ context.Context, lead telephony.Lead) (string, error) {
	p.mu.Lock()
	p.nextRef++
	ref := fmt.Sprintf("call-%d", p.nextRef)
	p.placed[lead.ID]++

	silent := p.silentAttempts[lead.ID] > 0
	if silent {
		p.silentAttempts[lead.ID]--
	} else {
		status := telephony.OutcomeCompleted
		if p.failLeads[lead.ID] {
			status = telephony.OutcomeFailed
		}
		p.results[ref] = telephony.Outcome{CallReference: ref, Status: status}
	}
	hook := p.onPlace
	p.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ref, nil
}

func (p *fakePhone) AbortCall(_ context.Context, callRef string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = append(p.aborted, callRef)
	return nil
}

func (p *fakePhone) Await(callRef string) (<-chan telephony.Outcome, func()) {
	ch := make(chan telephony.Outcome, 1)
	p.mu.Lock()
	if o, ok := p.results[callRef]; ok {
		ch <- o
	}
	p.mu.Unlock()
	return ch, func() {}
}

func newTestRunner(fs *fakeStore, g *fakeGate, phone *fakePhone, owner string) *Runner {
	return NewRunner(testConfig(), fs, g, phone, phone, zap.NewNop(), owner)
}

func TestDriveCompletesBatch(t *testing.T) {
	fs := newFakeStore("acme", "lead-1", "lead-2", "lead-3", "lead-4", "lead-5")
	fs.claimFor("w1")
	g := &fakeGate{capacity: 2}
	phone := newFakePhone()

	r := newTestRunner(fs, g, phone, "w1")
	r.drive(context.Background(), "run-1")

	run, jobs := fs.snapshot()
	require.Equal(t, models.RunCompleted, run.Status)
	require.Equal(t, 5, run.CursorPosition)
	require.NotNil(t, run.EndedAt)
	require.Nil(t, run.LockedBy)
	for _, job := range jobs {
		require.Equal(t, models.JobCompleted, job.Status)
		require.Equal(t, 1, job.AttemptCount)
	}
	require.LessOrEqual(t, g.maxActive, 2)
}

func TestDriveWaitsOutBusyGate(t *testing.T) {
	fs := newFakeStore("acme", "lead-1", "lead-2", "lead-3")
	fs.claimFor("w1")
	// Tenant saturated for the first 10 admission attempts: the runner
	// must keep retrying the same job, never skip or fail it.
	g := &fakeGate{capacity: 1, busyFirst: 10}
	phone := newFakePhone()

	r := newTestRunner(fs, g, phone, "w1")
	r.drive(context.Background(), "run-1")

	run, jobs := fs.snapshot()
	require.Equal(t, models.RunCompleted, run.Status)
	for _, job := range jobs {
		require.Equal(t, models.JobCompleted, job.Status)
	}
	for _, lead := range []string{"lead-1", "lead-2", "lead-3"} {
		require.Equal(t, 1, phone.placed[lead], "each lead dialed exactly once")
	}
}

func TestDriveDrainsOnCancel(t *testing.T) {
	fs := newFakeStore("acme", "lead-1", "lead-2", "lead-3")
	fs.claimFor("w1")
	fs.run.CancelRequested = true
	g := &fakeGate{capacity: 2}
	phone := newFakePhone()

	r := newTestRunner(fs, g, phone, "w1")
	r.drive(context.Background(), "run-1")

	run, jobs := fs.snapshot()
	require.Equal(t, models.RunCancelled, run.Status)
	require.Equal(t, 3, run.CursorPosition)
	require.NotNil(t, run.EndedAt)
	for _, job := range jobs {
		require.Equal(t, models.JobCancelled, job.Status)
	}
	require.Empty(t, phone.placed, "no call placed after cancellation")

	// Second drive on a terminal run exits without touching state.
	r.drive(context.Background(), "run-1")
	run2, _ := fs.snapshot()
	require.Equal(t, run.EndedAt, run2.EndedAt)
}

func TestDriveCancelStopsDialRetries(t *testing.T) {
	fs := newFakeStore("acme", "lead-1", "lead-2")
	fs.claimFor("w1")
	g := &fakeGate{capacity: 1}
	phone := newFakePhone()
	// The provider never reports an outcome, and the cancel request lands
	// while the first call is in flight. No fresh call may follow it.
	phone.silentAttempts["lead-1"] = 10
	phone.onPlace = func() {
		fs.mu.Lock()
		fs.run.CancelRequested = true
		fs.mu.Unlock()
	}

	r := newTestRunner(fs, g, phone, "w1")
	r.drive(context.Background(), "run-1")

	run, jobs := fs.snapshot()
	require.Equal(t, models.RunCancelled, run.Status)
	require.Equal(t, 1, phone.placed["lead-1"], "no retry attempt after the cancel request")
	require.Zero(t, phone.placed["lead-2"], "no further job dialed after the cancel request")
	for _, job := range jobs {
		require.Equal(t, models.JobCancelled, job.Status)
	}
}

func TestDriveStopsOnOwnershipLoss(t *testing.T) {
	fs := newFakeStore("acme", "lead-1", "lead-2")
	fs.claimFor("someone-else")
	g := &fakeGate{capacity: 2}
	phone := newFakePhone()

	r := newTestRunner(fs, g, phone, "w1")
	r.drive(context.Background(), "run-1")

	_, jobs := fs.snapshot()
	for _, job := range jobs {
		require.Equal(t, models.JobQueued, job.Status, "lost owner must not touch jobs")
	}
	require.Empty(t, phone.placed)
}

func TestDriveJobFailureDoesNotFailRun(t *testing.T) {
	fs := newFakeStore("acme", "lead-1", "lead-2", "lead-3")
	fs.claimFor("w1")
	g := &fakeGate{capacity: 2}
	phone := newFakePhone()
	phone.failLeads["lead-2"] = true

	r := newTestRunner(fs, g, phone, "w1")
	r.drive(context.Background(), "run-1")

	run, jobs := fs.snapshot()
	require.Equal(t, models.RunCompleted, run.Status, "job failures never fail the run")
	require.Equal(t, 3, run.CursorPosition)
	require.Equal(t, models.JobCompleted, jobs[0].Status)
	require.Equal(t, models.JobFailed, jobs[1].Status)
	require.Equal(t, models.JobCompleted, jobs[2].Status)
	require.Equal(t, testConfig().DialMaxAttempts, jobs[1].AttemptCount, "failed lead retried up to the limit")
}

func TestDriveRetriesAfterCallTimeout(t *testing.T) {
	fs := newFakeStore("acme", "lead-1")
	fs.claimFor("w1")
	g := &fakeGate{capacity: 1}
	phone := newFakePhone()
	phone.silentAttempts["lead-1"] = 1 // first attempt never reports an outcome

	r := newTestRunner(fs, g, phone, "w1")
	r.drive(context.Background(), "run-1")

	run, jobs := fs.snapshot()
	require.Equal(t, models.RunCompleted, run.Status)
	require.Equal(t, models.JobCompleted, jobs[0].Status)
	require.Equal(t, 2, jobs[0].AttemptCount)
	require.Len(t, phone.aborted, 1, "timed-out call aborted best-effort")
}

func TestDriveResumesFromCursor(t *testing.T) {
	fs := newFakeStore("acme", "lead-1", "lead-2", "lead-3")
	fs.claimFor("w1")
	// Two jobs already terminal, as after a crash takeover.
	fs.jobs[0].Status = models.JobCompleted
	fs.jobs[1].Status = models.JobFailed
	fs.run.CursorPosition = 2
	g := &fakeGate{capacity: 2}
	phone := newFakePhone()

	r := newTestRunner(fs, g, phone, "w1")
	r.drive(context.Background(), "run-1")

	run, _ := fs.snapshot()
	require.Equal(t, models.RunCompleted, run.Status)
	require.Equal(t, 3, run.CursorPosition)
	require.Zero(t, phone.placed["lead-1"], "terminal job never redialed")
	require.Zero(t, phone.placed["lead-2"], "terminal job never redialed")
	require.Equal(t, 1, phone.placed["lead-3"])
}

func TestRunFinalizesRunWithNoOpenJobs(t *testing.T) {
	// All jobs already cancelled via the API before any worker claimed
	// the run: the claim finds nothing queued and finalizes immediately.
	fs := newFakeStore("acme", "lead-1", "lead-2")
	for _, job := range fs.jobs {
		job.Status = models.JobCancelled
	}
	fs.run.CursorPosition = 2
	g := &fakeGate{capacity: 2}
	phone := newFakePhone()

	r := newTestRunner(fs, g, phone, "w1")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	run, _ := fs.snapshot()
	require.Equal(t, models.RunCompleted, run.Status)
	require.NotNil(t, run.EndedAt)
	require.Empty(t, phone.placed)
}

func TestRunClaimsPendingRun(t *testing.T) {
	fs := newFakeStore("acme", "lead-1", "lead-2")
	g := &fakeGate{capacity: 2}
	phone := newFakePhone()

	r := newTestRunner(fs, g, phone, "w1")
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = r.Run(ctx)

	run, _ := fs.snapshot()
	require.Equal(t, models.RunCompleted, run.Status)
	require.Equal(t, 2, run.CursorPosition)
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	require.GreaterOrEqual(t, b1, base/2)
	require.LessOrEqual(t, b1, max)

	b3 := backoffWithJitter(base, max, 3)
	require.GreaterOrEqual(t, b3, 2*time.Second)
	require.LessOrEqual(t, b3, max)

	require.Zero(t, backoffWithJitter(0, max, 2))
}
