package models

import (
	"errors"
	"time"
)

// RunStatus enumerates campaign lifecycle states persisted in Postgres.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
	RunStopped   RunStatus = "stopped"
)

// Terminal reports whether the status can never change again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunCancelled, RunFailed, RunStopped:
		return true
	}
	return false
}

var runTransitions = map[RunStatus][]RunStatus{
	RunPending: {RunRunning, RunStopped},
	// running -> running covers crash takeover by a second worker.
	RunRunning: {RunRunning, RunCompleted, RunCancelled, RunFailed, RunStopped},
}

// validRunTransition reports whether from -> to is allowed by the
// run state machine. Terminal states have no outgoing edges. The store's
// SQL guards enforce these edges; the table documents and tests them.
func validRunTransition(from, to RunStatus) bool {
	for _, next := range runTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is one outbound call campaign for one tenant.
type Run struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	CreatedBy       string     `json:"created_by"`
	Status          RunStatus  `json:"status"`
	CancelRequested bool       `json:"cancel_requested"`
	CursorPosition  int        `json:"cursor_position"`
	TotalJobs       int        `json:"total_jobs"`
	LockedBy        *string    `json:"locked_by,omitempty"`
	LockHeartbeatAt *time.Time `json:"lock_heartbeat_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
}

// Sentinel errors shared by the store and the API surface.
var (
	ErrNotFound          = errors.New("not found")
	ErrEmptyBatch        = errors.New("lead batch is empty")
	ErrDuplicateLead     = errors.New("duplicate lead in batch")
	ErrJobNotCancellable = errors.New("job is no longer queued")
)
