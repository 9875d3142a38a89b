package models

import (
	"time"
)

// JobStatus enumerates per-lead call states persisted in Postgres.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobDialing   JobStatus = "dialing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued: {JobDialing, JobCancelled},
	// dialing -> queued happens on crash takeover: the outcome of a call
	// left in flight by a dead worker is unknown, so it is redriven.
	// dialing -> dialing is a retry attempt on the same job.
	JobDialing: {JobDialing, JobQueued, JobCompleted, JobFailed, JobCancelled},
}

// validJobTransition reports whether from -> to is allowed by the
// job state machine. The store's SQL guards enforce these edges; the
// table documents and tests them.
func validJobTransition(from, to JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one lead's call within a run. TenantID is denormalized from the
// run so job-level authorization never needs a join.
type Job struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	TenantID      string    `json:"tenant_id"`
	LeadID        string    `json:"lead_id"`
	Position      int       `json:"position"`
	Status        JobStatus `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	CallReference *string   `json:"call_reference,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
