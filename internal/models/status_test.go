package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunStatusTerminal(t *testing.T) {
	require.False(t, RunPending.Terminal())
	require.False(t, RunRunning.Terminal())
	for _, s := range []RunStatus{RunCompleted, RunCancelled, RunFailed, RunStopped} {
		require.True(t, s.Terminal(), "%s must be terminal", s)
	}
}

func TestRunTransitions(t *testing.T) {
	require.True(t, validRunTransition(RunPending, RunRunning))
	require.True(t, validRunTransition(RunRunning, RunRunning), "takeover re-enters running")
	require.True(t, validRunTransition(RunRunning, RunCompleted))
	require.True(t, validRunTransition(RunRunning, RunCancelled))
	require.True(t, validRunTransition(RunPending, RunStopped), "hard stop applies before any worker claims")

	require.False(t, validRunTransition(RunPending, RunCompleted), "no terminal state without running")
	for _, terminal := range []RunStatus{RunCompleted, RunCancelled, RunFailed, RunStopped} {
		require.False(t, validRunTransition(terminal, RunRunning), "terminal states have no outgoing edges")
		require.False(t, validRunTransition(terminal, RunPending))
	}
}

func TestJobTransitions(t *testing.T) {
	require.True(t, validJobTransition(JobQueued, JobDialing))
	require.True(t, validJobTransition(JobQueued, JobCancelled))
	require.True(t, validJobTransition(JobDialing, JobQueued), "takeover resets unknown outcomes")
	require.True(t, validJobTransition(JobDialing, JobDialing), "retry attempt")
	require.True(t, validJobTransition(JobDialing, JobCompleted))
	require.True(t, validJobTransition(JobDialing, JobFailed))

	require.False(t, validJobTransition(JobQueued, JobCompleted), "a job cannot complete without dialing")
	for _, terminal := range []JobStatus{JobCompleted, JobFailed, JobCancelled} {
		require.True(t, terminal.Terminal())
		require.False(t, validJobTransition(terminal, JobQueued))
		require.False(t, validJobTransition(terminal, JobDialing))
	}
}
