package model

import "time"

// RunState represents the run's lifecycle state
type RunState string

const (
	RunQueued          RunState = "queued"
	RunRunning         RunState = "running"
	RunPendingApproval RunState = "pending_approval"
	RunSucceeded       RunState = "succeeded" // Terminal: harness reported success
	RunFailed          RunState = "failed"
	RunCancelled       RunState = "cancelled"
	RunObsolete        RunState = "obsolete" // Terminal: superseded before dispatch
)

// ValidRunTransitions defines allowed run state transitions.
// Retries never resurrect a terminal run; they materialize as a new
// queued run with attempt+1.
var ValidRunTransitions = map[RunState][]RunState{
	RunQueued:          {RunRunning, RunFailed, RunCancelled, RunObsolete},
	RunRunning:         {RunPendingApproval, RunSucceeded, RunFailed, RunCancelled},
	RunPendingApproval: {RunRunning, RunSucceeded, RunFailed, RunCancelled},
	RunSucceeded:       {},
	RunFailed:          {},
	RunCancelled:       {},
	RunObsolete:        {},
}

// IsTerminal returns true if the state is final
func (s RunState) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled || s == RunObsolete
}

// IsActive returns true for a dispatched run that has not resolved
// yet. A parked run counts as active even though its runtime slot is
// already released.
func (s RunState) IsActive() bool {
	return s == RunRunning || s == RunPendingApproval
}

// CanTransitionRun checks if a run transition from -> to is valid
func CanTransitionRun(from, to RunState) bool {
	validTargets, exists := ValidRunTransitions[from]
	if !exists {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Run is one execution attempt of a Task. Policy fields are snapshots
// taken at enqueue time so later task edits do not affect runs already
// in flight.
type Run struct {
	ID                    string
	TaskID                string
	RepositoryID          string
	State                 RunState
	Attempt               int
	ConcurrencyKey        string
	ExecutionToken        string
	DispatchedToRuntimeID string
	RetryPolicy           RetryPolicy
	SandboxProfile        SandboxProfile
	Timeout               TimeoutPolicy
	Summary               string
	Error                 string
	ErrorCode             string
	CreatedAt             time.Time
	StartedAt             *time.Time
	EndedAt               *time.Time
	LastHeartbeatAt       *time.Time
	CancelRequestedAt     *time.Time
	NotBefore             *time.Time // earliest dispatch time, set by retry backoff
	UpdatedAt             time.Time
	Version               int64
}

// NewRun creates a queued first-attempt run for a task
func NewRun(id string, task *Task, now time.Time) *Run {
	return &Run{
		ID:             id,
		TaskID:         task.ID,
		RepositoryID:   task.RepositoryID,
		State:          RunQueued,
		Attempt:        1,
		ConcurrencyKey: task.ConcurrencyKey,
		RetryPolicy:    task.RetryPolicy,
		SandboxProfile: task.SandboxProfile,
		Timeout:        task.Timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

// RequeueOf creates a fresh first-attempt run from a terminal one.
// Used by manual retry; the attempt counter restarts while the policy
// snapshots carry over.
func RequeueOf(id string, source *Run, now time.Time) *Run {
	return &Run{
		ID:             id,
		TaskID:         source.TaskID,
		RepositoryID:   source.RepositoryID,
		State:          RunQueued,
		Attempt:        1,
		ConcurrencyKey: source.ConcurrencyKey,
		RetryPolicy:    source.RetryPolicy,
		SandboxProfile: source.SandboxProfile,
		Timeout:        source.Timeout,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

// RetryOf creates the follow-up queued run for a failed attempt.
// Policy snapshots carry over from the failed run, not the task, so a
// retry chain executes under one consistent policy.
func RetryOf(id string, failed *Run, notBefore time.Time, now time.Time) *Run {
	return &Run{
		ID:             id,
		TaskID:         failed.TaskID,
		RepositoryID:   failed.RepositoryID,
		State:          RunQueued,
		Attempt:        failed.Attempt + 1,
		ConcurrencyKey: failed.ConcurrencyKey,
		RetryPolicy:    failed.RetryPolicy,
		SandboxProfile: failed.SandboxProfile,
		Timeout:        failed.Timeout,
		CreatedAt:      now,
		NotBefore:      &notBefore,
		UpdatedAt:      now,
		Version:        1,
	}
}
