package model

import "time"

// WorkKind names the category of a background work item
type WorkKind string

const (
	WorkTaskRuntimeImageResolution WorkKind = "task_runtime_image_resolution"
	WorkVectorBootstrap            WorkKind = "vector_bootstrap"
	WorkRepositoryGitRefresh       WorkKind = "repository_git_refresh"
	WorkRecovery                   WorkKind = "recovery"
	WorkOther                      WorkKind = "other"
)

// WorkState represents a background work item's state
type WorkState string

const (
	WorkPending   WorkState = "pending"
	WorkRunning   WorkState = "running"
	WorkSucceeded WorkState = "succeeded"
	WorkFailed    WorkState = "failed"
	WorkCancelled WorkState = "cancelled"
)

// ValidWorkTransitions defines allowed background work transitions
var ValidWorkTransitions = map[WorkState][]WorkState{
	WorkPending:   {WorkRunning, WorkCancelled},
	WorkRunning:   {WorkSucceeded, WorkFailed, WorkCancelled},
	WorkSucceeded: {},
	WorkFailed:    {},
	WorkCancelled: {},
}

// IsTerminal returns true if the work item has finished
func (s WorkState) IsTerminal() bool {
	return s == WorkSucceeded || s == WorkFailed || s == WorkCancelled
}

// IsActive returns true while the item still dedupes enqueues with the
// same operation key
func (s WorkState) IsActive() bool {
	return s == WorkPending || s == WorkRunning
}

// BackgroundWorkSnapshot is the externally visible state of one work
// item. Snapshots are immutable copies; Percent is nil until the work
// first reports progress.
type BackgroundWorkSnapshot struct {
	WorkID       string
	OperationKey string
	Kind         WorkKind
	State        WorkState
	Percent      *int
	Message      string
	ErrorCode    string
	IsCritical   bool
	StartedAt    *time.Time
	UpdatedAt    time.Time
}
