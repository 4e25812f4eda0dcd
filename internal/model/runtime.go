package model

import "time"

// RuntimeState represents a task runtime's lifecycle state
type RuntimeState string

const (
	RuntimeProvisioning RuntimeState = "provisioning"
	RuntimeStarting     RuntimeState = "starting"
	RuntimeReady        RuntimeState = "ready"
	RuntimeBusy         RuntimeState = "busy"
	RuntimeDraining     RuntimeState = "draining"
	RuntimeStopping     RuntimeState = "stopping"
	RuntimeStopped      RuntimeState = "stopped" // Terminal: container removed
	RuntimeFailedStart  RuntimeState = "failed_start"
	RuntimeQuarantined  RuntimeState = "quarantined"
)

// ValidRuntimeTransitions defines allowed runtime lifecycle transitions
var ValidRuntimeTransitions = map[RuntimeState][]RuntimeState{
	RuntimeProvisioning: {RuntimeStarting, RuntimeFailedStart, RuntimeStopping},
	RuntimeStarting:     {RuntimeReady, RuntimeFailedStart, RuntimeStopping},
	RuntimeReady:        {RuntimeBusy, RuntimeDraining, RuntimeQuarantined, RuntimeStopping},
	RuntimeBusy:         {RuntimeReady, RuntimeDraining, RuntimeQuarantined},
	RuntimeDraining:     {RuntimeStopping, RuntimeQuarantined},
	RuntimeStopping:     {RuntimeStopped},
	RuntimeStopped:      {},
	RuntimeFailedStart:  {RuntimeStopping},
	RuntimeQuarantined:  {RuntimeReady, RuntimeDraining, RuntimeStopping},
}

// IsTerminal returns true if the runtime has been removed
func (s RuntimeState) IsTerminal() bool {
	return s == RuntimeStopped
}

// AcceptsLeases returns true if the state allows new dispatches
func (s RuntimeState) AcceptsLeases() bool {
	return s == RuntimeReady || s == RuntimeBusy
}

// CanTransitionRuntime checks if a runtime transition from -> to is valid
func CanTransitionRuntime(from, to RuntimeState) bool {
	validTargets, exists := ValidRuntimeTransitions[from]
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

// PressureSample is one CPU/memory reading reported by a runtime
// heartbeat
type PressureSample struct {
	CPUPercent    float64
	MemoryPercent float64
	TakenAt       time.Time
}

// TaskRuntime is a containerized worker that executes one or more
// concurrent runs. ActiveSlots is written only by the pool's lease
// path; LastHeartbeatAt only by its heartbeat ingest.
type TaskRuntime struct {
	ID                    string
	ContainerID           string
	Endpoint              string
	HostName              string
	MaxSlots              int
	ActiveSlots           int
	LifecycleState        RuntimeState
	StateChangedAt        time.Time
	AssignedRepositoryIDs []string
	MissedHeartbeats      int
	LastHeartbeatAt       *time.Time
	IdleSince             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	Version               int64
}

// SetState applies a lifecycle transition and stamps when it happened
func (r *TaskRuntime) SetState(state RuntimeState, now time.Time) {
	r.LifecycleState = state
	r.StateChangedAt = now
}

// Available reports whether the runtime can take a lease right now.
// Freshness is the heartbeat staleness window; a runtime that has
// never heartbeated is not available.
func (r *TaskRuntime) Available(now time.Time, freshness time.Duration) bool {
	if !r.LifecycleState.AcceptsLeases() {
		return false
	}
	if r.ActiveSlots >= r.MaxSlots {
		return false
	}
	if r.LastHeartbeatAt == nil {
		return false
	}
	return now.Sub(*r.LastHeartbeatAt) <= freshness
}

// HasAffinity returns true if the runtime is pinned to the repository
func (r *TaskRuntime) HasAffinity(repositoryID string) bool {
	for _, id := range r.AssignedRepositoryIDs {
		if id == repositoryID {
			return true
		}
	}
	return false
}

// AgeSeconds returns the runtime's age for lease scoring
func (r *TaskRuntime) AgeSeconds(now time.Time) float64 {
	return now.Sub(r.CreatedAt).Seconds()
}
