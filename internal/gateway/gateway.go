// Package gateway defines the wire surface between the control plane
// and task runtimes. The control plane only ever talks to runtimes
// through these interfaces; the production driver lives outside this
// module.
package gateway

import (
	"context"
	"time"
)

// DispatchJobRequest carries everything a runtime needs to start a run
type DispatchJobRequest struct {
	RunID             string
	RepositoryID      string
	TaskID            string
	HarnessType       string
	ImageTag          string
	CloneURL          string
	Branch            string
	CommitSha         string
	WorkingDirectory  string
	Instruction       string
	Env               map[string]string
	Secrets           map[string]string
	ConcurrencyKey    string
	TimeoutSeconds    int
	RetryCount        int
	ArtifactPatterns  []string
	LinkedFailureRuns []string
	CustomArgs        []string
	DispatchedAt      time.Time
	ContainerLabels   map[string]string
	Attempt           int
	ExecutionToken    string

	// Sandbox limits
	CPULimit         *float64
	MemoryLimitBytes *int64
	NetworkDisabled  bool
	ReadOnlyRootFs   bool

	// Artifact policy
	MaxArtifacts      *int
	MaxTotalSizeBytes *int64

	// Target runtime, resolved from the lease
	RuntimeID   string
	ContainerID string
	Endpoint    string
}

// DispatchResult reports a successful dispatch
type DispatchResult struct {
	DispatchedAt time.Time
}

// KillResult reports a container kill
type KillResult struct {
	WasRunning bool
}

// ReconcileResult lists containers the runtime force-removed because
// no live run claimed them
type ReconcileResult struct {
	ReconciledCount int
	ContainerIDs    []string
}

// HarnessTool describes one agent tool available inside runtimes
type HarnessTool struct {
	Command     string
	DisplayName string
	Status      string
	Version     string
}

// HarnessToolsResult is the harness inventory of a runtime image
type HarnessToolsResult struct {
	Tools     []HarnessTool
	CheckedAt time.Time
}

// RuntimeGateway is the outbound wire protocol to task runtimes.
// Implementations must be safe for concurrent use. Failures should be
// classified with model error kinds so the scheduler can decide
// retry vs. terminal.
type RuntimeGateway interface {
	// DispatchJob starts a run on the runtime resolved in the request.
	DispatchJob(ctx context.Context, req *DispatchJobRequest) (*DispatchResult, error)

	// StopJob asks the runtime to stop a run gracefully. The runtime
	// reports the outcome through a run.completed event.
	StopJob(ctx context.Context, runID string) error

	// KillContainer force-removes a container. Used as the escalation
	// when StopJob does not take effect within the grace window.
	KillContainer(ctx context.Context, containerID string) (*KillResult, error)

	// ReconcileOrphanedContainers asks a runtime to remove containers
	// not tied to any live run.
	ReconcileOrphanedContainers(ctx context.Context, runtimeID string) (*ReconcileResult, error)

	// GetHarnessTools reports the agent tools installed in the runtime image.
	GetHarnessTools(ctx context.Context, requestID string) (*HarnessToolsResult, error)
}

// Heartbeat is the periodic runtime report. ActiveRunIDs feeds orphan
// reconciliation; CPU and memory feed pressure scaling.
type Heartbeat struct {
	RuntimeID     string
	HostName      string
	ActiveSlots   int
	MaxSlots      int
	CPUPercent    float64
	MemoryPercent float64
	ActiveRunIDs  []string
	Timestamp     time.Time
}

// RuntimeEventFrame is one event pushed by a runtime. Category may be
// empty for raw harness chunks; the bus projects those.
type RuntimeEventFrame struct {
	RunID          string
	TaskID         string
	ExecutionToken string
	Sequence       int64
	Category       string
	SchemaVersion  string
	PayloadJSON    string
	BinaryPayload  []byte
	ContentType    string
	CommandID      string
	ArtifactID     string
	ChunkIndex     *int
	IsLastChunk    bool
	Timestamp      time.Time
}

// HeartbeatHandler receives inbound runtime heartbeats
type HeartbeatHandler func(ctx context.Context, hb *Heartbeat) error

// EventFrameHandler receives inbound runtime event frames
type EventFrameHandler func(ctx context.Context, frame *RuntimeEventFrame) error

// ProvisionSpec describes the container a new runtime should run in
type ProvisionSpec struct {
	RuntimeID     string
	ContainerName string
	Image         string
	Network       string
	MaxSlots      int
	Labels        map[string]string
}

// ProvisionResult identifies the backing container of a new runtime
type ProvisionResult struct {
	ContainerID string
	Endpoint    string
}

// RuntimeProvisioner creates and removes runtime containers. The pool
// drives it through background work so provisioning never blocks a
// scheduling tick.
type RuntimeProvisioner interface {
	ProvisionRuntime(ctx context.Context, spec *ProvisionSpec) (*ProvisionResult, error)
	RemoveRuntime(ctx context.Context, containerID string) error
}
