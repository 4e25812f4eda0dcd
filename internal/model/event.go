package model

import "time"

// EventCategory classifies a run event for subscribers
type EventCategory string

const (
	CategoryRunQueued      EventCategory = "run.queued"
	CategoryRunStarted     EventCategory = "run.started"
	CategoryRunCompleted   EventCategory = "run.completed"
	CategoryReasoningDelta EventCategory = "reasoning.delta"
	CategoryAssistantDelta EventCategory = "assistant.delta"
	CategoryToolCall       EventCategory = "tool.call"
	CategoryToolResult     EventCategory = "tool.result"
	CategoryDiffUpdated    EventCategory = "diff.updated"
	CategoryHarnessRaw     EventCategory = "harness.raw" // passthrough for unprojected chunks
)

// RunEvent is one entry of the per-run event stream. DeliveryID is
// process-monotonic and assigned by the bus at publish; Sequence is
// run-monotonic and assigned by the producer.
type RunEvent struct {
	DeliveryID     int64
	RunID          string
	TaskID         string
	ExecutionToken string
	Sequence       int64
	Category       EventCategory
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
