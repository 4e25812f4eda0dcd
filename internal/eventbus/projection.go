package eventbus

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/model"
)

// HarnessFrameMarker tags JSON chunks that carry a structured harness
// event. Chunks without it pass through as harness.raw.
const HarnessFrameMarker = "agentsdashboard.harness-runtime-event.v1"

// harnessFrame is the wire shape of a marked chunk
type harnessFrame struct {
	Marker        string          `json:"marker"`
	Type          string          `json:"type"`
	SchemaVersion string          `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
}

var projectedCategories = map[string]model.EventCategory{
	"reasoning.delta": model.CategoryReasoningDelta,
	"assistant.delta": model.CategoryAssistantDelta,
	"tool.call":       model.CategoryToolCall,
	"tool.result":     model.CategoryToolResult,
	"diff.updated":    model.CategoryDiffUpdated,
	"run.completed":   model.CategoryRunCompleted,
}

// Ingest accepts one frame from a runtime, projects raw harness chunks
// into structured categories, and publishes the result. Terminal
// envelopes are validated before acceptance; an invalid envelope
// rejects the frame.
func (b *Bus) Ingest(ctx context.Context, frame *gateway.RuntimeEventFrame) error {
	event := &model.RunEvent{
		RunID:          frame.RunID,
		TaskID:         frame.TaskID,
		ExecutionToken: frame.ExecutionToken,
		Sequence:       frame.Sequence,
		SchemaVersion:  frame.SchemaVersion,
		PayloadJSON:    frame.PayloadJSON,
		BinaryPayload:  frame.BinaryPayload,
		ContentType:    frame.ContentType,
		CommandID:      frame.CommandID,
		ArtifactID:     frame.ArtifactID,
		ChunkIndex:     frame.ChunkIndex,
		IsLastChunk:    frame.IsLastChunk,
		Timestamp:      frame.Timestamp,
	}

	if frame.Category != "" {
		category, ok := projectedCategories[frame.Category]
		if !ok {
			category = model.CategoryHarnessRaw
		}
		event.Category = category
	} else {
		b.projectChunk(event)
	}

	if event.Category == model.CategoryRunCompleted {
		warnings, err := ValidateEnvelope(event.PayloadJSON)
		if err != nil {
			return &model.ClassifiedError{Kind: model.KindInvalidInput, Code: "invalid_envelope", Message: "terminal envelope rejected", Err: err}
		}
		for _, warning := range warnings {
			b.log.Warn("envelope warning",
				zap.String("run_id", event.RunID),
				zap.String("warning", warning))
		}
	}

	return b.Publish(ctx, event)
}

// projectChunk inspects an unlabeled chunk for a marker frame. Marked
// frames of a known type take that category and unwrap their payload;
// everything else passes through as harness.raw.
func (b *Bus) projectChunk(event *model.RunEvent) {
	event.Category = model.CategoryHarnessRaw

	var frame harnessFrame
	if err := json.Unmarshal([]byte(event.PayloadJSON), &frame); err != nil {
		return
	}
	if frame.Marker != HarnessFrameMarker {
		return
	}
	category, ok := projectedCategories[frame.Type]
	if !ok {
		b.log.Debug("unknown harness frame type",
			zap.String("run_id", event.RunID),
			zap.String("type", frame.Type))
		return
	}
	event.Category = category
	if len(frame.Payload) > 0 {
		event.PayloadJSON = string(frame.Payload)
	}
	if frame.SchemaVersion != "" {
		event.SchemaVersion = frame.SchemaVersion
	}
}
