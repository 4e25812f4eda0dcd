package eventbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HarnessStatus is the terminal status a harness reports in its
// completion envelope
type HarnessStatus string

const (
	HarnessSucceeded HarnessStatus = "succeeded"
	HarnessFailed    HarnessStatus = "failed"
	HarnessUnknown   HarnessStatus = "unknown"
	HarnessCancelled HarnessStatus = "cancelled"
	HarnessPending   HarnessStatus = "pending"
)

var validStatuses = map[HarnessStatus]struct{}{
	HarnessSucceeded: {},
	HarnessFailed:    {},
	HarnessUnknown:   {},
	HarnessCancelled: {},
	HarnessPending:   {},
}

// EnvelopeAction is one follow-up action declared by the harness
type EnvelopeAction struct {
	Type   string
	Fields map[string]any
}

// CompletionEnvelope is the parsed terminal payload of a run
type CompletionEnvelope struct {
	Status    HarnessStatus
	Summary   string
	Error     string
	ErrorCode string
	Actions   []EnvelopeAction
	Artifacts []string
	Metrics   map[string]float64
	Metadata  map[string]string
}

var knownEnvelopeKeys = map[string]struct{}{
	"status": {}, "summary": {}, "error": {}, "errorCode": {},
	"actions": {}, "artifacts": {}, "metrics": {}, "metadata": {},
}

// ValidateEnvelope checks a terminal payload without keeping the
// parsed form. Returns warnings for tolerated oddities and an error
// when the envelope must be rejected.
func ValidateEnvelope(payload string) ([]string, error) {
	_, warnings, err := ParseEnvelope(payload)
	return warnings, err
}

// ParseEnvelope parses and validates a terminal payload. Status is
// required and matched case-insensitively. Malformed actions,
// artifacts, metrics, or metadata reject the envelope; unknown
// top-level keys only produce warnings.
func ParseEnvelope(payload string) (*CompletionEnvelope, []string, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return nil, nil, fmt.Errorf("envelope is not a JSON object: %w", err)
	}

	env := &CompletionEnvelope{}
	var warnings []string

	statusValue, ok := raw["status"]
	if !ok {
		return nil, nil, fmt.Errorf("envelope missing required status")
	}
	statusText, ok := statusValue.(string)
	if !ok {
		return nil, nil, fmt.Errorf("envelope status must be a string, got %T", statusValue)
	}
	status := HarnessStatus(strings.ToLower(strings.TrimSpace(statusText)))
	if _, ok := validStatuses[status]; !ok {
		return nil, nil, fmt.Errorf("envelope status %q is not recognized", statusText)
	}
	env.Status = status

	env.Summary, warnings = optionalString(raw, "summary", warnings)
	env.Error, warnings = optionalString(raw, "error", warnings)
	env.ErrorCode, warnings = optionalString(raw, "errorCode", warnings)

	if value, ok := raw["actions"]; ok {
		items, ok := value.([]any)
		if !ok {
			return nil, nil, fmt.Errorf("envelope actions must be an array, got %T", value)
		}
		for i, item := range items {
			fields, ok := item.(map[string]any)
			if !ok {
				return nil, nil, fmt.Errorf("envelope actions[%d] must be an object, got %T", i, item)
			}
			actionType, ok := fields["type"].(string)
			if !ok || actionType == "" {
				return nil, nil, fmt.Errorf("envelope actions[%d] missing string type", i)
			}
			env.Actions = append(env.Actions, EnvelopeAction{Type: actionType, Fields: fields})
		}
	}

	if value, ok := raw["artifacts"]; ok {
		items, ok := value.([]any)
		if !ok {
			return nil, nil, fmt.Errorf("envelope artifacts must be an array, got %T", value)
		}
		for i, item := range items {
			path, ok := item.(string)
			if !ok || path == "" {
				return nil, nil, fmt.Errorf("envelope artifacts[%d] must be a non-empty string", i)
			}
			env.Artifacts = append(env.Artifacts, path)
		}
	}

	if value, ok := raw["metrics"]; ok {
		fields, ok := value.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("envelope metrics must be an object, got %T", value)
		}
		env.Metrics = make(map[string]float64, len(fields))
		for key, metricValue := range fields {
			number, ok := metricValue.(float64)
			if !ok {
				return nil, nil, fmt.Errorf("envelope metrics[%s] must be a number, got %T", key, metricValue)
			}
			env.Metrics[key] = number
		}
	}

	if value, ok := raw["metadata"]; ok {
		fields, ok := value.(map[string]any)
		if !ok {
			return nil, nil, fmt.Errorf("envelope metadata must be an object, got %T", value)
		}
		env.Metadata = make(map[string]string, len(fields))
		for key, metaValue := range fields {
			text, ok := metaValue.(string)
			if !ok {
				return nil, nil, fmt.Errorf("envelope metadata[%s] must be a string, got %T", key, metaValue)
			}
			env.Metadata[key] = text
		}
	}

	var unknown []string
	for key := range raw {
		if _, ok := knownEnvelopeKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	for _, key := range unknown {
		warnings = append(warnings, fmt.Sprintf("unknown envelope key %q", key))
	}

	return env, warnings, nil
}

func optionalString(raw map[string]any, key string, warnings []string) (string, []string) {
	value, ok := raw[key]
	if !ok {
		return "", warnings
	}
	text, ok := value.(string)
	if !ok {
		return "", append(warnings, fmt.Sprintf("envelope %s should be a string, got %T", key, value))
	}
	return text, warnings
}
