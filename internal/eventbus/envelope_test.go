package eventbus

import (
	"strings"
	"testing"
)

func TestParseEnvelopeFull(t *testing.T) {
	payload := `{
		"status": "Succeeded",
		"summary": "patched 2 files",
		"actions": [{"type": "open_pr", "url": "https://example.com/pr/1"}],
		"artifacts": ["dist/report.html"],
		"metrics": {"turns": 7, "toolCalls": 12.5},
		"metadata": {"branch": "fix/panic"}
	}`

	env, warnings, err := ParseEnvelope(payload)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if env.Status != HarnessSucceeded {
		t.Errorf("expected succeeded, got %s", env.Status)
	}
	if env.Summary != "patched 2 files" {
		t.Errorf("unexpected summary %q", env.Summary)
	}
	if len(env.Actions) != 1 || env.Actions[0].Type != "open_pr" {
		t.Errorf("unexpected actions %v", env.Actions)
	}
	if len(env.Artifacts) != 1 || env.Artifacts[0] != "dist/report.html" {
		t.Errorf("unexpected artifacts %v", env.Artifacts)
	}
	if env.Metrics["turns"] != 7 {
		t.Errorf("unexpected metrics %v", env.Metrics)
	}
	if env.Metadata["branch"] != "fix/panic" {
		t.Errorf("unexpected metadata %v", env.Metadata)
	}
}

func TestParseEnvelopeStatusCaseInsensitive(t *testing.T) {
	for _, text := range []string{"FAILED", "Failed", " failed "} {
		env, _, err := ParseEnvelope(`{"status": "` + text + `"}`)
		if err != nil {
			t.Errorf("status %q should parse: %v", text, err)
			continue
		}
		if env.Status != HarnessFailed {
			t.Errorf("status %q parsed as %s", text, env.Status)
		}
	}
}

func TestParseEnvelopeRejections(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"NotJSON", `deltas all the way`, "not a JSON object"},
		{"MissingStatus", `{"summary": "done"}`, "missing required status"},
		{"StatusNotString", `{"status": 200}`, "must be a string"},
		{"StatusUnrecognized", `{"status": "partial"}`, "not recognized"},
		{"ActionsNotArray", `{"status": "failed", "actions": {}}`, "must be an array"},
		{"ActionNotObject", `{"status": "failed", "actions": ["open_pr"]}`, "must be an object"},
		{"ActionMissingType", `{"status": "failed", "actions": [{"url": "x"}]}`, "missing string type"},
		{"ArtifactEmpty", `{"status": "failed", "artifacts": [""]}`, "non-empty string"},
		{"ArtifactNotString", `{"status": "failed", "artifacts": [3]}`, "non-empty string"},
		{"MetricNotNumber", `{"status": "failed", "metrics": {"turns": "7"}}`, "must be a number"},
		{"MetadataNotString", `{"status": "failed", "metadata": {"branch": 4}}`, "must be a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseEnvelope(tt.payload)
			if err == nil {
				t.Fatalf("expected rejection for %s", tt.payload)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseEnvelopeUnknownKeysWarn(t *testing.T) {
	env, warnings, err := ParseEnvelope(`{"status": "pending", "vibe": "good", "zz": 1}`)
	if err != nil {
		t.Fatalf("unknown keys must not reject: %v", err)
	}
	if env.Status != HarnessPending {
		t.Errorf("unexpected status %s", env.Status)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
	if !strings.Contains(warnings[0], "vibe") || !strings.Contains(warnings[1], "zz") {
		t.Errorf("warnings should name the keys in order: %v", warnings)
	}
}

func TestParseEnvelopeWrongTypeSummaryWarns(t *testing.T) {
	env, warnings, err := ParseEnvelope(`{"status": "unknown", "summary": 5}`)
	if err != nil {
		t.Fatalf("summary type mismatch must not reject: %v", err)
	}
	if env.Summary != "" {
		t.Errorf("expected empty summary, got %q", env.Summary)
	}
	if len(warnings) != 1 {
		t.Errorf("expected a warning, got %v", warnings)
	}
}
