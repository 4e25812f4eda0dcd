package model

import (
	"math"
	"time"
)

// RetryPolicy controls automatic re-enqueue of failed runs
type RetryPolicy struct {
	MaxAttempts        int     `yaml:"maxAttempts" json:"maxAttempts"`
	BackoffBaseSeconds float64 `yaml:"backoffBaseSeconds" json:"backoffBaseSeconds"`
	BackoffMultiplier  float64 `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	MaxBackoffSeconds  float64 `yaml:"maxBackoffSeconds" json:"maxBackoffSeconds"`
}

// DefaultRetryPolicy returns the policy applied when a task does not
// override retry behavior
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		BackoffBaseSeconds: 5,
		BackoffMultiplier:  2.0,
		MaxBackoffSeconds:  300,
	}
}

// BackoffFor returns the delay before the given attempt number runs.
// Attempt 2 waits base, attempt 3 waits base*multiplier, and so on,
// capped at MaxBackoffSeconds when set.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	base := p.BackoffBaseSeconds
	if base <= 0 {
		base = 1
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	seconds := base * math.Pow(mult, float64(attempt-2))
	if p.MaxBackoffSeconds > 0 && seconds > p.MaxBackoffSeconds {
		seconds = p.MaxBackoffSeconds
	}
	return time.Duration(seconds * float64(time.Second))
}

// SandboxProfile bounds what a dispatched run may consume inside its
// container. Nil limits mean "driver default".
type SandboxProfile struct {
	CPULimit         *float64 `yaml:"cpuLimit,omitempty" json:"cpuLimit,omitempty"`
	MemoryLimitBytes *int64   `yaml:"memoryLimitBytes,omitempty" json:"memoryLimitBytes,omitempty"`
	NetworkDisabled  bool     `yaml:"networkDisabled" json:"networkDisabled"`
	ReadOnlyRootFs   bool     `yaml:"readOnlyRootFs" json:"readOnlyRootFs"`
}

// TimeoutPolicy bounds run execution time
type TimeoutPolicy struct {
	ExecutionSeconds int `yaml:"executionSeconds" json:"executionSeconds"`
	OverallSeconds   int `yaml:"overallSeconds" json:"overallSeconds"`
}

// DefaultTimeoutPolicy returns the stock execution timeouts
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		ExecutionSeconds: 600,
		OverallSeconds:   1800,
	}
}

// ArtifactPolicy caps what a run may upload
type ArtifactPolicy struct {
	MaxArtifacts      *int   `yaml:"maxArtifacts,omitempty" json:"maxArtifacts,omitempty"`
	MaxTotalSizeBytes *int64 `yaml:"maxTotalSizeBytes,omitempty" json:"maxTotalSizeBytes,omitempty"`
}

// ApprovalProfile gates a run on a human decision before it may
// produce effects. Persisted with the task; multi-stage gating is not
// scheduled yet.
type ApprovalProfile struct {
	Required     bool `yaml:"required" json:"required"`
	TimeoutHours int  `yaml:"timeoutHours" json:"timeoutHours"`
}
