package model

import "time"

// Task is a named unit of agent work bound to a repository. It owns
// the default execution policy; each run snapshots these fields at
// enqueue time.
type Task struct {
	ID               string
	RepositoryID     string
	Name             string
	Enabled          bool
	HarnessName      string
	ImageTag         string
	Instruction      string
	WorkingDirectory string
	Env              map[string]string
	CustomArgs       []string
	ArtifactPatterns []string
	ConcurrencyKey   string
	ConcurrencyLimit *int
	RetryPolicy      RetryPolicy
	SandboxProfile   SandboxProfile
	Timeout          TimeoutPolicy
	ArtifactPolicy   ArtifactPolicy
	ApprovalProfile  *ApprovalProfile
	CronExpression   string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Repository is the unit of workspace affinity and per-repo admission
// limits. ProjectID groups repositories for the per-project cap.
type Repository struct {
	ID            string
	ProjectID     string
	Name          string
	CloneURL      string
	DefaultBranch string
	WorkspacePath string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
