// Package notify delivers operator notifications for runs that need a
// human: failures and attempts stalled awaiting approval. Sinks are
// best-effort; a lost notification never affects the run itself.
package notify

import "context"

// Severity indicates how urgent the notification is
type Severity string

const (
	SeverityInfo     Severity = "info"     // FYI, no action needed
	SeverityWarning  Severity = "warning"  // May need attention
	SeverityCritical Severity = "critical" // Requires operator action
	SeverityBlocking Severity = "blocking" // Run cannot proceed without a human
)

// Notification describes a run that needs operator attention
type Notification struct {
	Severity Severity
	RunID    string
	TaskID   string
	Title    string            // Short summary (one line)
	Message  string            // Detailed explanation
	Fields   map[string]string // Additional context (error code, attempt, runtime id)
}

// Notifier is the interface for delivering notifications
type Notifier interface {
	// Notify sends one notification. Implementations respect context
	// cancellation and return nil on successful delivery.
	Notify(ctx context.Context, n Notification) error

	// Name returns the sink type for logging
	Name() string
}
