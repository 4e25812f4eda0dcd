package notify

import (
	"fmt"

	"github.com/RevCBH/switchyard/internal/logging"
)

// Config selects which notification sinks are active
type Config struct {
	// Backends lists the sinks to enable: "log", "slack", "webhook".
	// Empty means log only.
	Backends []string

	// SlackWebhook is the Slack incoming-webhook URL, required when
	// the slack backend is enabled
	SlackWebhook string

	// WebhookURL is the generic webhook endpoint, required when the
	// webhook backend is enabled
	WebhookURL string
}

// FromConfig builds a notifier from configuration. With no backends
// configured it falls back to the process log so failures are never
// silently dropped.
func FromConfig(cfg Config, log *logging.Logger) (Notifier, error) {
	if len(cfg.Backends) == 0 {
		return NewLog(log), nil
	}

	var notifiers []Notifier
	for _, backend := range cfg.Backends {
		switch backend {
		case "log":
			notifiers = append(notifiers, NewLog(log))
		case "slack":
			if cfg.SlackWebhook == "" {
				return nil, fmt.Errorf("slack backend requires a webhook URL")
			}
			notifiers = append(notifiers, NewSlack(cfg.SlackWebhook))
		case "webhook":
			if cfg.WebhookURL == "" {
				return nil, fmt.Errorf("webhook backend requires a URL")
			}
			notifiers = append(notifiers, NewWebhook(cfg.WebhookURL))
		default:
			return nil, fmt.Errorf("unknown notification backend %q", backend)
		}
	}

	if len(notifiers) == 1 {
		return notifiers[0], nil
	}
	return NewMulti(notifiers...), nil
}
