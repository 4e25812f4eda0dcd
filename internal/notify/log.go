package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/logging"
)

// Log writes notifications to the process log. It is the default sink
// so a bare config still surfaces failed runs somewhere.
type Log struct {
	log *logging.Logger
}

// NewLog creates a log notifier
func NewLog(log *logging.Logger) *Log {
	return &Log{log: log.WithFields(zap.String("component", "notify"))}
}

// Notify writes the notification at a level matching its severity
func (l *Log) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fields := []zap.Field{
		zap.String("run_id", n.RunID),
		zap.String("task_id", n.TaskID),
		zap.String("severity", string(n.Severity)),
	}
	for k, v := range n.Fields {
		fields = append(fields, zap.String(k, v))
	}
	if n.Message != "" {
		fields = append(fields, zap.String("detail", n.Message))
	}

	switch n.Severity {
	case SeverityCritical, SeverityBlocking:
		l.log.Error(n.Title, fields...)
	case SeverityWarning:
		l.log.Warn(n.Title, fields...)
	default:
		l.log.Info(n.Title, fields...)
	}
	return nil
}

// Name returns "log"
func (l *Log) Name() string {
	return "log"
}
