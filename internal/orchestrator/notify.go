package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/eventbus"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/notify"
)

// notifyLoop watches the event stream for completed runs and raises
// operator notifications for the ones that need a human. Delivery is
// best-effort: a failed notification is logged, never retried.
func (s *Service) notifyLoop(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Category != model.CategoryRunCompleted {
				continue
			}
			s.notifyRunCompleted(ctx, event)
		}
	}
}

func (s *Service) notifyRunCompleted(ctx context.Context, event *model.RunEvent) {
	var payload struct {
		Status    string `json:"status"`
		Error     string `json:"error"`
		ErrorCode string `json:"errorCode"`
		Summary   string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(event.PayloadJSON), &payload); err != nil {
		s.log.Warn("unparseable completion payload",
			zap.String("run_id", event.RunID), zap.Error(err))
		return
	}

	var n notify.Notification
	switch eventbus.HarnessStatus(payload.Status) {
	case eventbus.HarnessSucceeded, eventbus.HarnessCancelled:
		return
	case eventbus.HarnessPending:
		n = notify.Notification{
			Severity: notify.SeverityBlocking,
			RunID:    event.RunID,
			TaskID:   event.TaskID,
			Title:    "Run awaiting approval",
			Message:  payload.Summary,
		}
	default:
		code := payload.ErrorCode
		if code == "" {
			code = fmt.Sprintf("harness_%s", payload.Status)
		}
		if s.willRetry(ctx, event.RunID, code) {
			return
		}
		fields := map[string]string{"errorCode": code}
		if run, err := s.store.GetRun(ctx, event.RunID); err == nil {
			fields["attempt"] = fmt.Sprintf("%d/%d", run.Attempt, run.RetryPolicy.MaxAttempts)
		}
		n = notify.Notification{
			Severity: notify.SeverityCritical,
			RunID:    event.RunID,
			TaskID:   event.TaskID,
			Title:    "Run failed",
			Message:  payload.Error,
			Fields:   fields,
		}
	}

	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Warn("notification delivery failed",
			zap.String("sink", s.notifier.Name()),
			zap.String("run_id", event.RunID),
			zap.Error(err))
	}
}

// willRetry mirrors the scheduler's retry decision so operators only
// hear about the attempt that exhausts the budget. Attempt and the
// retry policy are fixed at run creation, so reading them here does
// not race the scheduler's own handling of the same event.
func (s *Service) willRetry(ctx context.Context, runID, errorCode string) bool {
	if !model.ErrorKind(errorCode).Retryable() {
		return false
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		// Can't tell; notifying is the safe side
		return false
	}
	return run.Attempt < run.RetryPolicy.MaxAttempts
}
