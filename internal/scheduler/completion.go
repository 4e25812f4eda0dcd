package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/eventbus"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
)

// completionLoop consumes the bus and finalizes runs whose runtime
// reported a terminal status
func (s *Scheduler) completionLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if event.Category != model.CategoryRunCompleted {
				continue
			}
			s.handleCompletion(ctx, event)
		}
	}
}

// handleCompletion applies one run.completed event to the run record.
// Events for already terminal runs are skipped, which also absorbs the
// scheduler's own published completions. Events carrying a stale
// execution token belong to a superseded dispatch attempt and are
// dropped.
func (s *Scheduler) handleCompletion(ctx context.Context, event *model.RunEvent) {
	run, err := s.store.GetRun(ctx, event.RunID)
	if err != nil {
		s.log.Error("failed to load run for completion",
			zap.String("run_id", event.RunID), zap.Error(err))
		return
	}
	if run == nil {
		s.log.Debug("completion for unknown run", zap.String("run_id", event.RunID))
		return
	}
	if run.State.IsTerminal() {
		return
	}
	if event.ExecutionToken != "" && run.ExecutionToken != "" &&
		event.ExecutionToken != run.ExecutionToken {
		s.log.Warn("dropping completion with stale execution token",
			zap.String("run_id", run.ID),
			zap.String("event_token", event.ExecutionToken))
		return
	}

	envelope, warnings, err := eventbus.ParseEnvelope(event.PayloadJSON)
	if err != nil {
		s.log.Warn("completion envelope rejected",
			zap.String("run_id", run.ID), zap.Error(err))
		envelope = &eventbus.CompletionEnvelope{
			Status:    eventbus.HarnessUnknown,
			Error:     err.Error(),
			ErrorCode: "invalid_envelope",
		}
	}
	for _, warning := range warnings {
		s.log.Debug("completion envelope warning",
			zap.String("run_id", run.ID), zap.String("warning", warning))
	}

	if envelope.Status == eventbus.HarnessPending {
		s.parkPendingApproval(ctx, run, envelope)
		return
	}

	target, errorCode := terminalStateFor(envelope)
	now := s.clock.Now().UTC()
	err = s.updateRun(ctx, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return errAlreadyTerminal
		}
		r.State = target
		r.EndedAt = &now
		r.Summary = envelope.Summary
		if target == model.RunFailed {
			r.Error = envelope.Error
			r.ErrorCode = errorCode
		}
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return
	}
	if err != nil {
		s.log.Error("failed to finalize run",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	if run.DispatchedToRuntimeID != "" {
		s.pool.ReleaseLease(ctx, run.DispatchedToRuntimeID)
	}
	metrics.RunsCompleted.WithLabelValues(string(target)).Inc()
	s.log.Info("run completed",
		zap.String("run_id", run.ID),
		zap.String("state", string(target)),
		zap.String("error_code", errorCode))

	if target == model.RunFailed && model.ErrorKind(errorCode).Retryable() {
		s.scheduleRetry(ctx, run, now)
	}

	// Freed capacity may unblock a deferred candidate.
	s.Wake()
}

var errAlreadyTerminal = errors.New("run already terminal")

// parkPendingApproval moves a run whose harness stopped for a human
// decision out of Running. The runtime slot frees immediately; the run
// leaves PendingApproval only through RetryRun or CancelRun.
func (s *Scheduler) parkPendingApproval(ctx context.Context, run *model.Run, envelope *eventbus.CompletionEnvelope) {
	err := s.updateRun(ctx, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return errAlreadyTerminal
		}
		if !model.CanTransitionRun(r.State, model.RunPendingApproval) {
			return model.NewError(model.KindPreconditionFailed, "invalid_run_transition",
				fmt.Sprintf("cannot park run in state %s", r.State))
		}
		r.State = model.RunPendingApproval
		r.Summary = envelope.Summary
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return
	}
	if err != nil {
		s.log.Error("failed to park run awaiting approval",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	if run.DispatchedToRuntimeID != "" {
		s.pool.ReleaseLease(ctx, run.DispatchedToRuntimeID)
	}
	s.log.Info("run awaiting approval", zap.String("run_id", run.ID))

	// The freed slot may admit a deferred candidate
	s.Wake()
}

// terminalStateFor maps an envelope status onto the run state machine.
// Anything that is not an explicit success or cancellation lands in
// Failed so a run never silently leaves Running.
func terminalStateFor(envelope *eventbus.CompletionEnvelope) (model.RunState, string) {
	switch envelope.Status {
	case eventbus.HarnessSucceeded:
		return model.RunSucceeded, ""
	case eventbus.HarnessCancelled:
		return model.RunCancelled, ""
	default:
		code := envelope.ErrorCode
		if code == "" {
			code = fmt.Sprintf("harness_%s", envelope.Status)
		}
		return model.RunFailed, code
	}
}

// publishRunCompleted emits the control plane's own terminal event for
// transitions no runtime will report: dispatch failures, queued
// cancellations, and grace window kills. The bus assigns the sequence.
func (s *Scheduler) publishRunCompleted(ctx context.Context, run *model.Run, status eventbus.HarnessStatus, summary, errText, errorCode string) {
	payload := map[string]any{"status": string(status)}
	if summary != "" {
		payload["summary"] = summary
	}
	if errText != "" {
		payload["error"] = errText
	}
	if errorCode != "" {
		payload["errorCode"] = errorCode
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("failed to encode completion payload",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	event := &model.RunEvent{
		RunID:          run.ID,
		TaskID:         run.TaskID,
		ExecutionToken: run.ExecutionToken,
		Category:       model.CategoryRunCompleted,
		PayloadJSON:    string(encoded),
		Timestamp:      s.clock.Now().UTC(),
	}
	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish run completion",
			zap.String("run_id", run.ID), zap.Error(err))
	}
}

// updateRun retries the read-modify-write on version conflicts. The
// mutate func sees a fresh row each attempt.
func (s *Scheduler) updateRun(ctx context.Context, runID string, mutate func(*model.Run) error) error {
	return retry.Do(
		func() error {
			run, err := s.store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			if run == nil {
				return retry.Unrecoverable(model.NewError(model.KindNotFound, "run_not_found",
					fmt.Sprintf("run %s not found", runID)))
			}
			if err := mutate(run); err != nil {
				return retry.Unrecoverable(err)
			}
			run.UpdatedAt = s.clock.Now().UTC()
			if err := s.store.UpdateRun(ctx, run); err != nil {
				return err
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}
