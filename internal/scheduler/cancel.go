package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/eventbus"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
)

// CancelRun requests cancellation of a run. Queued and
// approval-parked runs cancel immediately; running runs get a graceful
// stop and are force-killed by the tick loop once the grace window
// elapses. Calling this on a terminal or already-cancelling run is a
// no-op, never an error.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return model.NewError(model.KindNotFound, "run_not_found",
			fmt.Sprintf("run %s not found", runID))
	}
	if run.State.IsTerminal() {
		return nil
	}

	now := s.clock.Now().UTC()
	if run.State == model.RunRunning {
		return s.requestStop(ctx, run, now)
	}
	return s.cancelWithoutStop(ctx, run, now)
}

// cancelWithoutStop finalizes a run that holds no runtime slot: still
// queued, or parked awaiting approval
func (s *Scheduler) cancelWithoutStop(ctx context.Context, run *model.Run, now time.Time) error {
	summary := "cancelled before dispatch"
	if run.State == model.RunPendingApproval {
		summary = "cancelled while awaiting approval"
	}
	err := s.updateRun(ctx, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return errAlreadyTerminal
		}
		if !model.CanTransitionRun(r.State, model.RunCancelled) {
			return model.NewError(model.KindPreconditionFailed, "invalid_run_transition",
				fmt.Sprintf("cannot cancel run in state %s", r.State))
		}
		r.State = model.RunCancelled
		r.CancelRequestedAt = &now
		r.EndedAt = &now
		r.Summary = summary
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RunsCompleted.WithLabelValues(string(model.RunCancelled)).Inc()
	s.publishRunCompleted(ctx, run, eventbus.HarnessCancelled, summary, "", "")
	s.log.Info("cancelled run without stop", zap.String("run_id", run.ID))
	return nil
}

// requestStop records the cancellation and asks the runtime to stop
// the run. The runtime answers with a run.completed{cancelled} event;
// enforceCancelGrace escalates when that never arrives.
func (s *Scheduler) requestStop(ctx context.Context, run *model.Run, now time.Time) error {
	if run.CancelRequestedAt != nil {
		return nil
	}

	err := s.updateRun(ctx, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return errAlreadyTerminal
		}
		if r.CancelRequestedAt != nil {
			return errAlreadyTerminal
		}
		r.CancelRequestedAt = &now
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.gateway.StopJob(ctx, run.ID); err != nil {
		// The grace window escalation covers a lost stop request.
		s.log.Warn("stop request failed",
			zap.String("run_id", run.ID), zap.Error(err))
	}
	s.log.Info("requested run stop", zap.String("run_id", run.ID))
	return nil
}

// enforceCancelGrace force-terminates runs whose graceful stop never
// completed within the grace window
func (s *Scheduler) enforceCancelGrace(ctx context.Context, now time.Time) {
	running, err := s.store.ListRunsByState(ctx, model.RunRunning)
	if err != nil {
		s.log.Error("failed to scan for stuck cancellations", zap.Error(err))
		return
	}
	for _, run := range running {
		if run.CancelRequestedAt == nil {
			continue
		}
		if now.Sub(*run.CancelRequestedAt) < cancelGraceWindow {
			continue
		}
		s.forceCancel(ctx, run, now)
	}
}

// forceCancel kills the backing container and finalizes the run as
// Cancelled. User cancellation never lands in Failed, even on the
// force path.
func (s *Scheduler) forceCancel(ctx context.Context, run *model.Run, now time.Time) {
	if run.DispatchedToRuntimeID != "" {
		rt, err := s.store.GetTaskRuntime(ctx, run.DispatchedToRuntimeID)
		if err != nil {
			s.log.Warn("failed to resolve runtime for force cancel",
				zap.String("run_id", run.ID), zap.Error(err))
		}
		if rt != nil && rt.ContainerID != "" {
			if _, err := s.gateway.KillContainer(ctx, rt.ContainerID); err != nil {
				s.log.Warn("container kill failed",
					zap.String("run_id", run.ID),
					zap.String("container_id", rt.ContainerID),
					zap.Error(err))
			}
		}
	}

	err := s.updateRun(ctx, run.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return errAlreadyTerminal
		}
		r.State = model.RunCancelled
		r.EndedAt = &now
		r.Summary = "cancelled after stop grace window"
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return
	}
	if err != nil {
		s.log.Error("failed to finalize forced cancellation",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	if run.DispatchedToRuntimeID != "" {
		s.pool.ReleaseLease(ctx, run.DispatchedToRuntimeID)
	}
	metrics.RunsCompleted.WithLabelValues(string(model.RunCancelled)).Inc()
	s.publishRunCompleted(ctx, run, eventbus.HarnessCancelled, "cancelled after stop grace window", "", "")
	s.log.Warn("force cancelled run",
		zap.String("run_id", run.ID),
		zap.String("runtime_id", run.DispatchedToRuntimeID))
}
