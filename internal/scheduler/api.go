package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/eventbus"
	"github.com/RevCBH/switchyard/internal/ids"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/store"
)

// CreateRun enqueues a new run for the task. The run snapshots the
// task's policies at enqueue time. Admission happens on the next pass,
// so a disabled task accepts runs that then sit queued until it is
// enabled again.
func (s *Scheduler) CreateRun(ctx context.Context, taskID string) (*model.Run, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, model.NewError(model.KindNotFound, "task_not_found",
			fmt.Sprintf("task %s not found", taskID))
	}

	run := model.NewRun(ids.New(), task, s.clock.Now().UTC())
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.log.Info("created run",
		zap.String("run_id", run.ID),
		zap.String("task_id", taskID))
	s.Wake()
	return run, nil
}

// RetryRun re-queues a terminal run as a fresh first attempt. Unlike
// automatic retries the attempt counter restarts, since the operator
// decided the previous chain's failures no longer count. A run parked
// in PendingApproval may also be retried; the parked run is closed as
// superseded so it stops waiting for a decision nobody will make.
func (s *Scheduler) RetryRun(ctx context.Context, runID string) (*model.Run, error) {
	source, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, model.NewError(model.KindNotFound, "run_not_found",
			fmt.Sprintf("run %s not found", runID))
	}
	if !source.State.IsTerminal() && source.State != model.RunPendingApproval {
		return nil, model.NewError(model.KindPreconditionFailed, "run_not_terminal",
			fmt.Sprintf("run %s is %s; only terminal or approval-parked runs can be retried", runID, source.State))
	}

	now := s.clock.Now().UTC()
	if source.State == model.RunPendingApproval {
		if err := s.supersedeParkedRun(ctx, source, now); err != nil {
			return nil, err
		}
	}

	run := model.RequeueOf(ids.New(), source, now)
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.log.Info("requeued run",
		zap.String("source_run_id", runID),
		zap.String("run_id", run.ID))
	s.Wake()
	return run, nil
}

// supersedeParkedRun finalizes a PendingApproval run whose requeue
// replaces it. Losing a race with a concurrent cancel is fine; the
// source ended up terminal either way.
func (s *Scheduler) supersedeParkedRun(ctx context.Context, source *model.Run, now time.Time) error {
	err := s.updateRun(ctx, source.ID, func(r *model.Run) error {
		if r.State.IsTerminal() {
			return errAlreadyTerminal
		}
		r.State = model.RunCancelled
		r.EndedAt = &now
		r.Summary = "superseded by requeue"
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return nil
	}
	if err != nil {
		return err
	}

	metrics.RunsCompleted.WithLabelValues(string(model.RunCancelled)).Inc()
	s.publishRunCompleted(ctx, source, eventbus.HarnessCancelled, "superseded by requeue", "", "")
	return nil
}

// GetRun returns a run by id
func (s *Scheduler) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, model.NewError(model.KindNotFound, "run_not_found",
			fmt.Sprintf("run %s not found", runID))
	}
	return run, nil
}

// ListRuns returns runs matching the filter
func (s *Scheduler) ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.Run, error) {
	return s.store.ListRuns(ctx, filter)
}
