package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/eventbus"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/ids"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/runtimepool"
	"github.com/RevCBH/switchyard/internal/store"
)

// linkedFailureLimit caps how many prior failed run ids ride along in
// a dispatch request
const linkedFailureLimit = 5

// dispatchRun executes the dispatch protocol for an admitted run: mint
// a fresh execution token, persist the Running transition, then hand
// the run to the gateway. The run is persisted before the wire call so
// a crash between the two leaves a Running row the dead run detector
// can reclaim, never a silently lost run.
func (s *Scheduler) dispatchRun(ctx context.Context, run *model.Run, task *model.Task, repo *model.Repository, lease *runtimepool.Lease, now time.Time) bool {
	run.State = model.RunRunning
	run.StartedAt = &now
	run.DispatchedToRuntimeID = lease.RuntimeID
	run.ExecutionToken = ids.NewExecutionToken()
	run.LastHeartbeatAt = &now
	run.UpdatedAt = now

	if err := s.store.UpdateRun(ctx, run); err != nil {
		s.pool.ReleaseLease(ctx, lease.RuntimeID)
		if errors.Is(err, model.ErrVersionConflict) {
			// Someone else moved the run, most likely a cancellation.
			s.log.Debug("run changed during admission, deferring",
				zap.String("run_id", run.ID))
		} else {
			s.log.Error("failed to persist dispatch transition",
				zap.String("run_id", run.ID), zap.Error(err))
		}
		return false
	}

	req := s.buildDispatchRequest(ctx, run, task, repo, lease, now)
	dispatchCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	if _, err := s.gateway.DispatchJob(dispatchCtx, req); err != nil {
		s.handleDispatchFailure(ctx, run, lease, err)
		return false
	}

	s.log.Info("dispatched run",
		zap.String("run_id", run.ID),
		zap.String("task_id", run.TaskID),
		zap.String("runtime_id", lease.RuntimeID),
		zap.Int("attempt", run.Attempt))
	return true
}

func (s *Scheduler) buildDispatchRequest(ctx context.Context, run *model.Run, task *model.Task, repo *model.Repository, lease *runtimepool.Lease, now time.Time) *gateway.DispatchJobRequest {
	return &gateway.DispatchJobRequest{
		RunID:             run.ID,
		RepositoryID:      repo.ID,
		TaskID:            task.ID,
		HarnessType:       task.HarnessName,
		ImageTag:          task.ImageTag,
		CloneURL:          repo.CloneURL,
		Branch:            repo.DefaultBranch,
		WorkingDirectory:  task.WorkingDirectory,
		Instruction:       task.Instruction,
		Env:               task.Env,
		ConcurrencyKey:    run.ConcurrencyKey,
		TimeoutSeconds:    run.Timeout.ExecutionSeconds,
		RetryCount:        run.Attempt - 1,
		ArtifactPatterns:  task.ArtifactPatterns,
		LinkedFailureRuns: s.linkedFailures(ctx, run),
		CustomArgs:        task.CustomArgs,
		DispatchedAt:      now,
		ContainerLabels: map[string]string{
			"switchyard.run-id":  run.ID,
			"switchyard.task-id": task.ID,
		},
		Attempt:           run.Attempt,
		ExecutionToken:    run.ExecutionToken,
		CPULimit:          run.SandboxProfile.CPULimit,
		MemoryLimitBytes:  run.SandboxProfile.MemoryLimitBytes,
		NetworkDisabled:   run.SandboxProfile.NetworkDisabled,
		ReadOnlyRootFs:    run.SandboxProfile.ReadOnlyRootFs,
		MaxArtifacts:      task.ArtifactPolicy.MaxArtifacts,
		MaxTotalSizeBytes: task.ArtifactPolicy.MaxTotalSizeBytes,
		RuntimeID:         lease.RuntimeID,
		ContainerID:       lease.ContainerID,
		Endpoint:          lease.Endpoint,
	}
}

// linkedFailures returns recent failed run ids for the same task so
// the harness can consult prior attempts
func (s *Scheduler) linkedFailures(ctx context.Context, run *model.Run) []string {
	failed, err := s.store.ListRuns(ctx, store.RunFilter{
		TaskID: run.TaskID,
		States: []model.RunState{model.RunFailed},
		Limit:  linkedFailureLimit,
	})
	if err != nil {
		s.log.Debug("failed to load linked failures",
			zap.String("task_id", run.TaskID), zap.Error(err))
		return nil
	}
	runIDs := make([]string, 0, len(failed))
	for _, f := range failed {
		runIDs = append(runIDs, f.ID)
	}
	return runIDs
}

// handleDispatchFailure releases the lease, finalizes the attempt as
// Failed, and schedules a retry when the error classification allows
// one.
func (s *Scheduler) handleDispatchFailure(ctx context.Context, run *model.Run, lease *runtimepool.Lease, dispatchErr error) {
	s.pool.ReleaseLease(ctx, lease.RuntimeID)

	kind := model.KindOf(dispatchErr)
	code := model.CodeOf(dispatchErr)
	metrics.DispatchFailures.WithLabelValues(string(kind)).Inc()
	s.log.Warn("dispatch failed",
		zap.String("run_id", run.ID),
		zap.String("kind", string(kind)),
		zap.Error(dispatchErr))

	now := s.clock.Now().UTC()
	err := s.updateRun(ctx, run.ID, func(r *model.Run) error {
		r.State = model.RunFailed
		r.EndedAt = &now
		r.Summary = "dispatch failed"
		r.Error = dispatchErr.Error()
		r.ErrorCode = code
		return nil
	})
	if err != nil {
		s.log.Error("failed to finalize run after dispatch failure",
			zap.String("run_id", run.ID), zap.Error(err))
		return
	}
	metrics.RunsCompleted.WithLabelValues(string(model.RunFailed)).Inc()
	s.publishRunCompleted(ctx, run, eventbus.HarnessFailed, "dispatch failed", dispatchErr.Error(), code)

	if kind.Retryable() {
		s.scheduleRetry(ctx, run, now)
	}
}

// scheduleRetry creates the next attempt as a fresh queued run with
// backoff, provided the policy has attempts left
func (s *Scheduler) scheduleRetry(ctx context.Context, failed *model.Run, now time.Time) {
	if failed.Attempt >= failed.RetryPolicy.MaxAttempts {
		s.log.Info("retry budget exhausted",
			zap.String("run_id", failed.ID),
			zap.Int("attempt", failed.Attempt))
		return
	}

	nextAttempt := failed.Attempt + 1
	notBefore := now.Add(failed.RetryPolicy.BackoffFor(nextAttempt))
	retryRun := model.RetryOf(ids.New(), failed, notBefore, now)
	if err := s.store.CreateRun(ctx, retryRun); err != nil {
		s.log.Error("failed to create retry run",
			zap.String("failed_run_id", failed.ID), zap.Error(err))
		return
	}
	metrics.RunRetries.Inc()
	s.log.Info("scheduled retry run",
		zap.String("failed_run_id", failed.ID),
		zap.String("retry_run_id", retryRun.ID),
		zap.Int("attempt", nextAttempt),
		zap.Time("not_before", notBefore))
}
