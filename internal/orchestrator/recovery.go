package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/background"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/store"
)

// enqueueRecovery records the startup sweep as background work so its
// progress and outcome are visible like any other maintenance job.
func (s *Service) enqueueRecovery() {
	s.work.Enqueue(model.WorkRecovery, "startup-recovery",
		func(ctx context.Context, report *background.Reporter) error {
			return s.recover(ctx, report)
		},
		background.EnqueueOptions{IsCritical: true})
}

// recover reconciles persisted state with the world after a restart.
// The orphan sweep drops runtimes whose containers vanished while the
// process was down; running runs left without a serving runtime are
// only reported here, since the dead run detector closes them on its
// own scan.
func (s *Service) recover(ctx context.Context, report *background.Reporter) error {
	report.Report(10, "reconciling runtimes")
	s.pool.ReconcileOrphans(ctx)

	report.Report(60, "checking for stranded runs")
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		States: []model.RunState{model.RunRunning},
	})
	if err != nil {
		return fmt.Errorf("failed to list running runs: %w", err)
	}

	stranded := 0
	for _, run := range runs {
		if run.DispatchedToRuntimeID == "" {
			continue
		}
		rt, err := s.store.GetTaskRuntime(ctx, run.DispatchedToRuntimeID)
		if err != nil {
			s.log.Warn("failed to look up runtime during recovery",
				zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		if rt == nil || !rt.LifecycleState.AcceptsLeases() {
			stranded++
			s.log.Warn("run has no serving runtime after restart",
				zap.String("run_id", run.ID),
				zap.String("runtime_id", run.DispatchedToRuntimeID))
		}
	}

	report.Report(100, fmt.Sprintf("recovery complete, %d stranded run(s)", stranded))
	s.log.Info("startup recovery finished",
		zap.Int("running_runs", len(runs)),
		zap.Int("stranded_runs", stranded))
	return nil
}
