package runtimepool

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/background"
	"github.com/RevCBH/switchyard/internal/model"
)

// recyclePollInterval paces the rolling-recycle waits
const recyclePollInterval = 250 * time.Millisecond

// RecycleRuntime forces a runtime out of rotation regardless of
// occupancy. Serving runtimes drain first; runtimes that never came up
// stop immediately.
func (p *Pool) RecycleRuntime(ctx context.Context, runtimeID string) error {
	var stopNow bool
	err := p.updateRuntime(ctx, runtimeID, func(rt *model.TaskRuntime) error {
		stopNow = false
		switch rt.LifecycleState {
		case model.RuntimeDraining, model.RuntimeStopping:
			return nil
		case model.RuntimeProvisioning, model.RuntimeStarting, model.RuntimeFailedStart:
			stopNow = true
			return nil
		}
		if !model.CanTransitionRuntime(rt.LifecycleState, model.RuntimeDraining) {
			return model.NewError(model.KindPreconditionFailed, "invalid_runtime_transition",
				fmt.Sprintf("cannot recycle runtime in state %s", rt.LifecycleState))
		}
		rt.SetState(model.RuntimeDraining, p.clock.Now().UTC())
		if rt.ActiveSlots == 0 {
			stopNow = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to recycle runtime %s: %w", runtimeID, err)
	}
	p.log.Info("runtime recycle requested", zap.String("runtime_id", runtimeID))
	if stopNow {
		p.beginStopping(ctx, runtimeID)
	}
	return nil
}

// RecyclePool schedules a rolling recycle of every runtime, oldest
// first, keeping at least one other runtime Ready before each drain
// when the pool allows it. Returns the background work id; a recycle
// already in flight is returned as-is.
func (p *Pool) RecyclePool(ctx context.Context) string {
	return p.work.Enqueue(model.WorkRecovery, "recycle-pool",
		func(workCtx context.Context, report *background.Reporter) error {
			return p.runPoolRecycle(workCtx, report)
		},
		background.EnqueueOptions{IsCritical: true})
}

func (p *Pool) runPoolRecycle(ctx context.Context, report *background.Reporter) error {
	runtimes, err := p.store.ListTaskRuntimes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runtimes: %w", err)
	}
	sort.Slice(runtimes, func(i, j int) bool {
		return runtimes[i].CreatedAt.Before(runtimes[j].CreatedAt)
	})

	for i, rt := range runtimes {
		report.Report(i*100/len(runtimes), fmt.Sprintf("recycling runtime %s", shortID(rt.ID)))
		if err := p.waitForOtherReady(ctx, rt.ID); err != nil {
			return err
		}
		if err := p.RecycleRuntime(ctx, rt.ID); err != nil {
			if model.KindOf(err) == model.KindNotFound {
				continue
			}
			return err
		}
		if err := p.waitForGone(ctx, rt.ID); err != nil {
			return err
		}
	}
	report.Report(100, "pool recycled")
	return nil
}

// waitForOtherReady blocks until some other runtime is Ready, so the
// rolling recycle never takes the last serving runtime down while a
// replacement could exist. Gives up after the startup timeout; a
// one-runtime pool recycles with a gap.
func (p *Pool) waitForOtherReady(ctx context.Context, recycleID string) error {
	deadline := p.clock.Now().Add(p.cfg.StartupTimeout())
	ticker := p.clock.NewTicker(recyclePollInterval)
	defer ticker.Stop()
	for {
		runtimes, err := p.store.ListTaskRuntimes(ctx)
		if err != nil {
			return err
		}
		if len(runtimes) <= 1 {
			return nil
		}
		for _, rt := range runtimes {
			if rt.ID != recycleID && rt.LifecycleState == model.RuntimeReady {
				return nil
			}
		}
		if p.clock.Now().After(deadline) {
			p.log.Warn("no standby runtime became ready; recycling anyway",
				zap.String("runtime_id", recycleID))
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// waitForGone blocks until the runtime row is deleted, which happens
// after its container is removed.
func (p *Pool) waitForGone(ctx context.Context, runtimeID string) error {
	ticker := p.clock.NewTicker(recyclePollInterval)
	defer ticker.Stop()
	for {
		rt, err := p.store.GetTaskRuntime(ctx, runtimeID)
		if err != nil {
			return err
		}
		if rt == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// ClearQuarantine returns a quarantined runtime to rotation. It stays
// unavailable until a fresh heartbeat arrives, and goes right back to
// quarantine if the beats do not resume.
func (p *Pool) ClearQuarantine(ctx context.Context, runtimeID string) error {
	err := p.updateRuntime(ctx, runtimeID, func(rt *model.TaskRuntime) error {
		if rt.LifecycleState != model.RuntimeQuarantined {
			return model.NewError(model.KindPreconditionFailed, "not_quarantined",
				fmt.Sprintf("runtime %s is %s, not quarantined", runtimeID, rt.LifecycleState))
		}
		now := p.clock.Now().UTC()
		rt.SetState(model.RuntimeReady, now)
		rt.MissedHeartbeats = 0
		if rt.ActiveSlots == 0 {
			idle := now
			rt.IdleSince = &idle
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to clear quarantine on %s: %w", runtimeID, err)
	}
	p.log.Info("quarantine cleared", zap.String("runtime_id", runtimeID))
	return nil
}

// ReconcileOrphans sweeps each serving runtime: the gateway removes
// containers with no live run, runs the runtime still claims after the
// store closed them get a stop, and runtimes the gateway no longer
// knows are dropped from the pool.
func (p *Pool) ReconcileOrphans(ctx context.Context) {
	runtimes, err := p.store.ListTaskRuntimes(ctx)
	if err != nil {
		p.log.Warn("orphan sweep failed to list runtimes", zap.Error(err))
		return
	}
	for _, rt := range runtimes {
		if !rt.LifecycleState.AcceptsLeases() {
			continue
		}
		res, err := p.gateway.ReconcileOrphanedContainers(ctx, rt.ID)
		if err != nil {
			if model.KindOf(err) == model.KindNotFound {
				p.dropVanished(ctx, rt.ID)
				continue
			}
			p.log.Warn("orphan reconciliation failed",
				zap.String("runtime_id", rt.ID), zap.Error(err))
			continue
		}
		if res.ReconciledCount > 0 {
			p.log.Info("orphaned containers removed",
				zap.String("runtime_id", rt.ID),
				zap.Int("count", res.ReconciledCount))
		}

		for _, runID := range p.ReportedActiveRuns(rt.ID) {
			run, err := p.store.GetRun(ctx, runID)
			if err != nil {
				continue
			}
			if run != nil && !run.State.IsTerminal() {
				continue
			}
			if err := p.gateway.StopJob(ctx, runID); err != nil {
				p.log.Debug("failed to stop orphaned run",
					zap.String("run_id", runID), zap.Error(err))
				continue
			}
			p.log.Info("stopped run unknown to the store",
				zap.String("run_id", runID), zap.String("runtime_id", rt.ID))
		}
	}
}

// dropVanished deletes the row for a runtime whose container no longer
// exists on the host. There is nothing left to tear down; runs the
// runtime was serving are closed by the dead run detector once the row
// is gone.
func (p *Pool) dropVanished(ctx context.Context, runtimeID string) {
	if err := p.store.DeleteTaskRuntime(ctx, runtimeID); err != nil {
		p.log.Warn("failed to drop vanished runtime",
			zap.String("runtime_id", runtimeID), zap.Error(err))
		return
	}
	p.runsMu.Lock()
	delete(p.reportedRuns, runtimeID)
	p.runsMu.Unlock()
	p.log.Warn("dropped runtime whose container vanished",
		zap.String("runtime_id", runtimeID))
}
