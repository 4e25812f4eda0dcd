package runtimepool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/metrics"
	"github.com/RevCBH/switchyard/internal/model"
)

// HandleHeartbeat ingests one runtime report. It refreshes the
// runtime's liveness, promotes Starting runtimes to Ready on their
// first beat, records a pressure sample, and bumps the heartbeat on
// every run the runtime reports as active. Slot accounting stays with
// the lease path; a heartbeat never changes activeSlots.
func (p *Pool) HandleHeartbeat(ctx context.Context, hb *gateway.Heartbeat) error {
	now := p.clock.Now().UTC()
	var becameReady bool
	err := p.updateRuntime(ctx, hb.RuntimeID, func(rt *model.TaskRuntime) error {
		becameReady = false
		beat := now
		rt.LastHeartbeatAt = &beat
		rt.MissedHeartbeats = 0
		if hb.HostName != "" {
			rt.HostName = hb.HostName
		}
		if hb.MaxSlots > 0 {
			rt.MaxSlots = hb.MaxSlots
		}
		if rt.LifecycleState == model.RuntimeStarting {
			rt.SetState(model.RuntimeReady, now)
			if rt.ActiveSlots == 0 {
				idle := now
				rt.IdleSince = &idle
			}
			becameReady = true
		}
		return nil
	})
	if err != nil {
		if model.KindOf(err) == model.KindNotFound {
			return model.NewError(model.KindNotFound, "unknown_runtime",
				fmt.Sprintf("heartbeat from unknown runtime %s", hb.RuntimeID))
		}
		return fmt.Errorf("failed to apply heartbeat from %s: %w", hb.RuntimeID, err)
	}

	if becameReady {
		p.log.Info("runtime ready", zap.String("runtime_id", hb.RuntimeID), zap.String("host", hb.HostName))
	}

	p.recordSample(hb.RuntimeID, model.PressureSample{
		CPUPercent:    hb.CPUPercent,
		MemoryPercent: hb.MemoryPercent,
		TakenAt:       now,
	})
	p.rememberActiveRuns(hb.RuntimeID, hb.ActiveRunIDs)
	p.touchRuns(ctx, hb.RuntimeID, hb.ActiveRunIDs)
	return nil
}

// touchRuns refreshes lastHeartbeatAt on each run the runtime reports.
// This is what keeps live runs out of the dead-run detector's stale
// window. A write conflict here is harmless; the next beat retries.
func (p *Pool) touchRuns(ctx context.Context, runtimeID string, runIDs []string) {
	now := p.clock.Now().UTC()
	for _, runID := range runIDs {
		run, err := p.store.GetRun(ctx, runID)
		if err != nil || run == nil {
			continue
		}
		if run.State != model.RunRunning || run.DispatchedToRuntimeID != runtimeID {
			continue
		}
		beat := now
		run.LastHeartbeatAt = &beat
		run.UpdatedAt = now
		if err := p.store.UpdateRun(ctx, run); err != nil {
			p.log.Debug("run heartbeat bump lost a write race",
				zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// checkHeartbeatHealth evaluates a Ready or Busy runtime against the
// heartbeat cadence. One missed beat per elapsed interval; at
// maxMissedHeartbeats consecutive misses the runtime is quarantined.
// Returns true when the runtime left the lease rotation.
func (p *Pool) checkHeartbeatHealth(ctx context.Context, rt *model.TaskRuntime, now time.Time) bool {
	interval := p.cfg.HeartbeatInterval()
	base := rt.StateChangedAt
	if rt.LastHeartbeatAt != nil && rt.LastHeartbeatAt.After(base) {
		base = *rt.LastHeartbeatAt
	}
	missed := int(now.Sub(base) / interval)
	if missed < 0 {
		missed = 0
	}
	if missed == rt.MissedHeartbeats {
		return false
	}

	if missed > rt.MissedHeartbeats {
		metrics.HeartbeatsMissed.Add(float64(missed - rt.MissedHeartbeats))
	}
	quarantine := missed >= p.cfg.TaskRuntimes.MaxMissedHeartbeats
	err := p.updateRuntime(ctx, rt.ID, func(fresh *model.TaskRuntime) error {
		if !fresh.LifecycleState.AcceptsLeases() {
			return nil
		}
		fresh.MissedHeartbeats = missed
		if quarantine {
			fresh.SetState(model.RuntimeQuarantined, now)
		}
		return nil
	})
	if err != nil {
		p.log.Warn("failed to record missed heartbeats",
			zap.String("runtime_id", rt.ID), zap.Error(err))
		return false
	}
	if quarantine {
		metrics.RuntimesQuarantined.Inc()
		p.log.Warn("runtime quarantined after missed heartbeats",
			zap.String("runtime_id", rt.ID),
			zap.Int("missed", missed),
			zap.Int("active_slots", rt.ActiveSlots))
		return true
	}
	return false
}

// recordSample stores one pressure reading; entries age out of the
// cache after the sample window so means stay window-scoped.
func (p *Pool) recordSample(runtimeID string, sample model.PressureSample) {
	key := fmt.Sprintf("%s:%d", runtimeID, sample.TakenAt.UnixNano())
	p.samples.SetDefault(key, sample)
}

func (p *Pool) rememberActiveRuns(runtimeID string, runIDs []string) {
	p.runsMu.Lock()
	defer p.runsMu.Unlock()
	p.reportedRuns[runtimeID] = append([]string(nil), runIDs...)
}

// ReportedActiveRuns returns the run ids the runtime last claimed to
// be executing. Reconciliation compares this against the store.
func (p *Pool) ReportedActiveRuns(runtimeID string) []string {
	p.runsMu.Lock()
	defer p.runsMu.Unlock()
	return append([]string(nil), p.reportedRuns[runtimeID]...)
}
