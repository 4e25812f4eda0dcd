package runtimepool

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/background"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/ids"
	"github.com/RevCBH/switchyard/internal/model"
)

const (
	scaleReasonDemand   = "demand"
	scaleReasonPressure = "pressure"
	scaleReasonMinimum  = "minimum"
)

// maybeScaleOut starts provisioning one runtime if the pool is below
// its cap, scale-out is not paused, and the cooldown has passed.
// Returns true when a provision was kicked off.
func (p *Pool) maybeScaleOut(ctx context.Context, reason string) bool {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	max := p.cfg.TaskRuntimes.MaxTaskRuntimes
	if max == 0 || p.scaleOutPaused {
		return false
	}
	now := p.clock.Now().UTC()
	if !p.lastScaleOut.IsZero() && now.Sub(p.lastScaleOut) < p.cfg.ScaleOutCooldown() {
		return false
	}

	runtimes, err := p.store.ListTaskRuntimes(ctx)
	if err != nil {
		p.log.Warn("failed to count pool for scale-out", zap.Error(err))
		return false
	}
	// Everything short of Stopping still owns a container slot, so a
	// draining or quarantined runtime blocks scale-out at the cap.
	existing := 0
	for _, rt := range runtimes {
		if rt.LifecycleState != model.RuntimeStopping {
			existing++
		}
	}
	if existing >= max {
		return false
	}

	if err := p.provisionOne(ctx, reason, now); err != nil {
		p.log.Warn("scale-out failed", zap.String("reason", reason), zap.Error(err))
		return false
	}
	p.lastScaleOut = now
	return true
}

// ensureMinimum provisions runtimes up to the configured floor. The
// floor bypasses the cooldown and the pause switch; it is baseline
// capacity, not reactive scaling.
func (p *Pool) ensureMinimum(ctx context.Context) error {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	max := p.cfg.TaskRuntimes.MaxTaskRuntimes
	min := p.cfg.TaskRuntimes.MinTaskRuntimes
	if max == 0 || min == 0 {
		return nil
	}
	runtimes, err := p.store.ListTaskRuntimes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list runtimes: %w", err)
	}
	active := countActive(runtimes)
	now := p.clock.Now().UTC()
	for active < min && active < max {
		if err := p.provisionOne(ctx, scaleReasonMinimum, now); err != nil {
			return err
		}
		active++
	}
	return nil
}

// provisionOne creates the runtime row and hands container creation to
// the background coordinator. Caller holds scaleMu.
func (p *Pool) provisionOne(ctx context.Context, reason string, now time.Time) error {
	id := ids.New()
	rt := &model.TaskRuntime{
		ID:             id,
		MaxSlots:       p.cfg.TaskRuntimes.ParallelSlotsPerTaskRuntime,
		LifecycleState: model.RuntimeProvisioning,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if err := p.store.CreateTaskRuntime(ctx, rt); err != nil {
		return fmt.Errorf("failed to create runtime record: %w", err)
	}

	spec := &gateway.ProvisionSpec{
		RuntimeID:     id,
		ContainerName: fmt.Sprintf("%s-%s", p.cfg.TaskRuntimes.ContainerNamePrefix, shortID(id)),
		Image:         p.cfg.TaskRuntimes.ContainerImage,
		Network:       p.cfg.TaskRuntimes.DockerNetwork,
		MaxSlots:      rt.MaxSlots,
		Labels:        map[string]string{"switchyard.runtime-id": id},
	}
	p.work.Enqueue(model.WorkTaskRuntimeImageResolution, "runtime-provision:"+id,
		func(workCtx context.Context, report *background.Reporter) error {
			return p.runProvision(workCtx, id, spec, report)
		},
		background.EnqueueOptions{IsCritical: true})

	p.log.Info("provisioning runtime",
		zap.String("runtime_id", id),
		zap.String("reason", reason),
		zap.String("image", spec.Image))
	return nil
}

// runProvision is the background work body: create the container, then
// move the runtime to Starting so the scanner can hold it to the
// startup timeout.
func (p *Pool) runProvision(ctx context.Context, runtimeID string, spec *gateway.ProvisionSpec, report *background.Reporter) error {
	report.Report(10, "creating container")
	res, err := p.provisioner.ProvisionRuntime(ctx, spec)
	if err != nil {
		p.markFailedStart(runtimeID, err)
		return fmt.Errorf("failed to provision runtime %s: %w", runtimeID, err)
	}

	report.Report(80, "container created")
	err = p.updateRuntime(ctx, runtimeID, func(rt *model.TaskRuntime) error {
		rt.ContainerID = res.ContainerID
		rt.Endpoint = res.Endpoint
		if rt.LifecycleState == model.RuntimeProvisioning {
			rt.SetState(model.RuntimeStarting, p.clock.Now().UTC())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record provisioned container: %w", err)
	}
	report.Report(100, "waiting for first heartbeat")
	return nil
}

// markFailedStart records a provision failure. Uses a fresh context:
// the work context is usually already cancelled or poisoned when the
// provision fails.
func (p *Pool) markFailedStart(runtimeID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.updateRuntime(ctx, runtimeID, func(rt *model.TaskRuntime) error {
		if model.CanTransitionRuntime(rt.LifecycleState, model.RuntimeFailedStart) {
			rt.SetState(model.RuntimeFailedStart, p.clock.Now().UTC())
		}
		return nil
	})
	if err != nil {
		p.log.Warn("failed to mark runtime failed_start",
			zap.String("runtime_id", runtimeID), zap.Error(err))
		return
	}
	p.log.Warn("runtime failed to start",
		zap.String("runtime_id", runtimeID), zap.Error(cause))
}

// failStartup handles a Provisioning or Starting runtime that blew its
// startup timeout.
func (p *Pool) failStartup(ctx context.Context, rt *model.TaskRuntime, now time.Time) {
	p.log.Warn("runtime startup timed out",
		zap.String("runtime_id", rt.ID),
		zap.String("state", string(rt.LifecycleState)),
		zap.Duration("waited", now.Sub(rt.StateChangedAt)))
	err := p.updateRuntime(ctx, rt.ID, func(fresh *model.TaskRuntime) error {
		if model.CanTransitionRuntime(fresh.LifecycleState, model.RuntimeFailedStart) {
			fresh.SetState(model.RuntimeFailedStart, now)
		}
		return nil
	})
	if err != nil {
		p.log.Warn("failed to fail startup", zap.String("runtime_id", rt.ID), zap.Error(err))
		return
	}
	p.beginStopping(ctx, rt.ID)
}

// beginStopping transitions a runtime to Stopping and queues container
// removal. Safe to call repeatedly; removal work dedupes on the
// runtime id.
func (p *Pool) beginStopping(ctx context.Context, runtimeID string) {
	var containerID string
	err := p.updateRuntime(ctx, runtimeID, func(rt *model.TaskRuntime) error {
		containerID = rt.ContainerID
		if rt.LifecycleState == model.RuntimeStopping {
			return nil
		}
		if !model.CanTransitionRuntime(rt.LifecycleState, model.RuntimeStopping) {
			return model.NewError(model.KindPreconditionFailed, "invalid_runtime_transition",
				fmt.Sprintf("cannot stop runtime in state %s", rt.LifecycleState))
		}
		rt.SetState(model.RuntimeStopping, p.clock.Now().UTC())
		return nil
	})
	if err != nil {
		p.log.Warn("failed to begin stopping runtime",
			zap.String("runtime_id", runtimeID), zap.Error(err))
		return
	}
	p.enqueueRemoval(runtimeID, containerID)
}

// enqueueRemoval queues the container teardown. The runtime row is
// deleted once the container is gone; a removed runtime leaves no
// Stopped tombstone behind.
func (p *Pool) enqueueRemoval(runtimeID, containerID string) {
	p.work.Enqueue(model.WorkOther, "runtime-remove:"+runtimeID,
		func(ctx context.Context, report *background.Reporter) error {
			if containerID != "" {
				report.Report(20, "removing container")
				if err := p.provisioner.RemoveRuntime(ctx, containerID); err != nil {
					return fmt.Errorf("failed to remove container %s: %w", containerID, err)
				}
			}
			report.Report(90, "deleting runtime record")
			if err := p.store.DeleteTaskRuntime(ctx, runtimeID); err != nil {
				return fmt.Errorf("failed to delete runtime %s: %w", runtimeID, err)
			}
			p.runsMu.Lock()
			delete(p.reportedRuns, runtimeID)
			p.runsMu.Unlock()
			p.log.Info("runtime removed", zap.String("runtime_id", runtimeID))
			return nil
		},
		background.EnqueueOptions{})
}

// evaluatePressure checks the fleet-wide mean CPU and memory over the
// sample window and scales out when a threshold is crossed while runs
// are waiting.
func (p *Pool) evaluatePressure(ctx context.Context) {
	trc := p.cfg.TaskRuntimes
	if !trc.EnablePressureScaling {
		return
	}

	var cpuSum, memSum float64
	var n int
	for _, item := range p.samples.Items() {
		sample, ok := item.Object.(model.PressureSample)
		if !ok {
			continue
		}
		cpuSum += sample.CPUPercent
		memSum += sample.MemoryPercent
		n++
	}
	if n == 0 {
		return
	}
	meanCPU := cpuSum / float64(n)
	meanMem := memSum / float64(n)
	if meanCPU < float64(trc.CPUScaleOutThresholdPercent) && meanMem < float64(trc.MemoryScaleOutThresholdPercent) {
		return
	}

	queued, err := p.store.ListRunsByState(ctx, model.RunQueued)
	if err != nil || len(queued) == 0 {
		return
	}

	if p.maybeScaleOut(ctx, scaleReasonPressure) {
		p.log.Info("pressure scale-out",
			zap.Float64("mean_cpu", meanCPU),
			zap.Float64("mean_memory", meanMem),
			zap.Int("queued_runs", len(queued)))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
