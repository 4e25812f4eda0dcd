package runtimepool

import (
	"context"
	"testing"
	"time"

	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/model"
)

func countRuntimes(t *testing.T, h *poolHarness) int {
	t.Helper()
	runtimes, err := h.store.ListTaskRuntimes(context.Background())
	if err != nil {
		t.Fatalf("ListTaskRuntimes failed: %v", err)
	}
	return len(runtimes)
}

func TestScaleOutHonorsCooldown(t *testing.T) {
	h := newTestPool(t, nil)
	ctx := context.Background()

	if !h.pool.maybeScaleOut(ctx, scaleReasonDemand) {
		t.Fatal("Expected first scale-out to proceed")
	}
	if h.pool.maybeScaleOut(ctx, scaleReasonDemand) {
		t.Fatal("Expected second scale-out blocked by cooldown")
	}
	h.clock.Step(61 * time.Second)
	if !h.pool.maybeScaleOut(ctx, scaleReasonDemand) {
		t.Fatal("Expected scale-out after cooldown")
	}
	if got := countRuntimes(t, h); got != 2 {
		t.Errorf("Expected 2 runtimes, got %d", got)
	}
}

func TestScaleOutPauseBlocksDemand(t *testing.T) {
	h := newTestPool(t, nil)
	h.pool.SetScaleOutPaused(true)

	if h.pool.maybeScaleOut(context.Background(), scaleReasonDemand) {
		t.Fatal("Expected paused pool to refuse scale-out")
	}
	if got := countRuntimes(t, h); got != 0 {
		t.Errorf("Expected no runtimes, got %d", got)
	}

	h.pool.SetScaleOutPaused(false)
	if !h.pool.maybeScaleOut(context.Background(), scaleReasonDemand) {
		t.Fatal("Expected scale-out after unpause")
	}
}

func TestScaleOutDisabledByZeroCap(t *testing.T) {
	h := newTestPool(t, func(cfg *config.Config) {
		cfg.TaskRuntimes.MaxTaskRuntimes = 0
	})
	if h.pool.maybeScaleOut(context.Background(), scaleReasonDemand) {
		t.Fatal("Expected zero cap to disable provisioning")
	}
	if got := countRuntimes(t, h); got != 0 {
		t.Errorf("Expected no runtimes, got %d", got)
	}
}

func TestProvisionFailureMarksFailedStart(t *testing.T) {
	h := newTestPool(t, nil)
	h.fake.StubProvisionError(model.NewError(model.KindTransient, "docker_down", "cannot reach docker"))

	if !h.pool.maybeScaleOut(context.Background(), scaleReasonDemand) {
		t.Fatal("Expected scale-out to start")
	}

	pollUntil(t, "failed_start after provision error", func() bool {
		runtimes, err := h.store.ListTaskRuntimes(context.Background())
		if err != nil || len(runtimes) != 1 {
			return false
		}
		return runtimes[0].LifecycleState == model.RuntimeFailedStart
	})

	// The next scan sweeps the corpse out of the pool
	h.scan(t)
	pollUntil(t, "failed runtime removal", func() bool {
		return countRuntimes(t, h) == 0
	})
}

func TestPressureScaleOut(t *testing.T) {
	h := newTestPool(t, func(cfg *config.Config) {
		cfg.TaskRuntimes.EnablePressureScaling = true
		cfg.TaskRuntimes.CPUScaleOutThresholdPercent = 80
		cfg.TaskRuntimes.MemoryScaleOutThresholdPercent = 85
	})
	h.seedRuntime(t, "rt-1", model.RuntimeBusy, 1)
	h.seedRun(t, "run-1", model.RunQueued)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := h.pool.HandleHeartbeat(ctx, &gateway.Heartbeat{
			RuntimeID:  "rt-1",
			CPUPercent: 92,
		})
		if err != nil {
			t.Fatalf("HandleHeartbeat failed: %v", err)
		}
		h.clock.Step(time.Second)
	}

	h.scan(t)
	if got := countRuntimes(t, h); got != 2 {
		t.Errorf("Expected pressure to add a runtime, got %d", got)
	}
}

func TestPressureNeedsQueuedRuns(t *testing.T) {
	h := newTestPool(t, func(cfg *config.Config) {
		cfg.TaskRuntimes.EnablePressureScaling = true
		cfg.TaskRuntimes.CPUScaleOutThresholdPercent = 80
		cfg.TaskRuntimes.MemoryScaleOutThresholdPercent = 85
	})
	h.seedRuntime(t, "rt-1", model.RuntimeBusy, 1)

	err := h.pool.HandleHeartbeat(context.Background(), &gateway.Heartbeat{
		RuntimeID:  "rt-1",
		CPUPercent: 99,
	})
	if err != nil {
		t.Fatalf("HandleHeartbeat failed: %v", err)
	}

	h.scan(t)
	if got := countRuntimes(t, h); got != 1 {
		t.Errorf("Expected no scale-out without queued runs, got %d runtimes", got)
	}
}

func TestPressureBelowThresholdHolds(t *testing.T) {
	h := newTestPool(t, func(cfg *config.Config) {
		cfg.TaskRuntimes.EnablePressureScaling = true
		cfg.TaskRuntimes.CPUScaleOutThresholdPercent = 80
		cfg.TaskRuntimes.MemoryScaleOutThresholdPercent = 85
	})
	h.seedRuntime(t, "rt-1", model.RuntimeBusy, 1)
	h.seedRun(t, "run-1", model.RunQueued)

	err := h.pool.HandleHeartbeat(context.Background(), &gateway.Heartbeat{
		RuntimeID:     "rt-1",
		CPUPercent:    40,
		MemoryPercent: 30,
	})
	if err != nil {
		t.Fatalf("HandleHeartbeat failed: %v", err)
	}

	h.scan(t)
	if got := countRuntimes(t, h); got != 1 {
		t.Errorf("Expected calm pool to hold steady, got %d runtimes", got)
	}
}
