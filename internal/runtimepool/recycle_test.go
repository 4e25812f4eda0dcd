package runtimepool

import (
	"context"
	"testing"
	"time"

	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/model"
)

func TestRecycleBusyRuntimeDrainsFirst(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-1", model.RuntimeBusy, 1)

	ctx := context.Background()
	if err := h.pool.RecycleRuntime(ctx, "rt-1"); err != nil {
		t.Fatalf("RecycleRuntime failed: %v", err)
	}

	rt := h.getRuntime(t, "rt-1")
	if rt.LifecycleState != model.RuntimeDraining {
		t.Fatalf("Expected draining while a run is in flight, got %s", rt.LifecycleState)
	}

	// The held lease finishing is what lets the recycle complete
	if err := h.pool.ReleaseLease(ctx, "rt-1"); err != nil {
		t.Fatalf("ReleaseLease failed: %v", err)
	}
	pollUntil(t, "recycled runtime removal", func() bool {
		return h.getRuntime(t, "rt-1") == nil
	})
}

func TestRecycleIdleRuntimeStopsImmediately(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-1", model.RuntimeReady, 0)

	if err := h.pool.RecycleRuntime(context.Background(), "rt-1"); err != nil {
		t.Fatalf("RecycleRuntime failed: %v", err)
	}
	pollUntil(t, "idle recycle removal", func() bool {
		return h.getRuntime(t, "rt-1") == nil
	})
	removed := h.fake.Removed()
	if len(removed) != 1 || removed[0] != "container-rt-1" {
		t.Errorf("Expected container removed, got %v", removed)
	}
}

func TestRecycleQuarantinedRuntime(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-1", model.RuntimeQuarantined, 0)

	if err := h.pool.RecycleRuntime(context.Background(), "rt-1"); err != nil {
		t.Fatalf("RecycleRuntime failed: %v", err)
	}
	pollUntil(t, "quarantined recycle removal", func() bool {
		return h.getRuntime(t, "rt-1") == nil
	})
}

func TestRecycleUnknownRuntime(t *testing.T) {
	h := newTestPool(t, nil)
	err := h.pool.RecycleRuntime(context.Background(), "ghost")
	if model.KindOf(err) != model.KindNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestRecyclePoolRollsThroughRuntimes(t *testing.T) {
	h := newTestPool(t, nil)
	rtA := h.seedRuntime(t, "rt-a", model.RuntimeReady, 0)
	rtA.CreatedAt = rtA.CreatedAt.Add(-time.Hour)
	h.mustUpdate(t, rtA)
	h.seedRuntime(t, "rt-b", model.RuntimeReady, 0)

	workID := h.pool.RecyclePool(context.Background())
	if workID == "" {
		t.Fatal("Expected a work id")
	}

	pollUntil(t, "rolling recycle to finish", func() bool {
		// The recycle loop waits on clock tickers between checks
		h.clock.Step(recyclePollInterval)
		return countRuntimes(t, h) == 0
	})

	snap, ok := h.work.TryGet(workID)
	if !ok {
		t.Fatal("Expected recycle work to be tracked")
	}
	if snap.State != model.WorkSucceeded {
		t.Errorf("Expected recycle work succeeded, got %s", snap.State)
	}
	if got := len(h.fake.Removed()); got != 2 {
		t.Errorf("Expected both containers removed, got %d", got)
	}
}

func TestReconcileStopsRunsTheStoreClosed(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-1", model.RuntimeReady, 0)
	live := h.seedRun(t, "run-live", model.RunRunning)
	live.DispatchedToRuntimeID = "rt-1"
	if err := h.store.UpdateRun(context.Background(), live); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}
	h.seedRun(t, "run-done", model.RunFailed)

	err := h.pool.HandleHeartbeat(context.Background(), &gateway.Heartbeat{
		RuntimeID:    "rt-1",
		ActiveRunIDs: []string{"run-live", "run-done"},
	})
	if err != nil {
		t.Fatalf("HandleHeartbeat failed: %v", err)
	}

	h.pool.ReconcileOrphans(context.Background())

	stopped := h.fake.Stopped()
	if len(stopped) != 1 || stopped[0] != "run-done" {
		t.Errorf("Expected only the closed run stopped, got %v", stopped)
	}
}

func TestReconcileDropsVanishedRuntime(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-gone", model.RuntimeBusy, 1)
	h.seedRuntime(t, "rt-live", model.RuntimeReady, 0)
	h.fake.StubReconcileError("rt-gone",
		model.NewError(model.KindNotFound, "runtime_not_found", "no such runtime"))

	h.pool.ReconcileOrphans(context.Background())

	if rt := h.getRuntime(t, "rt-gone"); rt != nil {
		t.Errorf("Expected vanished runtime row deleted, still %s", rt.LifecycleState)
	}
	if rt := h.getRuntime(t, "rt-live"); rt == nil {
		t.Error("Expected healthy runtime untouched")
	}
	// Only the row goes; the container is already gone so nothing is removed
	if removed := h.fake.Removed(); len(removed) != 0 {
		t.Errorf("Expected no container removal attempts, got %v", removed)
	}
}

func TestReconcileKeepsRuntimeOnTransientProbeError(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-1", model.RuntimeReady, 0)
	h.fake.StubReconcileError("rt-1",
		model.NewError(model.KindTransient, "gateway_unreachable", "probe timed out"))

	h.pool.ReconcileOrphans(context.Background())

	if rt := h.getRuntime(t, "rt-1"); rt == nil {
		t.Fatal("Expected runtime kept through a transient probe failure")
	}
}
