package runtimepool

import (
	"context"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/RevCBH/switchyard/internal/background"
	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/gateway"
	"github.com/RevCBH/switchyard/internal/logging"
	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/store"
)

type poolHarness struct {
	pool  *Pool
	store *store.SQLite
	fake  *gateway.Fake
	clock *clocktesting.FakeClock
	work  *background.Coordinator
	cfg   *config.Config
}

// newTestPool wires a pool against a temp database and the fake
// gateway. The pool is not started; tests drive scanOnce and the lease
// methods directly, stepping the fake clock as needed.
func newTestPool(t *testing.T, tweak func(*config.Config)) *poolHarness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.TaskRuntimes.MaxTaskRuntimes = 4
	cfg.TaskRuntimes.MinTaskRuntimes = 0
	cfg.TaskRuntimes.ParallelSlotsPerTaskRuntime = 2
	cfg.TaskRuntimes.HeartbeatIntervalSeconds = 5
	cfg.TaskRuntimes.MaxMissedHeartbeats = 3
	cfg.TaskRuntimes.StartupTimeoutSeconds = 60
	cfg.TaskRuntimes.IdleTimeoutMinutes = 10
	cfg.TaskRuntimes.ScaleOutCooldownSeconds = 60
	if tweak != nil {
		tweak(cfg)
	}

	st, err := store.Open(t.TempDir() + "/pool.db")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	work := background.NewCoordinator(logging.NewNop(), 2, 16, nil)
	if err := work.Start(context.Background()); err != nil {
		t.Fatalf("coordinator Start failed: %v", err)
	}
	t.Cleanup(work.Stop)

	fake := gateway.NewFake()
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	p := New(st, fake, fake, work, cfg, logging.NewNop(), clk)
	return &poolHarness{pool: p, store: st, fake: fake, clock: clk, work: work, cfg: cfg}
}

// seedRuntime inserts a runtime row. Ready and Busy rows get a fresh
// heartbeat so they pass the availability check.
func (h *poolHarness) seedRuntime(t *testing.T, id string, state model.RuntimeState, slots int) *model.TaskRuntime {
	t.Helper()
	now := h.clock.Now().UTC()
	rt := &model.TaskRuntime{
		ID:             id,
		ContainerID:    "container-" + id,
		Endpoint:       "http://" + id + ":9000",
		MaxSlots:       2,
		ActiveSlots:    slots,
		LifecycleState: state,
		StateChangedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if state == model.RuntimeReady || state == model.RuntimeBusy {
		beat := now
		rt.LastHeartbeatAt = &beat
	}
	if err := h.store.CreateTaskRuntime(context.Background(), rt); err != nil {
		t.Fatalf("CreateTaskRuntime failed: %v", err)
	}
	return rt
}

func (h *poolHarness) mustUpdate(t *testing.T, rt *model.TaskRuntime) {
	t.Helper()
	if err := h.store.UpdateTaskRuntime(context.Background(), rt); err != nil {
		t.Fatalf("UpdateTaskRuntime failed: %v", err)
	}
}

func (h *poolHarness) getRuntime(t *testing.T, id string) *model.TaskRuntime {
	t.Helper()
	rt, err := h.store.GetTaskRuntime(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTaskRuntime failed: %v", err)
	}
	return rt
}

func (h *poolHarness) scan(t *testing.T) {
	t.Helper()
	if err := h.pool.scanOnce(context.Background()); err != nil {
		t.Fatalf("scanOnce failed: %v", err)
	}
}

// seedRun creates a repository, task, and run so foreign keys hold
func (h *poolHarness) seedRun(t *testing.T, runID string, state model.RunState) *model.Run {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now().UTC()

	repo := &model.Repository{
		ID:            "repo-" + runID,
		ProjectID:     "project-1",
		Name:          "demo",
		CloneURL:      "https://example.com/demo.git",
		DefaultBranch: "main",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := h.store.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository failed: %v", err)
	}
	task := &model.Task{
		ID:           "task-" + runID,
		RepositoryID: repo.ID,
		Name:         "demo task",
		Enabled:      true,
		HarnessName:  "codex",
		ImageTag:     "runtime:latest",
		Instruction:  "fix the bug",
		RetryPolicy:  model.DefaultRetryPolicy(),
		Timeout:      model.DefaultTimeoutPolicy(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	run := model.NewRun(runID, task, now)
	run.State = state
	if err := h.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	return run
}

// pollUntil waits for an asynchronous background-work effect
func pollUntil(t *testing.T, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScanQuarantinesSilentRuntime(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-1", model.RuntimeReady, 0)

	// One interval and change without a beat: one miss, still serving
	h.clock.Step(6 * time.Second)
	h.scan(t)
	rt := h.getRuntime(t, "rt-1")
	if rt.LifecycleState != model.RuntimeReady {
		t.Fatalf("Expected ready after one miss, got %s", rt.LifecycleState)
	}
	if rt.MissedHeartbeats != 1 {
		t.Errorf("Expected 1 missed heartbeat, got %d", rt.MissedHeartbeats)
	}

	// Past three intervals of silence the runtime leaves rotation
	h.clock.Step(10 * time.Second)
	h.scan(t)
	rt = h.getRuntime(t, "rt-1")
	if rt.LifecycleState != model.RuntimeQuarantined {
		t.Fatalf("Expected quarantined after three misses, got %s", rt.LifecycleState)
	}
}

func TestScanResetsMissesAfterBeat(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-1", model.RuntimeReady, 0)

	h.clock.Step(6 * time.Second)
	h.scan(t)
	if got := h.getRuntime(t, "rt-1").MissedHeartbeats; got != 1 {
		t.Fatalf("Expected 1 miss, got %d", got)
	}

	if err := h.pool.HandleHeartbeat(context.Background(), &gateway.Heartbeat{RuntimeID: "rt-1"}); err != nil {
		t.Fatalf("HandleHeartbeat failed: %v", err)
	}
	h.clock.Step(2 * time.Second)
	h.scan(t)
	rt := h.getRuntime(t, "rt-1")
	if rt.MissedHeartbeats != 0 {
		t.Errorf("Expected misses reset by the beat, got %d", rt.MissedHeartbeats)
	}
	if rt.LifecycleState != model.RuntimeReady {
		t.Errorf("Expected ready, got %s", rt.LifecycleState)
	}
}

func TestScanFailsRuntimeStuckStarting(t *testing.T) {
	h := newTestPool(t, nil)
	h.seedRuntime(t, "rt-1", model.RuntimeStarting, 0)

	h.clock.Step(61 * time.Second)
	h.scan(t)

	pollUntil(t, "timed-out runtime removal", func() bool {
		return h.getRuntime(t, "rt-1") == nil
	})
	removed := h.fake.Removed()
	if len(removed) != 1 || removed[0] != "container-rt-1" {
		t.Errorf("Expected container removal, got %v", removed)
	}
}

func TestScanDrainsIdleRuntime(t *testing.T) {
	h := newTestPool(t, nil)
	rtA := h.seedRuntime(t, "rt-a", model.RuntimeReady, 0)
	h.seedRuntime(t, "rt-b", model.RuntimeReady, 0)

	idle := h.clock.Now().UTC()
	rtA.IdleSince = &idle
	h.mustUpdate(t, rtA)

	// Idle past the timeout but still heartbeating
	h.clock.Step(11 * time.Minute)
	for _, id := range []string{"rt-a", "rt-b"} {
		if err := h.pool.HandleHeartbeat(context.Background(), &gateway.Heartbeat{RuntimeID: id}); err != nil {
			t.Fatalf("HandleHeartbeat failed: %v", err)
		}
	}

	h.scan(t)
	if got := h.getRuntime(t, "rt-a").LifecycleState; got != model.RuntimeDraining {
		t.Fatalf("Expected rt-a draining, got %s", got)
	}
	if got := h.getRuntime(t, "rt-b").LifecycleState; got != model.RuntimeReady {
		t.Fatalf("Expected rt-b untouched, got %s", got)
	}

	// Next pass stops the drained runtime and removes its container
	h.scan(t)
	pollUntil(t, "idle runtime removal", func() bool {
		return h.getRuntime(t, "rt-a") == nil
	})
}

func TestScanKeepsIdleRuntimeAtMinimum(t *testing.T) {
	h := newTestPool(t, func(cfg *config.Config) {
		cfg.TaskRuntimes.MinTaskRuntimes = 1
	})
	rt := h.seedRuntime(t, "rt-1", model.RuntimeReady, 0)
	idle := h.clock.Now().UTC()
	rt.IdleSince = &idle
	h.mustUpdate(t, rt)

	h.clock.Step(11 * time.Minute)
	if err := h.pool.HandleHeartbeat(context.Background(), &gateway.Heartbeat{RuntimeID: "rt-1"}); err != nil {
		t.Fatalf("HandleHeartbeat failed: %v", err)
	}
	h.scan(t)

	if got := h.getRuntime(t, "rt-1").LifecycleState; got != model.RuntimeReady {
		t.Errorf("Expected the floor runtime to stay ready, got %s", got)
	}
}

func TestScanReplenishesMinimum(t *testing.T) {
	h := newTestPool(t, func(cfg *config.Config) {
		cfg.TaskRuntimes.MinTaskRuntimes = 2
	})

	h.scan(t)

	pollUntil(t, "minimum pool provisioning", func() bool {
		runtimes, err := h.store.ListTaskRuntimes(context.Background())
		if err != nil || len(runtimes) != 2 {
			return false
		}
		for _, rt := range runtimes {
			if rt.LifecycleState != model.RuntimeStarting || rt.ContainerID == "" {
				return false
			}
		}
		return true
	})
	if got := len(h.fake.Provisions()); got != 2 {
		t.Errorf("Expected 2 provision calls, got %d", got)
	}
}
