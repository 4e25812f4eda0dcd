package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/RevCBH/switchyard/internal/config"
	"github.com/RevCBH/switchyard/internal/model"
)

// Covers the single-run happy path end to end: admission, dispatch,
// streamed events, completion, and slot release.
func TestDispatchSuccessFlow(t *testing.T) {
	h := newTestScheduler(t, func(cfg *config.Config) {
		cfg.TaskRuntimes.MaxTaskRuntimes = 1
		cfg.TaskRuntimes.ParallelSlotsPerTaskRuntime = 1
	})
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, nil)
	h.seedQueuedRun(t, "run-1", task)
	h.seedReadyRuntime(t, "rt-1")

	sub := h.bus.Subscribe("run-1")
	defer h.bus.Unsubscribe(sub)

	h.tick(t)
	run := h.getRun(t, "run-1")
	if run.State != model.RunRunning {
		t.Fatalf("Expected running after tick, got %s", run.State)
	}

	h.clock.Step(3 * time.Second)
	delta := &model.RunEvent{
		RunID:          "run-1",
		TaskID:         task.ID,
		ExecutionToken: run.ExecutionToken,
		Sequence:       1,
		Category:       model.CategoryAssistantDelta,
		PayloadJSON:    `{"text":"running tests"}`,
		Timestamp:      h.clock.Now().UTC(),
	}
	if err := h.bus.Publish(context.Background(), delta); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	completed := &model.RunEvent{
		RunID:          "run-1",
		TaskID:         task.ID,
		ExecutionToken: run.ExecutionToken,
		Sequence:       2,
		Category:       model.CategoryRunCompleted,
		PayloadJSON:    `{"status":"succeeded","summary":"all tests green"}`,
		Timestamp:      h.clock.Now().UTC(),
	}
	if err := h.bus.Publish(context.Background(), completed); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	h.sched.handleCompletion(context.Background(), completed)

	run = h.getRun(t, "run-1")
	if run.State != model.RunSucceeded {
		t.Fatalf("Expected succeeded, got %s", run.State)
	}
	if run.Summary != "all tests green" {
		t.Errorf("Expected the envelope summary, got %q", run.Summary)
	}
	if run.EndedAt == nil || !run.StartedAt.Before(*run.EndedAt) {
		t.Errorf("Expected startedAt < endedAt, got %v / %v", run.StartedAt, run.EndedAt)
	}

	// Exactly the two runtime events, in publication order
	var got []*model.RunEvent
	for len(got) < 2 {
		select {
		case event := <-sub.Events():
			got = append(got, event)
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for events, have %d", len(got))
		}
	}
	if got[0].Sequence != 1 || got[1].Sequence != 2 {
		t.Errorf("Expected sequences 1,2 got %d,%d", got[0].Sequence, got[1].Sequence)
	}
	if got[0].DeliveryID >= got[1].DeliveryID {
		t.Errorf("Expected increasing delivery ids, got %d,%d", got[0].DeliveryID, got[1].DeliveryID)
	}
	select {
	case extra := <-sub.Events():
		t.Errorf("Expected no further events, got category %s", extra.Category)
	case <-time.After(50 * time.Millisecond):
	}

	rt, err := h.store.GetTaskRuntime(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("GetTaskRuntime failed: %v", err)
	}
	if rt.LifecycleState != model.RuntimeReady || rt.ActiveSlots != 0 {
		t.Errorf("Expected runtime back to ready with no slots, got %s/%d",
			rt.LifecycleState, rt.ActiveSlots)
	}
}

// Covers the transient-failure retry chain: two failed dispatch
// attempts with growing backoff, then a success on the third.
func TestDispatchTransientErrorRetriesWithBackoff(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, nil)
	h.seedQueuedRun(t, "run-1", task)
	h.seedReadyRuntime(t, "rt-1")

	h.fake.StubDispatch("run-1", model.NewError(model.KindTransient, "endpoint_unreachable", "dial refused"))
	h.tick(t)

	first := h.getRun(t, "run-1")
	if first.State != model.RunFailed {
		t.Fatalf("Expected first attempt failed, got %s", first.State)
	}
	if first.ErrorCode != "endpoint_unreachable" {
		t.Errorf("Expected the classified code, got %q", first.ErrorCode)
	}

	queued := h.runsInState(t, model.RunQueued)
	if len(queued) != 1 {
		t.Fatalf("Expected one retry run, got %d", len(queued))
	}
	second := queued[0]
	if second.Attempt != 2 {
		t.Errorf("Expected attempt 2, got %d", second.Attempt)
	}
	if second.NotBefore == nil || second.NotBefore.Sub(*first.EndedAt) < time.Second {
		t.Errorf("Expected at least 1s backoff before attempt 2")
	}

	h.fake.StubDispatch(second.ID, model.NewError(model.KindTransient, "endpoint_unreachable", "dial refused"))
	h.clock.Step(1100 * time.Millisecond)
	h.tick(t)

	if got := h.getRun(t, second.ID).State; got != model.RunFailed {
		t.Fatalf("Expected second attempt failed, got %s", got)
	}
	queued = h.runsInState(t, model.RunQueued)
	if len(queued) != 1 {
		t.Fatalf("Expected a third attempt queued, got %d", len(queued))
	}
	third := queued[0]
	if third.Attempt != 3 {
		t.Errorf("Expected attempt 3, got %d", third.Attempt)
	}
	secondEnded := h.getRun(t, second.ID).EndedAt
	if third.NotBefore == nil || third.NotBefore.Sub(*secondEnded) < 2*time.Second {
		t.Errorf("Expected at least 2s backoff before attempt 3")
	}

	h.clock.Step(2100 * time.Millisecond)
	h.tick(t)
	if got := h.getRun(t, third.ID).State; got != model.RunRunning {
		t.Fatalf("Expected third attempt running, got %s", got)
	}
	h.completeRun(t, third, `{"status":"succeeded"}`)

	// Three runs share the task, attempts 1..3, only the last succeeded
	all, err := h.store.ListRunsByState(context.Background(),
		model.RunFailed, model.RunSucceeded)
	if err != nil {
		t.Fatalf("ListRunsByState failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 terminal runs, got %d", len(all))
	}
	attempts := make(map[int]model.RunState, 3)
	for _, run := range all {
		if run.TaskID != task.ID {
			t.Errorf("Expected all attempts on %s, got %s", task.ID, run.TaskID)
		}
		attempts[run.Attempt] = run.State
	}
	if attempts[1] != model.RunFailed || attempts[2] != model.RunFailed || attempts[3] != model.RunSucceeded {
		t.Errorf("Unexpected attempt outcomes: %v", attempts)
	}
}

func TestDispatchRetryBudgetExhausted(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, func(task *model.Task) {
		task.RetryPolicy.MaxAttempts = 1
	})
	h.seedQueuedRun(t, "run-1", task)
	h.seedReadyRuntime(t, "rt-1")

	h.fake.StubDispatch("run-1", model.NewError(model.KindTransient, "endpoint_unreachable", "dial refused"))
	h.tick(t)

	if got := h.getRun(t, "run-1").State; got != model.RunFailed {
		t.Fatalf("Expected failed, got %s", got)
	}
	if got := len(h.runsInState(t, model.RunQueued)); got != 0 {
		t.Errorf("Expected no retry with an exhausted budget, got %d queued", got)
	}
}

func TestDispatchNonRetryableErrorIsTerminal(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, nil)
	h.seedQueuedRun(t, "run-1", task)
	h.seedReadyRuntime(t, "rt-1")

	h.fake.StubDispatch("run-1", model.NewError(model.KindInvalidInput, "bad_instruction", "instruction is empty"))
	h.tick(t)

	run := h.getRun(t, "run-1")
	if run.State != model.RunFailed {
		t.Fatalf("Expected failed, got %s", run.State)
	}
	if run.ErrorCode != "bad_instruction" {
		t.Errorf("Expected the stable code, got %q", run.ErrorCode)
	}
	if got := len(h.runsInState(t, model.RunQueued)); got != 0 {
		t.Errorf("Expected no retry for an invalid input failure, got %d queued", got)
	}

	// The slot freed up for other work
	rt, err := h.store.GetTaskRuntime(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("GetTaskRuntime failed: %v", err)
	}
	if rt.LifecycleState != model.RuntimeReady || rt.ActiveSlots != 0 {
		t.Errorf("Expected the lease released, got %s/%d", rt.LifecycleState, rt.ActiveSlots)
	}
}

func TestDispatchLinksPriorFailures(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, nil)

	old := model.NewRun("run-old", task, h.clock.Now().UTC())
	old.State = model.RunFailed
	if err := h.store.CreateRun(context.Background(), old); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	h.clock.Step(10 * time.Millisecond)
	h.seedQueuedRun(t, "run-new", task)
	h.seedReadyRuntime(t, "rt-1")
	h.tick(t)

	dispatched := h.fake.Dispatched()
	if len(dispatched) != 1 {
		t.Fatalf("Expected 1 dispatch, got %d", len(dispatched))
	}
	linked := dispatched[0].LinkedFailureRuns
	if len(linked) != 1 || linked[0] != "run-old" {
		t.Errorf("Expected the prior failure linked, got %v", linked)
	}
}
