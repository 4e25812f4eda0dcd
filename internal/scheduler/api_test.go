package scheduler

import (
	"context"
	"testing"

	"github.com/RevCBH/switchyard/internal/model"
	"github.com/RevCBH/switchyard/internal/store"
)

func TestCreateRunSnapshotsTaskPolicy(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	h.seedTask(t, "task-1", repo.ID, func(task *model.Task) {
		task.ConcurrencyKey = "deploy-prod"
		task.RetryPolicy = model.RetryPolicy{
			MaxAttempts:        5,
			BackoffBaseSeconds: 2,
			BackoffMultiplier:  3,
			MaxBackoffSeconds:  120,
		}
		task.Timeout = model.TimeoutPolicy{ExecutionSeconds: 90, OverallSeconds: 300}
	})

	run, err := h.sched.CreateRun(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.State != model.RunQueued || run.Attempt != 1 {
		t.Fatalf("Expected a queued first attempt, got %s attempt %d", run.State, run.Attempt)
	}
	if run.TaskID != "task-1" || run.RepositoryID != "repo-1" {
		t.Errorf("Expected task and repository recorded, got %s/%s", run.TaskID, run.RepositoryID)
	}
	if run.ConcurrencyKey != "deploy-prod" {
		t.Errorf("Expected the concurrency key snapshotted, got %q", run.ConcurrencyKey)
	}
	if run.RetryPolicy.MaxAttempts != 5 || run.RetryPolicy.BackoffBaseSeconds != 2 {
		t.Errorf("Expected the retry policy snapshotted, got %+v", run.RetryPolicy)
	}
	if run.Timeout.ExecutionSeconds != 90 {
		t.Errorf("Expected the timeout snapshotted, got %+v", run.Timeout)
	}

	// Policy edits on the task do not reach runs already created
	stored := h.getRun(t, run.ID)
	if stored.RetryPolicy.MaxAttempts != 5 {
		t.Errorf("Expected the stored run to carry the snapshot, got %+v", stored.RetryPolicy)
	}
}

func TestCreateRunUnknownTask(t *testing.T) {
	h := newTestScheduler(t, nil)
	_, err := h.sched.CreateRun(context.Background(), "no-such-task")
	if err == nil {
		t.Fatalf("Expected an error for an unknown task")
	}
	if kind := model.KindOf(err); kind != model.KindNotFound {
		t.Errorf("Expected not_found, got %s", kind)
	}
}

func TestCreateRunOnDisabledTaskQueues(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	h.seedTask(t, "task-1", repo.ID, func(task *model.Task) {
		task.Enabled = false
	})

	run, err := h.sched.CreateRun(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.State != model.RunQueued {
		t.Fatalf("Expected queued, got %s", run.State)
	}

	// Admission holds the run until the task is enabled again
	h.seedReadyRuntime(t, "rt-1")
	h.tick(t)
	if got := h.getRun(t, run.ID).State; got != model.RunQueued {
		t.Errorf("Expected the run held while the task is disabled, got %s", got)
	}
}

func TestRetryRunRestartsAttemptNumbering(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, nil)

	now := h.clock.Now().UTC()
	failed := model.NewRun("run-old", task, now)
	failed.State = model.RunFailed
	failed.Attempt = 3
	failed.EndedAt = &now
	failed.ErrorCode = "tests_failed"
	if err := h.store.CreateRun(context.Background(), failed); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	requeued, err := h.sched.RetryRun(context.Background(), "run-old")
	if err != nil {
		t.Fatalf("RetryRun failed: %v", err)
	}
	if requeued.ID == "run-old" {
		t.Fatalf("Expected a fresh run, got the source id")
	}
	if requeued.State != model.RunQueued || requeued.Attempt != 1 {
		t.Errorf("Expected a queued first attempt, got %s attempt %d", requeued.State, requeued.Attempt)
	}
	if requeued.TaskID != failed.TaskID || requeued.RepositoryID != failed.RepositoryID {
		t.Errorf("Expected the task binding carried over, got %s/%s", requeued.TaskID, requeued.RepositoryID)
	}
	if requeued.NotBefore != nil {
		t.Errorf("Expected a manual retry to be eligible immediately, got notBefore %v", requeued.NotBefore)
	}
	if requeued.Error != "" || requeued.ErrorCode != "" {
		t.Errorf("Expected a clean slate, got error %q code %q", requeued.Error, requeued.ErrorCode)
	}

	// The source run stays failed
	if got := h.getRun(t, "run-old").State; got != model.RunFailed {
		t.Errorf("Expected the source untouched, got %s", got)
	}
}

func TestRetryRunRejectsActiveRun(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, nil)
	h.seedQueuedRun(t, "run-1", task)

	_, err := h.sched.RetryRun(context.Background(), "run-1")
	if err == nil {
		t.Fatalf("Expected an error for a non-terminal run")
	}
	if kind := model.KindOf(err); kind != model.KindPreconditionFailed {
		t.Errorf("Expected precondition_failed, got %s", kind)
	}
}

func TestRetryRunSupersedesParkedRun(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, nil)
	h.seedQueuedRun(t, "run-1", task)
	h.seedReadyRuntime(t, "rt-1")
	h.tick(t)
	h.completeRun(t, h.getRun(t, "run-1"), `{"status":"pending","summary":"plan ready"}`)

	requeued, err := h.sched.RetryRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("RetryRun failed: %v", err)
	}
	if requeued.State != model.RunQueued || requeued.Attempt != 1 {
		t.Errorf("Expected a queued first attempt, got %s attempt %d", requeued.State, requeued.Attempt)
	}

	// The parked run must not keep waiting for a decision
	source := h.getRun(t, "run-1")
	if source.State != model.RunCancelled {
		t.Errorf("Expected the parked run closed as superseded, got %s", source.State)
	}
	if source.Summary != "superseded by requeue" {
		t.Errorf("Expected a superseded summary, got %q", source.Summary)
	}
	if source.EndedAt == nil {
		t.Error("Expected an end time on the superseded run")
	}
}

func TestGetRunUnknown(t *testing.T) {
	h := newTestScheduler(t, nil)
	_, err := h.sched.GetRun(context.Background(), "no-such-run")
	if err == nil {
		t.Fatalf("Expected an error for an unknown run")
	}
	if kind := model.KindOf(err); kind != model.KindNotFound {
		t.Errorf("Expected not_found, got %s", kind)
	}
}

func TestListRunsFiltersByState(t *testing.T) {
	h := newTestScheduler(t, nil)
	repo := h.seedRepo(t, "repo-1", "project-1")
	task := h.seedTask(t, "task-1", repo.ID, nil)
	h.seedQueuedRun(t, "run-1", task)
	h.seedQueuedRun(t, "run-2", task)
	h.seedQueuedRun(t, "run-3", task)
	h.seedReadyRuntime(t, "rt-1")
	h.tick(t)

	// Two slots on the runtime, so one run stays behind
	queued, err := h.sched.ListRuns(context.Background(), store.RunFilter{
		States: []model.RunState{model.RunQueued},
	})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	running, err := h.sched.ListRuns(context.Background(), store.RunFilter{
		States: []model.RunState{model.RunRunning},
	})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(running) != 2 || len(queued) != 1 {
		t.Fatalf("Expected 2 running and 1 queued, got %d running %d queued", len(running), len(queued))
	}
	for _, run := range queued {
		if run.State != model.RunQueued {
			t.Errorf("Expected only queued runs, got %s", run.State)
		}
	}
}
