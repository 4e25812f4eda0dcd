package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/RevCBH/switchyard/internal/model"
)

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, "repo-1", "task-1")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	run := model.NewRun("run-1", task, now)
	run.ConcurrencyKey = "deploy"

	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected run, got nil")
	}
	if got.State != model.RunQueued {
		t.Errorf("Expected queued, got %s", got.State)
	}
	if got.Attempt != 1 {
		t.Errorf("Expected attempt 1, got %d", got.Attempt)
	}
	if got.ConcurrencyKey != "deploy" {
		t.Errorf("Expected concurrency key to round-trip, got %q", got.ConcurrencyKey)
	}
	if got.RetryPolicy.MaxAttempts != 3 {
		t.Errorf("Expected retry policy to round-trip, got %+v", got.RetryPolicy)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("Expected createdAt %v, got %v", now, got.CreatedAt)
	}
	if got.StartedAt != nil {
		t.Error("Expected startedAt to be nil")
	}
	if got.Version != 1 {
		t.Errorf("Expected version 1, got %d", got.Version)
	}
}

func TestGetRun_Missing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetRun(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing run, got %+v", got)
	}
}

func TestUpdateRun_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, "repo-1", "task-1")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	run := model.NewRun("run-1", task, now)
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	// Two readers load the same version
	first, _ := s.GetRun(ctx, "run-1")
	second, _ := s.GetRun(ctx, "run-1")

	started := now.Add(time.Second)
	first.State = model.RunRunning
	first.StartedAt = &started
	first.UpdatedAt = started
	if err := s.UpdateRun(ctx, first); err != nil {
		t.Fatalf("First update failed: %v", err)
	}
	if first.Version != 2 {
		t.Errorf("Expected version bump to 2, got %d", first.Version)
	}

	second.State = model.RunCancelled
	second.UpdatedAt = started
	err := s.UpdateRun(ctx, second)
	if err == nil {
		t.Fatal("Expected stale update to fail")
	}
	if !errors.Is(err, model.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got: %v", err)
	}

	// The winning write is intact
	got, _ := s.GetRun(ctx, "run-1")
	if got.State != model.RunRunning {
		t.Errorf("Expected running after conflict, got %s", got.State)
	}
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	task := seedTask(t, s, "repo-1", "task-1")

	run := model.NewRun("ghost", task, time.Now())
	err := s.UpdateRun(context.Background(), run)
	if err == nil {
		t.Fatal("Expected update of missing run to fail")
	}
	if errors.Is(err, model.ErrVersionConflict) {
		t.Errorf("Expected plain not-found error, got version conflict: %v", err)
	}
}

func TestListRunsByState_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, "repo-1", "task-1")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	// Insert out of order to prove ordering comes from created_at
	for _, spec := range []struct {
		id     string
		offset time.Duration
	}{
		{"run-c", 2 * time.Second},
		{"run-a", 0},
		{"run-b", time.Second},
	} {
		run := model.NewRun(spec.id, task, base.Add(spec.offset))
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := s.ListRunsByState(ctx, model.RunQueued)
	if err != nil {
		t.Fatalf("ListRunsByState failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs, got %d", len(runs))
	}
	for i, want := range []string{"run-a", "run-b", "run-c"} {
		if runs[i].ID != want {
			t.Errorf("Expected runs[%d]=%s, got %s", i, want, runs[i].ID)
		}
	}
}

func TestListRuns_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	taskA := seedTask(t, s, "repo-a", "task-a")
	taskB := seedTask(t, s, "repo-b", "task-b")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i, task := range []*model.Task{taskA, taskA, taskB} {
		run := model.NewRun(string(rune('x'+i)), task, now.Add(time.Duration(i)*time.Second))
		if err := s.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, RunFilter{TaskID: "task-a"})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("Expected 2 runs for task-a, got %d", len(runs))
	}

	runs, err = s.ListRuns(ctx, RunFilter{RepositoryID: "repo-b", States: []model.RunState{model.RunQueued}})
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("Expected 1 queued run for repo-b, got %d", len(runs))
	}
}

func TestDeleteTerminalRunsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, "repo-1", "task-1")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)

	ended := model.NewRun("run-old", task, old)
	ended.State = model.RunSucceeded
	ended.EndedAt = &old
	if err := s.CreateRun(ctx, ended); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	recent := model.NewRun("run-new", task, now)
	recent.State = model.RunFailed
	recent.EndedAt = &now
	if err := s.CreateRun(ctx, recent); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	active := model.NewRun("run-live", task, old)
	if err := s.CreateRun(ctx, active); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	deleted, err := s.DeleteTerminalRunsBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteTerminalRunsBefore failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deleted run, got %d", deleted)
	}

	if got, _ := s.GetRun(ctx, "run-old"); got != nil {
		t.Error("Expected old terminal run to be deleted")
	}
	if got, _ := s.GetRun(ctx, "run-live"); got == nil {
		t.Error("Expected queued run to survive pruning regardless of age")
	}
}
