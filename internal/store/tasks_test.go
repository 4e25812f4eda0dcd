package store

import (
	"context"
	"testing"
	"time"

	"github.com/RevCBH/switchyard/internal/model"
)

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &model.Repository{
		ID:            "repo-1",
		ProjectID:     "project-1",
		Name:          "demo",
		CloneURL:      "https://example.com/demo.git",
		DefaultBranch: "main",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.CreateRepository(ctx, repo); err != nil {
		t.Fatalf("CreateRepository failed: %v", err)
	}

	limit := 2
	task := &model.Task{
		ID:               "task-1",
		RepositoryID:     "repo-1",
		Name:             "nightly refactor",
		Enabled:          true,
		HarnessName:      "claude-code",
		ImageTag:         "runtime:v3",
		Instruction:      "refactor the parser",
		Env:              map[string]string{"MODE": "strict"},
		CustomArgs:       []string{"--verbose"},
		ArtifactPatterns: []string{"*.patch"},
		ConcurrencyKey:   "parser",
		ConcurrencyLimit: &limit,
		RetryPolicy:      model.DefaultRetryPolicy(),
		SandboxProfile:   model.SandboxProfile{NetworkDisabled: true},
		Timeout:          model.DefaultTimeoutPolicy(),
		ApprovalProfile:  &model.ApprovalProfile{Required: true, TimeoutHours: 12},
		CronExpression:   "0 2 * * *",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected task, got nil")
	}
	if got.ConcurrencyLimit == nil || *got.ConcurrencyLimit != 2 {
		t.Errorf("Expected concurrency limit 2, got %v", got.ConcurrencyLimit)
	}
	if got.Env["MODE"] != "strict" {
		t.Errorf("Expected env to round-trip, got %v", got.Env)
	}
	if !got.SandboxProfile.NetworkDisabled {
		t.Error("Expected sandbox profile to round-trip")
	}
	if got.ApprovalProfile == nil || !got.ApprovalProfile.Required {
		t.Errorf("Expected approval profile to round-trip, got %v", got.ApprovalProfile)
	}
}

func TestTask_NilOptionalFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "repo-1", "task-1")

	got, err := s.GetTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.ConcurrencyLimit != nil {
		t.Errorf("Expected nil concurrency limit, got %v", got.ConcurrencyLimit)
	}
	if got.ApprovalProfile != nil {
		t.Errorf("Expected nil approval profile, got %v", got.ApprovalProfile)
	}
}

func TestUpdateTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, "repo-1", "task-1")

	task.Enabled = false
	task.Instruction = "hold off"
	task.UpdatedAt = task.UpdatedAt.Add(time.Minute)
	if err := s.UpdateTask(ctx, task); err != nil {
		t.Fatalf("UpdateTask failed: %v", err)
	}

	got, _ := s.GetTask(ctx, "task-1")
	if got.Enabled {
		t.Error("Expected task to be disabled")
	}
	if got.Instruction != "hold off" {
		t.Errorf("Expected instruction update, got %q", got.Instruction)
	}
}

func TestUpdateTask_NotFound(t *testing.T) {
	s := newTestStore(t)

	task := &model.Task{ID: "ghost", RepositoryID: "r", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := s.UpdateTask(context.Background(), task); err == nil {
		t.Fatal("Expected update of missing task to fail")
	}
}

func TestListRepositories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "repo-a", "task-a")
	seedTask(t, s, "repo-b", "task-b")

	repos, err := s.ListRepositories(ctx)
	if err != nil {
		t.Fatalf("ListRepositories failed: %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("Expected 2 repositories, got %d", len(repos))
	}
	if repos[0].ID != "repo-a" || repos[1].ID != "repo-b" {
		t.Errorf("Expected ordered ids, got %s, %s", repos[0].ID, repos[1].ID)
	}
}
