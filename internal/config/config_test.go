package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfig_MissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Expected defaults when config file is missing, got: %v", err)
	}
	if cfg.SchedulerIntervalSeconds != DefaultSchedulerIntervalSeconds {
		t.Errorf("Expected default scheduler interval, got %d", cfg.SchedulerIntervalSeconds)
	}
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchyard.yaml")
	content := `
schedulerIntervalSeconds: 30
maxGlobalConcurrentRuns: 8
perProjectConcurrencyLimit: 6
perRepoConcurrencyLimit: 4
taskRuntimes:
  maxTaskRuntimes: 2
  parallelSlotsPerTaskRuntime: 1
deadRunDetection:
  staleRunThresholdMinutes: 1
  zombieRunThresholdMinutes: 2
notifications:
  backends: [log, webhook]
  webhookUrl: http://example.com/hook
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.SchedulerIntervalSeconds != 30 {
		t.Errorf("Expected schedulerIntervalSeconds=30, got %d", cfg.SchedulerIntervalSeconds)
	}
	if cfg.TaskRuntimes.MaxTaskRuntimes != 2 {
		t.Errorf("Expected maxTaskRuntimes=2, got %d", cfg.TaskRuntimes.MaxTaskRuntimes)
	}
	// Unset keys keep defaults
	if cfg.TaskRuntimes.StartupTimeoutSeconds != DefaultStartupTimeoutSeconds {
		t.Errorf("Expected default startup timeout, got %d", cfg.TaskRuntimes.StartupTimeoutSeconds)
	}
	if cfg.DeadRunDetection.StaleRunThresholdMinutes != 1 {
		t.Errorf("Expected staleRunThresholdMinutes=1, got %d", cfg.DeadRunDetection.StaleRunThresholdMinutes)
	}
	if len(cfg.Notifications.Backends) != 2 || cfg.Notifications.WebhookURL != "http://example.com/hook" {
		t.Errorf("Expected notifications block to parse, got %+v", cfg.Notifications)
	}
}

func TestLoadConfig_InvalidFileRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchyard.yaml")
	content := `
maxGlobalConcurrentRuns: 2
perProjectConcurrencyLimit: 2
perRepoConcurrencyLimit: 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected validation failure for repo limit above project limit")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("SWITCHYARD_MAX_GLOBAL_RUNS", "15")
	t.Setenv("SWITCHYARD_DB_PATH", "/tmp/other.db")
	t.Setenv("SWITCHYARD_SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/T0/B0/x")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.MaxGlobalConcurrentRuns != 15 {
		t.Errorf("Expected env override to set maxGlobalConcurrentRuns=15, got %d", cfg.MaxGlobalConcurrentRuns)
	}
	if cfg.Database.Path != "/tmp/other.db" {
		t.Errorf("Expected env override to set database path, got %s", cfg.Database.Path)
	}
	if cfg.Notifications.SlackWebhookURL != "https://hooks.slack.com/services/T0/B0/x" {
		t.Errorf("Expected env override to set slack webhook URL, got %s", cfg.Notifications.SlackWebhookURL)
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskRuntimes.HeartbeatIntervalSeconds = 5

	if got := cfg.HeartbeatFreshness(); got != 15*time.Second {
		t.Errorf("Expected freshness window 3x interval (15s), got %v", got)
	}
	if got := cfg.SchedulerInterval(); got != time.Duration(cfg.SchedulerIntervalSeconds)*time.Second {
		t.Errorf("Expected scheduler interval helper to match, got %v", got)
	}
}
