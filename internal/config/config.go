package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RevCBH/switchyard/internal/model"
)

// ConnectivityMode controls how the control plane reaches runtime
// containers.
type ConnectivityMode string

const (
	// ConnectivityAutoDetect probes Docker DNS first, then host ports.
	ConnectivityAutoDetect ConnectivityMode = "AutoDetect"

	// ConnectivityDockerDNSOnly resolves runtimes by container name on
	// the Docker network.
	ConnectivityDockerDNSOnly ConnectivityMode = "DockerDnsOnly"

	// ConnectivityHostPortOnly dials published host ports only.
	ConnectivityHostPortOnly ConnectivityMode = "HostPortOnly"
)

// Config holds all configuration for the control plane.
// It is immutable after creation via LoadConfig().
type Config struct {
	// SchedulerIntervalSeconds is the scheduler tick period (1-300)
	SchedulerIntervalSeconds int `yaml:"schedulerIntervalSeconds"`

	// MaxGlobalConcurrentRuns caps runs in Running state process-wide
	MaxGlobalConcurrentRuns int `yaml:"maxGlobalConcurrentRuns"`

	// PerProjectConcurrencyLimit caps running runs per project; must be <= global
	PerProjectConcurrencyLimit int `yaml:"perProjectConcurrencyLimit"`

	// PerRepoConcurrencyLimit caps running runs per repository; must be <= project
	PerRepoConcurrencyLimit int `yaml:"perRepoConcurrencyLimit"`

	// RetryDefaults is the retry policy applied when a task does not set one
	RetryDefaults model.RetryPolicy `yaml:"retryDefaults"`

	// TTLDays controls retention of logs and terminal runs
	TTLDays TTLConfig `yaml:"ttlDays"`

	// DeadRunDetection controls the liveness scanner
	DeadRunDetection DeadRunDetectionConfig `yaml:"deadRunDetection"`

	// StageTimeout caps workflow stage durations
	StageTimeout StageTimeoutConfig `yaml:"stageTimeout"`

	// TaskRuntimes controls the runtime pool
	TaskRuntimes TaskRuntimesConfig `yaml:"taskRuntimes"`

	// Database holds persistence settings
	Database DatabaseConfig `yaml:"database"`

	// Notifications selects operator notification sinks
	Notifications NotificationsConfig `yaml:"notifications"`

	// LogLevel controls log verbosity (debug, info, warn, error)
	LogLevel string `yaml:"logLevel"`
}

// TTLConfig controls retention in days
type TTLConfig struct {
	Logs int `yaml:"logs"`
	Runs int `yaml:"runs"`
}

// DeadRunDetectionConfig controls stale/zombie/age-based termination
type DeadRunDetectionConfig struct {
	CheckIntervalSeconds     int  `yaml:"checkIntervalSeconds"`
	StaleRunThresholdMinutes int  `yaml:"staleRunThresholdMinutes"`
	ZombieRunThresholdMins   int  `yaml:"zombieRunThresholdMinutes"`
	MaxRunAgeHours           int  `yaml:"maxRunAgeHours"`
	EnableAutoTermination    bool `yaml:"enableAutoTermination"`
	ForceKillOnTimeout       bool `yaml:"forceKillOnTimeout"`
}

// StageTimeoutConfig caps workflow stage durations
type StageTimeoutConfig struct {
	DefaultTaskStageTimeoutMinutes     int `yaml:"defaultTaskStageTimeoutMinutes"`
	DefaultApprovalStageTimeoutHours   int `yaml:"defaultApprovalStageTimeoutHours"`
	DefaultParallelStageTimeoutMinutes int `yaml:"defaultParallelStageTimeoutMinutes"`
	MaxStageTimeoutHours               int `yaml:"maxStageTimeoutHours"`
}

// TaskRuntimesConfig controls pool sizing, heartbeats, and scaling
type TaskRuntimesConfig struct {
	// MaxTaskRuntimes is the pool size cap (0-256; 0 disables provisioning)
	MaxTaskRuntimes int `yaml:"maxTaskRuntimes"`

	// MinTaskRuntimes is the floor idle scale-in will not drain below
	MinTaskRuntimes int `yaml:"minTaskRuntimes"`

	// ParallelSlotsPerTaskRuntime is each runtime's lease capacity (1-128)
	ParallelSlotsPerTaskRuntime int `yaml:"parallelSlotsPerTaskRuntime"`

	// IdleTimeoutMinutes drains runtimes idle for this long (1-1440)
	IdleTimeoutMinutes int `yaml:"idleTimeoutMinutes"`

	// StartupTimeoutSeconds bounds the wait for a first heartbeat (5-300)
	StartupTimeoutSeconds int `yaml:"startupTimeoutSeconds"`

	// HeartbeatIntervalSeconds is the expected runtime report cadence
	HeartbeatIntervalSeconds int `yaml:"heartbeatIntervalSeconds"`

	// MaxMissedHeartbeats quarantines a runtime after this many misses
	MaxMissedHeartbeats int `yaml:"maxMissedHeartbeats"`

	// ContainerImage is the runtime image reference
	ContainerImage string `yaml:"containerImage"`

	// ContainerNamePrefix prefixes pool-managed container names
	ContainerNamePrefix string `yaml:"containerNamePrefix"`

	// DockerNetwork is the network runtimes attach to
	DockerNetwork string `yaml:"dockerNetwork"`

	// ConnectivityMode selects how runtime endpoints are reached
	ConnectivityMode ConnectivityMode `yaml:"connectivityMode"`

	// EnablePressureScaling turns CPU/memory driven scale-out on
	EnablePressureScaling bool `yaml:"enablePressureScaling"`

	// CPUScaleOutThresholdPercent triggers scale-out at this mean CPU (1-100)
	CPUScaleOutThresholdPercent int `yaml:"cpuScaleOutThresholdPercent"`

	// MemoryScaleOutThresholdPercent triggers scale-out at this mean memory (1-100)
	MemoryScaleOutThresholdPercent int `yaml:"memoryScaleOutThresholdPercent"`

	// PressureSampleWindowSeconds is the sliding window for pressure means (5-600)
	PressureSampleWindowSeconds int `yaml:"pressureSampleWindowSeconds"`

	// ScaleOutCooldownSeconds is the minimum gap between scale-outs
	ScaleOutCooldownSeconds int `yaml:"scaleOutCooldownSeconds"`
}

// DatabaseConfig holds persistence settings
type DatabaseConfig struct {
	// Path is the SQLite database file location
	Path string `yaml:"path"`
}

// NotificationsConfig selects operator notification sinks.
// Backend-specific requirements (a slack backend needs its webhook
// URL) are checked when the notifier is built, not here.
type NotificationsConfig struct {
	// Backends lists enabled sinks: "log", "slack", "webhook".
	// Empty means log only.
	Backends []string `yaml:"backends"`

	// SlackWebhookURL is the Slack incoming-webhook URL
	SlackWebhookURL string `yaml:"slackWebhookUrl"`

	// WebhookURL is the generic webhook endpoint
	WebhookURL string `yaml:"webhookUrl"`
}

// SchedulerInterval returns the scheduler tick period as a Duration
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// HeartbeatInterval returns the expected heartbeat cadence
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.TaskRuntimes.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatFreshness returns the staleness window, 3x the heartbeat
// interval
func (c *Config) HeartbeatFreshness() time.Duration {
	return 3 * c.HeartbeatInterval()
}

// StartupTimeout returns how long a runtime may sit in Starting
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.TaskRuntimes.StartupTimeoutSeconds) * time.Second
}

// IdleTimeout returns how long a runtime may idle before draining
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.TaskRuntimes.IdleTimeoutMinutes) * time.Minute
}

// PressureSampleWindow returns the pressure averaging window
func (c *Config) PressureSampleWindow() time.Duration {
	return time.Duration(c.TaskRuntimes.PressureSampleWindowSeconds) * time.Second
}

// ScaleOutCooldown returns the minimum gap between scale-outs
func (c *Config) ScaleOutCooldown() time.Duration {
	return time.Duration(c.TaskRuntimes.ScaleOutCooldownSeconds) * time.Second
}

// DeadRunCheckInterval returns the liveness scan period
func (c *Config) DeadRunCheckInterval() time.Duration {
	return time.Duration(c.DeadRunDetection.CheckIntervalSeconds) * time.Second
}

// StaleRunThreshold returns the heartbeat silence that triggers a stop
func (c *Config) StaleRunThreshold() time.Duration {
	return time.Duration(c.DeadRunDetection.StaleRunThresholdMinutes) * time.Minute
}

// ZombieRunThreshold returns the heartbeat silence that triggers a kill
func (c *Config) ZombieRunThreshold() time.Duration {
	return time.Duration(c.DeadRunDetection.ZombieRunThresholdMins) * time.Minute
}

// MaxRunAge returns how long a run may stay queued
func (c *Config) MaxRunAge() time.Duration {
	return time.Duration(c.DeadRunDetection.MaxRunAgeHours) * time.Hour
}

// LoadConfig loads configuration from the given path.
// It applies defaults, then file values, then environment overrides,
// then validates. A missing config file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = DefaultConfigPath
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
