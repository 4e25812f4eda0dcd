package config

import "github.com/RevCBH/switchyard/internal/model"

const (
	DefaultConfigPath = "switchyard.yaml"

	DefaultSchedulerIntervalSeconds   = 10
	DefaultMaxGlobalConcurrentRuns    = 20
	DefaultPerProjectConcurrencyLimit = 10
	DefaultPerRepoConcurrencyLimit    = 5

	DefaultLogTTLDays = 7
	DefaultRunTTLDays = 30

	DefaultCheckIntervalSeconds     = 60
	DefaultStaleRunThresholdMinutes = 10
	DefaultZombieRunThresholdMins   = 20
	DefaultMaxRunAgeHours           = 24

	DefaultTaskStageTimeoutMinutes     = 60
	DefaultApprovalStageTimeoutHours   = 24
	DefaultParallelStageTimeoutMinutes = 120
	DefaultMaxStageTimeoutHours        = 72

	DefaultMaxTaskRuntimes             = 4
	DefaultMinTaskRuntimes             = 0
	DefaultParallelSlotsPerTaskRuntime = 2
	DefaultIdleTimeoutMinutes          = 30
	DefaultStartupTimeoutSeconds       = 60
	DefaultHeartbeatIntervalSeconds    = 5
	DefaultMaxMissedHeartbeats         = 3
	DefaultContainerImage              = "ghcr.io/switchyard/task-runtime:latest"
	DefaultContainerNamePrefix         = "switchyard-runtime"
	DefaultDockerNetwork               = "bridge"
	DefaultCPUScaleOutThreshold        = 80
	DefaultMemoryScaleOutThreshold     = 85
	DefaultPressureSampleWindowSecs    = 60
	DefaultScaleOutCooldownSeconds     = 60

	DefaultDatabasePath = "switchyard.db"
	DefaultLogLevel     = "info"
)

// DefaultConfig returns a Config with all default values applied.
func DefaultConfig() *Config {
	return &Config{
		SchedulerIntervalSeconds:   DefaultSchedulerIntervalSeconds,
		MaxGlobalConcurrentRuns:    DefaultMaxGlobalConcurrentRuns,
		PerProjectConcurrencyLimit: DefaultPerProjectConcurrencyLimit,
		PerRepoConcurrencyLimit:    DefaultPerRepoConcurrencyLimit,
		RetryDefaults:              model.DefaultRetryPolicy(),
		TTLDays: TTLConfig{
			Logs: DefaultLogTTLDays,
			Runs: DefaultRunTTLDays,
		},
		DeadRunDetection: DeadRunDetectionConfig{
			CheckIntervalSeconds:     DefaultCheckIntervalSeconds,
			StaleRunThresholdMinutes: DefaultStaleRunThresholdMinutes,
			ZombieRunThresholdMins:   DefaultZombieRunThresholdMins,
			MaxRunAgeHours:           DefaultMaxRunAgeHours,
			EnableAutoTermination:    true,
			ForceKillOnTimeout:       true,
		},
		StageTimeout: StageTimeoutConfig{
			DefaultTaskStageTimeoutMinutes:     DefaultTaskStageTimeoutMinutes,
			DefaultApprovalStageTimeoutHours:   DefaultApprovalStageTimeoutHours,
			DefaultParallelStageTimeoutMinutes: DefaultParallelStageTimeoutMinutes,
			MaxStageTimeoutHours:               DefaultMaxStageTimeoutHours,
		},
		TaskRuntimes: TaskRuntimesConfig{
			MaxTaskRuntimes:                DefaultMaxTaskRuntimes,
			MinTaskRuntimes:                DefaultMinTaskRuntimes,
			ParallelSlotsPerTaskRuntime:    DefaultParallelSlotsPerTaskRuntime,
			IdleTimeoutMinutes:             DefaultIdleTimeoutMinutes,
			StartupTimeoutSeconds:          DefaultStartupTimeoutSeconds,
			HeartbeatIntervalSeconds:       DefaultHeartbeatIntervalSeconds,
			MaxMissedHeartbeats:            DefaultMaxMissedHeartbeats,
			ContainerImage:                 DefaultContainerImage,
			ContainerNamePrefix:            DefaultContainerNamePrefix,
			DockerNetwork:                  DefaultDockerNetwork,
			ConnectivityMode:               ConnectivityAutoDetect,
			EnablePressureScaling:          false,
			CPUScaleOutThresholdPercent:    DefaultCPUScaleOutThreshold,
			MemoryScaleOutThresholdPercent: DefaultMemoryScaleOutThreshold,
			PressureSampleWindowSeconds:    DefaultPressureSampleWindowSecs,
			ScaleOutCooldownSeconds:        DefaultScaleOutCooldownSeconds,
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath,
		},
		LogLevel: DefaultLogLevel,
	}
}
