package config

import (
	"errors"
	"fmt"
)

// ValidationError contains details about what failed validation.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

func rangeError(field string, value any, low, high int) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be between %d and %d", low, high),
	}
}

// validateConfig checks all config values for validity.
// Returns nil if valid, or joined errors for all validation failures.
func validateConfig(cfg *Config) error {
	var errs []error

	if cfg.SchedulerIntervalSeconds < 1 || cfg.SchedulerIntervalSeconds > 300 {
		errs = append(errs, rangeError("schedulerIntervalSeconds", cfg.SchedulerIntervalSeconds, 1, 300))
	}

	if cfg.MaxGlobalConcurrentRuns < 1 {
		errs = append(errs, &ValidationError{
			Field:   "maxGlobalConcurrentRuns",
			Value:   cfg.MaxGlobalConcurrentRuns,
			Message: "must be at least 1",
		})
	}

	if cfg.PerProjectConcurrencyLimit < 1 {
		errs = append(errs, &ValidationError{
			Field:   "perProjectConcurrencyLimit",
			Value:   cfg.PerProjectConcurrencyLimit,
			Message: "must be at least 1",
		})
	}

	if cfg.PerRepoConcurrencyLimit < 1 {
		errs = append(errs, &ValidationError{
			Field:   "perRepoConcurrencyLimit",
			Value:   cfg.PerRepoConcurrencyLimit,
			Message: "must be at least 1",
		})
	}

	if cfg.PerProjectConcurrencyLimit > cfg.MaxGlobalConcurrentRuns {
		errs = append(errs, &ValidationError{
			Field:   "perProjectConcurrencyLimit",
			Value:   cfg.PerProjectConcurrencyLimit,
			Message: "must not exceed maxGlobalConcurrentRuns",
		})
	}

	if cfg.PerRepoConcurrencyLimit > cfg.PerProjectConcurrencyLimit {
		errs = append(errs, &ValidationError{
			Field:   "perRepoConcurrencyLimit",
			Value:   cfg.PerRepoConcurrencyLimit,
			Message: "must not exceed perProjectConcurrencyLimit",
		})
	}

	if cfg.RetryDefaults.MaxAttempts < 1 {
		errs = append(errs, &ValidationError{
			Field:   "retryDefaults.maxAttempts",
			Value:   cfg.RetryDefaults.MaxAttempts,
			Message: "must be at least 1",
		})
	}

	if cfg.RetryDefaults.BackoffBaseSeconds <= 0 {
		errs = append(errs, &ValidationError{
			Field:   "retryDefaults.backoffBaseSeconds",
			Value:   cfg.RetryDefaults.BackoffBaseSeconds,
			Message: "must be positive",
		})
	}

	if cfg.RetryDefaults.BackoffMultiplier < 1 {
		errs = append(errs, &ValidationError{
			Field:   "retryDefaults.backoffMultiplier",
			Value:   cfg.RetryDefaults.BackoffMultiplier,
			Message: "must be at least 1",
		})
	}

	if cfg.TTLDays.Logs < 1 {
		errs = append(errs, &ValidationError{
			Field:   "ttlDays.logs",
			Value:   cfg.TTLDays.Logs,
			Message: "must be at least 1",
		})
	}

	if cfg.TTLDays.Runs < 1 {
		errs = append(errs, &ValidationError{
			Field:   "ttlDays.runs",
			Value:   cfg.TTLDays.Runs,
			Message: "must be at least 1",
		})
	}

	errs = append(errs, validateDeadRunDetection(&cfg.DeadRunDetection)...)
	errs = append(errs, validateStageTimeout(&cfg.StageTimeout)...)
	errs = append(errs, validateTaskRuntimes(&cfg.TaskRuntimes)...)

	if cfg.Database.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.path",
			Value:   cfg.Database.Path,
			Message: "must not be empty",
		})
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{
			Field:   "logLevel",
			Value:   cfg.LogLevel,
			Message: "must be one of: debug, info, warn, error",
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateDeadRunDetection(cfg *DeadRunDetectionConfig) []error {
	var errs []error

	if cfg.CheckIntervalSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "deadRunDetection.checkIntervalSeconds",
			Value:   cfg.CheckIntervalSeconds,
			Message: "must be at least 1",
		})
	}
	if cfg.StaleRunThresholdMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "deadRunDetection.staleRunThresholdMinutes",
			Value:   cfg.StaleRunThresholdMinutes,
			Message: "must be at least 1",
		})
	}
	if cfg.ZombieRunThresholdMins < cfg.StaleRunThresholdMinutes {
		errs = append(errs, &ValidationError{
			Field:   "deadRunDetection.zombieRunThresholdMinutes",
			Value:   cfg.ZombieRunThresholdMins,
			Message: "must be at least staleRunThresholdMinutes",
		})
	}
	if cfg.MaxRunAgeHours < 1 {
		errs = append(errs, &ValidationError{
			Field:   "deadRunDetection.maxRunAgeHours",
			Value:   cfg.MaxRunAgeHours,
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateStageTimeout(cfg *StageTimeoutConfig) []error {
	var errs []error

	if cfg.DefaultTaskStageTimeoutMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "stageTimeout.defaultTaskStageTimeoutMinutes",
			Value:   cfg.DefaultTaskStageTimeoutMinutes,
			Message: "must be at least 1",
		})
	}
	if cfg.DefaultApprovalStageTimeoutHours < 1 {
		errs = append(errs, &ValidationError{
			Field:   "stageTimeout.defaultApprovalStageTimeoutHours",
			Value:   cfg.DefaultApprovalStageTimeoutHours,
			Message: "must be at least 1",
		})
	}
	if cfg.DefaultParallelStageTimeoutMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "stageTimeout.defaultParallelStageTimeoutMinutes",
			Value:   cfg.DefaultParallelStageTimeoutMinutes,
			Message: "must be at least 1",
		})
	}
	if cfg.MaxStageTimeoutHours < 1 {
		errs = append(errs, &ValidationError{
			Field:   "stageTimeout.maxStageTimeoutHours",
			Value:   cfg.MaxStageTimeoutHours,
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateTaskRuntimes(cfg *TaskRuntimesConfig) []error {
	var errs []error

	// 0 is allowed: it disables provisioning so queued runs simply wait
	if cfg.MaxTaskRuntimes < 0 || cfg.MaxTaskRuntimes > 256 {
		errs = append(errs, rangeError("taskRuntimes.maxTaskRuntimes", cfg.MaxTaskRuntimes, 0, 256))
	}
	if cfg.MinTaskRuntimes < 0 || cfg.MinTaskRuntimes > cfg.MaxTaskRuntimes {
		errs = append(errs, &ValidationError{
			Field:   "taskRuntimes.minTaskRuntimes",
			Value:   cfg.MinTaskRuntimes,
			Message: "must be between 0 and maxTaskRuntimes",
		})
	}
	if cfg.ParallelSlotsPerTaskRuntime < 1 || cfg.ParallelSlotsPerTaskRuntime > 128 {
		errs = append(errs, rangeError("taskRuntimes.parallelSlotsPerTaskRuntime", cfg.ParallelSlotsPerTaskRuntime, 1, 128))
	}
	if cfg.IdleTimeoutMinutes < 1 || cfg.IdleTimeoutMinutes > 1440 {
		errs = append(errs, rangeError("taskRuntimes.idleTimeoutMinutes", cfg.IdleTimeoutMinutes, 1, 1440))
	}
	if cfg.StartupTimeoutSeconds < 5 || cfg.StartupTimeoutSeconds > 300 {
		errs = append(errs, rangeError("taskRuntimes.startupTimeoutSeconds", cfg.StartupTimeoutSeconds, 5, 300))
	}
	if cfg.HeartbeatIntervalSeconds < 1 || cfg.HeartbeatIntervalSeconds > 60 {
		errs = append(errs, rangeError("taskRuntimes.heartbeatIntervalSeconds", cfg.HeartbeatIntervalSeconds, 1, 60))
	}
	if cfg.MaxMissedHeartbeats < 1 {
		errs = append(errs, &ValidationError{
			Field:   "taskRuntimes.maxMissedHeartbeats",
			Value:   cfg.MaxMissedHeartbeats,
			Message: "must be at least 1",
		})
	}
	if cfg.ContainerImage == "" {
		errs = append(errs, &ValidationError{
			Field:   "taskRuntimes.containerImage",
			Value:   cfg.ContainerImage,
			Message: "must not be empty",
		})
	}
	switch cfg.ConnectivityMode {
	case ConnectivityAutoDetect, ConnectivityDockerDNSOnly, ConnectivityHostPortOnly:
		// Valid
	default:
		errs = append(errs, &ValidationError{
			Field:   "taskRuntimes.connectivityMode",
			Value:   cfg.ConnectivityMode,
			Message: "must be one of: AutoDetect, DockerDnsOnly, HostPortOnly",
		})
	}
	if cfg.CPUScaleOutThresholdPercent < 1 || cfg.CPUScaleOutThresholdPercent > 100 {
		errs = append(errs, rangeError("taskRuntimes.cpuScaleOutThresholdPercent", cfg.CPUScaleOutThresholdPercent, 1, 100))
	}
	if cfg.MemoryScaleOutThresholdPercent < 1 || cfg.MemoryScaleOutThresholdPercent > 100 {
		errs = append(errs, rangeError("taskRuntimes.memoryScaleOutThresholdPercent", cfg.MemoryScaleOutThresholdPercent, 1, 100))
	}
	if cfg.PressureSampleWindowSeconds < 5 || cfg.PressureSampleWindowSeconds > 600 {
		errs = append(errs, rangeError("taskRuntimes.pressureSampleWindowSeconds", cfg.PressureSampleWindowSeconds, 5, 600))
	}
	if cfg.ScaleOutCooldownSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "taskRuntimes.scaleOutCooldownSeconds",
			Value:   cfg.ScaleOutCooldownSeconds,
			Message: "must be non-negative",
		})
	}

	return errs
}
