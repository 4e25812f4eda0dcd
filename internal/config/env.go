package config

import (
	"os"
	"strconv"
)

// envOverrides maps environment variables to config field setters.
// Unparseable numeric values are ignored; validation catches the rest.
var envOverrides = []struct {
	envVar string
	apply  func(*Config, string)
}{
	{
		envVar: "SWITCHYARD_DB_PATH",
		apply: func(c *Config, v string) {
			c.Database.Path = v
		},
	},
	{
		envVar: "SWITCHYARD_LOG_LEVEL",
		apply: func(c *Config, v string) {
			c.LogLevel = v
		},
	},
	{
		envVar: "SWITCHYARD_MAX_GLOBAL_RUNS",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.MaxGlobalConcurrentRuns = n
			}
		},
	},
	{
		envVar: "SWITCHYARD_MAX_TASK_RUNTIMES",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.TaskRuntimes.MaxTaskRuntimes = n
			}
		},
	},
	{
		envVar: "SWITCHYARD_CONTAINER_IMAGE",
		apply: func(c *Config, v string) {
			c.TaskRuntimes.ContainerImage = v
		},
	},
	{
		envVar: "SWITCHYARD_SCHEDULER_INTERVAL_SECONDS",
		apply: func(c *Config, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				c.SchedulerIntervalSeconds = n
			}
		},
	},
	{
		// Webhook URLs carry tokens, so they come from the
		// environment rather than the config file
		envVar: "SWITCHYARD_SLACK_WEBHOOK_URL",
		apply: func(c *Config, v string) {
			c.Notifications.SlackWebhookURL = v
		},
	},
	{
		envVar: "SWITCHYARD_WEBHOOK_URL",
		apply: func(c *Config, v string) {
			c.Notifications.WebhookURL = v
		},
	},
}

// applyEnvOverrides modifies config in place with environment variable values.
func applyEnvOverrides(cfg *Config) {
	for _, override := range envOverrides {
		if val := os.Getenv(override.envVar); val != "" {
			override.apply(cfg, val)
		}
	}
}
