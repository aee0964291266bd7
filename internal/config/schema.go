// Package config provides configuration loading and validation for pulsecron.
// It supports TOML configuration files with environment variable expansion,
// default values, and validation.
//
// Configuration structure:
//   - [workspace]: workspace directory holding the job store and seeds
//   - [logging]: logging level, format, and output
//   - [cron]: scheduler settings (store path, queue capacity, seed directory)
//   - [heartbeat]: heartbeat loop settings
//   - [workers]: agent worker pool settings
//   - [metrics]: prometheus exposition settings
//
// Environment variables can be referenced using ${VAR} or ${VAR:default}
// syntax, for example: path = "${PULSECRON_HOME:~/.pulsecron}".
package config

import "path/filepath"

// Config represents the main application configuration.
type Config struct {
	Workspace WorkspaceConfig `toml:"workspace"`
	Logging   LoggingConfig   `toml:"logging"`
	Cron      CronConfig      `toml:"cron"`
	Heartbeat HeartbeatConfig `toml:"heartbeat"`
	Workers   WorkersConfig   `toml:"workers"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Bus       BusConfig       `toml:"bus"`
}

// WorkspaceConfig locates the on-disk state owned by the daemon.
type WorkspaceConfig struct {
	Path string `toml:"path"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Output string `toml:"output"`
}

// CronConfig configures the scheduler core.
type CronConfig struct {
	// StorePath overrides the default job store location
	// (<workspace>/cron/jobs.json) when set.
	StorePath string `toml:"store_path"`
	// SeedDir holds YAML job definitions applied at startup.
	SeedDir string `toml:"seed_dir"`
	// QueueCapacity bounds the number of pending scheduler operations.
	QueueCapacity int `toml:"queue_capacity"`
	// RunLogSize bounds the in-memory run history.
	RunLogSize int `toml:"run_log_size"`
}

// HeartbeatConfig configures the heartbeat consumption loop.
type HeartbeatConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalMinutes int  `toml:"interval_minutes"`
}

// WorkersConfig configures the agent worker pool.
type WorkersConfig struct {
	Count      int `toml:"count"`
	BufferSize int `toml:"buffer_size"`
}

// MetricsConfig configures prometheus exposition.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Listen    string `toml:"listen"`
	Namespace string `toml:"namespace"`
}

// BusConfig configures the system event bus.
type BusConfig struct {
	Capacity int `toml:"capacity"`
}

// StorePath returns the effective job store path.
func (c *Config) StorePath() string {
	if c.Cron.StorePath != "" {
		return c.Cron.StorePath
	}
	return filepath.Join(c.Workspace.Path, "cron", "jobs.json")
}
