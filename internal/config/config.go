package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML configuration file, applies defaults and
// expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	expandEnvVars(&cfg)

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	expandEnvVars(&cfg)
	return &cfg
}

// Validate checks the configuration and returns all problems found.
func (c *Config) Validate() []error {
	var errors []error

	if c.Workspace.Path == "" {
		errors = append(errors, fmt.Errorf("workspace.path is required"))
	} else if err := validatePath(c.Workspace.Path, "workspace.path"); err != nil {
		errors = append(errors, err)
	}

	if c.Logging.Level == "" {
		errors = append(errors, fmt.Errorf("logging.level is required"))
	} else {
		validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
		if !validLevels[strings.ToLower(c.Logging.Level)] {
			errors = append(errors, fmt.Errorf("invalid logging.level: %s (expected: debug, info, warn, error)", c.Logging.Level))
		}
	}

	if c.Logging.Format == "" {
		errors = append(errors, fmt.Errorf("logging.format is required"))
	} else {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[strings.ToLower(c.Logging.Format)] {
			errors = append(errors, fmt.Errorf("invalid logging.format: %s (expected: json, text)", c.Logging.Format))
		}
	}

	if c.Logging.Output == "" {
		errors = append(errors, fmt.Errorf("logging.output is required"))
	}

	if c.Cron.QueueCapacity <= 0 {
		errors = append(errors, fmt.Errorf("cron.queue_capacity must be positive"))
	}
	if c.Cron.RunLogSize <= 0 {
		errors = append(errors, fmt.Errorf("cron.run_log_size must be positive"))
	}
	if c.Cron.SeedDir != "" {
		if err := validatePath(c.Cron.SeedDir, "cron.seed_dir"); err != nil {
			errors = append(errors, err)
		}
	}

	if c.Heartbeat.Enabled && c.Heartbeat.IntervalMinutes <= 0 {
		errors = append(errors, fmt.Errorf("heartbeat.interval_minutes must be positive when heartbeat is enabled"))
	}

	if c.Workers.Count <= 0 {
		errors = append(errors, fmt.Errorf("workers.count must be positive"))
	}
	if c.Workers.BufferSize <= 0 {
		errors = append(errors, fmt.Errorf("workers.buffer_size must be positive"))
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errors = append(errors, fmt.Errorf("metrics.listen is required when metrics are enabled"))
	}

	if c.Bus.Capacity <= 0 {
		errors = append(errors, fmt.Errorf("bus.capacity must be positive"))
	}

	return errors
}

func validatePath(path, fieldName string) error {
	if path == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	if strings.HasPrefix(path, "~") {
		return nil
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%s contains potentially dangerous path traversal sequence", fieldName)
	}
	return nil
}

func applyDefaults(c *Config) {
	if c.Workspace.Path == "" {
		c.Workspace.Path = "~/.pulsecron"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Cron.QueueCapacity == 0 {
		c.Cron.QueueCapacity = 64
	}
	if c.Cron.RunLogSize == 0 {
		c.Cron.RunLogSize = 200
	}

	if c.Heartbeat.IntervalMinutes == 0 {
		c.Heartbeat.IntervalMinutes = 30
	}

	if c.Workers.Count == 0 {
		c.Workers.Count = 2
	}
	if c.Workers.BufferSize == 0 {
		c.Workers.BufferSize = 16
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "pulsecron"
	}

	if c.Bus.Capacity == 0 {
		c.Bus.Capacity = 1000
	}
}

func expandEnvVars(c *Config) {
	c.Workspace.Path = expandEnv(c.Workspace.Path)
	c.Workspace.Path = expandHome(c.Workspace.Path)

	c.Cron.StorePath = expandHome(expandEnv(c.Cron.StorePath))
	c.Cron.SeedDir = expandHome(expandEnv(c.Cron.SeedDir))
	c.Logging.Output = expandHome(expandEnv(c.Logging.Output))
}

// expandEnv expands a ${VAR} or ${VAR:default} reference.
func expandEnv(s string) string {
	if !strings.HasPrefix(s, "${") {
		return s
	}

	end := strings.Index(s, "}")
	if end == -1 {
		return s
	}

	content := s[2:end]
	if parts := strings.SplitN(content, ":", 2); len(parts) == 2 {
		if val := os.Getenv(parts[0]); val != "" {
			return val
		}
		return parts[1]
	}

	return os.Getenv(content)
}

// expandHome expands a leading ~ in a path.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
