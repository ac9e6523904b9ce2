// Package config handles configuration loading and management for conclave.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	appName           = "conclave"
	projectConfigName = ".conclave.yaml"
	envPrefix         = "CONCLAVE"
)

// Config holds all configuration for conclave.
type Config struct {
	Storage      StorageConfig      `mapstructure:"storage"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Bus          BusConfig          `mapstructure:"bus"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Transparency TransparencyConfig `mapstructure:"transparency"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Roles        RolesConfig        `mapstructure:"roles"`
}

// StorageConfig selects the database file and driver.
type StorageConfig struct {
	// Path is the SQLite file. Empty means <repo>/.conclave/state.db.
	Path string `mapstructure:"path"`
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver"`
}

// SchedulerConfig bounds task admission.
type SchedulerConfig struct {
	MaxParallelAgents    int           `mapstructure:"max_parallel_agents"`
	SystemConcurrencyCap int           `mapstructure:"system_concurrency_cap"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
}

// WorkerConfig describes the external worker process.
type WorkerConfig struct {
	Command     string        `mapstructure:"command"`
	Args        []string      `mapstructure:"args"`
	GracePeriod time.Duration `mapstructure:"grace_period"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// BusConfig holds communication bus timeouts and retention.
type BusConfig struct {
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	HistoryTTL          time.Duration `mapstructure:"history_ttl"`
	PendingSafetyMargin time.Duration `mapstructure:"pending_safety_margin"`
	HistoryLimit        int           `mapstructure:"history_limit"`
}

// QueueConfig holds coordination queue settings.
type QueueConfig struct {
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
}

// TransparencyConfig holds audit log retention.
type TransparencyConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// LoggingConfig holds structured log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	// Path is the log file. Empty means <repo>/.conclave/logs/conclave.log.
	Path string `mapstructure:"path"`
}

// MetricsConfig holds the prometheus listener address; empty disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// RolesConfig points at an optional YAML file of role templates.
type RolesConfig struct {
	TemplatesFile string `mapstructure:"templates_file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CONCLAVE_SCHEDULER_MAX_PARALLEL_AGENTS, ...)
// 2. Project config (.conclave.yaml in current directory or parent)
// 3. User config (~/.config/conclave/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads defaults, then the given file, then environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

// Save writes the configuration to the user config file.
func Save(cfg *Config) error {
	dir := getUserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return SaveTo(cfg, filepath.Join(dir, "config.yaml"))
}

// SaveTo writes the configuration to path as YAML.
func SaveTo(cfg *Config, path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	for _, k := range keys {
		v.Set(k.name, k.raw(cfg))
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.Scheduler.MaxParallelAgents < 1 {
		problems = append(problems, "scheduler.max_parallel_agents must be at least 1")
	}
	if c.Scheduler.SystemConcurrencyCap < 1 {
		problems = append(problems, "scheduler.system_concurrency_cap must be at least 1")
	}
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "sqlite3" {
		problems = append(problems, fmt.Sprintf("storage.driver %q must be sqlite or sqlite3", c.Storage.Driver))
	}
	if c.Worker.Command == "" {
		problems = append(problems, "worker.command is required")
	}
	if c.Queue.LeaseDuration <= 0 {
		problems = append(problems, "queue.lease_duration must be positive")
	}
	if c.Worker.TaskTimeout <= 0 {
		problems = append(problems, "worker.task_timeout must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Driver: "sqlite"},
		Scheduler: SchedulerConfig{
			MaxParallelAgents:    4,
			SystemConcurrencyCap: 8,
			PollInterval:         250 * time.Millisecond,
			TickInterval:         30 * time.Second,
		},
		Worker: WorkerConfig{
			Command:     "claude",
			Args:        []string{"-p"},
			GracePeriod: 5 * time.Second,
			TaskTimeout: 30 * time.Minute,
		},
		Bus: BusConfig{
			RequestTimeout:      30 * time.Second,
			HistoryTTL:          24 * time.Hour,
			PendingSafetyMargin: 30 * time.Second,
			HistoryLimit:        500,
		},
		Queue:        QueueConfig{LeaseDuration: 60 * time.Second},
		Transparency: TransparencyConfig{RetentionDays: 30},
		Logging:      LoggingConfig{Level: "info"},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Storage.Path = os.ExpandEnv(cfg.Storage.Path)
	cfg.Logging.Path = os.ExpandEnv(cfg.Logging.Path)
	return cfg, nil
}

// setDefaults seeds viper from Default so both stay in step.
func setDefaults(v *viper.Viper) {
	d := Default()
	for _, k := range keys {
		v.SetDefault(k.name, k.raw(d))
	}
}

// getUserConfigDir returns the XDG config directory for conclave.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", appName)
	}
	return filepath.Join(home, ".config", appName)
}

// findProjectConfig searches for .conclave.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, projectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return ""
		}
		cwd = parent
	}
}
