package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete nshot configuration
type Config struct {
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Summary    SummaryConfig    `mapstructure:"summary"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Paths      PathsConfig      `mapstructure:"paths"`
}

// PipelineConfig controls pipeline fan-out behavior
type PipelineConfig struct {
	// DefaultApproaches is the number of candidate approaches to fan out
	// when a run does not specify one (default: 3)
	DefaultApproaches int `mapstructure:"default_approaches"`
	// MaxParallel is the maximum number of concurrent worker invocations
	// across all units (default: 3, 0 = unlimited)
	MaxParallel int `mapstructure:"max_parallel"`
	// BranchPrefix is the prefix for workspace branches (default: "nshot")
	// Branches are named <prefix>/<task-id>/u<unit-id>
	BranchPrefix string `mapstructure:"branch_prefix"`
}

// WorkerConfig controls external worker invocations
type WorkerConfig struct {
	// Command is the worker executable to invoke (default: "claude")
	Command string `mapstructure:"command"`
	// Args are extra arguments passed before the instruction payload
	Args []string `mapstructure:"args"`

	// Per-stage timeouts in minutes. 0 falls back to implement_timeout_minutes.
	PlanTimeoutMinutes      int `mapstructure:"plan_timeout_minutes"`
	ImplementTimeoutMinutes int `mapstructure:"implement_timeout_minutes"`
	ReviewTimeoutMinutes    int `mapstructure:"review_timeout_minutes"`
	CompareTimeoutMinutes   int `mapstructure:"compare_timeout_minutes"`

	// MaxRetries is the attempt cap for transient failures (default: 3).
	// The first attempt does not count as a retry.
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffBaseSeconds is the initial retry delay (default: 5)
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	// BackoffMultiplier scales the delay per attempt (default: 2.0)
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
	// BackoffCapSeconds bounds the retry delay (default: 120)
	BackoffCapSeconds int `mapstructure:"backoff_cap_seconds"`

	// ConsecutiveTimeoutLimit aborts a unit after this many timeouts in a
	// row, regardless of remaining retries (default: 2, 0 = disabled)
	ConsecutiveTimeoutLimit int `mapstructure:"consecutive_timeout_limit"`

	// LaunchesPerMinute rate-limits worker launches (default: 0 = disabled)
	LaunchesPerMinute int `mapstructure:"launches_per_minute"`
}

// CheckpointConfig controls the durable checkpoint gate
type CheckpointConfig struct {
	// PollIntervalMs is the decision-file poll interval (default: 500)
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
	// MaxWaitHours is the maximum time to wait for a decision before the
	// task is failed (default: 24)
	MaxWaitHours int `mapstructure:"max_wait_hours"`
}

// SummaryConfig controls context summary budgets
type SummaryConfig struct {
	// InlineBudgetRunes bounds the aggregated inline digest (default: 1200)
	InlineBudgetRunes int `mapstructure:"inline_budget_runes"`
	// UnitDigestRunes bounds each per-unit digest (default: 400)
	UnitDigestRunes int `mapstructure:"unit_digest_runes"`
}

// WatchConfig controls spec watch mode
type WatchConfig struct {
	// Dir is the directory scanned for new planning specs.
	// Empty disables watch mode unless passed on the command line.
	Dir string `mapstructure:"dir"`
	// RescanIntervalSeconds is the polling fallback interval (default: 30)
	RescanIntervalSeconds int `mapstructure:"rescan_interval_seconds"`
	// SpecFileName is the file name that triggers a run (default: "planning-spec.md")
	SpecFileName string `mapstructure:"spec_file_name"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// PathsConfig controls where nshot stores data
type PathsConfig struct {
	// DataDir is the root for task manifests, checkpoints, and transcripts.
	// If empty, defaults to ".nshot" relative to the base repository.
	// Supports ~ for home directory expansion.
	DataDir string `mapstructure:"data_dir"`

	// ArenaDir is the directory where git worktrees are created.
	// If empty, defaults to "{data_dir}/arena". Can be an absolute path to
	// keep workspaces outside the repository (e.g., on a faster drive).
	ArenaDir string `mapstructure:"arena_dir"`

	// BaseRepo is the repository the pipeline operates on.
	// If empty, the repository containing the working directory is used.
	BaseRepo string `mapstructure:"base_repo"`
}

// ResolveDataDir returns the resolved data directory path.
// If DataDir is empty, it returns the default path relative to baseDir.
// ~ expands to the user's home directory; relative paths resolve against baseDir.
func (p *PathsConfig) ResolveDataDir(baseDir string) string {
	if p.DataDir == "" {
		return filepath.Join(baseDir, ".nshot")
	}
	return resolvePath(p.DataDir, baseDir)
}

// ResolveArenaDir returns the resolved workspace arena directory.
func (p *PathsConfig) ResolveArenaDir(baseDir string) string {
	if p.ArenaDir == "" {
		return filepath.Join(p.ResolveDataDir(baseDir), "arena")
	}
	return resolvePath(p.ArenaDir, baseDir)
}

func resolvePath(path, baseDir string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			DefaultApproaches: 3,
			MaxParallel:       3,
			BranchPrefix:      "nshot",
		},
		Worker: WorkerConfig{
			Command:                 "claude",
			Args:                    []string{},
			PlanTimeoutMinutes:      15,
			ImplementTimeoutMinutes: 60,
			ReviewTimeoutMinutes:    30,
			CompareTimeoutMinutes:   15,
			MaxRetries:              3,
			BackoffBaseSeconds:      5,
			BackoffMultiplier:       2.0,
			BackoffCapSeconds:       120,
			ConsecutiveTimeoutLimit: 2,
			LaunchesPerMinute:       0,
		},
		Checkpoint: CheckpointConfig{
			PollIntervalMs: 500,
			MaxWaitHours:   24,
		},
		Summary: SummaryConfig{
			InlineBudgetRunes: 1200,
			UnitDigestRunes:   400,
		},
		Watch: WatchConfig{
			Dir:                   "",
			RescanIntervalSeconds: 30,
			SpecFileName:          "planning-spec.md",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			DataDir:  "",
			ArenaDir: "",
			BaseRepo: "",
		},
	}
}

// PlanTimeout returns the planning stage timeout as a time.Duration
func (w *WorkerConfig) PlanTimeout() time.Duration {
	return w.stageTimeout(w.PlanTimeoutMinutes)
}

// ImplementTimeout returns the implementation stage timeout as a time.Duration
func (w *WorkerConfig) ImplementTimeout() time.Duration {
	return time.Duration(w.ImplementTimeoutMinutes) * time.Minute
}

// ReviewTimeout returns the review/test stage timeout as a time.Duration
func (w *WorkerConfig) ReviewTimeout() time.Duration {
	return w.stageTimeout(w.ReviewTimeoutMinutes)
}

// CompareTimeout returns the comparison stage timeout as a time.Duration
func (w *WorkerConfig) CompareTimeout() time.Duration {
	return w.stageTimeout(w.CompareTimeoutMinutes)
}

func (w *WorkerConfig) stageTimeout(minutes int) time.Duration {
	if minutes <= 0 {
		return w.ImplementTimeout()
	}
	return time.Duration(minutes) * time.Minute
}

// BackoffBase returns the initial retry delay as a time.Duration
func (w *WorkerConfig) BackoffBase() time.Duration {
	return time.Duration(w.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the maximum retry delay as a time.Duration
func (w *WorkerConfig) BackoffCap() time.Duration {
	return time.Duration(w.BackoffCapSeconds) * time.Second
}

// PollInterval returns the decision poll interval as a time.Duration
func (c *CheckpointConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// MaxWait returns the maximum checkpoint wait as a time.Duration
func (c *CheckpointConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitHours) * time.Hour
}

// RescanInterval returns the watch rescan interval as a time.Duration
func (w *WatchConfig) RescanInterval() time.Duration {
	return time.Duration(w.RescanIntervalSeconds) * time.Second
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Pipeline defaults
	viper.SetDefault("pipeline.default_approaches", defaults.Pipeline.DefaultApproaches)
	viper.SetDefault("pipeline.max_parallel", defaults.Pipeline.MaxParallel)
	viper.SetDefault("pipeline.branch_prefix", defaults.Pipeline.BranchPrefix)

	// Worker defaults
	viper.SetDefault("worker.command", defaults.Worker.Command)
	viper.SetDefault("worker.args", defaults.Worker.Args)
	viper.SetDefault("worker.plan_timeout_minutes", defaults.Worker.PlanTimeoutMinutes)
	viper.SetDefault("worker.implement_timeout_minutes", defaults.Worker.ImplementTimeoutMinutes)
	viper.SetDefault("worker.review_timeout_minutes", defaults.Worker.ReviewTimeoutMinutes)
	viper.SetDefault("worker.compare_timeout_minutes", defaults.Worker.CompareTimeoutMinutes)
	viper.SetDefault("worker.max_retries", defaults.Worker.MaxRetries)
	viper.SetDefault("worker.backoff_base_seconds", defaults.Worker.BackoffBaseSeconds)
	viper.SetDefault("worker.backoff_multiplier", defaults.Worker.BackoffMultiplier)
	viper.SetDefault("worker.backoff_cap_seconds", defaults.Worker.BackoffCapSeconds)
	viper.SetDefault("worker.consecutive_timeout_limit", defaults.Worker.ConsecutiveTimeoutLimit)
	viper.SetDefault("worker.launches_per_minute", defaults.Worker.LaunchesPerMinute)

	// Checkpoint defaults
	viper.SetDefault("checkpoint.poll_interval_ms", defaults.Checkpoint.PollIntervalMs)
	viper.SetDefault("checkpoint.max_wait_hours", defaults.Checkpoint.MaxWaitHours)

	// Summary defaults
	viper.SetDefault("summary.inline_budget_runes", defaults.Summary.InlineBudgetRunes)
	viper.SetDefault("summary.unit_digest_runes", defaults.Summary.UnitDigestRunes)

	// Watch defaults
	viper.SetDefault("watch.dir", defaults.Watch.Dir)
	viper.SetDefault("watch.rescan_interval_seconds", defaults.Watch.RescanIntervalSeconds)
	viper.SetDefault("watch.spec_file_name", defaults.Watch.SpecFileName)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
	viper.SetDefault("paths.arena_dir", defaults.Paths.ArenaDir)
	viper.SetDefault("paths.base_repo", defaults.Paths.BaseRepo)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "nshot")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nshot"
	}
	return filepath.Join(home, ".config", "nshot")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
