package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pipeline.max_parallel")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// branchPrefixRegex validates branch prefix characters.
// Prefixes start with a letter and may contain alphanumerics, hyphen, underscore.
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePipeline()...)
	errors = append(errors, c.validateWorker()...)
	errors = append(errors, c.validateCheckpoint()...)
	errors = append(errors, c.validateSummary()...)
	errors = append(errors, c.validateWatch()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validatePipeline validates the PipelineConfig
func (c *Config) validatePipeline() []ValidationError {
	var errors []ValidationError

	const minApproaches = 1
	const maxApproaches = 10

	if c.Pipeline.DefaultApproaches < minApproaches {
		errors = append(errors, ValidationError{
			Field:   "pipeline.default_approaches",
			Value:   c.Pipeline.DefaultApproaches,
			Message: fmt.Sprintf("must be at least %d", minApproaches),
		})
	}
	if c.Pipeline.DefaultApproaches > maxApproaches {
		errors = append(errors, ValidationError{
			Field:   "pipeline.default_approaches",
			Value:   c.Pipeline.DefaultApproaches,
			Message: fmt.Sprintf("exceeds maximum of %d", maxApproaches),
		})
	}

	const maxMaxParallel = 20
	if c.Pipeline.MaxParallel < 0 {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_parallel",
			Value:   c.Pipeline.MaxParallel,
			Message: "must be non-negative (0 = unlimited)",
		})
	}
	if c.Pipeline.MaxParallel > maxMaxParallel {
		errors = append(errors, ValidationError{
			Field:   "pipeline.max_parallel",
			Value:   c.Pipeline.MaxParallel,
			Message: fmt.Sprintf("exceeds maximum of %d", maxMaxParallel),
		})
	}

	if c.Pipeline.BranchPrefix == "" {
		errors = append(errors, ValidationError{
			Field:   "pipeline.branch_prefix",
			Value:   c.Pipeline.BranchPrefix,
			Message: "cannot be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Pipeline.BranchPrefix) {
		errors = append(errors, ValidationError{
			Field:   "pipeline.branch_prefix",
			Value:   c.Pipeline.BranchPrefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, or underscores",
		})
	}

	const maxBranchPrefixLength = 50
	if len(c.Pipeline.BranchPrefix) > maxBranchPrefixLength {
		errors = append(errors, ValidationError{
			Field:   "pipeline.branch_prefix",
			Value:   c.Pipeline.BranchPrefix,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", maxBranchPrefixLength),
		})
	}

	return errors
}

// validateWorker validates the WorkerConfig
func (c *Config) validateWorker() []ValidationError {
	var errors []ValidationError

	if c.Worker.Command == "" {
		errors = append(errors, ValidationError{
			Field:   "worker.command",
			Value:   c.Worker.Command,
			Message: "cannot be empty",
		})
	}

	if c.Worker.ImplementTimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.implement_timeout_minutes",
			Value:   c.Worker.ImplementTimeoutMinutes,
			Message: "must be positive",
		})
	}

	// Stage timeouts of 0 fall back to the implement timeout; negative is invalid.
	for field, v := range map[string]int{
		"worker.plan_timeout_minutes":    c.Worker.PlanTimeoutMinutes,
		"worker.review_timeout_minutes":  c.Worker.ReviewTimeoutMinutes,
		"worker.compare_timeout_minutes": c.Worker.CompareTimeoutMinutes,
	} {
		if v < 0 {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   v,
				Message: "must be non-negative (0 falls back to implement timeout)",
			})
		}
	}

	if c.Worker.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.max_retries",
			Value:   c.Worker.MaxRetries,
			Message: "must be non-negative (0 disables retries)",
		})
	}

	if c.Worker.BackoffBaseSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.backoff_base_seconds",
			Value:   c.Worker.BackoffBaseSeconds,
			Message: "must be positive",
		})
	}
	if c.Worker.BackoffMultiplier < 1.0 {
		errors = append(errors, ValidationError{
			Field:   "worker.backoff_multiplier",
			Value:   c.Worker.BackoffMultiplier,
			Message: "must be at least 1.0",
		})
	}
	if c.Worker.BackoffCapSeconds < c.Worker.BackoffBaseSeconds {
		errors = append(errors, ValidationError{
			Field:   "worker.backoff_cap_seconds",
			Value:   c.Worker.BackoffCapSeconds,
			Message: fmt.Sprintf("must be at least backoff_base_seconds (%d)", c.Worker.BackoffBaseSeconds),
		})
	}

	if c.Worker.ConsecutiveTimeoutLimit < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.consecutive_timeout_limit",
			Value:   c.Worker.ConsecutiveTimeoutLimit,
			Message: "must be non-negative (0 disables the limit)",
		})
	}
	if c.Worker.LaunchesPerMinute < 0 {
		errors = append(errors, ValidationError{
			Field:   "worker.launches_per_minute",
			Value:   c.Worker.LaunchesPerMinute,
			Message: "must be non-negative (0 disables rate limiting)",
		})
	}

	return errors
}

// validateCheckpoint validates the CheckpointConfig
func (c *Config) validateCheckpoint() []ValidationError {
	var errors []ValidationError

	const minPollIntervalMs = 50
	const maxPollIntervalMs = 60_000

	if c.Checkpoint.PollIntervalMs < minPollIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "checkpoint.poll_interval_ms",
			Value:   c.Checkpoint.PollIntervalMs,
			Message: fmt.Sprintf("must be at least %dms", minPollIntervalMs),
		})
	}
	if c.Checkpoint.PollIntervalMs > maxPollIntervalMs {
		errors = append(errors, ValidationError{
			Field:   "checkpoint.poll_interval_ms",
			Value:   c.Checkpoint.PollIntervalMs,
			Message: fmt.Sprintf("exceeds maximum of %dms", maxPollIntervalMs),
		})
	}

	if c.Checkpoint.MaxWaitHours <= 0 {
		errors = append(errors, ValidationError{
			Field:   "checkpoint.max_wait_hours",
			Value:   c.Checkpoint.MaxWaitHours,
			Message: "must be positive",
		})
	}

	return errors
}

// validateSummary validates the SummaryConfig
func (c *Config) validateSummary() []ValidationError {
	var errors []ValidationError

	const minBudget = 100
	if c.Summary.InlineBudgetRunes < minBudget {
		errors = append(errors, ValidationError{
			Field:   "summary.inline_budget_runes",
			Value:   c.Summary.InlineBudgetRunes,
			Message: fmt.Sprintf("must be at least %d", minBudget),
		})
	}
	if c.Summary.UnitDigestRunes < minBudget {
		errors = append(errors, ValidationError{
			Field:   "summary.unit_digest_runes",
			Value:   c.Summary.UnitDigestRunes,
			Message: fmt.Sprintf("must be at least %d", minBudget),
		})
	}

	return errors
}

// validateWatch validates the WatchConfig
func (c *Config) validateWatch() []ValidationError {
	var errors []ValidationError

	if c.Watch.RescanIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "watch.rescan_interval_seconds",
			Value:   c.Watch.RescanIntervalSeconds,
			Message: "must be positive",
		})
	}
	if c.Watch.SpecFileName == "" {
		errors = append(errors, ValidationError{
			Field:   "watch.spec_file_name",
			Value:   c.Watch.SpecFileName,
			Message: "cannot be empty",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	const maxPathLength = 4096
	for field, path := range map[string]string{
		"paths.data_dir":  c.Paths.DataDir,
		"paths.arena_dir": c.Paths.ArenaDir,
		"paths.base_repo": c.Paths.BaseRepo,
	} {
		if path == "" {
			continue
		}
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: "path contains invalid null character",
			})
		}
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errors
}
