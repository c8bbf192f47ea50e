package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config should validate cleanly, got: %v", ValidationErrors(errs))
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Pipeline.DefaultApproaches != 3 {
		t.Errorf("default approaches = %d, want 3", cfg.Pipeline.DefaultApproaches)
	}
	if cfg.Pipeline.MaxParallel != 3 {
		t.Errorf("max parallel = %d, want 3", cfg.Pipeline.MaxParallel)
	}
	if cfg.Pipeline.BranchPrefix != "nshot" {
		t.Errorf("branch prefix = %q, want nshot", cfg.Pipeline.BranchPrefix)
	}
	if cfg.Checkpoint.PollInterval() != 500*time.Millisecond {
		t.Errorf("poll interval = %v, want 500ms", cfg.Checkpoint.PollInterval())
	}
	if cfg.Checkpoint.MaxWait() != 24*time.Hour {
		t.Errorf("max wait = %v, want 24h", cfg.Checkpoint.MaxWait())
	}
}

func TestStageTimeoutFallback(t *testing.T) {
	w := WorkerConfig{
		PlanTimeoutMinutes:      0,
		ImplementTimeoutMinutes: 45,
		ReviewTimeoutMinutes:    20,
	}

	if got := w.PlanTimeout(); got != 45*time.Minute {
		t.Errorf("plan timeout fallback = %v, want 45m", got)
	}
	if got := w.ReviewTimeout(); got != 20*time.Minute {
		t.Errorf("review timeout = %v, want 20m", got)
	}
}

func TestResolveDataDir(t *testing.T) {
	base := "/repo"

	tests := []struct {
		name    string
		dataDir string
		want    string
	}{
		{"empty uses default", "", filepath.Join(base, ".nshot")},
		{"relative resolves against base", "state", filepath.Join(base, "state")},
		{"absolute kept", "/var/lib/nshot", "/var/lib/nshot"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := PathsConfig{DataDir: tt.dataDir}
			if got := p.ResolveDataDir(base); got != tt.want {
				t.Errorf("ResolveDataDir() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveArenaDirDefaultsUnderDataDir(t *testing.T) {
	p := PathsConfig{}
	want := filepath.Join("/repo", ".nshot", "arena")
	if got := p.ResolveArenaDir("/repo"); got != want {
		t.Errorf("ResolveArenaDir() = %q, want %q", got, want)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"zero approaches", func(c *Config) { c.Pipeline.DefaultApproaches = 0 }, "pipeline.default_approaches"},
		{"too many approaches", func(c *Config) { c.Pipeline.DefaultApproaches = 50 }, "pipeline.default_approaches"},
		{"negative parallel", func(c *Config) { c.Pipeline.MaxParallel = -1 }, "pipeline.max_parallel"},
		{"empty branch prefix", func(c *Config) { c.Pipeline.BranchPrefix = "" }, "pipeline.branch_prefix"},
		{"bad branch prefix", func(c *Config) { c.Pipeline.BranchPrefix = "1bad!" }, "pipeline.branch_prefix"},
		{"empty worker command", func(c *Config) { c.Worker.Command = "" }, "worker.command"},
		{"zero implement timeout", func(c *Config) { c.Worker.ImplementTimeoutMinutes = 0 }, "worker.implement_timeout_minutes"},
		{"negative retries", func(c *Config) { c.Worker.MaxRetries = -1 }, "worker.max_retries"},
		{"multiplier below one", func(c *Config) { c.Worker.BackoffMultiplier = 0.5 }, "worker.backoff_multiplier"},
		{"cap below base", func(c *Config) { c.Worker.BackoffCapSeconds = 1 }, "worker.backoff_cap_seconds"},
		{"tiny poll interval", func(c *Config) { c.Checkpoint.PollIntervalMs = 5 }, "checkpoint.poll_interval_ms"},
		{"zero max wait", func(c *Config) { c.Checkpoint.MaxWaitHours = 0 }, "checkpoint.max_wait_hours"},
		{"tiny inline budget", func(c *Config) { c.Summary.InlineBudgetRunes = 10 }, "summary.inline_budget_runes"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"null byte in path", func(c *Config) { c.Paths.DataDir = "bad\x00path" }, "paths.data_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			errs := cfg.Validate()
			if len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("expected error on field %q, got: %v", tt.field, ValidationErrors(errs))
			}
		})
	}
}

func TestValidationErrorsFormatting(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Value: 1, Message: "bad"},
		{Field: "b", Value: 2, Message: "worse"},
	}
	msg := errs.Error()
	if msg == "" {
		t.Fatal("expected non-empty message")
	}
	if ValidationErrors(nil).Error() != "" {
		t.Error("empty collection should produce empty message")
	}

	single := ValidationErrors{{Field: "a", Value: 1, Message: "bad"}}
	if single.Error() != single[0].Error() {
		t.Error("single error should format without a count header")
	}
}
