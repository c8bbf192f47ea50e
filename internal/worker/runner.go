// Package worker invokes the external worker command that does the actual
// planning, building, reviewing, and comparing. The Invoker adds bounded
// parallelism, launch rate limiting, and retry with exponential backoff on
// top of a pluggable Runner.
package worker

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/nshotdev/nshot/internal/errors"
)

// Request describes one worker invocation.
type Request struct {
	// TaskID is the owning task.
	TaskID string
	// UnitID is the approach unit (0 for task-level calls like planning).
	UnitID int
	// Stage names what the invocation is doing ("plan", "implement", ...).
	Stage string
	// Prompt is the full instruction payload.
	Prompt string
	// Dir is the working directory (a unit workspace, or the base repo).
	Dir string
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

// Result is the outcome of a successful invocation.
type Result struct {
	// Output is the worker's stdout.
	Output string
	// Duration is the wall-clock time of the final attempt.
	Duration time.Duration
	// Attempts is how many attempts were made, including the final one.
	Attempts int
}

// Runner executes a single worker attempt. Implementations classify
// failures into the pipeline error taxonomy.
type Runner interface {
	Run(ctx context.Context, req Request) (string, error)
}

// CLIRunner runs the worker as a headless subprocess: the configured
// command with the prompt passed via -p.
type CLIRunner struct {
	command string
	args    []string
}

// NewCLIRunner creates a CLIRunner for the given command and base args.
func NewCLIRunner(command string, args []string) *CLIRunner {
	return &CLIRunner{command: command, args: args}
}

// Run executes one worker attempt and returns its stdout.
func (r *CLIRunner) Run(ctx context.Context, req Request) (string, error) {
	args := append(append([]string{}, r.args...), "-p", req.Prompt)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = req.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return "", errors.NewTimeoutError(req.Stage+" worker", req.Timeout)
	}
	if ctx.Err() == context.Canceled {
		return "", errors.ErrCanceled
	}

	combined := stdout.String() + stderr.String()
	if isThrottleSignal(combined) {
		return "", errors.NewTransientWorkerError("worker throttled", errors.ErrWorkerThrottled).
			WithUnitID(req.UnitID).
			WithSignal(firstLine(combined))
	}
	return "", errors.NewTransientWorkerError("worker exited with failure", err).
		WithUnitID(req.UnitID).
		WithSignal(firstLine(stderr.String()))
}

// isThrottleSignal matches provider backpressure in worker output.
// Throttle signals are transient and retried with backoff like any other
// transient failure.
func isThrottleSignal(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"rate limit",
		"rate_limit",
		"overloaded",
		"usage limit",
		"too many requests",
		"429",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return s
}
