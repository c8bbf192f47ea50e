package errors

import (
	stderrors "errors"
	"strings"
	"testing"
	"time"
)

func TestValidationErrorFormatting(t *testing.T) {
	err := NewValidationError("planning spec is empty").WithField("spec").WithValue("")
	msg := err.Error()
	if !strings.Contains(msg, "validation error") {
		t.Errorf("expected validation prefix, got %q", msg)
	}
	if !strings.Contains(msg, "field=spec") {
		t.Errorf("expected field context, got %q", msg)
	}
}

func TestValidationErrorNeverRetryable(t *testing.T) {
	err := NewValidationError("bad artifact").WithCause(ErrArtifactMalformed)
	if IsRetryable(err) {
		t.Error("validation errors must not be retryable")
	}
	if !Is(err, ErrArtifactMalformed) {
		t.Error("expected cause to match ErrArtifactMalformed")
	}
	if !Is(err, ErrInvalidInput) {
		t.Error("validation errors should match ErrInvalidInput")
	}
}

func TestTransientWorkerErrorRetryable(t *testing.T) {
	err := NewTransientWorkerError("invocation timed out", ErrWorkerTimeout).
		WithUnitID(3).WithAttempt(2)

	if !IsRetryable(err) {
		t.Error("transient worker errors should be retryable by default")
	}
	if !Is(err, ErrWorkerTimeout) {
		t.Error("expected cause to match ErrWorkerTimeout")
	}

	msg := err.Error()
	if !strings.Contains(msg, "unit=3") || !strings.Contains(msg, "attempt=2") {
		t.Errorf("expected unit and attempt context, got %q", msg)
	}

	// The invoker flips retryable off once the cap is exhausted.
	err.WithRetryable(false)
	if IsRetryable(err) {
		t.Error("expected retryable=false after cap exhaustion")
	}
}

func TestResourceErrorContext(t *testing.T) {
	err := NewResourceError("worktree add failed", ErrWorkspaceExists).
		WithBranch("nshot/task-x/u2").
		WithPath("/arena/task-x/u2").
		WithOutput("fatal: branch already exists")

	msg := err.Error()
	for _, want := range []string{"branch=nshot/task-x/u2", "path=/arena/task-x/u2", "command output"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in message, got %q", want, msg)
		}
	}
	if !IsRetryable(err) {
		t.Error("resource errors should be retryable once by default")
	}
}

func TestStateErrorIsFatalAndInternal(t *testing.T) {
	err := NewStateError("approach", "completed", "pending")

	if IsRetryable(err) {
		t.Error("state errors must never be retryable")
	}
	if IsUserFacing(err) {
		t.Error("state errors are internal, not user-facing")
	}
	if GetSeverity(err) != SeverityCritical {
		t.Errorf("expected critical severity, got %v", GetSeverity(err))
	}
	if !strings.Contains(err.Error(), "completed -> pending") {
		t.Errorf("expected transition in message, got %q", err.Error())
	}
}

func TestNotFoundErrorMatchesSentinel(t *testing.T) {
	err := NewNotFoundError("task", "task-20260101-120000")
	if !Is(err, ErrTaskNotFound) {
		t.Error("task NotFoundError should match ErrTaskNotFound")
	}
	if Is(NewNotFoundError("workspace", "w1"), ErrTaskNotFound) {
		t.Error("non-task NotFoundError should not match ErrTaskNotFound")
	}
}

func TestTimeoutErrorClassifiedTransient(t *testing.T) {
	err := NewTimeoutError("waiting for checkpoint decision", 24*time.Hour)
	if !Is(err, ErrTimedOut) {
		t.Error("timeout error should match ErrTimedOut")
	}
	if Classify(err) != ClassTransient {
		t.Errorf("expected transient class, got %v", Classify(err))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"validation", NewValidationError("bad"), ClassValidation},
		{"transient", NewTransientWorkerError("slow", ErrWorkerThrottled), ClassTransient},
		{"resource", NewResourceError("full", ErrDiskExhausted), ClassResource},
		{"state", NewStateError("task", "done", "plan"), ClassState},
		{"wrapped validation", Wrap(NewValidationError("bad"), "outer"), ClassValidation},
		{"plain", stderrors.New("plain"), ClassUnknown},
		{"nil", nil, ClassUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryableOnWrappedSentinels(t *testing.T) {
	err := Wrapf(ErrWorkerThrottled, "unit %d", 1)
	if !IsRetryable(err) {
		t.Error("wrapped ErrWorkerThrottled should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil is not retryable")
	}
}

func TestWrapPreservesChain(t *testing.T) {
	base := NewResourceError("no space", ErrDiskExhausted)
	wrapped := Wrap(base, "acquire failed")

	var re *ResourceError
	if !As(wrapped, &re) {
		t.Fatal("expected ResourceError in chain")
	}
	if !Is(wrapped, ErrDiskExhausted) {
		t.Error("expected sentinel to survive wrapping")
	}
	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		sev  Severity
		want string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.sev.String(); got != tt.want {
			t.Errorf("Severity(%d).String() = %q, want %q", tt.sev, got, tt.want)
		}
	}
}
