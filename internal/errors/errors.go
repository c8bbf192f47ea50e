// Package errors provides centralized error definitions and error handling
// utilities for the nshot codebase. It defines the pipeline error taxonomy,
// error constructors with context wrapping, and classification helpers.
//
// # Error Taxonomy
//
// Every failure in the pipeline falls into one of four classes:
//
//   - ValidationError: malformed input, artifact, or decision. Never retried;
//     surfaced immediately with an explanation.
//   - TransientWorkerError: a worker invocation timed out or signalled a
//     rate-limit-like condition. Retried with backoff up to the configured
//     attempt cap, then treated as terminal for the affected unit.
//   - ResourceError: workspace creation failure, disk exhaustion, or a
//     branch/path collision. Retried once with a fresh identifier, then
//     terminal for the affected unit.
//   - StateError: an illegal state transition. Indicates an orchestration
//     bug and is always fatal.
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewTransientWorkerError("invocation timed out", errors.ErrWorkerTimeout).
//		WithUnitID(2).WithAttempt(1)
//
//	err := errors.NewStateError("approach", "completed", "pending")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrTaskNotFound) { ... }
//
//	var tw *errors.TransientWorkerError
//	if errors.As(err, &tw) { ... }
//
//	if errors.IsRetryable(err) { ... }
//	if errors.IsUserFacing(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Task-related sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrTaskLocked indicates that a task is driven by another process.
	ErrTaskLocked = New("task is locked")
	// ErrTaskTerminal indicates an operation on a task that already finished.
	ErrTaskTerminal = New("task is in a terminal phase")
	// ErrUnitNotFound indicates that an approach unit id does not exist.
	ErrUnitNotFound = New("approach unit not found")
	// ErrManifestCorrupted indicates that a persisted manifest is unreadable.
	ErrManifestCorrupted = New("manifest corrupted")
)

// Checkpoint-related sentinel errors
var (
	// ErrCheckpointNotReached indicates a decision for a checkpoint that
	// does not exist yet.
	ErrCheckpointNotReached = New("checkpoint not reached")
	// ErrCheckpointPending indicates a second checkpoint request while one
	// is already outstanding.
	ErrCheckpointPending = New("checkpoint already pending")
	// ErrDecisionInvalid indicates a malformed or non-applicable decision.
	ErrDecisionInvalid = New("checkpoint decision invalid")
)

// Worker-related sentinel errors
var (
	// ErrWorkerTimeout indicates that a worker invocation exceeded its deadline.
	ErrWorkerTimeout = New("worker timed out")
	// ErrWorkerThrottled indicates a rate-limit-like signal from a worker.
	ErrWorkerThrottled = New("worker throttled")
	// ErrArtifactMissing indicates that an expected output artifact is absent.
	ErrArtifactMissing = New("expected artifact missing")
	// ErrArtifactMalformed indicates an artifact that failed to parse.
	ErrArtifactMalformed = New("artifact malformed")
)

// Workspace-related sentinel errors
var (
	// ErrNotGitRepository indicates that the base directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrWorkspaceExists indicates a branch or path collision during acquire.
	ErrWorkspaceExists = New("workspace already exists")
	// ErrWorkspaceNotFound indicates that a workspace handle is unknown.
	ErrWorkspaceNotFound = New("workspace not found")
	// ErrDiskExhausted indicates that the arena ran out of space or quota.
	ErrDiskExhausted = New("disk space exhausted")
)

// General sentinel errors
var (
	// ErrTimedOut indicates that a wait exceeded its maximum duration.
	ErrTimedOut = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// PipelineError is the base interface for all nshot errors.
// It extends the standard error interface with methods for
// classification and display.
type PipelineError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Taxonomy Errors
// -----------------------------------------------------------------------------

// ValidationError represents malformed input, a malformed artifact, or a
// decision that cannot be applied. Validation errors are never retried.
//
// Example:
//
//	err := errors.NewValidationError("planning spec is empty").WithField("spec")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TransientWorkerError represents a worker invocation failure that may
// succeed on retry, such as a timeout or a rate-limit-like signal.
//
// Example:
//
//	err := errors.NewTransientWorkerError("invocation timed out", errors.ErrWorkerTimeout).
//		WithUnitID(3).WithAttempt(2)
type TransientWorkerError struct {
	baseError
	UnitID  int
	Attempt int
	Signal  string
}

// NewTransientWorkerError creates a new TransientWorkerError.
func NewTransientWorkerError(message string, cause error) *TransientWorkerError {
	return &TransientWorkerError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		UnitID: -1,
	}
}

// WithUnitID adds the affected approach unit id to the error context.
func (e *TransientWorkerError) WithUnitID(id int) *TransientWorkerError {
	e.UnitID = id
	return e
}

// WithAttempt records which attempt produced this failure.
func (e *TransientWorkerError) WithAttempt(n int) *TransientWorkerError {
	e.Attempt = n
	return e
}

// WithSignal records the matched output pattern, if any.
func (e *TransientWorkerError) WithSignal(sig string) *TransientWorkerError {
	e.Signal = sig
	return e
}

// WithRetryable sets whether the error is still retryable. The invoker
// flips this to false once the attempt cap is exhausted.
func (e *TransientWorkerError) WithRetryable(r bool) *TransientWorkerError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TransientWorkerError) Error() string {
	var parts []string
	if e.UnitID >= 0 {
		parts = append(parts, fmt.Sprintf("unit=%d", e.UnitID))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	if e.Signal != "" {
		parts = append(parts, fmt.Sprintf("signal=%q", e.Signal))
	}

	prefix := "transient worker error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("transient worker error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TransientWorkerError) Is(target error) bool {
	if _, ok := target.(*TransientWorkerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ResourceError represents a workspace or storage failure: branch or path
// collision, disk exhaustion, quota. Retried once with a fresh identifier,
// then terminal for the affected unit.
//
// Example:
//
//	err := errors.NewResourceError("worktree add failed", errors.ErrWorkspaceExists).
//		WithPath("/arena/task-x/u2").WithBranch("nshot/task-x/u2")
type ResourceError struct {
	baseError
	Path   string
	Branch string
	Output string // captured git command output
}

// NewResourceError creates a new ResourceError.
func NewResourceError(message string, cause error) *ResourceError {
	return &ResourceError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
	}
}

// WithPath adds a filesystem path to the error context.
func (e *ResourceError) WithPath(path string) *ResourceError {
	e.Path = path
	return e
}

// WithBranch adds a branch name to the error context.
func (e *ResourceError) WithBranch(branch string) *ResourceError {
	e.Branch = branch
	return e
}

// WithOutput adds captured command output to the error context.
func (e *ResourceError) WithOutput(output string) *ResourceError {
	e.Output = output
	return e
}

// WithRetryable sets whether the error is still retryable.
func (e *ResourceError) WithRetryable(r bool) *ResourceError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *ResourceError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Path != "" {
		parts = append(parts, fmt.Sprintf("path=%s", e.Path))
	}

	prefix := "resource error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("resource error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.Output != "" {
		msg = fmt.Sprintf("%s\ncommand output: %s", msg, e.Output)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *ResourceError) Is(target error) bool {
	if _, ok := target.(*ResourceError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// StateError represents an illegal state transition. It always indicates
// an orchestration bug and is never retried.
//
// Example:
//
//	err := errors.NewStateError("approach", "completed", "pending")
//	fmt.Println(err) // "state error: illegal approach transition completed -> pending"
type StateError struct {
	baseError
	Entity string
	From   string
	To     string
}

// NewStateError creates a new StateError for an illegal transition.
func NewStateError(entity, from, to string) *StateError {
	return &StateError{
		baseError: baseError{
			message:    fmt.Sprintf("illegal %s transition %s -> %s", entity, from, to),
			severity:   SeverityCritical,
			retryable:  false,
			userFacing: false,
		},
		Entity: entity,
		From:   from,
		To:     to,
	}
}

// WithCause adds a cause to the error.
func (e *StateError) WithCause(cause error) *StateError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *StateError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("state error: %s: %v", e.message, e.cause)
	}
	return fmt.Sprintf("state error: %s", e.message)
}

// Is checks if this error matches the target.
func (e *StateError) Is(target error) bool {
	if _, ok := target.(*StateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("task", "task-20260101-120000")
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if e.ResourceType == "task" && errors.Is(target, ErrTaskNotFound) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents a wait that exceeded its maximum duration.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for checkpoint decision", 24*time.Hour)
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimedOut) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// Class identifies the taxonomy class of an error, for manifests and logs.
type Class string

const (
	ClassValidation Class = "validation"
	ClassTransient  Class = "transient_worker"
	ClassResource   Class = "resource"
	ClassState      Class = "state"
	ClassUnknown    Class = "unknown"
)

// Classify returns the taxonomy class of err. Unknown and unwrapped errors
// report ClassUnknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var ve *ValidationError
	if As(err, &ve) {
		return ClassValidation
	}
	var tw *TransientWorkerError
	if As(err, &tw) {
		return ClassTransient
	}
	var re *ResourceError
	if As(err, &re) {
		return ClassResource
	}
	var se *StateError
	if As(err, &se) {
		return ClassState
	}
	var to *TimeoutError
	if As(err, &to) {
		return ClassTransient
	}
	return ClassUnknown
}

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing PipelineError with IsRetryable() returning true
//   - Errors wrapping ErrTimedOut, ErrWorkerTimeout, or ErrWorkerThrottled
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perr PipelineError
	if As(err, &perr) {
		return perr.IsRetryable()
	}

	if Is(err, ErrTimedOut) || Is(err, ErrWorkerTimeout) || Is(err, ErrWorkerThrottled) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to end
// users. StateError is deliberately not user-facing: it describes a bug,
// not something the operator can act on.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var perr PipelineError
	if As(err, &perr) {
		return perr.IsUserFacing()
	}

	var notFound *NotFoundError
	var validation *ValidationError
	var timeout *TimeoutError
	if As(err, &notFound) || As(err, &validation) || As(err, &timeout) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement PipelineError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var perr PipelineError
	if As(err, &perr) {
		return perr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to persist manifest")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
//
// Example:
//
//	err := errors.Wrapf(baseErr, "failed to load task %s", taskID)
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
