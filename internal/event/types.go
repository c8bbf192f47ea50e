// Package event defines event types for decoupling nshot components.
// These events let the orchestrator, command surface, and watch mode
// observe pipeline progress without direct dependencies.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.phase_changed").
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Lifecycle Events
// -----------------------------------------------------------------------------

// PhaseChangedEvent is emitted when a task moves to a new pipeline phase.
type PhaseChangedEvent struct {
	baseEvent
	TaskID        string // Task identifier
	PreviousPhase string // Previous phase (empty on the first transition)
	CurrentPhase  string // New current phase
}

// NewPhaseChangedEvent creates a PhaseChangedEvent.
func NewPhaseChangedEvent(taskID, previousPhase, currentPhase string) PhaseChangedEvent {
	return PhaseChangedEvent{
		baseEvent:     newBaseEvent("task.phase_changed"),
		TaskID:        taskID,
		PreviousPhase: previousPhase,
		CurrentPhase:  currentPhase,
	}
}

// TaskCompletedEvent is emitted when a task reaches a terminal phase.
type TaskCompletedEvent struct {
	baseEvent
	TaskID  string // Task identifier
	Success bool   // True when the task reached done
	Winner  int    // Selected unit id (0 if none)
	Reason  string // Failure or abort explanation, if any
}

// NewTaskCompletedEvent creates a TaskCompletedEvent.
func NewTaskCompletedEvent(taskID string, success bool, winner int, reason string) TaskCompletedEvent {
	return TaskCompletedEvent{
		baseEvent: newBaseEvent("task.completed"),
		TaskID:    taskID,
		Success:   success,
		Winner:    winner,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Unit Events
// -----------------------------------------------------------------------------

// UnitStateChangedEvent is emitted when an approach unit changes state.
type UnitStateChangedEvent struct {
	baseEvent
	TaskID        string // Task the unit belongs to
	UnitID        int    // Approach unit id (1..N)
	PreviousState string // Previous unit state
	CurrentState  string // New unit state
	Reason        string // Failure reason when the new state is failed
}

// NewUnitStateChangedEvent creates a UnitStateChangedEvent.
func NewUnitStateChangedEvent(taskID string, unitID int, previousState, currentState, reason string) UnitStateChangedEvent {
	return UnitStateChangedEvent{
		baseEvent:     newBaseEvent("unit.state_changed"),
		TaskID:        taskID,
		UnitID:        unitID,
		PreviousState: previousState,
		CurrentState:  currentState,
		Reason:        reason,
	}
}

// -----------------------------------------------------------------------------
// Checkpoint Events
// -----------------------------------------------------------------------------

// CheckpointRequestedEvent is emitted when the pipeline pauses for a decision.
type CheckpointRequestedEvent struct {
	baseEvent
	TaskID    string // Task identifier
	Phase     string // Phase the checkpoint follows (e.g., "plan")
	RequestID string // Correlates the eventual decision
}

// NewCheckpointRequestedEvent creates a CheckpointRequestedEvent.
func NewCheckpointRequestedEvent(taskID, phase, requestID string) CheckpointRequestedEvent {
	return CheckpointRequestedEvent{
		baseEvent: newBaseEvent("checkpoint.requested"),
		TaskID:    taskID,
		Phase:     phase,
		RequestID: requestID,
	}
}

// CheckpointResolvedEvent is emitted when a decision has been applied.
type CheckpointResolvedEvent struct {
	baseEvent
	TaskID string // Task identifier
	Phase  string // Phase the checkpoint followed
	Action string // Decision action (approve_all, approve_subset, ...)
}

// NewCheckpointResolvedEvent creates a CheckpointResolvedEvent.
func NewCheckpointResolvedEvent(taskID, phase, action string) CheckpointResolvedEvent {
	return CheckpointResolvedEvent{
		baseEvent: newBaseEvent("checkpoint.resolved"),
		TaskID:    taskID,
		Phase:     phase,
		Action:    action,
	}
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// WorkerStartedEvent is emitted when a worker invocation begins.
type WorkerStartedEvent struct {
	baseEvent
	TaskID  string // Task identifier
	UnitID  int    // Approach unit id (0 for task-level calls like planning)
	Stage   string // Stage name ("plan", "implement", "review", "test", "compare")
	Attempt int    // 1-based attempt number
}

// NewWorkerStartedEvent creates a WorkerStartedEvent.
func NewWorkerStartedEvent(taskID string, unitID int, stage string, attempt int) WorkerStartedEvent {
	return WorkerStartedEvent{
		baseEvent: newBaseEvent("worker.started"),
		TaskID:    taskID,
		UnitID:    unitID,
		Stage:     stage,
		Attempt:   attempt,
	}
}

// WorkerFinishedEvent is emitted when a worker invocation finishes.
type WorkerFinishedEvent struct {
	baseEvent
	TaskID   string        // Task identifier
	UnitID   int           // Approach unit id (0 for task-level calls)
	Stage    string        // Stage name
	Success  bool          // Whether the invocation succeeded
	Duration time.Duration // Wall-clock duration of the final attempt
	Reason   string        // Failure explanation, if any
}

// NewWorkerFinishedEvent creates a WorkerFinishedEvent.
func NewWorkerFinishedEvent(taskID string, unitID int, stage string, success bool, duration time.Duration, reason string) WorkerFinishedEvent {
	return WorkerFinishedEvent{
		baseEvent: newBaseEvent("worker.finished"),
		TaskID:    taskID,
		UnitID:    unitID,
		Stage:     stage,
		Success:   success,
		Duration:  duration,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Workspace Events
// -----------------------------------------------------------------------------

// WorkspaceAcquiredEvent is emitted when a unit workspace is created.
type WorkspaceAcquiredEvent struct {
	baseEvent
	TaskID string // Task identifier
	UnitID int    // Approach unit id
	Path   string // Worktree path
	Branch string // Worktree branch
}

// NewWorkspaceAcquiredEvent creates a WorkspaceAcquiredEvent.
func NewWorkspaceAcquiredEvent(taskID string, unitID int, path, branch string) WorkspaceAcquiredEvent {
	return WorkspaceAcquiredEvent{
		baseEvent: newBaseEvent("workspace.acquired"),
		TaskID:    taskID,
		UnitID:    unitID,
		Path:      path,
		Branch:    branch,
	}
}

// WorkspaceReleasedEvent is emitted when a unit workspace is removed or kept.
type WorkspaceReleasedEvent struct {
	baseEvent
	TaskID string // Task identifier
	UnitID int    // Approach unit id
	Kept   bool   // True if the directory was preserved for inspection
}

// NewWorkspaceReleasedEvent creates a WorkspaceReleasedEvent.
func NewWorkspaceReleasedEvent(taskID string, unitID int, kept bool) WorkspaceReleasedEvent {
	return WorkspaceReleasedEvent{
		baseEvent: newBaseEvent("workspace.released"),
		TaskID:    taskID,
		UnitID:    unitID,
		Kept:      kept,
	}
}

// -----------------------------------------------------------------------------
// Watch Mode Events
// -----------------------------------------------------------------------------

// SpecDetectedEvent is emitted when watch mode finds a new planning spec.
type SpecDetectedEvent struct {
	baseEvent
	Path string // Path of the detected spec file
}

// NewSpecDetectedEvent creates a SpecDetectedEvent.
func NewSpecDetectedEvent(path string) SpecDetectedEvent {
	return SpecDetectedEvent{
		baseEvent: newBaseEvent("watch.spec_detected"),
		Path:      path,
	}
}
