// Package task defines the durable data model for a pipeline run: the Task
// manifest, its approach units, the pipeline phase machine, and the unit
// state machine. Everything here is plain data with explicit transition
// rules; the orchestrator drives it and the store persists it.
package task

import (
	"fmt"
	"time"

	"github.com/nshotdev/nshot/internal/errors"
)

// IDPrefix is the prefix of all task ids.
const IDPrefix = "task-"

// NewID returns a time-derived, lexically sortable task id.
func NewID(t time.Time) string {
	return IDPrefix + t.Format("20060102-150405")
}

// Task is the durable manifest for one pipeline run. It is persisted after
// every phase transition and every unit state change, and is the single
// source of truth for crash recovery.
type Task struct {
	// ID is the time-derived task identifier (e.g., "task-20260101-120000").
	ID string `json:"id"`

	// Phase is the current pipeline phase.
	Phase Phase `json:"phase"`

	// SpecPath is the planning spec the run was started from.
	SpecPath string `json:"spec_path"`

	// SpecContent is the full planning spec text, captured at initiation so
	// later stages never depend on the original file surviving.
	SpecContent string `json:"spec_content"`

	// NumApproaches is the requested fan-out width N.
	NumApproaches int `json:"num_approaches"`

	// Approaches holds the candidate units, indexed 1..N by their IDs.
	// Unit ids are dense and stable for the lifetime of the task.
	Approaches []*Approach `json:"approaches"`

	// BaseRepo is the repository the pipeline operates on.
	BaseRepo string `json:"base_repo,omitempty"`

	// BaseRef is the commit every unit branch starts from, captured during
	// base acquisition so resumed runs fan out from the same snapshot.
	BaseRef string `json:"base_ref,omitempty"`

	// Checkpoint marks an outstanding checkpoint request, so a restarted
	// process resumes waiting instead of re-requesting.
	Checkpoint *CheckpointRef `json:"checkpoint,omitempty"`

	// CheckpointRound counts checkpoint rounds; revision decisions start a
	// new round.
	CheckpointRound int `json:"checkpoint_round"`

	// Winner is the selected unit id after the select phase (0 = none).
	Winner int `json:"winner,omitempty"`

	// Comparison is the structured output of the compare stage.
	Comparison *Comparison `json:"comparison,omitempty"`

	// Error explains why the task ended in failed or aborted, including
	// the phase and unit involved and the failure class.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Approach is one independent candidate solution unit.
type Approach struct {
	// ID is the dense, stable unit id (1..N). Rejected units keep their id;
	// ids are never reused or compacted.
	ID int `json:"id"`

	// State is the current unit state.
	State UnitState `json:"state"`

	// Design is the planner's proposal for this unit.
	Design Design `json:"design"`

	// Feedback carries operator guidance for a revision round.
	Feedback string `json:"feedback,omitempty"`

	// Workspace is the unit's isolated workspace, set while implementing.
	Workspace *WorkspaceRef `json:"workspace,omitempty"`

	// ImplementationSummary is the worker's short account of what was built.
	ImplementationSummary string `json:"implementation_summary,omitempty"`

	// ChangeStat is the measured change volume in the unit's workspace.
	ChangeStat *ChangeStat `json:"change_stat,omitempty"`

	// Review is the structured review-stage output.
	Review *Review `json:"review,omitempty"`

	// TestResult is the structured test-stage output.
	TestResult *TestResult `json:"test_result,omitempty"`

	// Failure explains a terminal failure: what happened and its class.
	Failure *Failure `json:"failure,omitempty"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Design captures one planned approach.
type Design struct {
	Name         string   `json:"name"`
	Rationale    string   `json:"rationale"`
	KeyDecisions []string `json:"key_decisions,omitempty"`
	TradeOffs    []string `json:"trade_offs,omitempty"`
	Complexity   string   `json:"complexity,omitempty"` // "low", "medium", "high"
}

// WorkspaceRef records the workspace a unit runs in.
type WorkspaceRef struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	// Kept is true when the workspace directory was preserved after
	// release (e.g., on abort) for inspection.
	Kept bool `json:"kept,omitempty"`
}

// ChangeStat is the change volume in a unit's workspace.
type ChangeStat struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// Review is the structured review output for one unit.
type Review struct {
	Score   float64       `json:"score"` // 0..10 quality score
	Summary string        `json:"summary"`
	Issues  []ReviewIssue `json:"issues,omitempty"`
}

// ReviewIssue is a single severity-tagged finding.
type ReviewIssue struct {
	Severity    string `json:"severity"` // "critical", "major", "minor"
	Description string `json:"description"`
}

// TestResult is the structured test output for one unit.
type TestResult struct {
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped,omitempty"`
	Output   string `json:"output,omitempty"`
	AllGreen bool   `json:"all_green"`
}

// Failure is a terminal unit failure record.
type Failure struct {
	Reason string       `json:"reason"`
	Class  errors.Class `json:"class"`
	Stage  string       `json:"stage,omitempty"`
}

// CheckpointRef marks an outstanding checkpoint request on the manifest.
type CheckpointRef struct {
	RequestID   string    `json:"request_id"`
	Phase       string    `json:"phase"`
	RequestedAt time.Time `json:"requested_at"`
}

// Comparison is the structured output of the compare stage.
type Comparison struct {
	Summary     string       `json:"summary"`
	Rankings    []UnitRating `json:"rankings,omitempty"`
	Recommended int          `json:"recommended,omitempty"` // recommended unit id (0 = none)
}

// UnitRating is the compare stage's assessment of one unit.
type UnitRating struct {
	UnitID    int     `json:"unit_id"`
	Score     float64 `json:"score"`
	Strengths string  `json:"strengths,omitempty"`
	Weakness  string  `json:"weakness,omitempty"`
}

// New creates a Task in the validate phase with N empty pending units.
func New(specPath, specContent string, numApproaches int, now time.Time) *Task {
	t := &Task{
		ID:            NewID(now),
		Phase:         PhaseValidate,
		SpecPath:      specPath,
		SpecContent:   specContent,
		NumApproaches: numApproaches,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i := 1; i <= numApproaches; i++ {
		t.Approaches = append(t.Approaches, &Approach{
			ID:    i,
			State: UnitPending,
		})
	}
	return t
}

// Unit returns the approach with the given id.
// Returns errors.ErrUnitNotFound for unknown ids.
func (t *Task) Unit(id int) (*Approach, error) {
	for _, a := range t.Approaches {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, errors.Wrapf(errors.ErrUnitNotFound, "unit %d in task %s", id, t.ID)
}

// NonRejected returns all units the phase barrier considers:
// everything except rejected units.
func (t *Task) NonRejected() []*Approach {
	var out []*Approach
	for _, a := range t.Approaches {
		if a.State != UnitRejected {
			out = append(out, a)
		}
	}
	return out
}

// InState returns all units currently in the given state.
func (t *Task) InState(state UnitState) []*Approach {
	var out []*Approach
	for _, a := range t.Approaches {
		if a.State == state {
			out = append(out, a)
		}
	}
	return out
}

// Survivors returns the units that completed the full per-unit pipeline.
func (t *Task) Survivors() []*Approach {
	return t.InState(UnitCompleted)
}

// BarrierReached reports whether every non-rejected unit has reached a
// terminal-for-the-stage state: either the given target state or failed.
// Rejected units are excluded from barrier accounting entirely.
func (t *Task) BarrierReached(target UnitState) bool {
	for _, a := range t.NonRejected() {
		if a.State != target && a.State != UnitFailed {
			return false
		}
	}
	return true
}

// Transition moves the task to a new phase, enforcing the phase machine.
// Illegal transitions return a StateError.
func (t *Task) Transition(to Phase) error {
	if !canTransitionPhase(t.Phase, to) {
		return errors.NewStateError("task", string(t.Phase), string(to))
	}
	t.Phase = to
	t.UpdatedAt = time.Now()
	return nil
}

// TransitionUnit moves a unit to a new state, enforcing the unit state
// machine. Illegal transitions return a StateError.
func (t *Task) TransitionUnit(unitID int, to UnitState) error {
	a, err := t.Unit(unitID)
	if err != nil {
		return err
	}
	if !canTransitionUnit(a.State, to) {
		return errors.NewStateError("approach", string(a.State), string(to))
	}
	a.State = to
	t.UpdatedAt = time.Now()
	return nil
}

// FailUnit marks a unit failed with a reason and class.
// Failing an already-terminal unit is a StateError.
func (t *Task) FailUnit(unitID int, stage, reason string, class errors.Class) error {
	a, err := t.Unit(unitID)
	if err != nil {
		return err
	}
	if !canTransitionUnit(a.State, UnitFailed) {
		return errors.NewStateError("approach", string(a.State), string(UnitFailed))
	}
	a.State = UnitFailed
	a.Failure = &Failure{Reason: reason, Class: class, Stage: stage}
	a.FinishedAt = time.Now()
	t.UpdatedAt = time.Now()
	return nil
}

// Fail marks the whole task failed with a stored explanation.
func (t *Task) Fail(phase Phase, reason string) error {
	if t.Phase.IsTerminal() {
		return errors.NewStateError("task", string(t.Phase), string(PhaseFailed))
	}
	t.Error = fmt.Sprintf("phase %s: %s", phase, reason)
	t.Phase = PhaseFailed
	t.UpdatedAt = time.Now()
	return nil
}

// Abort marks the task aborted. Legal from any non-terminal phase.
func (t *Task) Abort(reason string) error {
	if t.Phase.IsTerminal() {
		return errors.Wrapf(errors.ErrTaskTerminal, "cannot abort task %s in phase %s", t.ID, t.Phase)
	}
	t.Error = fmt.Sprintf("aborted: %s", reason)
	t.Phase = PhaseAborted
	t.UpdatedAt = time.Now()
	return nil
}
