package task

// Phase is a pipeline phase. Phases advance strictly forward except for the
// checkpoint revision loop, which returns to planning.
type Phase string

const (
	PhaseValidate      Phase = "validate"
	PhaseAcquireBase   Phase = "acquire_base"
	PhasePlan          Phase = "plan"
	PhaseCheckpoint    Phase = "checkpoint"
	PhaseImplement     Phase = "implement"
	PhaseReviewAndTest Phase = "review_and_test"
	PhaseCompare       Phase = "compare"
	PhaseSelect        Phase = "select"
	PhaseDone          Phase = "done"
	PhaseFailed        Phase = "failed"
	PhaseAborted       Phase = "aborted"
)

// phaseTransitions is the legal phase graph. Every non-terminal phase may
// additionally move to failed or aborted.
var phaseTransitions = map[Phase][]Phase{
	PhaseValidate:    {PhaseAcquireBase},
	PhaseAcquireBase: {PhasePlan},
	PhasePlan:        {PhaseCheckpoint},
	// A revise decision loops back to planning for another round.
	PhaseCheckpoint: {PhaseImplement, PhasePlan},
	PhaseImplement:  {PhaseReviewAndTest},
	// With a single surviving unit the compare and select phases are
	// skipped and the task completes directly.
	PhaseReviewAndTest: {PhaseCompare, PhaseSelect, PhaseDone},
	PhaseCompare:       {PhaseSelect, PhaseDone},
	PhaseSelect:        {PhaseDone},
	PhaseDone:          nil,
	PhaseFailed:        nil,
	PhaseAborted:       nil,
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	_, ok := phaseTransitions[p]
	return ok
}

// IsTerminal reports whether the phase ends the pipeline.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseAborted
}

func canTransitionPhase(from, to Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PhaseFailed || to == PhaseAborted {
		return from.Valid()
	}
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// UnitState is the lifecycle state of one approach unit.
type UnitState string

const (
	// UnitPending means the unit is planned and awaiting a checkpoint
	// decision.
	UnitPending UnitState = "pending"
	// UnitApproved means the checkpoint decision cleared the unit to build.
	UnitApproved UnitState = "approved"
	// UnitInRevision means the plan is being reworked with feedback; the
	// unit returns to pending once a revised plan exists.
	UnitInRevision UnitState = "in_revision"
	// UnitRejected means the unit was culled at the checkpoint. Terminal;
	// rejected units never run and are excluded from barriers.
	UnitRejected UnitState = "rejected"
	// UnitImplementing means a build worker is running in the unit's
	// workspace.
	UnitImplementing UnitState = "implementing"
	// UnitReviewingTesting means the review and test stage is running.
	UnitReviewingTesting UnitState = "reviewing_testing"
	// UnitCompleted means the unit finished the full per-unit pipeline.
	UnitCompleted UnitState = "completed"
	// UnitFailed means the unit hit a terminal error at some stage.
	UnitFailed UnitState = "failed"
)

var unitTransitions = map[UnitState][]UnitState{
	UnitPending:          {UnitApproved, UnitInRevision, UnitRejected, UnitFailed},
	UnitApproved:         {UnitImplementing, UnitFailed},
	UnitInRevision:       {UnitPending, UnitFailed},
	UnitImplementing:     {UnitReviewingTesting, UnitFailed},
	UnitReviewingTesting: {UnitCompleted, UnitFailed},
	UnitRejected:         nil,
	UnitCompleted:        nil,
	UnitFailed:           nil,
}

// String returns the state name.
func (s UnitState) String() string {
	return string(s)
}

// Valid reports whether s is a known unit state.
func (s UnitState) Valid() bool {
	_, ok := unitTransitions[s]
	return ok
}

// IsTerminal reports whether the unit can make no further progress.
func (s UnitState) IsTerminal() bool {
	return s == UnitCompleted || s == UnitFailed || s == UnitRejected
}

func canTransitionUnit(from, to UnitState) bool {
	for _, next := range unitTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
