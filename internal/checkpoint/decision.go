package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nshotdev/nshot/internal/errors"
)

// Decision actions.
const (
	// ActionApproveAll clears every pending unit to build.
	ActionApproveAll = "approve_all"
	// ActionApproveSubset clears the listed units and rejects the rest.
	ActionApproveSubset = "approve_subset"
	// ActionRejectSubset rejects the listed units and clears the rest.
	ActionRejectSubset = "reject_subset"
	// ActionRevise sends the listed units (or all pending units) back to
	// planning with feedback.
	ActionRevise = "revise"
	// ActionAbort ends the task.
	ActionAbort = "abort"
	// ActionSelect picks the winning unit. Only valid at the select gate.
	ActionSelect = "select"
)

// Decision is an operator decision consumed by a waiting pipeline.
type Decision struct {
	// RequestID, when set, must match the outstanding request. An empty
	// RequestID matches any request.
	RequestID string `json:"request_id,omitempty"`
	// Action is one of the Action* constants.
	Action string `json:"action"`
	// UnitIDs scopes subset, revise, and select actions.
	UnitIDs []int `json:"unit_ids,omitempty"`
	// Feedback carries revision guidance, keyed by unit id. The zero key
	// applies to all affected units.
	Feedback map[int]string `json:"feedback,omitempty"`
	// Reason is free-form context, recorded in the timeline.
	Reason string `json:"reason,omitempty"`
	// DecidedAt is when the decision was written.
	DecidedAt time.Time `json:"decided_at"`
}

// Request is the durable checkpoint request shown to the operator.
type Request struct {
	RequestID   string    `json:"request_id"`
	TaskID      string    `json:"task_id"`
	Phase       string    `json:"phase"`
	Round       int       `json:"round"`
	Summary     string    `json:"summary,omitempty"`
	UnitIDs     []int     `json:"unit_ids,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// Validate checks a decision's shape. The set of units eligible at the gate
// is passed in so subset actions can be bounds-checked.
func (d *Decision) Validate(eligible []int) error {
	switch d.Action {
	case ActionApproveAll, ActionAbort:
		return nil
	case ActionApproveSubset, ActionRejectSubset, ActionRevise:
		if d.Action != ActionRevise && len(d.UnitIDs) == 0 {
			return errors.NewValidationError(fmt.Sprintf("%s requires unit_ids", d.Action)).
				WithField("unit_ids")
		}
		if d.Action == ActionRevise && len(d.Feedback) == 0 {
			return errors.NewValidationError("revise requires feedback").
				WithField("feedback")
		}
		return d.checkUnits(eligible)
	case ActionSelect:
		if len(d.UnitIDs) != 1 {
			return errors.NewValidationError("select requires exactly one unit id").
				WithField("unit_ids")
		}
		return d.checkUnits(eligible)
	case "":
		return errors.NewValidationError("decision has no action").WithField("action")
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown action %q", d.Action)).
			WithField("action").
			WithValue(d.Action)
	}
}

func (d *Decision) checkUnits(eligible []int) error {
	known := make(map[int]bool, len(eligible))
	for _, id := range eligible {
		known[id] = true
	}
	for _, id := range d.UnitIDs {
		if !known[id] {
			return errors.NewValidationError(fmt.Sprintf("unit %d is not eligible at this gate", id)).
				WithField("unit_ids").
				WithValue(fmt.Sprintf("%d", id))
		}
	}
	return nil
}

// actionAllowedAt reports whether an action can resolve a gate of the given
// phase. Select gates take only select or abort; every other gate takes
// everything except select.
func actionAllowedAt(action, phase string) bool {
	if phase == "select" {
		return action == ActionSelect || action == ActionAbort
	}
	return action != ActionSelect
}

// FeedbackFor returns the feedback for a unit, falling back to the
// all-units entry.
func (d *Decision) FeedbackFor(unitID int) string {
	if fb, ok := d.Feedback[unitID]; ok {
		return fb
	}
	return d.Feedback[0]
}

func marshalIndent(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode checkpoint file")
	}
	return data, nil
}
