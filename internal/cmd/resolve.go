package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nshotdev/nshot/internal/checkpoint"
	"github.com/nshotdev/nshot/internal/errors"
)

var (
	resolveApprove  string
	resolveReject   string
	resolveRevise   string
	resolveFeedback string
	resolveAbort    bool
	resolveReason   string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <task-id>",
	Short: "Resolve the outstanding checkpoint of a paused task",
	Long: `Resolve answers a task waiting at a checkpoint gate.

Exactly one action is required:
  --approve            approve every pending approach
  --approve=1,3        approve a subset, rejecting the rest
  --reject=2           reject a subset, approving the rest
  --revise -f "..."    send approaches back to planning with feedback
  --revise=2 -f "..."  send only the listed approaches back
  --abort              end the task`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		decision, err := decisionFromFlags()
		if err != nil {
			return err
		}

		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if _, err := rt.orch.Load(taskID); err != nil {
			return err
		}
		req, err := rt.orch.Gate().Outstanding(taskID)
		if err != nil {
			return err
		}
		if req == nil {
			return errors.Wrapf(errors.ErrCheckpointNotReached, "task %s has no pending checkpoint", taskID)
		}

		if err := rt.orch.Gate().Resolve(taskID, decision, req.UnitIDs); err != nil {
			return err
		}
		fmt.Printf("decision %s recorded for task %s (%s gate, round %d)\n",
			decision.Action, taskID, req.Phase, req.Round)
		return nil
	},
}

// decisionFromFlags builds a Decision from the resolve flags. Exactly one
// action flag must be set.
func decisionFromFlags() (*checkpoint.Decision, error) {
	var actions int
	for _, set := range []bool{resolveApprove != "", resolveReject != "", resolveRevise != "", resolveAbort} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return nil, errors.NewValidationError("exactly one of --approve, --reject, --revise, --abort is required")
	}

	switch {
	case resolveAbort:
		return &checkpoint.Decision{Action: checkpoint.ActionAbort, Reason: resolveReason}, nil

	case resolveApprove == "all":
		return &checkpoint.Decision{Action: checkpoint.ActionApproveAll}, nil

	case resolveApprove != "":
		ids, err := parseUnitList(resolveApprove)
		if err != nil {
			return nil, err
		}
		return &checkpoint.Decision{Action: checkpoint.ActionApproveSubset, UnitIDs: ids}, nil

	case resolveReject != "":
		ids, err := parseUnitList(resolveReject)
		if err != nil {
			return nil, err
		}
		return &checkpoint.Decision{Action: checkpoint.ActionRejectSubset, UnitIDs: ids}, nil

	default:
		if resolveFeedback == "" {
			return nil, errors.NewValidationError("--revise requires feedback via -f").WithField("feedback")
		}
		decision := &checkpoint.Decision{
			Action:   checkpoint.ActionRevise,
			Feedback: map[int]string{0: resolveFeedback},
		}
		if resolveRevise != "all" {
			ids, err := parseUnitList(resolveRevise)
			if err != nil {
				return nil, err
			}
			decision.UnitIDs = ids
		}
		return decision, nil
	}
}

// parseUnitList parses a comma-separated unit id list like "1,3".
func parseUnitList(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil || id < 1 {
			return nil, errors.NewValidationError(fmt.Sprintf("invalid unit id %q", part)).WithField("unit_ids")
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.NewValidationError("no unit ids given").WithField("unit_ids")
	}
	return ids, nil
}

func init() {
	resolveCmd.Flags().StringVar(&resolveApprove, "approve", "", "approve all pending approaches, or a subset like --approve=1,3")
	resolveCmd.Flags().Lookup("approve").NoOptDefVal = "all"
	resolveCmd.Flags().StringVar(&resolveReject, "reject", "", "reject a subset like --reject=2; the rest are approved")
	resolveCmd.Flags().StringVar(&resolveRevise, "revise", "", "send approaches back to planning; all pending or a subset like --revise=2")
	resolveCmd.Flags().Lookup("revise").NoOptDefVal = "all"
	resolveCmd.Flags().StringVarP(&resolveFeedback, "feedback", "f", "", "revision feedback for the planner")
	resolveCmd.Flags().BoolVar(&resolveAbort, "abort", false, "abort the task at this gate")
	resolveCmd.Flags().StringVarP(&resolveReason, "reason", "r", "", "abort reason")

	rootCmd.AddCommand(resolveCmd)
}
