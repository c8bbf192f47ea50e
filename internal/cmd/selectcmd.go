package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nshotdev/nshot/internal/checkpoint"
	"github.com/nshotdev/nshot/internal/errors"
)

var selectCmd = &cobra.Command{
	Use:   "select <task-id> <unit-id>",
	Short: "Pick the winning approach at the select gate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]
		unitID, err := strconv.Atoi(args[1])
		if err != nil || unitID < 1 {
			return errors.NewValidationError(fmt.Sprintf("invalid unit id %q", args[1])).WithField("unit_id")
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
		if req == nil || req.Phase != "select" {
			return errors.Wrapf(errors.ErrCheckpointNotReached, "task %s is not at the select gate", taskID)
		}

		decision := &checkpoint.Decision{Action: checkpoint.ActionSelect, UnitIDs: []int{unitID}}
		if err := rt.orch.Gate().Resolve(taskID, decision, req.UnitIDs); err != nil {
			return err
		}
		fmt.Printf("unit %d selected for task %s\n", unitID, taskID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(selectCmd)
}
