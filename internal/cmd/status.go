package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/task"
)

var statusOutput string

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status",
	Long:  `Status lists all live tasks, or the full state of one task.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if len(args) == 1 {
			if statusOutput != "" {
				return printTaskMarshaled(rt, args[0], statusOutput)
			}
			return printTaskDetail(rt, args[0])
		}
		return printTaskList(rt)
	},
}

// printTaskMarshaled dumps the full manifest, for scripting against.
func printTaskMarshaled(rt *runtime, taskID, format string) error {
	t, err := rt.orch.Load(taskID)
	if err != nil {
		return err
	}
	var data []byte
	switch format {
	case "json":
		data, err = json.MarshalIndent(t, "", "  ")
	case "yaml":
		data, err = yaml.Marshal(t)
	default:
		return errors.NewValidationError(fmt.Sprintf("unknown output format %q", format)).WithField("output")
	}
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printTaskList(rt *runtime) error {
	ids, err := rt.orch.List()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no tasks")
		return nil
	}
	for _, id := range ids {
		t, err := rt.orch.Load(id)
		if err != nil {
			fmt.Printf("%s  (unreadable: %v)\n", id, err)
			continue
		}
		fmt.Printf("%s  %-16s %s\n", t.ID, t.Phase, unitSummaryLine(t))
	}
	return nil
}

func printTaskDetail(rt *runtime, taskID string) error {
	t, err := rt.orch.Load(taskID)
	if err != nil {
		return err
	}

	fmt.Printf("task:    %s\n", t.ID)
	fmt.Printf("phase:   %s\n", t.Phase)
	fmt.Printf("spec:    %s\n", t.SpecPath)
	fmt.Printf("created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.Winner != 0 {
		fmt.Printf("winner:  unit %d\n", t.Winner)
	}
	if t.Error != "" {
		fmt.Printf("error:   %s\n", t.Error)
	}

	fmt.Println("\nunits:")
	for _, a := range t.Approaches {
		line := fmt.Sprintf("  %d  %-16s %s", a.ID, a.State, a.Design.Name)
		if a.Review != nil {
			line += fmt.Sprintf("  review %.1f/10", a.Review.Score)
		}
		if a.TestResult != nil {
			line += fmt.Sprintf("  tests %d/%d", a.TestResult.Passed, a.TestResult.Passed+a.TestResult.Failed)
		}
		if a.Failure != nil {
			line += fmt.Sprintf("  [%s: %s]", a.Failure.Stage, a.Failure.Reason)
		}
		fmt.Println(strings.TrimRight(line, " "))
	}

	if req, err := rt.orch.Gate().Outstanding(taskID); err == nil && req != nil {
		fmt.Printf("\nwaiting at the %s gate (round %d) since %s\n",
			req.Phase, req.Round, req.RequestedAt.Format("15:04:05"))
		fmt.Printf("resolve with: nshot resolve %s ...\n", taskID)
	}
	return nil
}

// unitSummaryLine condenses unit states into "2 completed, 1 failed".
func unitSummaryLine(t *task.Task) string {
	counts := make(map[task.UnitState]int)
	for _, a := range t.Approaches {
		counts[a.State]++
	}
	var parts []string
	for _, state := range []task.UnitState{
		task.UnitPending, task.UnitApproved, task.UnitInRevision, task.UnitImplementing,
		task.UnitReviewingTesting, task.UnitCompleted, task.UnitRejected, task.UnitFailed,
	} {
		if n := counts[state]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, state))
		}
	}
	return strings.Join(parts, ", ")
}

var abortCmd = &cobra.Command{
	Use:   "abort <task-id>",
	Short: "Abort a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		reason, _ := cmd.Flags().GetString("reason")
		if reason == "" {
			reason = "aborted from the command line"
		}
		if err := rt.orch.Abort(args[0], reason); err != nil {
			return err
		}
		fmt.Printf("task %s aborted\n", args[0])
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <task-id>",
	Short: "Move a finished task out of the live task list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.store.ArchiveTask(args[0]); err != nil {
			return err
		}
		fmt.Printf("task %s archived\n", args[0])
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "", "dump one task as 'json' or 'yaml'")
	abortCmd.Flags().StringP("reason", "r", "", "abort reason")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(archiveCmd)
}
