package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/task"
)

var (
	runSpecPath   string
	runApproaches int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline for a planning spec",
	Long: `Run creates a task from a planning spec, fans it out into N candidate
approaches, and drives the pipeline in the foreground. The run pauses at
the plan and select gates; resolve them from another terminal.

Interrupting the run (Ctrl-C) leaves the task resumable with 'nshot resume'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.printProgress()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		t, err := rt.orch.Run(ctx, runSpecPath, runApproaches)
		return reportOutcome(t, err)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Resume an interrupted task at its saved phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.printProgress()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		t, err := rt.orch.Resume(ctx, args[0])
		return reportOutcome(t, err)
	},
}

// reportOutcome prints the terminal state of a driven task and normalizes
// the returned error: interruption is not a failure.
func reportOutcome(t *task.Task, err error) error {
	if err != nil {
		if errors.Is(err, errors.ErrCanceled) && t != nil {
			fmt.Printf("interrupted in phase %s; resume with: nshot resume %s\n", t.Phase, t.ID)
			return nil
		}
		return err
	}

	switch t.Phase {
	case task.PhaseDone:
		winner, uerr := t.Unit(t.Winner)
		if uerr == nil && winner.Workspace != nil {
			fmt.Printf("task %s done: unit %d won, branch %s kept at %s\n",
				t.ID, t.Winner, winner.Workspace.Branch, winner.Workspace.Path)
		} else {
			fmt.Printf("task %s done: unit %d won\n", t.ID, t.Winner)
		}
	case task.PhaseAborted:
		fmt.Printf("task %s aborted: %s\n", t.ID, t.Error)
	default:
		fmt.Printf("task %s ended in phase %s\n", t.ID, t.Phase)
	}
	return nil
}

func init() {
	runCmd.Flags().StringVarP(&runSpecPath, "spec", "s", "", "planning spec file (required)")
	runCmd.Flags().IntVarP(&runApproaches, "approaches", "n", 0, "number of candidate approaches (default from config)")
	_ = runCmd.MarkFlagRequired("spec")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}
