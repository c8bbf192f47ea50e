package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nshotdev/nshot/internal/specwatch"
)

var (
	watchDir        string
	watchApproaches int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a directory for planning specs and run each new one",
	Long: `Watch scans a drop directory (and its immediate subdirectories) for new
planning spec files and starts a pipeline run for each. Consumed specs are
renamed with a .processed suffix. Runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.printProgress()

		watchCfg := rt.cfg.Watch
		if watchDir != "" {
			watchCfg.Dir = watchDir
		}

		watcher, err := specwatch.New(watchCfg, func(ctx context.Context, specPath string) error {
			_, err := rt.orch.Run(ctx, specPath, watchApproaches)
			return err
		}, rt.logger, rt.bus)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return watcher.Watch(ctx)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchDir, "dir", "d", "", "drop directory to watch (default from config)")
	watchCmd.Flags().IntVarP(&watchApproaches, "approaches", "n", 0, "approaches per detected spec (default from config)")

	rootCmd.AddCommand(watchCmd)
}
