package cmd

import (
	"fmt"
	"os"

	"github.com/nshotdev/nshot/internal/config"
	"github.com/nshotdev/nshot/internal/event"
	"github.com/nshotdev/nshot/internal/logging"
	"github.com/nshotdev/nshot/internal/orchestrator"
	"github.com/nshotdev/nshot/internal/store"
	"github.com/nshotdev/nshot/internal/worker"
	"github.com/nshotdev/nshot/internal/workspace"
)

// runtime is the component graph shared by all commands: config, store,
// logger, event bus, and the orchestrator wired over them.
type runtime struct {
	cfg    *config.Config
	store  *store.Store
	logger *logging.Logger
	bus    *event.Bus
	orch   *orchestrator.Orchestrator
}

// newRuntime builds the runtime against the repository containing the
// working directory (or paths.base_repo when configured).
func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	baseDir := cfg.Paths.BaseRepo
	if baseDir == "" {
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	repoRoot, err := workspace.FindGitRoot(baseDir)
	if err != nil {
		return nil, err
	}

	dataDir := cfg.Paths.ResolveDataDir(repoRoot)
	s, err := store.New(dataDir)
	if err != nil {
		return nil, err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLoggerWithRotation(dataDir, cfg.Logging.Level, logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
		})
		if err != nil {
			return nil, err
		}
	}

	bus := event.NewBus()
	ws, err := workspace.NewManager(repoRoot, cfg.Paths.ResolveArenaDir(repoRoot), cfg.Pipeline.BranchPrefix, logger)
	if err != nil {
		return nil, err
	}
	runner := worker.NewCLIRunner(cfg.Worker.Command, cfg.Worker.Args)
	invoker := worker.NewInvoker(runner, cfg.Worker, cfg.Pipeline.MaxParallel, logger, bus)

	return &runtime{
		cfg:    cfg,
		store:  s,
		logger: logger,
		bus:    bus,
		orch:   orchestrator.New(cfg, s, ws, invoker, logger, bus),
	}, nil
}

func (r *runtime) Close() {
	if r.logger != nil {
		r.logger.Close()
	}
}

// printProgress mirrors pipeline events to the terminal while a run is
// driven in the foreground.
func (r *runtime) printProgress() {
	r.bus.SubscribeAll(func(e event.Event) {
		switch ev := e.(type) {
		case event.PhaseChangedEvent:
			fmt.Printf("[%s] phase %s -> %s\n", ev.TaskID, ev.PreviousPhase, ev.CurrentPhase)
		case event.UnitStateChangedEvent:
			if ev.Reason != "" {
				fmt.Printf("[%s] unit %d: %s -> %s (%s)\n", ev.TaskID, ev.UnitID, ev.PreviousState, ev.CurrentState, ev.Reason)
			} else {
				fmt.Printf("[%s] unit %d: %s -> %s\n", ev.TaskID, ev.UnitID, ev.PreviousState, ev.CurrentState)
			}
		case event.CheckpointRequestedEvent:
			fmt.Printf("[%s] paused at the %s gate\n", ev.TaskID, ev.Phase)
			fmt.Printf("  resolve with: nshot resolve %s --approve | --approve=1,3 | --reject=2 | --revise -f \"...\" | --abort\n", ev.TaskID)
			if ev.Phase == "select" {
				fmt.Printf("  or pick directly: nshot select %s <unit>\n", ev.TaskID)
			}
		case event.CheckpointResolvedEvent:
			fmt.Printf("[%s] gate resolved: %s\n", ev.TaskID, ev.Action)
		case event.WorkerStartedEvent:
			fmt.Printf("[%s] worker started: unit %d %s (attempt %d)\n", ev.TaskID, ev.UnitID, ev.Stage, ev.Attempt)
		case event.TaskCompletedEvent:
			if ev.Success {
				fmt.Printf("[%s] done, unit %d selected\n", ev.TaskID, ev.Winner)
			} else {
				fmt.Printf("[%s] ended: %s\n", ev.TaskID, ev.Reason)
			}
		}
	})
}
