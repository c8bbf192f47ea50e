// Package orchestrator drives the pipeline: it fans a planning spec out
// into N candidate approaches, walks them through plan, checkpoint, build,
// review and test, comparison, and selection, and persists the task
// manifest after every state change so a crashed run resumes where it
// stopped.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nshotdev/nshot/internal/checkpoint"
	"github.com/nshotdev/nshot/internal/config"
	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/event"
	"github.com/nshotdev/nshot/internal/logging"
	"github.com/nshotdev/nshot/internal/store"
	"github.com/nshotdev/nshot/internal/summary"
	"github.com/nshotdev/nshot/internal/task"
	"github.com/nshotdev/nshot/internal/worker"
	"github.com/nshotdev/nshot/internal/workspace"
)

// Orchestrator owns the pipeline for the tasks it drives. It is the single
// writer of each task's manifest; a per-task file lock keeps a second
// process out.
type Orchestrator struct {
	cfg     *config.Config
	store   *store.Store
	locks   *store.LockManager
	gate    *checkpoint.Gate
	invoker *worker.Invoker
	ws      *workspace.Manager
	logger  *logging.Logger
	bus     *event.Bus

	// mu serializes manifest mutations from unit goroutines.
	mu sync.Mutex
}

// New creates an Orchestrator over the given components.
func New(cfg *config.Config, s *store.Store, ws *workspace.Manager, invoker *worker.Invoker, logger *logging.Logger, bus *event.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   s,
		locks:   store.NewLockManager(s),
		gate:    checkpoint.NewGate(s, cfg.Checkpoint, logger, bus),
		invoker: invoker,
		ws:      ws,
		logger:  logger,
		bus:     bus,
	}
}

// Gate exposes the checkpoint gate, used by the resolve and select commands.
func (o *Orchestrator) Gate() *checkpoint.Gate {
	return o.gate
}

// Run creates a task from a planning spec and drives it until it reaches a
// terminal phase or an error stops it.
func (o *Orchestrator) Run(ctx context.Context, specPath string, numApproaches int) (*task.Task, error) {
	if numApproaches <= 0 {
		numApproaches = o.cfg.Pipeline.DefaultApproaches
	}

	content, err := os.ReadFile(specPath)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("cannot read planning spec: %v", err)).
			WithField("spec").
			WithValue(specPath)
	}

	t := task.New(specPath, string(content), numApproaches, time.Now().UTC())
	if err := o.save(t); err != nil {
		return nil, err
	}
	o.timeline(t, fmt.Sprintf("task created from %s with %d approaches", specPath, numApproaches))

	return t, o.execute(ctx, t)
}

// Resume re-enters a persisted task at its saved phase. With identical
// worker responses the result is the same as an uninterrupted run.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (*task.Task, error) {
	t, err := o.Load(taskID)
	if err != nil {
		return nil, err
	}
	if t.Phase.IsTerminal() {
		return t, errors.Wrapf(errors.ErrTaskTerminal, "task %s is already %s", taskID, t.Phase)
	}
	o.timeline(t, fmt.Sprintf("resuming in phase %s", t.Phase))
	return t, o.execute(ctx, t)
}

// Load reads a task manifest.
func (o *Orchestrator) Load(taskID string) (*task.Task, error) {
	data, err := o.store.LoadManifest(taskID)
	if err != nil {
		return nil, err
	}
	return task.Unmarshal(data)
}

// List returns all live task ids, oldest first.
func (o *Orchestrator) List() ([]string, error) {
	return o.store.ListTaskIDs()
}

// Abort ends a task from outside the driving process. When the task is
// paused at a gate the abort is delivered as a decision; when no process
// holds the lock the manifest is marked aborted directly. A live driving
// process that is not at a gate keeps the lock and the abort is refused.
func (o *Orchestrator) Abort(taskID, reason string) error {
	t, err := o.Load(taskID)
	if err != nil {
		return err
	}
	if t.Phase.IsTerminal() {
		return errors.Wrapf(errors.ErrTaskTerminal, "task %s is already %s", taskID, t.Phase)
	}

	// Paused at a gate: the waiting process consumes the abort decision.
	if req, _ := o.gate.Outstanding(taskID); req != nil {
		return o.gate.Resolve(taskID, &checkpoint.Decision{Action: checkpoint.ActionAbort, Reason: reason}, nil)
	}

	handle, err := o.locks.Acquire(taskID)
	if err != nil {
		return err
	}
	defer handle.Release()

	// Re-read under the lock.
	t, err = o.Load(taskID)
	if err != nil {
		return err
	}
	if err := t.Abort(reason); err != nil {
		return err
	}
	o.releaseWorkspaces(t, true)
	if err := o.save(t); err != nil {
		return err
	}
	o.timeline(t, "aborted: "+reason)
	o.publish(event.NewTaskCompletedEvent(t.ID, false, 0, t.Error))
	return nil
}

// execute drives the phase loop under the task lock.
func (o *Orchestrator) execute(ctx context.Context, t *task.Task) error {
	handle, err := o.locks.Acquire(t.ID)
	if err != nil {
		return err
	}
	defer handle.Release()

	log := o.logger.WithTask(t.ID)

	for !t.Phase.IsTerminal() {
		// An interrupted run is left in its current phase for Resume, not
		// failed: the manifest on disk is already consistent.
		if ctx.Err() != nil {
			o.timeline(t, "interrupted; resume to continue")
			return errors.Wrapf(errors.ErrCanceled, "task %s", t.ID)
		}

		phase := t.Phase
		log.Info("entering phase", "phase", phase.String())

		var phaseErr error
		switch phase {
		case task.PhaseValidate:
			phaseErr = o.validate(t)
		case task.PhaseAcquireBase:
			phaseErr = o.acquireBase(t)
		case task.PhasePlan:
			phaseErr = o.plan(ctx, t)
		case task.PhaseCheckpoint:
			phaseErr = o.checkpointPhase(ctx, t)
		case task.PhaseImplement:
			phaseErr = o.implement(ctx, t)
		case task.PhaseReviewAndTest:
			phaseErr = o.reviewAndTest(ctx, t)
		case task.PhaseCompare:
			phaseErr = o.compare(ctx, t)
		case task.PhaseSelect:
			phaseErr = o.selectWinner(ctx, t)
		default:
			phaseErr = errors.NewStateError("task", phase.String(), "unknown")
		}

		if phaseErr != nil {
			if t.Phase.IsTerminal() {
				// The phase already settled the task (abort via decision).
				break
			}
			if errors.Is(phaseErr, errors.ErrCanceled) {
				o.timeline(t, "interrupted; resume to continue")
				return phaseErr
			}
			t.Fail(phase, phaseErr.Error())
			o.releaseWorkspaces(t, true)
			o.save(t)
			o.timeline(t, fmt.Sprintf("failed in %s: %v", phase, phaseErr))
			o.publish(event.NewTaskCompletedEvent(t.ID, false, 0, t.Error))
			return phaseErr
		}
	}

	if t.Phase == task.PhaseDone {
		o.publish(event.NewTaskCompletedEvent(t.ID, true, t.Winner, ""))
	} else {
		o.publish(event.NewTaskCompletedEvent(t.ID, false, 0, t.Error))
	}
	return nil
}

// transition moves the task to a new phase, persists, and announces it.
func (o *Orchestrator) transition(t *task.Task, to task.Phase) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	from := t.Phase
	if err := t.Transition(to); err != nil {
		return err
	}
	if err := o.saveLocked(t); err != nil {
		return err
	}
	o.timeline(t, fmt.Sprintf("phase %s -> %s", from, to))
	o.publish(event.NewPhaseChangedEvent(t.ID, from.String(), to.String()))
	return nil
}

// setUnitState transitions a unit, persists, and announces it. Safe to call
// from unit goroutines.
func (o *Orchestrator) setUnitState(t *task.Task, unitID int, to task.UnitState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, err := t.Unit(unitID)
	if err != nil {
		return err
	}
	from := a.State
	if err := t.TransitionUnit(unitID, to); err != nil {
		return err
	}
	if err := o.saveLocked(t); err != nil {
		return err
	}
	o.timeline(t, fmt.Sprintf("unit %d: %s -> %s", unitID, from, to))
	o.publish(event.NewUnitStateChangedEvent(t.ID, unitID, from.String(), to.String(), ""))
	return nil
}

// failUnit marks a unit failed, persists, and announces it.
func (o *Orchestrator) failUnit(t *task.Task, unitID int, stage string, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a, err := t.Unit(unitID)
	if err != nil {
		return
	}
	from := a.State
	if err := t.FailUnit(unitID, stage, cause.Error(), errors.Classify(cause)); err != nil {
		o.logger.Warn("could not mark unit failed",
			"task_id", t.ID, "unit_id", unitID, "error", err.Error())
		return
	}
	o.saveLocked(t)
	o.timeline(t, fmt.Sprintf("unit %d failed in %s: %v", unitID, stage, cause))
	o.publish(event.NewUnitStateChangedEvent(t.ID, unitID, from.String(), string(task.UnitFailed), cause.Error()))
}

// mutate applies a manifest change under the writer lock and persists it.
func (o *Orchestrator) mutate(t *task.Task, fn func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn()
	t.UpdatedAt = time.Now()
	return o.saveLocked(t)
}

func (o *Orchestrator) save(t *task.Task) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.saveLocked(t)
}

func (o *Orchestrator) saveLocked(t *task.Task) error {
	data, err := task.Marshal(t)
	if err != nil {
		return err
	}
	return o.store.SaveManifest(t.ID, data)
}

func (o *Orchestrator) timeline(t *task.Task, entry string) {
	if err := o.store.AppendTimeline(t.ID, entry); err != nil {
		o.logger.Warn("timeline append failed", "task_id", t.ID, "error", err.Error())
	}
}

func (o *Orchestrator) publish(e event.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

// releaseWorkspaces releases every unit workspace. The winner's workspace
// is always kept; on abort everything is kept for inspection.
func (o *Orchestrator) releaseWorkspaces(t *task.Task, keepAll bool) {
	for _, a := range t.Approaches {
		if a.Workspace == nil || a.Workspace.Kept {
			continue
		}
		keep := keepAll || a.ID == t.Winner
		ws := &workspace.Workspace{Path: a.Workspace.Path, Branch: a.Workspace.Branch, BaseRef: t.BaseRef}
		if err := o.ws.Release(ws, keep); err != nil {
			o.logger.Warn("workspace release failed",
				"task_id", t.ID, "unit_id", a.ID, "error", err.Error())
			continue
		}
		if keep {
			a.Workspace.Kept = true
		} else {
			a.Workspace = nil
		}
		o.publish(event.NewWorkspaceReleasedEvent(t.ID, a.ID, keep))
	}
}

// saveTranscript stores raw worker output for later inspection.
func (o *Orchestrator) saveTranscript(t *task.Task, stage string, unitID int, attempt int, output string) {
	name := fmt.Sprintf("%s-u%d-attempt%d.log", stage, unitID, attempt)
	if err := o.store.SaveTranscript(t.ID, name, []byte(output)); err != nil {
		o.logger.Warn("transcript save failed", "task_id", t.ID, "name", name, "error", err.Error())
	}
}

// planningDigest builds the inline digest for the checkpoint request and
// persists the full-length reference document beside the task.
func (o *Orchestrator) planningDigest(t *task.Task) string {
	pending := t.InState(task.UnitPending)
	digest := summary.PlanningDigest(pending, o.cfg.Summary.InlineBudgetRunes)

	var full strings.Builder
	for _, a := range pending {
		fmt.Fprintf(&full, "## Approach %d: %s\n\n%s\n\n", a.ID, a.Design.Name, a.Design.Rationale)
		for _, d := range a.Design.KeyDecisions {
			fmt.Fprintf(&full, "- %s\n", d)
		}
		for _, to := range a.Design.TradeOffs {
			fmt.Fprintf(&full, "- trade-off: %s\n", to)
		}
		full.WriteString("\n")
	}
	if err := o.store.SaveReference(t.ID, "planning-digest.md", []byte(full.String())); err != nil {
		o.logger.Warn("reference save failed", "task_id", t.ID, "error", err.Error())
	}
	return digest
}

// evaluationReference persists the aggregated evaluation document for all
// units after review and test.
func (o *Orchestrator) evaluationReference(t *task.Task) {
	var full strings.Builder
	for _, a := range t.NonRejected() {
		fmt.Fprintf(&full, "## Unit %d (%s)\n\n%s\n\n", a.ID, a.State,
			summary.EvaluationDigest(a.Review, a.TestResult, o.cfg.Summary.InlineBudgetRunes))
	}
	if err := o.store.SaveReference(t.ID, "evaluation.md", []byte(full.String())); err != nil {
		o.logger.Warn("reference save failed", "task_id", t.ID, "error", err.Error())
	}
}
