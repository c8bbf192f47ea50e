package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nshotdev/nshot/internal/checkpoint"
	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/event"
	"github.com/nshotdev/nshot/internal/summary"
	"github.com/nshotdev/nshot/internal/task"
	"github.com/nshotdev/nshot/internal/worker"
	"github.com/nshotdev/nshot/internal/workspace"
)

// maxApproaches bounds the fan-out width.
const maxApproaches = 10

// validate checks the task's inputs before any work starts.
func (o *Orchestrator) validate(t *task.Task) error {
	if strings.TrimSpace(t.SpecContent) == "" {
		return errors.NewValidationError("planning spec is empty").
			WithField("spec").
			WithValue(t.SpecPath)
	}
	if t.NumApproaches < 1 || t.NumApproaches > maxApproaches {
		return errors.NewValidationError(
			fmt.Sprintf("approaches must be between 1 and %d, got %d", maxApproaches, t.NumApproaches)).
			WithField("approaches").
			WithValue(t.NumApproaches)
	}
	return o.transition(t, task.PhaseAcquireBase)
}

// acquireBase snapshots the base repository all unit branches start from.
func (o *Orchestrator) acquireBase(t *task.Task) error {
	ref, err := o.ws.EnsureBase()
	if err != nil {
		return err
	}
	if err := o.mutate(t, func() {
		t.BaseRepo = o.ws.RepoDir()
		t.BaseRef = ref
	}); err != nil {
		return err
	}
	o.timeline(t, fmt.Sprintf("base acquired at %s", ref))
	return o.transition(t, task.PhasePlan)
}

// plan runs exactly one planning call covering every unit that needs a
// design: all of them on the first round, only the revised ones afterwards.
func (o *Orchestrator) plan(ctx context.Context, t *task.Task) error {
	feedback := make(map[int]string)
	var unitIDs []int
	for _, a := range t.NonRejected() {
		switch a.State {
		case task.UnitInRevision:
			feedback[a.ID] = a.Feedback
			unitIDs = append(unitIDs, a.ID)
		case task.UnitPending:
			if a.Design.Name == "" {
				unitIDs = append(unitIDs, a.ID)
			}
		}
	}
	if len(unitIDs) == 0 {
		// Resumed after planning finished; nothing to re-plan.
		return o.transition(t, task.PhaseCheckpoint)
	}

	pws, err := o.ws.Acquire(t.ID, 0, t.BaseRef)
	if err != nil {
		return err
	}
	defer func() {
		if err := o.ws.Release(pws, false); err != nil {
			o.logger.Warn("planning workspace release failed", "task_id", t.ID, "error", err.Error())
		}
	}()

	res, err := o.invoker.Invoke(ctx, worker.Request{
		TaskID:  t.ID,
		UnitID:  0,
		Stage:   "plan",
		Prompt:  buildPlanPrompt(t.SpecContent, unitIDs, feedback),
		Dir:     pws.Path,
		Timeout: o.cfg.Worker.PlanTimeout(),
	})
	if err != nil {
		return err
	}
	o.saveTranscript(t, "plan", 0, res.Attempts, res.Output)

	var artifact PlanArtifact
	if err := parseArtifactFile(pws.Path, PlanFileName, &artifact); err != nil {
		return err
	}
	removeArtifact(pws.Path, PlanFileName)

	entries := make(map[int]PlanEntry, len(artifact.Approaches))
	for _, entry := range artifact.Approaches {
		entries[entry.UnitID] = entry
	}

	planned := 0
	for _, id := range unitIDs {
		entry, ok := entries[id]
		if !ok || entry.Name == "" {
			o.failUnit(t, id, "plan",
				errors.NewValidationError(fmt.Sprintf("plan artifact has no design for unit %d", id)))
			continue
		}
		a, err := t.Unit(id)
		if err != nil {
			return err
		}
		if err := o.mutate(t, func() { a.Design = entry.toDesign() }); err != nil {
			return err
		}
		if a.State == task.UnitInRevision {
			if err := o.setUnitState(t, id, task.UnitPending); err != nil {
				return err
			}
		}
		planned++
	}
	if planned == 0 {
		return errors.Wrapf(errors.ErrArtifactMalformed,
			"plan artifact covered none of the requested units")
	}
	return o.transition(t, task.PhaseCheckpoint)
}

// checkpointPhase pauses the pipeline on a durable gate until the operator
// decides what happens to the pending designs.
func (o *Orchestrator) checkpointPhase(ctx context.Context, t *task.Task) error {
	eligible := unitIDs(t.InState(task.UnitPending))
	if len(eligible) == 0 {
		// Resumed after the decision was applied.
		if len(t.InState(task.UnitApproved)) > 0 {
			return o.transition(t, task.PhaseImplement)
		}
		if len(t.InState(task.UnitInRevision)) > 0 {
			return o.transition(t, task.PhasePlan)
		}
		return errors.Wrapf(errors.ErrDecisionInvalid, "no units awaiting or cleared by a decision")
	}

	requestID, err := o.ensureGateRequest(t, "plan", o.planningDigest(t), eligible)
	if err != nil {
		return err
	}

	decision, err := o.gate.AwaitDecision(ctx, t.ID, requestID, eligible)
	if err != nil {
		return err
	}

	if decision.Action == checkpoint.ActionAbort {
		return o.settleAbort(t, decision.Reason)
	}
	if err := o.applyDecision(t, decision, eligible); err != nil {
		return err
	}
	if err := o.mutate(t, func() { t.Checkpoint = nil }); err != nil {
		return err
	}

	if decision.Action == checkpoint.ActionRevise {
		return o.transition(t, task.PhasePlan)
	}
	if len(t.InState(task.UnitApproved)) == 0 {
		return errors.NewValidationError("decision left no units approved to build")
	}
	return o.transition(t, task.PhaseImplement)
}

// applyDecision maps a gate decision onto unit states.
func (o *Orchestrator) applyDecision(t *task.Task, decision *checkpoint.Decision, eligible []int) error {
	listed := make(map[int]bool, len(decision.UnitIDs))
	for _, id := range decision.UnitIDs {
		listed[id] = true
	}

	switch decision.Action {
	case checkpoint.ActionApproveAll:
		for _, id := range eligible {
			if err := o.setUnitState(t, id, task.UnitApproved); err != nil {
				return err
			}
		}
	case checkpoint.ActionApproveSubset:
		for _, id := range eligible {
			to := task.UnitRejected
			if listed[id] {
				to = task.UnitApproved
			}
			if err := o.setUnitState(t, id, to); err != nil {
				return err
			}
		}
	case checkpoint.ActionRejectSubset:
		for _, id := range eligible {
			to := task.UnitApproved
			if listed[id] {
				to = task.UnitRejected
			}
			if err := o.setUnitState(t, id, to); err != nil {
				return err
			}
		}
	case checkpoint.ActionRevise:
		targets := decision.UnitIDs
		if len(targets) == 0 {
			targets = eligible
		}
		for _, id := range targets {
			a, err := t.Unit(id)
			if err != nil {
				return err
			}
			if err := o.mutate(t, func() { a.Feedback = decision.FeedbackFor(id) }); err != nil {
				return err
			}
			if err := o.setUnitState(t, id, task.UnitInRevision); err != nil {
				return err
			}
		}
	default:
		return errors.Wrapf(errors.ErrDecisionInvalid, "action %q at the plan gate", decision.Action)
	}
	return nil
}

// implement fans approved units out into isolated workspaces. Unit failures
// stay on the unit; the phase fails only when nothing survives.
func (o *Orchestrator) implement(ctx context.Context, t *task.Task) error {
	// Units an interrupted run left mid-build are picked back up alongside
	// the freshly approved ones.
	units := append(t.InState(task.UnitApproved), t.InState(task.UnitImplementing)...)

	var wg sync.WaitGroup
	for _, a := range units {
		wg.Add(1)
		go func(a *task.Approach) {
			defer wg.Done()
			o.implementUnit(ctx, t, a)
		}(a)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return errors.Wrapf(errors.ErrCanceled, "implementation interrupted")
	}
	if len(t.InState(task.UnitReviewingTesting)) == 0 {
		return fmt.Errorf("every unit failed during implementation")
	}
	return o.transition(t, task.PhaseReviewAndTest)
}

func (o *Orchestrator) implementUnit(ctx context.Context, t *task.Task, a *task.Approach) {
	ws, err := o.unitWorkspace(t, a)
	if err != nil {
		o.failUnit(t, a.ID, "implement", err)
		return
	}
	if a.State != task.UnitImplementing {
		if err := o.setUnitState(t, a.ID, task.UnitImplementing); err != nil {
			o.failUnit(t, a.ID, "implement", err)
			return
		}
		if err := o.mutate(t, func() { a.StartedAt = time.Now().UTC() }); err != nil {
			o.failUnit(t, a.ID, "implement", err)
			return
		}
	}

	res, err := o.invoker.Invoke(ctx, worker.Request{
		TaskID:  t.ID,
		UnitID:  a.ID,
		Stage:   "implement",
		Prompt:  buildImplementPrompt(t.SpecContent, a, o.cfg.Summary.InlineBudgetRunes),
		Dir:     ws.Path,
		Timeout: o.cfg.Worker.ImplementTimeout(),
	})
	if err != nil {
		// Interrupted units stay in their state for resume.
		if !errors.Is(err, errors.ErrCanceled) {
			o.failUnit(t, a.ID, "implement", err)
		}
		return
	}
	o.saveTranscript(t, "implement", a.ID, res.Attempts, res.Output)

	var impl ImplementationArtifact
	if err := parseArtifactFile(ws.Path, ImplementationFileName, &impl); err != nil {
		o.failUnit(t, a.ID, "implement", err)
		return
	}
	removeArtifact(ws.Path, ImplementationFileName)

	if impl.Status == "failed" {
		o.failUnit(t, a.ID, "implement", fmt.Errorf("worker reported failure: %s", impl.Summary))
		return
	}

	if err := o.ws.CommitAll(ws, fmt.Sprintf("unit %d implementation", a.ID)); err != nil {
		o.logger.Warn("commit failed", "task_id", t.ID, "unit_id", a.ID, "error", err.Error())
	}
	stat, err := o.ws.DiffStat(ws)
	if err != nil {
		o.logger.Warn("diff stat failed", "task_id", t.ID, "unit_id", a.ID, "error", err.Error())
	}

	summaryText := impl.Summary
	if impl.Notes != "" {
		summaryText += "\n" + impl.Notes
	}
	if err := o.mutate(t, func() {
		a.ImplementationSummary = summaryText
		if stat != nil {
			a.ChangeStat = &task.ChangeStat{
				FilesChanged: stat.FilesChanged,
				Insertions:   stat.Insertions,
				Deletions:    stat.Deletions,
			}
		}
	}); err != nil {
		o.failUnit(t, a.ID, "implement", err)
		return
	}

	if err := o.setUnitState(t, a.ID, task.UnitReviewingTesting); err != nil {
		o.failUnit(t, a.ID, "implement", err)
	}
}

// unitWorkspace returns the unit's workspace, reusing a persisted one on
// resume and acquiring a fresh one otherwise.
func (o *Orchestrator) unitWorkspace(t *task.Task, a *task.Approach) (*workspace.Workspace, error) {
	if a.Workspace != nil {
		return &workspace.Workspace{
			Path:    a.Workspace.Path,
			Branch:  a.Workspace.Branch,
			BaseRef: t.BaseRef,
		}, nil
	}
	ws, err := o.ws.Acquire(t.ID, a.ID, t.BaseRef)
	if err != nil {
		return nil, err
	}
	if err := o.mutate(t, func() {
		a.Workspace = &task.WorkspaceRef{Path: ws.Path, Branch: ws.Branch}
	}); err != nil {
		return nil, err
	}
	o.publish(event.NewWorkspaceAcquiredEvent(t.ID, a.ID, ws.Path, ws.Branch))
	return ws, nil
}

// reviewAndTest runs the review and test stages for every built unit, up to
// two worker calls per unit through the same bounded pool.
func (o *Orchestrator) reviewAndTest(ctx context.Context, t *task.Task) error {
	units := t.InState(task.UnitReviewingTesting)

	var wg sync.WaitGroup
	for _, a := range units {
		wg.Add(1)
		go func(a *task.Approach) {
			defer wg.Done()
			o.reviewAndTestUnit(ctx, t, a)
		}(a)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return errors.Wrapf(errors.ErrCanceled, "review interrupted")
	}

	o.evaluationReference(t)

	survivors := t.Survivors()
	switch len(survivors) {
	case 0:
		return fmt.Errorf("every unit failed before selection")
	case 1:
		// Compare and select are skipped with a single survivor.
		if err := o.mutate(t, func() { t.Winner = survivors[0].ID }); err != nil {
			return err
		}
		o.timeline(t, fmt.Sprintf("unit %d auto-selected as the only survivor", survivors[0].ID))
		o.releaseWorkspaces(t, false)
		return o.transition(t, task.PhaseDone)
	default:
		return o.transition(t, task.PhaseCompare)
	}
}

func (o *Orchestrator) reviewAndTestUnit(ctx context.Context, t *task.Task, a *task.Approach) {
	ws := &workspace.Workspace{Path: a.Workspace.Path, Branch: a.Workspace.Branch, BaseRef: t.BaseRef}

	res, err := o.invoker.Invoke(ctx, worker.Request{
		TaskID:  t.ID,
		UnitID:  a.ID,
		Stage:   "review",
		Prompt:  buildReviewPrompt(t.SpecContent, a, o.cfg.Summary.InlineBudgetRunes),
		Dir:     ws.Path,
		Timeout: o.cfg.Worker.ReviewTimeout(),
	})
	if err != nil {
		if !errors.Is(err, errors.ErrCanceled) {
			o.failUnit(t, a.ID, "review", err)
		}
		return
	}
	o.saveTranscript(t, "review", a.ID, res.Attempts, res.Output)

	var review ReviewArtifact
	if err := parseArtifactFile(ws.Path, ReviewFileName, &review); err != nil {
		// A lost review artifact degrades the digest, not the unit.
		o.logger.Warn("review artifact unusable", "task_id", t.ID, "unit_id", a.ID, "error", err.Error())
	} else {
		removeArtifact(ws.Path, ReviewFileName)
		if err := o.mutate(t, func() { a.Review = review.toReview() }); err != nil {
			o.failUnit(t, a.ID, "review", err)
			return
		}
	}

	res, err = o.invoker.Invoke(ctx, worker.Request{
		TaskID:  t.ID,
		UnitID:  a.ID,
		Stage:   "test",
		Prompt:  buildTestPrompt(a, o.cfg.Summary.InlineBudgetRunes),
		Dir:     ws.Path,
		Timeout: o.cfg.Worker.ReviewTimeout(),
	})
	if err != nil {
		if !errors.Is(err, errors.ErrCanceled) {
			o.failUnit(t, a.ID, "test", err)
		}
		return
	}
	o.saveTranscript(t, "test", a.ID, res.Attempts, res.Output)

	var tests TestsArtifact
	if err := parseArtifactFile(ws.Path, TestsFileName, &tests); err != nil {
		o.logger.Warn("test artifact unusable", "task_id", t.ID, "unit_id", a.ID, "error", err.Error())
	} else {
		removeArtifact(ws.Path, TestsFileName)
		if err := o.mutate(t, func() {
			a.TestResult = tests.toTestResult()
			a.FinishedAt = time.Now().UTC()
		}); err != nil {
			o.failUnit(t, a.ID, "test", err)
			return
		}
	}

	if err := o.setUnitState(t, a.ID, task.UnitCompleted); err != nil {
		o.failUnit(t, a.ID, "test", err)
	}
}

// compare runs one worker call ranking all survivors. A worker failure
// fails the task; an unparsable verdict only loses the rankings, selection
// still happens.
func (o *Orchestrator) compare(ctx context.Context, t *task.Task) error {
	survivors := t.Survivors()

	res, err := o.invoker.Invoke(ctx, worker.Request{
		TaskID:  t.ID,
		UnitID:  0,
		Stage:   "compare",
		Prompt:  buildComparePrompt(t.SpecContent, survivors, o.cfg.Summary.UnitDigestRunes),
		Dir:     t.BaseRepo,
		Timeout: o.cfg.Worker.CompareTimeout(),
	})
	if err != nil {
		return err
	}
	o.saveTranscript(t, "compare", 0, res.Attempts, res.Output)

	artifact, err := parseComparisonOutput(res.Output)
	if err != nil {
		o.logger.Warn("comparison verdict unusable, selection proceeds without rankings",
			"task_id", t.ID, "error", err.Error())
	} else {
		if err := o.mutate(t, func() { t.Comparison = artifact.toComparison() }); err != nil {
			return err
		}
	}
	return o.transition(t, task.PhaseSelect)
}

// selectWinner pauses on a second durable gate until the operator picks a
// unit, or picks automatically when only one survivor remains.
func (o *Orchestrator) selectWinner(ctx context.Context, t *task.Task) error {
	survivors := t.Survivors()
	if len(survivors) == 0 {
		return fmt.Errorf("no completed units to select from")
	}
	if len(survivors) == 1 {
		if err := o.mutate(t, func() { t.Winner = survivors[0].ID }); err != nil {
			return err
		}
		o.releaseWorkspaces(t, false)
		return o.transition(t, task.PhaseDone)
	}

	eligible := unitIDs(survivors)
	requestID, err := o.ensureGateRequest(t, "select", o.selectionDigest(t), eligible)
	if err != nil {
		return err
	}

	decision, err := o.gate.AwaitDecision(ctx, t.ID, requestID, eligible)
	if err != nil {
		return err
	}
	if decision.Action == checkpoint.ActionAbort {
		return o.settleAbort(t, decision.Reason)
	}
	if decision.Action != checkpoint.ActionSelect {
		return errors.Wrapf(errors.ErrDecisionInvalid, "action %q at the select gate", decision.Action)
	}

	winner := decision.UnitIDs[0]
	if err := o.mutate(t, func() {
		t.Winner = winner
		t.Checkpoint = nil
	}); err != nil {
		return err
	}
	o.timeline(t, fmt.Sprintf("unit %d selected", winner))
	o.releaseWorkspaces(t, false)
	return o.transition(t, task.PhaseDone)
}

// ensureGateRequest writes a gate request, reusing the persisted one when
// resuming a run that was already paused.
func (o *Orchestrator) ensureGateRequest(t *task.Task, phase, digest string, eligible []int) (string, error) {
	if t.Checkpoint != nil && t.Checkpoint.Phase == phase {
		if req, err := o.gate.Outstanding(t.ID); err == nil && req != nil && req.RequestID == t.Checkpoint.RequestID {
			return req.RequestID, nil
		}
		// The persisted request vanished; fall through and re-request.
	}

	round := t.CheckpointRound + 1
	req, err := o.gate.Request(t.ID, phase, round, digest, eligible)
	if err != nil {
		if errors.Is(err, errors.ErrCheckpointPending) {
			if existing, oerr := o.gate.Outstanding(t.ID); oerr == nil && existing != nil {
				req = existing
			} else {
				return "", err
			}
		} else {
			return "", err
		}
	}

	if err := o.mutate(t, func() {
		t.Checkpoint = &task.CheckpointRef{
			RequestID:   req.RequestID,
			Phase:       phase,
			RequestedAt: req.RequestedAt,
		}
		t.CheckpointRound = round
	}); err != nil {
		return "", err
	}
	o.timeline(t, fmt.Sprintf("%s gate requested (round %d)", phase, round))
	return req.RequestID, nil
}

// settleAbort applies an abort decision received at a gate.
func (o *Orchestrator) settleAbort(t *task.Task, reason string) error {
	if reason == "" {
		reason = "operator abort"
	}
	o.mu.Lock()
	if err := t.Abort(reason); err != nil {
		o.mu.Unlock()
		return err
	}
	t.Checkpoint = nil
	o.saveLocked(t)
	o.mu.Unlock()

	o.releaseWorkspaces(t, true)
	o.save(t)
	o.timeline(t, "aborted: "+reason)
	return nil
}

// selectionDigest summarizes the comparison for the select gate request.
func (o *Orchestrator) selectionDigest(t *task.Task) string {
	if t.Comparison == nil {
		return summary.Unavailable
	}
	var b strings.Builder
	b.WriteString(t.Comparison.Summary)
	for _, r := range t.Comparison.Rankings {
		fmt.Fprintf(&b, "\nunit %d: %.1f", r.UnitID, r.Score)
		if r.Weakness != "" {
			fmt.Fprintf(&b, " (%s)", r.Weakness)
		}
	}
	if t.Comparison.Recommended != 0 {
		fmt.Fprintf(&b, "\nrecommended: unit %d", t.Comparison.Recommended)
	}
	return summary.Truncate(b.String(), o.cfg.Summary.InlineBudgetRunes)
}

func unitIDs(units []*task.Approach) []int {
	ids := make([]int, len(units))
	for i, a := range units {
		ids[i] = a.ID
	}
	return ids
}
