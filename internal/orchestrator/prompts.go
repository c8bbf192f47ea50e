package orchestrator

import (
	"fmt"
	"strings"

	"github.com/nshotdev/nshot/internal/summary"
	"github.com/nshotdev/nshot/internal/task"
)

// planPromptTemplate asks for N independent designs in one call.
const planPromptTemplate = `You are planning %d independent approaches to the same problem. Each
approach will later be implemented by a separate worker in its own isolated
workspace, so the designs must be genuinely different, not variations of one
idea.

## Planning Spec
%s
%s
## Output Requirement

Write the file ` + "`" + PlanFileName + "`" + ` in your working directory as your FINAL
action. The orchestration system waits for this file; without it your
planning is discarded.

Required JSON structure:
` + "```json" + `
{
  "approaches": [
    {
      "unit_id": 1,
      "name": "Short approach name",
      "rationale": "Why this approach and when it wins",
      "key_decisions": ["decision 1", "decision 2"],
      "trade_offs": ["trade-off 1"],
      "complexity": "low|medium|high"
    }
  ]
}
` + "```" + `

Rules:
- Produce exactly one entry per requested unit id: %s
- Designs must be independently implementable from the spec plus the entry alone
- State constraints and risks explicitly; reviewers act on them`

// implementPromptTemplate drives one unit's build inside its workspace.
const implementPromptTemplate = `You are implementing one of several candidate approaches to the same
problem. Work only inside this directory; other candidates run in their own
workspaces and must not be consulted or coordinated with.

## Planning Spec
%s

## Your Approach (unit %d)
%s

## Completion File Requirement

YOUR WORK IS NOT COMPLETE UNTIL YOU WRITE ` + "`" + ImplementationFileName + "`" + ` in the
workspace root. Write it as your FINAL action, even on failure.

Required JSON structure:
` + "```json" + `
{
  "status": "complete",
  "summary": "What you built and how it works",
  "notes": "Warnings, constraints, or known limitations"
}
` + "```" + `

Set status to "failed" if you could not finish; explain why in summary.`

// reviewPromptTemplate evaluates one unit's implementation.
const reviewPromptTemplate = `You are reviewing one candidate implementation. Judge the code in this
workspace on correctness, clarity, and how faithfully it follows its design.

## Planning Spec
%s

## Design Under Review (unit %d)
%s

## Implementation Summary
%s

Write ` + "`" + ReviewFileName + "`" + ` in the workspace root as your FINAL action:
` + "```json" + `
{
  "score": 7.5,
  "summary": "One-paragraph verdict",
  "issues": [
    {"severity": "critical|major|minor", "description": "..."}
  ]
}
` + "```" + `
Score is 0-10. Every critical or major issue must be concrete and located.`

// testPromptTemplate runs and reports the unit's tests.
const testPromptTemplate = `Run the test suite for the implementation in this workspace and report the
results. Fix nothing; only measure.

## What Was Built (unit %d)
%s

Write ` + "`" + TestsFileName + "`" + ` in the workspace root as your FINAL action:
` + "```json" + `
{
  "passed": 12,
  "failed": 0,
  "skipped": 1,
  "all_green": true,
  "output": "Trimmed test runner output"
}
` + "```" + ``

// comparePromptTemplate ranks the surviving units.
const comparePromptTemplate = `You are comparing %d surviving candidate implementations of the same
planning spec. Each was built, reviewed, and tested independently; their
branches are listed below for inspection.

## Planning Spec
%s

## Candidates
%s

## Output

End your reply with the verdict wrapped in tags, exactly:
<comparison>
{
  "summary": "How the candidates differ and which trade-offs matter",
  "recommended": 2,
  "rankings": [
    {"unit_id": 1, "score": 7, "strengths": "...", "weakness": "..."},
    {"unit_id": 2, "score": 8, "strengths": "...", "weakness": "..."}
  ]
}
</comparison>

recommended is the unit id you would ship. Rank every candidate.`

func buildPlanPrompt(spec string, unitIDs []int, feedback map[int]string) string {
	ids := make([]string, len(unitIDs))
	for i, id := range unitIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}

	var feedbackBlock string
	if len(feedback) > 0 {
		var b strings.Builder
		b.WriteString("\n## Revision Feedback\n")
		b.WriteString("These units were planned before and sent back. Address the feedback:\n")
		for _, id := range unitIDs {
			if fb, ok := feedback[id]; ok && fb != "" {
				fmt.Fprintf(&b, "- unit %d: %s\n", id, fb)
			}
		}
		feedbackBlock = b.String()
	}

	return fmt.Sprintf(planPromptTemplate, len(unitIDs), spec, feedbackBlock, strings.Join(ids, ", "))
}

func buildImplementPrompt(spec string, a *task.Approach, inlineBudget int) string {
	return fmt.Sprintf(implementPromptTemplate, spec, a.ID, designBlock(a, inlineBudget))
}

func buildReviewPrompt(spec string, a *task.Approach, inlineBudget int) string {
	return fmt.Sprintf(reviewPromptTemplate, spec, a.ID,
		designBlock(a, inlineBudget),
		summary.ImplementationDigest(a.ImplementationSummary, a.ChangeStat, inlineBudget))
}

func buildTestPrompt(a *task.Approach, inlineBudget int) string {
	return fmt.Sprintf(testPromptTemplate, a.ID,
		summary.ImplementationDigest(a.ImplementationSummary, a.ChangeStat, inlineBudget))
}

func buildComparePrompt(spec string, survivors []*task.Approach, unitBudget int) string {
	var b strings.Builder
	for _, a := range survivors {
		b.WriteString(summary.UnitDigest(a, unitBudget))
		if a.Workspace != nil {
			fmt.Fprintf(&b, "\nbranch: %s\nworkspace: %s", a.Workspace.Branch, a.Workspace.Path)
		}
		b.WriteString("\n\n")
	}
	return fmt.Sprintf(comparePromptTemplate, len(survivors), spec, strings.TrimSpace(b.String()))
}

func designBlock(a *task.Approach, budget int) string {
	d := a.Design
	if d.Name == "" {
		return summary.Unavailable
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", d.Name, d.Rationale)
	for _, kd := range d.KeyDecisions {
		fmt.Fprintf(&b, "- %s\n", kd)
	}
	for _, to := range d.TradeOffs {
		fmt.Fprintf(&b, "- trade-off: %s\n", to)
	}
	if a.Feedback != "" {
		fmt.Fprintf(&b, "\nRevision feedback already incorporated: %s\n", a.Feedback)
	}
	return summary.Truncate(strings.TrimRight(b.String(), "\n"), budget)
}
