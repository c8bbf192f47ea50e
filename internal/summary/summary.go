// Package summary builds the budgeted context digests that flow between
// pipeline stages. Every digest has two tiers: the inline tier fits a fixed
// rune budget and travels in prompts, while the full source text is kept as
// a reference document next to the task. Missing inputs never block a
// stage; they show up as an "(unavailable)" placeholder instead.
package summary

import (
	"fmt"
	"strings"

	"github.com/nshotdev/nshot/internal/task"
)

// Unavailable is the placeholder for inputs a stage could not produce.
const Unavailable = "(unavailable)"

// truncationMarker ends a digest that was cut to fit its budget.
const truncationMarker = " […]"

// keywords mark lines worth keeping when a digest must shrink.
var keywords = []string{
	"must",
	"warning",
	"constraint",
	"risk",
	"caution",
	"note that",
	"limitation",
}

// Truncate cuts s to at most budget runes, never splitting a rune, and
// marks the cut. Budgets smaller than the marker return a bare prefix.
func Truncate(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}

	marker := []rune(truncationMarker)
	if budget <= len(marker) {
		return string(runes[:budget])
	}
	return string(runes[:budget-len(marker)]) + string(marker)
}

// ImportantLines returns the lines of text containing a signal keyword,
// in their original order, capped at max lines.
func ImportantLines(text string, max int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				out = append(out, trimmed)
				break
			}
		}
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// PlanningDigest condenses every non-rejected design into one budgeted
// block for the checkpoint request and downstream prompts.
func PlanningDigest(approaches []*task.Approach, budget int) string {
	if len(approaches) == 0 {
		return Unavailable
	}

	var b strings.Builder
	for _, a := range approaches {
		if a.Design.Name == "" {
			fmt.Fprintf(&b, "Approach %d: %s\n", a.ID, Unavailable)
			continue
		}
		fmt.Fprintf(&b, "Approach %d: %s", a.ID, a.Design.Name)
		if a.Design.Complexity != "" {
			fmt.Fprintf(&b, " [%s]", a.Design.Complexity)
		}
		b.WriteString("\n")
		if a.Design.Rationale != "" {
			fmt.Fprintf(&b, "  %s\n", a.Design.Rationale)
		}
		for _, d := range a.Design.KeyDecisions {
			fmt.Fprintf(&b, "  - %s\n", d)
		}
	}
	return Truncate(strings.TrimRight(b.String(), "\n"), budget)
}

// ImplementationDigest condenses what a build worker reported, leading with
// the measured change volume and keyword-bearing lines so warnings survive
// the budget cut before narrative does.
func ImplementationDigest(report string, stat *task.ChangeStat, budget int) string {
	var b strings.Builder
	if stat != nil {
		fmt.Fprintf(&b, "%d files changed, +%d/-%d\n", stat.FilesChanged, stat.Insertions, stat.Deletions)
	}
	if strings.TrimSpace(report) == "" {
		b.WriteString(Unavailable)
		return Truncate(strings.TrimRight(b.String(), "\n"), budget)
	}

	flagged := ImportantLines(report, 10)
	for _, line := range flagged {
		fmt.Fprintf(&b, "! %s\n", line)
	}
	b.WriteString(strings.TrimSpace(report))
	return Truncate(strings.TrimRight(b.String(), "\n"), budget)
}

// EvaluationDigest condenses review and test outcomes for one unit.
func EvaluationDigest(review *task.Review, test *task.TestResult, budget int) string {
	var b strings.Builder

	if review == nil {
		fmt.Fprintf(&b, "review: %s\n", Unavailable)
	} else {
		fmt.Fprintf(&b, "review: %.1f/10 %s\n", review.Score, review.Summary)
		for _, issue := range review.Issues {
			fmt.Fprintf(&b, "  [%s] %s\n", issue.Severity, issue.Description)
		}
	}

	if test == nil {
		fmt.Fprintf(&b, "tests: %s", Unavailable)
	} else {
		verdict := "failing"
		if test.AllGreen {
			verdict = "green"
		}
		fmt.Fprintf(&b, "tests: %s (%d passed, %d failed, %d skipped)",
			verdict, test.Passed, test.Failed, test.Skipped)
	}
	return Truncate(b.String(), budget)
}

// UnitDigest condenses one unit's whole journey into a compact block for
// the comparison prompt.
func UnitDigest(a *task.Approach, budget int) string {
	var b strings.Builder

	name := a.Design.Name
	if name == "" {
		name = Unavailable
	}
	fmt.Fprintf(&b, "Unit %d (%s): %s\n", a.ID, a.State, name)

	if a.ImplementationSummary != "" {
		fmt.Fprintf(&b, "built: %s\n", firstSentence(a.ImplementationSummary))
	}
	if a.ChangeStat != nil {
		fmt.Fprintf(&b, "size: %d files, +%d/-%d\n",
			a.ChangeStat.FilesChanged, a.ChangeStat.Insertions, a.ChangeStat.Deletions)
	}
	if a.Review != nil {
		fmt.Fprintf(&b, "review: %.1f/10\n", a.Review.Score)
	}
	if a.TestResult != nil {
		fmt.Fprintf(&b, "tests: %d passed, %d failed\n", a.TestResult.Passed, a.TestResult.Failed)
	}
	if a.Failure != nil {
		fmt.Fprintf(&b, "failed at %s: %s\n", a.Failure.Stage, a.Failure.Reason)
	}
	return Truncate(strings.TrimRight(b.String(), "\n"), budget)
}

// firstSentence returns the text up to the first sentence end or newline.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, ". "); i >= 0 {
		s = s[:i+1]
	}
	return s
}
