package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/task"
)

// Workers signal stage completion by writing sentinel JSON files into their
// working directory. The orchestrator parses these instead of scraping
// free-form output wherever a workspace exists.
const (
	// PlanFileName is written by the planning worker.
	PlanFileName = ".nshot-plan.json"
	// ImplementationFileName is written by a build worker.
	ImplementationFileName = ".nshot-implementation.json"
	// ReviewFileName is written by a review worker.
	ReviewFileName = ".nshot-review.json"
	// TestsFileName is written by a test worker.
	TestsFileName = ".nshot-tests.json"
)

// PlanArtifact is the planning worker's output: one design per unit.
type PlanArtifact struct {
	Approaches []PlanEntry `json:"approaches"`
}

// PlanEntry is one planned approach.
type PlanEntry struct {
	UnitID       int      `json:"unit_id"`
	Name         string   `json:"name"`
	Rationale    string   `json:"rationale"`
	KeyDecisions []string `json:"key_decisions,omitempty"`
	TradeOffs    []string `json:"trade_offs,omitempty"`
	Complexity   string   `json:"complexity,omitempty"`
}

// ImplementationArtifact is a build worker's completion report.
type ImplementationArtifact struct {
	Status  string `json:"status"` // "complete" or "failed"
	Summary string `json:"summary"`
	Notes   string `json:"notes,omitempty"`
}

// ReviewArtifact is a review worker's report.
type ReviewArtifact struct {
	Score   float64       `json:"score"`
	Summary string        `json:"summary"`
	Issues  []ReviewIssue `json:"issues,omitempty"`
}

// ReviewIssue is one finding in a review artifact.
type ReviewIssue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// TestsArtifact is a test worker's report.
type TestsArtifact struct {
	Passed   int    `json:"passed"`
	Failed   int    `json:"failed"`
	Skipped  int    `json:"skipped,omitempty"`
	AllGreen bool   `json:"all_green"`
	Output   string `json:"output,omitempty"`
}

// ComparisonArtifact is the compare worker's verdict, embedded in its output
// inside <comparison></comparison> tags.
type ComparisonArtifact struct {
	Summary     string       `json:"summary"`
	Recommended int          `json:"recommended,omitempty"`
	Rankings    []RankingRow `json:"rankings,omitempty"`
}

// RankingRow scores one unit in a comparison.
type RankingRow struct {
	UnitID    int     `json:"unit_id"`
	Score     float64 `json:"score"`
	Strengths string  `json:"strengths,omitempty"`
	Weakness  string  `json:"weakness,omitempty"`
}

// parseArtifactFile reads a sentinel file from dir into v.
func parseArtifactFile(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(errors.ErrArtifactMissing, "%s in %s", name, dir)
		}
		return errors.Wrapf(errors.ErrArtifactMissing, "%s: %v", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(errors.ErrArtifactMalformed, "%s: %v", name, err)
	}
	return nil
}

var comparisonTagRe = regexp.MustCompile(`(?s)<comparison>\s*(.*?)\s*</comparison>`)

// parseComparisonOutput extracts the comparison verdict from worker output.
func parseComparisonOutput(output string) (*ComparisonArtifact, error) {
	matches := comparisonTagRe.FindStringSubmatch(output)
	if len(matches) < 2 {
		return nil, errors.Wrapf(errors.ErrArtifactMissing,
			"no <comparison> block in compare output")
	}
	var artifact ComparisonArtifact
	if err := json.Unmarshal([]byte(strings.TrimSpace(matches[1])), &artifact); err != nil {
		return nil, errors.Wrapf(errors.ErrArtifactMalformed, "comparison block: %v", err)
	}
	return &artifact, nil
}

// removeArtifact deletes a consumed sentinel file so a later stage in the
// same directory cannot re-read stale output.
func removeArtifact(dir, name string) {
	os.Remove(filepath.Join(dir, name))
}

func (p *PlanEntry) toDesign() task.Design {
	return task.Design{
		Name:         p.Name,
		Rationale:    p.Rationale,
		KeyDecisions: p.KeyDecisions,
		TradeOffs:    p.TradeOffs,
		Complexity:   p.Complexity,
	}
}

func (r *ReviewArtifact) toReview() *task.Review {
	review := &task.Review{Score: r.Score, Summary: r.Summary}
	for _, issue := range r.Issues {
		review.Issues = append(review.Issues, task.ReviewIssue{
			Severity:    issue.Severity,
			Description: issue.Description,
		})
	}
	return review
}

func (t *TestsArtifact) toTestResult() *task.TestResult {
	return &task.TestResult{
		Passed:   t.Passed,
		Failed:   t.Failed,
		Skipped:  t.Skipped,
		AllGreen: t.AllGreen,
		Output:   t.Output,
	}
}

func (c *ComparisonArtifact) toComparison() *task.Comparison {
	cmp := &task.Comparison{Summary: c.Summary, Recommended: c.Recommended}
	for _, row := range c.Rankings {
		cmp.Rankings = append(cmp.Rankings, task.UnitRating{
			UnitID:    row.UnitID,
			Score:     row.Score,
			Strengths: row.Strengths,
			Weakness:  row.Weakness,
		})
	}
	return cmp
}
