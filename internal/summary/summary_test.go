package summary

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nshotdev/nshot/internal/task"
)

func TestTruncateWithinBudget(t *testing.T) {
	if got := Truncate("short", 100); got != "short" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestTruncateCutsAtRuneBoundary(t *testing.T) {
	// Multi-byte runes must never be split.
	s := strings.Repeat("ü", 50)
	got := Truncate(s, 10)
	if !utf8.ValidString(got) {
		t.Errorf("truncated string is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n > 10 {
		t.Errorf("rune count = %d, want <= 10", n)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("missing truncation marker: %q", got)
	}
}

func TestTruncateTinyBudget(t *testing.T) {
	if got := Truncate("abcdef", 2); got != "ab" {
		t.Errorf("Truncate = %q", got)
	}
	if got := Truncate("abcdef", 0); got != "" {
		t.Errorf("Truncate = %q", got)
	}
}

func TestImportantLines(t *testing.T) {
	text := `The parser is done.
Warning: the cache is unbounded.
Everything else looks fine.
Note that migrations must run before deploy.
One known limitation is IPv6 handling.`

	lines := ImportantLines(text, 0)
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "Warning") {
		t.Errorf("first line = %q", lines[0])
	}

	if capped := ImportantLines(text, 1); len(capped) != 1 {
		t.Errorf("cap ignored: %v", capped)
	}
}

func TestPlanningDigest(t *testing.T) {
	approaches := []*task.Approach{
		{ID: 1, Design: task.Design{
			Name:         "streaming parser",
			Rationale:    "constant memory",
			KeyDecisions: []string{"single pass"},
			Complexity:   "medium",
		}},
		{ID: 2, Design: task.Design{Name: "batch rewrite", Rationale: "simplest to review"}},
	}

	digest := PlanningDigest(approaches, 1200)
	if !strings.Contains(digest, "Approach 1: streaming parser [medium]") {
		t.Errorf("digest missing approach 1:\n%s", digest)
	}
	if !strings.Contains(digest, "- single pass") {
		t.Errorf("digest missing key decision:\n%s", digest)
	}
	if !strings.Contains(digest, "Approach 2: batch rewrite") {
		t.Errorf("digest missing approach 2:\n%s", digest)
	}
}

func TestPlanningDigestPlaceholders(t *testing.T) {
	if got := PlanningDigest(nil, 100); got != Unavailable {
		t.Errorf("empty input = %q", got)
	}

	digest := PlanningDigest([]*task.Approach{{ID: 3}}, 100)
	if !strings.Contains(digest, "Approach 3: "+Unavailable) {
		t.Errorf("missing placeholder:\n%s", digest)
	}
}

func TestPlanningDigestRespectsBudget(t *testing.T) {
	var approaches []*task.Approach
	for i := 1; i <= 5; i++ {
		approaches = append(approaches, &task.Approach{ID: i, Design: task.Design{
			Name:      "approach",
			Rationale: strings.Repeat("very long rationale ", 50),
		}})
	}
	digest := PlanningDigest(approaches, 300)
	if n := utf8.RuneCountInString(digest); n > 300 {
		t.Errorf("digest is %d runes, budget 300", n)
	}
}

func TestImplementationDigest(t *testing.T) {
	report := `Implemented the streaming parser.
Warning: memory spikes on malformed input.
Refactored the config loader.`
	stat := &task.ChangeStat{FilesChanged: 4, Insertions: 210, Deletions: 30}

	digest := ImplementationDigest(report, stat, 1200)
	if !strings.HasPrefix(digest, "4 files changed, +210/-30") {
		t.Errorf("digest should lead with change volume:\n%s", digest)
	}
	if !strings.Contains(digest, "! Warning: memory spikes") {
		t.Errorf("flagged line missing:\n%s", digest)
	}
}

func TestImplementationDigestUnavailable(t *testing.T) {
	digest := ImplementationDigest("  ", nil, 100)
	if digest != Unavailable {
		t.Errorf("digest = %q", digest)
	}
}

func TestImplementationDigestKeepsWarningsUnderPressure(t *testing.T) {
	report := strings.Repeat("Lots of routine narrative. ", 100) +
		"\nWarning: data loss risk on resume."
	digest := ImplementationDigest(report, nil, 200)
	if !strings.Contains(digest, "Warning: data loss risk") {
		t.Errorf("warning lost under budget pressure:\n%s", digest)
	}
	if n := utf8.RuneCountInString(digest); n > 200 {
		t.Errorf("digest is %d runes, budget 200", n)
	}
}

func TestEvaluationDigest(t *testing.T) {
	review := &task.Review{
		Score:   7.5,
		Summary: "solid, minor nits",
		Issues:  []task.ReviewIssue{{Severity: "minor", Description: "naming"}},
	}
	test := &task.TestResult{Passed: 12, Failed: 0, AllGreen: true}

	digest := EvaluationDigest(review, test, 400)
	if !strings.Contains(digest, "review: 7.5/10 solid, minor nits") {
		t.Errorf("digest:\n%s", digest)
	}
	if !strings.Contains(digest, "[minor] naming") {
		t.Errorf("issue missing:\n%s", digest)
	}
	if !strings.Contains(digest, "tests: green (12 passed, 0 failed, 0 skipped)") {
		t.Errorf("test verdict missing:\n%s", digest)
	}
}

func TestEvaluationDigestPlaceholders(t *testing.T) {
	digest := EvaluationDigest(nil, nil, 400)
	if !strings.Contains(digest, "review: "+Unavailable) || !strings.Contains(digest, "tests: "+Unavailable) {
		t.Errorf("placeholders missing:\n%s", digest)
	}
}

func TestUnitDigest(t *testing.T) {
	a := &task.Approach{
		ID:                    2,
		State:                 task.UnitCompleted,
		Design:                task.Design{Name: "incremental"},
		ImplementationSummary: "Added the cache layer. Then did more things.",
		ChangeStat:            &task.ChangeStat{FilesChanged: 3, Insertions: 80, Deletions: 5},
		Review:                &task.Review{Score: 8},
		TestResult:            &task.TestResult{Passed: 9, Failed: 1},
	}

	digest := UnitDigest(a, 400)
	for _, want := range []string{
		"Unit 2 (completed): incremental",
		"built: Added the cache layer.",
		"size: 3 files, +80/-5",
		"review: 8.0/10",
		"tests: 9 passed, 1 failed",
	} {
		if !strings.Contains(digest, want) {
			t.Errorf("digest missing %q:\n%s", want, digest)
		}
	}
}

func TestUnitDigestFailedUnit(t *testing.T) {
	a := &task.Approach{
		ID:      1,
		State:   task.UnitFailed,
		Failure: &task.Failure{Stage: "implement", Reason: "retries exhausted"},
	}
	digest := UnitDigest(a, 400)
	if !strings.Contains(digest, "failed at implement: retries exhausted") {
		t.Errorf("digest:\n%s", digest)
	}
	if !strings.Contains(digest, Unavailable) {
		t.Errorf("unnamed design should show placeholder:\n%s", digest)
	}
}
