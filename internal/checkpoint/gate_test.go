package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/nshotdev/nshot/internal/config"
	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/logging"
	"github.com/nshotdev/nshot/internal/store"
)

func newTestGate(t *testing.T) (*Gate, *store.Store) {
	t.Helper()
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	cfg := config.CheckpointConfig{PollIntervalMs: 10, MaxWaitHours: 1}
	return NewGate(s, cfg, logging.NopLogger(), nil), s
}

func TestRequestIsExclusive(t *testing.T) {
	g, _ := newTestGate(t)

	req, err := g.Request("task-1", "plan", 1, "three designs ready", []int{1, 2, 3})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if req.RequestID == "" {
		t.Error("request id missing")
	}

	if _, err := g.Request("task-1", "plan", 1, "", nil); !errors.Is(err, errors.ErrCheckpointPending) {
		t.Errorf("expected ErrCheckpointPending, got %v", err)
	}
}

func TestOutstanding(t *testing.T) {
	g, _ := newTestGate(t)

	if req, err := g.Outstanding("task-1"); err != nil || req != nil {
		t.Fatalf("expected no outstanding request, got %+v, %v", req, err)
	}

	want, err := g.Request("task-1", "plan", 2, "", []int{1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	got, err := g.Outstanding("task-1")
	if err != nil {
		t.Fatalf("Outstanding: %v", err)
	}
	if got.RequestID != want.RequestID || got.Round != 2 {
		t.Errorf("outstanding = %+v, want %+v", got, want)
	}
}

func TestResolveWithoutRequest(t *testing.T) {
	g, _ := newTestGate(t)

	err := g.Resolve("task-1", &Decision{Action: ActionApproveAll}, []int{1})
	if !errors.Is(err, errors.ErrCheckpointNotReached) {
		t.Errorf("expected ErrCheckpointNotReached, got %v", err)
	}
}

func TestResolveValidatesDecision(t *testing.T) {
	g, _ := newTestGate(t)
	if _, err := g.Request("task-1", "plan", 1, "", []int{1, 2}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	err := g.Resolve("task-1", &Decision{Action: "ship_it"}, []int{1, 2})
	var valErr *errors.ValidationError
	if !errors.As(err, &valErr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestResolveRejectsStaleRequestID(t *testing.T) {
	g, _ := newTestGate(t)
	if _, err := g.Request("task-1", "plan", 1, "", []int{1}); err != nil {
		t.Fatalf("Request: %v", err)
	}

	err := g.Resolve("task-1", &Decision{RequestID: "someone-else", Action: ActionApproveAll}, []int{1})
	if !errors.Is(err, errors.ErrDecisionInvalid) {
		t.Errorf("expected ErrDecisionInvalid, got %v", err)
	}
}

func TestResolveRejectsActionForWrongGate(t *testing.T) {
	g, _ := newTestGate(t)
	if _, err := g.Request("task-1", "plan", 1, "", []int{1, 2}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	err := g.Resolve("task-1", &Decision{Action: ActionSelect, UnitIDs: []int{1}}, []int{1, 2})
	if !errors.Is(err, errors.ErrDecisionInvalid) {
		t.Errorf("select at the plan gate: expected ErrDecisionInvalid, got %v", err)
	}

	if _, err := g.Request("task-2", "select", 2, "", []int{1, 2}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	err = g.Resolve("task-2", &Decision{Action: ActionApproveAll}, []int{1, 2})
	if !errors.Is(err, errors.ErrDecisionInvalid) {
		t.Errorf("approve at the select gate: expected ErrDecisionInvalid, got %v", err)
	}
}

func TestAwaitParksActionForWrongGate(t *testing.T) {
	g, s := newTestGate(t)
	req, err := g.Request("task-1", "plan", 1, "", []int{1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	// Written directly, bypassing Resolve's checks.
	if err := s.SaveTaskFile("task-1", DecisionFileName, []byte(`{"action":"select","unit_ids":[1]}`)); err != nil {
		t.Fatalf("SaveTaskFile: %v", err)
	}
	decision, err := g.tryConsume("task-1", req.RequestID, []int{1})
	if err != nil || decision != nil {
		t.Fatalf("wrong-gate action should be ignored, got %+v, %v", decision, err)
	}
	if !s.TaskFileExists("task-1", invalidFileName) {
		t.Error("wrong-gate decision should be parked aside")
	}
	if !s.TaskFileExists("task-1", RequestFileName) {
		t.Error("request should remain outstanding")
	}

	// A corrected decision still resolves the gate.
	if err := s.SaveTaskFile("task-1", DecisionFileName, []byte(`{"action":"approve_all"}`)); err != nil {
		t.Fatalf("SaveTaskFile: %v", err)
	}
	decision, err = g.tryConsume("task-1", req.RequestID, []int{1})
	if err != nil || decision == nil || decision.Action != ActionApproveAll {
		t.Errorf("decision = %+v, %v", decision, err)
	}
}

func TestResolveThenAwait(t *testing.T) {
	g, s := newTestGate(t)
	req, err := g.Request("task-1", "plan", 1, "", []int{1, 2})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := g.Resolve("task-1", &Decision{Action: ActionApproveSubset, UnitIDs: []int{2}}, []int{1, 2}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	decision, err := g.AwaitDecision(context.Background(), "task-1", req.RequestID, []int{1, 2})
	if err != nil {
		t.Fatalf("AwaitDecision: %v", err)
	}
	if decision.Action != ActionApproveSubset || len(decision.UnitIDs) != 1 || decision.UnitIDs[0] != 2 {
		t.Errorf("decision = %+v", decision)
	}

	// Consumed exactly once: resolved file exists, originals are gone.
	if s.TaskFileExists("task-1", DecisionFileName) {
		t.Error("decision file should be consumed")
	}
	if s.TaskFileExists("task-1", RequestFileName) {
		t.Error("request file should be cleared")
	}
	if !s.TaskFileExists("task-1", resolvedFileName) {
		t.Error("resolved decision should be kept for audit")
	}
}

func TestAwaitPicksUpLateDecision(t *testing.T) {
	g, s := newTestGate(t)
	req, err := g.Request("task-1", "plan", 1, "", []int{1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		// Written directly, the way an external tool would.
		s.SaveTaskFile("task-1", DecisionFileName, []byte(`{"action":"approve_all"}`))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	decision, err := g.AwaitDecision(ctx, "task-1", req.RequestID, []int{1})
	if err != nil {
		t.Fatalf("AwaitDecision: %v", err)
	}
	if decision.Action != ActionApproveAll {
		t.Errorf("action = %q", decision.Action)
	}
}

func TestAwaitParksInvalidDecisions(t *testing.T) {
	g, s := newTestGate(t)
	req, err := g.Request("task-1", "plan", 1, "", []int{1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if err := s.SaveTaskFile("task-1", DecisionFileName, []byte("{not json")); err != nil {
		t.Fatalf("SaveTaskFile: %v", err)
	}
	decision, err := g.tryConsume("task-1", req.RequestID, []int{1})
	if err != nil || decision != nil {
		t.Fatalf("garbage decision should be ignored, got %+v, %v", decision, err)
	}
	if !s.TaskFileExists("task-1", invalidFileName) {
		t.Error("garbage decision should be parked aside")
	}

	// A corrected decision is then consumed normally.
	if err := s.SaveTaskFile("task-1", DecisionFileName, []byte(`{"action":"abort"}`)); err != nil {
		t.Fatalf("SaveTaskFile: %v", err)
	}
	decision, err = g.tryConsume("task-1", req.RequestID, []int{1})
	if err != nil {
		t.Fatalf("tryConsume: %v", err)
	}
	if decision == nil || decision.Action != ActionAbort {
		t.Errorf("decision = %+v", decision)
	}
}

func TestAwaitIgnoresDecisionForOtherRequest(t *testing.T) {
	g, s := newTestGate(t)
	req, err := g.Request("task-1", "plan", 1, "", []int{1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	s.SaveTaskFile("task-1", DecisionFileName, []byte(`{"request_id":"stale","action":"approve_all"}`))
	decision, err := g.tryConsume("task-1", req.RequestID, []int{1})
	if err != nil || decision != nil {
		t.Fatalf("stale decision should be ignored, got %+v, %v", decision, err)
	}
}

func TestAwaitTimesOut(t *testing.T) {
	s, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	cfg := config.CheckpointConfig{PollIntervalMs: 10, MaxWaitHours: 0} // expires immediately
	g := NewGate(s, cfg, logging.NopLogger(), nil)

	req, err := g.Request("task-1", "plan", 1, "", []int{1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if _, err := g.AwaitDecision(context.Background(), "task-1", req.RequestID, []int{1}); !errors.Is(err, errors.ErrTimedOut) {
		t.Errorf("expected ErrTimedOut, got %v", err)
	}
}

func TestAwaitCanceled(t *testing.T) {
	g, _ := newTestGate(t)
	req, err := g.Request("task-1", "plan", 1, "", []int{1})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	if _, err := g.AwaitDecision(ctx, "task-1", req.RequestID, []int{1}); !errors.Is(err, errors.ErrCanceled) {
		t.Errorf("expected ErrCanceled, got %v", err)
	}
}

func TestDecisionValidate(t *testing.T) {
	eligible := []int{1, 2, 3}
	tests := []struct {
		name     string
		decision Decision
		wantErr  bool
	}{
		{"approve all", Decision{Action: ActionApproveAll}, false},
		{"abort", Decision{Action: ActionAbort}, false},
		{"approve subset", Decision{Action: ActionApproveSubset, UnitIDs: []int{1, 3}}, false},
		{"approve subset empty", Decision{Action: ActionApproveSubset}, true},
		{"reject subset unknown unit", Decision{Action: ActionRejectSubset, UnitIDs: []int{9}}, true},
		{"revise with feedback", Decision{Action: ActionRevise, UnitIDs: []int{2}, Feedback: map[int]string{2: "simplify"}}, false},
		{"revise without feedback", Decision{Action: ActionRevise, UnitIDs: []int{2}}, true},
		{"select one", Decision{Action: ActionSelect, UnitIDs: []int{2}}, false},
		{"select many", Decision{Action: ActionSelect, UnitIDs: []int{1, 2}}, true},
		{"no action", Decision{}, true},
		{"unknown action", Decision{Action: "yolo"}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decision.Validate(eligible)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestFeedbackFor(t *testing.T) {
	d := Decision{Feedback: map[int]string{0: "general note", 2: "unit two note"}}
	if got := d.FeedbackFor(2); got != "unit two note" {
		t.Errorf("FeedbackFor(2) = %q", got)
	}
	if got := d.FeedbackFor(1); got != "general note" {
		t.Errorf("FeedbackFor(1) = %q", got)
	}
}

func TestClear(t *testing.T) {
	g, s := newTestGate(t)
	if _, err := g.Request("task-1", "plan", 1, "", []int{1}); err != nil {
		t.Fatalf("Request: %v", err)
	}
	if err := g.Clear("task-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.TaskFileExists("task-1", RequestFileName) {
		t.Error("request should be cleared")
	}
}
