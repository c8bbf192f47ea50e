// Package checkpoint implements the durable decision gate between pipeline
// phases. A paused pipeline writes a request file and waits; the operator
// writes a decision file (usually via the resolve command) and the pipeline
// consumes it. Both sides survive process crashes: a restarted pipeline
// finds the outstanding request on disk and resumes waiting.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/nshotdev/nshot/internal/config"
	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/event"
	"github.com/nshotdev/nshot/internal/logging"
	"github.com/nshotdev/nshot/internal/store"
)

const (
	// RequestFileName is the durable checkpoint request.
	RequestFileName = "checkpoint-request.json"
	// DecisionFileName is where the operator's decision is expected.
	DecisionFileName = "checkpoint-decision.json"
	// resolvedFileName is the consumed decision, kept for audit.
	resolvedFileName = "checkpoint-decision.resolved.json"
	// invalidFileName is where undecodable decisions are parked so they do
	// not wedge the gate.
	invalidFileName = "checkpoint-decision.invalid.json"
)

// Gate coordinates checkpoint requests and decisions through the task store.
type Gate struct {
	store  *store.Store
	cfg    config.CheckpointConfig
	logger *logging.Logger
	bus    *event.Bus
}

// NewGate creates a Gate. bus may be nil.
func NewGate(s *store.Store, cfg config.CheckpointConfig, logger *logging.Logger, bus *event.Bus) *Gate {
	return &Gate{store: s, cfg: cfg, logger: logger, bus: bus}
}

// Request durably records a checkpoint request and returns its id.
// At most one request can be outstanding per task; a second request while
// one is pending returns ErrCheckpointPending.
func (g *Gate) Request(taskID, phase string, round int, summary string, unitIDs []int) (*Request, error) {
	req := &Request{
		RequestID:   uuid.NewString(),
		TaskID:      taskID,
		Phase:       phase,
		Round:       round,
		Summary:     summary,
		UnitIDs:     unitIDs,
		RequestedAt: time.Now().UTC(),
	}
	data, err := marshalIndent(req)
	if err != nil {
		return nil, err
	}

	if err := g.store.SaveTaskFileExclusive(taskID, RequestFileName, data); err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errors.Wrapf(errors.ErrCheckpointPending, "task %s", taskID)
		}
		return nil, err
	}

	g.logger.Info("checkpoint requested",
		"task_id", taskID, "phase", phase, "round", round, "request_id", req.RequestID)
	if g.bus != nil {
		g.bus.Publish(event.NewCheckpointRequestedEvent(taskID, phase, req.RequestID))
	}
	return req, nil
}

// Outstanding returns the pending request for a task, if any.
// Used on resume to pick up a request written before a crash.
func (g *Gate) Outstanding(taskID string) (*Request, error) {
	data, err := g.store.LoadTaskFile(taskID, RequestFileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.Wrapf(errors.ErrDecisionInvalid, "corrupt request file: %v", err)
	}
	return &req, nil
}

// Resolve validates and durably writes a decision for an outstanding
// request. Returns ErrCheckpointNotReached when no request is pending and
// ErrCheckpointPending when an unconsumed decision already exists.
func (g *Gate) Resolve(taskID string, decision *Decision, eligible []int) error {
	req, err := g.Outstanding(taskID)
	if err != nil {
		return err
	}
	if req == nil {
		return errors.Wrapf(errors.ErrCheckpointNotReached, "task %s", taskID)
	}
	if decision.RequestID != "" && decision.RequestID != req.RequestID {
		return errors.Wrapf(errors.ErrDecisionInvalid,
			"decision targets request %s but %s is outstanding", decision.RequestID, req.RequestID)
	}
	// An unaddressed decision binds to the outstanding request.
	decision.RequestID = req.RequestID
	if !actionAllowedAt(decision.Action, req.Phase) {
		return errors.Wrapf(errors.ErrDecisionInvalid,
			"action %q cannot resolve the %s gate", decision.Action, req.Phase)
	}
	if err := decision.Validate(eligible); err != nil {
		return err
	}

	decision.DecidedAt = time.Now().UTC()
	data, err := marshalIndent(decision)
	if err != nil {
		return err
	}
	if err := g.store.SaveTaskFileExclusive(taskID, DecisionFileName, data); err != nil {
		if errors.Is(err, os.ErrExist) {
			return errors.Wrapf(errors.ErrCheckpointPending, "decision already written for task %s", taskID)
		}
		return err
	}

	g.logger.Info("checkpoint decision written",
		"task_id", taskID, "action", decision.Action, "units", decision.UnitIDs)
	return nil
}

// AwaitDecision blocks until a valid decision appears for the request, the
// wait budget expires (ErrTimedOut), or the context ends (ErrCanceled).
// The decision file is consumed by renaming it, so a decision is applied
// exactly once even across crash and resume.
func (g *Gate) AwaitDecision(ctx context.Context, taskID, requestID string, eligible []int) (*Decision, error) {
	deadline := time.NewTimer(g.cfg.MaxWait())
	defer deadline.Stop()

	ticker := time.NewTicker(g.cfg.PollInterval())
	defer ticker.Stop()

	// fsnotify shortens the wait when it works; polling remains the
	// correctness backstop (network filesystems, editor rename tricks).
	var watchEvents chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(g.store.TaskDir(taskID)); err == nil {
			watchEvents = make(chan fsnotify.Event, 16)
			go func() {
				for {
					select {
					case ev, ok := <-watcher.Events:
						if !ok {
							return
						}
						select {
						case watchEvents <- ev:
						default:
						}
					case <-watcher.Errors:
					case <-ctx.Done():
						return
					}
				}
			}()
			defer watcher.Close()
		} else {
			watcher.Close()
		}
	}

	for {
		decision, err := g.tryConsume(taskID, requestID, eligible)
		if err != nil {
			return nil, err
		}
		if decision != nil {
			return decision, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(errors.ErrCanceled, "awaiting decision for task %s", taskID)
		case <-deadline.C:
			return nil, errors.Wrapf(errors.ErrTimedOut,
				"no decision for task %s within %s", taskID, g.cfg.MaxWait())
		case <-ticker.C:
		case <-watchEvents:
		}
	}
}

// tryConsume inspects the decision file. A valid decision is atomically
// renamed to its resolved name and returned; a malformed one is parked
// aside so the operator can correct and retry.
func (g *Gate) tryConsume(taskID, requestID string, eligible []int) (*Decision, error) {
	data, err := g.store.LoadTaskFile(taskID, DecisionFileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var decision Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		g.logger.Warn("ignoring undecodable decision file", "task_id", taskID, "error", err.Error())
		g.parkInvalid(taskID)
		return nil, nil
	}
	if decision.RequestID != "" && decision.RequestID != requestID {
		g.logger.Warn("ignoring decision for a different request",
			"task_id", taskID, "decision_request", decision.RequestID, "outstanding", requestID)
		g.parkInvalid(taskID)
		return nil, nil
	}
	if req, err := g.Outstanding(taskID); err == nil && req != nil && !actionAllowedAt(decision.Action, req.Phase) {
		g.logger.Warn("ignoring decision with the wrong action for this gate",
			"task_id", taskID, "action", decision.Action, "phase", req.Phase)
		g.parkInvalid(taskID)
		return nil, nil
	}
	if err := decision.Validate(eligible); err != nil {
		g.logger.Warn("ignoring invalid decision", "task_id", taskID, "error", err.Error())
		g.parkInvalid(taskID)
		return nil, nil
	}

	if err := g.store.RenameTaskFile(taskID, DecisionFileName, resolvedFileName); err != nil {
		return nil, err
	}
	if err := g.store.RemoveTaskFile(taskID, RequestFileName); err != nil {
		return nil, err
	}

	g.logger.Info("checkpoint decision consumed",
		"task_id", taskID, "action", decision.Action, "units", decision.UnitIDs)
	if g.bus != nil {
		g.bus.Publish(event.NewCheckpointResolvedEvent(taskID, "", decision.Action))
	}
	return &decision, nil
}

func (g *Gate) parkInvalid(taskID string) {
	if err := g.store.RenameTaskFile(taskID, DecisionFileName, invalidFileName); err != nil {
		g.logger.Warn("failed to park invalid decision", "task_id", taskID, "error", err.Error())
	}
}

// Clear removes any outstanding request without consuming a decision.
// Used when the task is aborted while paused.
func (g *Gate) Clear(taskID string) error {
	return g.store.RemoveTaskFile(taskID, RequestFileName)
}
