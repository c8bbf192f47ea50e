package worker

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/nshotdev/nshot/internal/config"
	"github.com/nshotdev/nshot/internal/errors"
	"github.com/nshotdev/nshot/internal/event"
	"github.com/nshotdev/nshot/internal/logging"
)

// Invoker runs worker requests with bounded parallelism, an optional launch
// rate limit, and class-aware retries:
//
//   - transient failures retry with exponential backoff up to max_retries
//   - resource failures retry exactly once
//   - validation and state failures never retry
//
// A run of consecutive timeouts bails out early regardless of remaining
// retries, since a worker that keeps timing out is burning its stage budget
// for nothing.
type Invoker struct {
	runner  Runner
	slots   *semaphore
	limiter *rate.Limiter
	cfg     config.WorkerConfig
	logger  *logging.Logger
	bus     *event.Bus
}

// NewInvoker creates an Invoker. maxParallel bounds concurrent workers
// (0 = unlimited); bus may be nil when no one is listening.
func NewInvoker(runner Runner, cfg config.WorkerConfig, maxParallel int, logger *logging.Logger, bus *event.Bus) *Invoker {
	var limiter *rate.Limiter
	if cfg.LaunchesPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.LaunchesPerMinute)/60.0), 1)
	}
	return &Invoker{
		runner:  runner,
		slots:   newSemaphore(maxParallel),
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
	}
}

// SetMaxParallel adjusts the concurrency bound at runtime.
func (inv *Invoker) SetMaxParallel(n int) {
	inv.slots.SetLimit(n)
}

// Invoke runs a request to completion, holding a worker slot for the whole
// retry loop so retries do not lose their place to new work.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := inv.slots.Acquire(ctx); err != nil {
		return nil, errors.Wrap(errors.ErrCanceled, "waiting for worker slot")
	}
	defer inv.slots.Release()

	var (
		consecutiveTimeouts int
		resourceRetried     bool
	)

	for attempt := 1; ; attempt++ {
		if inv.limiter != nil {
			if err := inv.limiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(errors.ErrCanceled, "waiting for launch slot")
			}
		}

		inv.publish(event.NewWorkerStartedEvent(req.TaskID, req.UnitID, req.Stage, attempt))
		inv.logger.Debug("worker attempt starting",
			"task_id", req.TaskID, "unit_id", req.UnitID, "stage", req.Stage, "attempt", attempt)

		attemptCtx := ctx
		var cancel context.CancelFunc
		if req.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		}
		start := time.Now()
		output, err := inv.runner.Run(attemptCtx, req)
		duration := time.Since(start)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			inv.publish(event.NewWorkerFinishedEvent(req.TaskID, req.UnitID, req.Stage, true, duration, ""))
			return &Result{Output: output, Duration: duration, Attempts: attempt}, nil
		}

		inv.publish(event.NewWorkerFinishedEvent(req.TaskID, req.UnitID, req.Stage, false, duration, err.Error()))

		// Parent cancellation ends the loop immediately.
		if ctx.Err() != nil {
			return nil, errors.Wrapf(errors.ErrCanceled, "%s worker", req.Stage)
		}

		if isTimeout(err) {
			consecutiveTimeouts++
			if inv.cfg.ConsecutiveTimeoutLimit > 0 && consecutiveTimeouts >= inv.cfg.ConsecutiveTimeoutLimit {
				inv.logger.Warn("bailing out after consecutive timeouts",
					"task_id", req.TaskID, "unit_id", req.UnitID, "stage", req.Stage,
					"timeouts", consecutiveTimeouts)
				return nil, errors.NewTransientWorkerError("worker timed out repeatedly", err).
					WithUnitID(req.UnitID).
					WithAttempt(attempt).
					WithRetryable(false)
			}
		} else {
			consecutiveTimeouts = 0
		}

		switch errors.Classify(err) {
		case errors.ClassValidation, errors.ClassState:
			return nil, err
		case errors.ClassResource:
			if resourceRetried {
				return nil, err
			}
			resourceRetried = true
		case errors.ClassTransient:
			if !errors.IsRetryable(err) {
				return nil, err
			}
			if attempt > inv.cfg.MaxRetries {
				return nil, errors.NewTransientWorkerError("worker retries exhausted", err).
					WithUnitID(req.UnitID).
					WithAttempt(attempt).
					WithRetryable(false)
			}
		default:
			return nil, err
		}

		delay := backoffDelay(inv.cfg, attempt)
		inv.logger.Info("retrying worker",
			"task_id", req.TaskID, "unit_id", req.UnitID, "stage", req.Stage,
			"attempt", attempt, "delay", delay.String(), "cause", err.Error())

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, errors.Wrapf(errors.ErrCanceled, "%s worker backoff", req.Stage)
		}
	}
}

func (inv *Invoker) publish(e event.Event) {
	if inv.bus != nil {
		inv.bus.Publish(e)
	}
}

// backoffDelay computes the delay before retry number attempt:
// base * multiplier^(attempt-1), capped, with up to 20% random jitter.
func backoffDelay(cfg config.WorkerConfig, attempt int) time.Duration {
	base := cfg.BackoffBase()
	if base <= 0 {
		return 0
	}
	mult := cfg.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if ceiling := cfg.BackoffCap(); ceiling > 0 && delay > ceiling {
		delay = ceiling
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}

func isTimeout(err error) bool {
	return errors.Is(err, errors.ErrTimedOut) || errors.Is(err, errors.ErrWorkerTimeout)
}
