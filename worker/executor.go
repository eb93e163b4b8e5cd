package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/run"
)

// Executor steps one activated run through its registered handler and
// settles the outcome: completion, durable suspension, retry, or terminal
// failure. It also propagates terminal outcomes to a waiting parent run.
type Executor struct {
	machine  *run.Machine
	registry *Registry
	logger   *slog.Logger
	mw       Middleware
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMiddleware adds handler middleware, outermost first. Recovery is
// always installed outside the given chain.
func WithMiddleware(mws ...Middleware) ExecutorOption {
	return func(e *Executor) {
		e.mw = Chain(mws...)
	}
}

// NewExecutor creates an Executor.
func NewExecutor(machine *run.Machine, registry *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{machine: machine, registry: registry, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	if e.mw == nil {
		e.mw = Recover(logger)
	} else {
		e.mw = Chain(Recover(logger), e.mw)
	}
	return e
}

// Execute claims a queued run and drives its handler. A revision conflict
// on the claim means another worker won the race; that is a clean no-op.
func (e *Executor) Execute(ctx context.Context, r *run.Run) error {
	if err := e.machine.Begin(ctx, r); err != nil {
		if errors.Is(err, loom.ErrRevisionConflict) || errors.Is(err, loom.ErrInvalidTransition) {
			e.logger.Debug("run claimed elsewhere", "run_id", r.ID)
			return nil
		}
		return err
	}

	handler, policy, ok := e.registry.Get(r.Name)
	if !ok {
		err := fmt.Errorf("worker: no handler registered for workflow %q", r.Name)
		if failErr := e.machine.Fail(ctx, r, err); failErr != nil {
			return failErr
		}
		e.settleParent(ctx, r)
		return err
	}

	start := time.Now()
	out, handlerErr := e.mw(ctx, r, func(ctx context.Context) (json.RawMessage, error) {
		return handler(ctx, NewContext(e.machine, r, policy))
	})
	elapsed := time.Since(start)

	switch {
	case handlerErr == nil:
		if err := e.machine.Complete(ctx, r, out); err != nil {
			return err
		}
		e.logger.Info("run completed",
			"run_id", r.ID, "workflow", r.Name, "elapsed", elapsed)
		e.settleParent(ctx, r)
		return nil

	case errors.Is(handlerErr, ErrSuspended):
		// The run parked itself durably inside a Context helper.
		e.logger.Debug("run suspended",
			"run_id", r.ID, "workflow", r.Name, "status", string(r.Status))
		return nil

	default:
		if err := e.machine.ScheduleRetry(ctx, r, handlerErr, policy); err != nil {
			return err
		}
		if r.Status == run.StatusFailed {
			e.logger.Warn("run failed terminally",
				"run_id", r.ID, "workflow", r.Name,
				"attempts", r.Attempts, "error", handlerErr)
			e.settleParent(ctx, r)
		} else {
			e.logger.Info("run scheduled for retry",
				"run_id", r.ID, "workflow", r.Name,
				"attempt", r.Attempts, "next_attempt_at", r.NextAttemptAt)
		}
		return nil
	}
}

// settleParent reports a terminal child outcome to the parent run, if
// any, reactivating a parent suspended on this child.
func (e *Executor) settleParent(ctx context.Context, r *run.Run) {
	if r.ParentRunID == nil || !r.Status.Terminal() {
		return
	}
	// ResolveChild reloads the parent per call, so a lost revision race
	// just retries with fresh state.
	var err error
	for range 5 {
		err = e.machine.ResolveChild(ctx, *r.ParentRunID, r.Address, r.Status)
		if err == nil || !errors.Is(err, loom.ErrRevisionConflict) {
			break
		}
	}
	if err != nil {
		e.logger.Error("failed to settle parent",
			"run_id", r.ID, "parent_run_id", *r.ParentRunID, "error", err)
	}
}
