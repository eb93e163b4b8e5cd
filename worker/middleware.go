package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/workloom/loom/run"
)

// Invoke is the terminal function that runs the handler activation.
type Invoke func(ctx context.Context) (json.RawMessage, error)

// Middleware wraps a handler activation with cross-cutting logic. It
// receives the run being stepped and the next invoker in the chain, and
// must call next to continue (unless short-circuiting on error).
type Middleware func(ctx context.Context, r *run.Run, next Invoke) (json.RawMessage, error)

// Chain composes multiple middleware into one. Middleware are applied
// right-to-left: the first middleware in the list is the outermost
// wrapper, so Chain(logging, recovery) executes as logging, then
// recovery, then the handler.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, r *run.Run, next Invoke) (json.RawMessage, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (json.RawMessage, error) {
				return mw(ctx, r, prev)
			}
		}
		return h(ctx)
	}
}

// Recover returns middleware that converts handler panics into errors so
// a panicking workflow fails its attempt instead of killing the worker.
// The panic and stack are logged.
func Recover(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, r *run.Run, next Invoke) (out json.RawMessage, retErr error) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("workflow handler panicked",
					slog.String("workflow", r.Name),
					slog.String("run_id", r.ID.String()),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())),
				)
				out = nil
				retErr = fmt.Errorf("worker: panic in workflow %s: %v", r.Name, rec)
			}
		}()
		return next(ctx)
	}
}

// Logging returns middleware that logs activation start and outcome with
// elapsed time.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, r *run.Run, next Invoke) (json.RawMessage, error) {
		logger.Info("activation started",
			slog.String("workflow", r.Name),
			slog.String("run_id", r.ID.String()),
			slog.Int("attempt", r.Attempts),
		)

		start := time.Now()
		out, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Info("activation returned",
				slog.String("workflow", r.Name),
				slog.String("run_id", r.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("result", err.Error()),
			)
		} else {
			logger.Info("activation completed",
				slog.String("workflow", r.Name),
				slog.String("run_id", r.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return out, err
	}
}

// Timeout returns middleware that bounds each handler activation with a
// deadline. Suspension points are re-entrant, so long waits live in the
// store, not on the activation clock; the deadline only caps the compute
// between them.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, r *run.Run, next Invoke) (json.RawMessage, error) {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
