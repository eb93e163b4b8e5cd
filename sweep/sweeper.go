// Package sweep reactivates suspended runs whose deadlines have passed.
// Suspension is durable state with an absolute deadline, never a blocked
// goroutine; the sweeper is the component that turns a passed deadline
// back into runnable work, so a crashed process delays a run by at most
// one sweep interval.
package sweep

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/notify"
	"github.com/workloom/loom/run"
)

// DefaultInterval is how often the sweeper scans for due runs.
const DefaultInterval = time.Second

// DefaultBatch is how many due runs one pass handles per due kind.
const DefaultBatch = 100

// Sweeper periodically scans each suspended population and drives due
// runs through the machine. Many sweepers may run against the same store:
// the revision guard makes a doubly swept run harmless, the loser just
// logs and moves on.
type Sweeper struct {
	machine  *run.Machine
	notifier notify.Notifier
	logger   *slog.Logger

	interval time.Duration
	batch    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the scan interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithBatch sets the per-kind batch size for one pass.
func WithBatch(n int) Option {
	return func(s *Sweeper) { s.batch = n }
}

// WithNotifier announces newly queued runs to workers.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Sweeper) { s.notifier = n }
}

// New creates a Sweeper on the given machine.
func New(machine *run.Machine, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		machine:  machine,
		logger:   logger,
		interval: DefaultInterval,
		batch:    DefaultBatch,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop signals the loop to exit and waits for the in-flight pass.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over every due population. Exported so tests and
// single-shot callers can drive the sweeper without the loop.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	s.sweepKind(ctx, run.DueScheduled, now, s.requeue)
	s.sweepKind(ctx, run.DueSleeping, now, s.wake(now))
	s.sweepKind(ctx, run.DueRetry, now, s.retryDue(now))
	s.sweepKind(ctx, run.DueEventTimeout, now, s.expireEvent(now))
	s.sweepKind(ctx, run.DueChildDeadline, now, s.expireChild(now))
}

func (s *Sweeper) sweepKind(ctx context.Context, kind run.DueKind, now time.Time, handle func(context.Context, *run.Run) error) {
	due, err := s.machine.Store().ListDue(ctx, kind, now, s.batch)
	if err != nil {
		s.logger.Error("sweep listing failed", "kind", string(kind), "error", err)
		return
	}

	for _, r := range due {
		err := handle(ctx, r)
		switch {
		case err == nil:
		case errors.Is(err, loom.ErrRevisionConflict):
			// Another writer got there first. Their commit either did our
			// work or moved the run out of the due set.
			s.logger.Debug("sweep lost the race", "kind", string(kind), "run_id", r.ID)
		case errors.Is(err, loom.ErrInvalidTransition):
			// The run moved between listing and handling.
			s.logger.Debug("sweep found stale run", "kind", string(kind), "run_id", r.ID)
		default:
			s.logger.Error("sweep failed to reactivate run",
				"kind", string(kind), "run_id", r.ID, "error", err)
		}
	}
}

// requeue moves a due scheduled run to queued and announces it.
func (s *Sweeper) requeue(ctx context.Context, r *run.Run) error {
	if err := s.machine.Requeue(ctx, r); err != nil {
		return err
	}
	if s.notifier != nil {
		msg := notify.ReadyMessage{
			RunID: r.ID, Name: r.Name, VersionID: r.VersionID, At: time.Now().UTC(),
		}
		if err := s.notifier.NotifyReady(ctx, msg); err != nil {
			// Workers poll the store; a lost announcement only adds latency.
			s.logger.Debug("ready notification failed", "run_id", r.ID, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) wake(now time.Time) func(context.Context, *run.Run) error {
	return func(ctx context.Context, r *run.Run) error {
		return s.machine.Wake(ctx, r, now)
	}
}

func (s *Sweeper) retryDue(now time.Time) func(context.Context, *run.Run) error {
	return func(ctx context.Context, r *run.Run) error {
		return s.machine.RetryDue(ctx, r, now)
	}
}

func (s *Sweeper) expireEvent(now time.Time) func(context.Context, *run.Run) error {
	return func(ctx context.Context, r *run.Run) error {
		return s.machine.ExpireEventWait(ctx, r, now)
	}
}

func (s *Sweeper) expireChild(now time.Time) func(context.Context, *run.Run) error {
	return func(ctx context.Context, r *run.Run) error {
		return s.machine.ExpireChildWait(ctx, r, now)
	}
}
