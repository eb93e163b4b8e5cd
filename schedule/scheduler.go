package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/workloom/loom/id"
)

// StartFunc is the callback the scheduler uses to start a run for a due
// occurrence. The engine provides the implementation; for
// OverlapCancelPrevious it must cancel the schedule's previous run (if
// still active) before creating the new one.
type StartFunc func(ctx context.Context, s *Schedule, occurrence time.Time) (id.RunID, error)

// Emitter emits schedule lifecycle events. hook.Registry satisfies this
// interface.
type Emitter interface {
	EmitScheduleFired(ctx context.Context, s *Schedule, occurrence time.Time, runID id.RunID)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due schedules.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLockTTL sets the TTL for per-schedule firing locks.
func WithLockTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.lockTTL = d }
}

// WithBatch sets the maximum number of due schedules processed per tick.
func WithBatch(n int) SchedulerOption {
	return func(s *Scheduler) { s.batch = n }
}

// Scheduler fires due schedule occurrences on a tick loop. Multiple
// processes may run a Scheduler concurrently; per-schedule locks in the
// store prevent double-firing.
type Scheduler struct {
	store   Store
	start   StartFunc
	emitter Emitter
	ownerID id.WorkerID
	logger  *slog.Logger

	tickInterval time.Duration
	lockTTL      time.Duration
	batch        int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	store Store,
	start StartFunc,
	emitter Emitter,
	logger *slog.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:        store,
		start:        start,
		emitter:      emitter,
		ownerID:      id.NewWorkerID(),
		logger:       logger,
		tickInterval: 1 * time.Second,
		lockTTL:      30 * time.Second,
		batch:        100,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick goroutine.
func (s *Scheduler) Start(_ context.Context) error {
	s.wg.Add(1)
	go s.tickLoop()
	s.logger.Info("scheduler started",
		slog.String("owner_id", s.ownerID.String()),
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop to finish.
func (s *Scheduler) Stop(_ context.Context) error {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(context.Background())
		}
	}
}

// Tick processes all currently due schedules once. Exported so tests and
// embedding services can drive the scheduler without the tick goroutine.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.ListDueSchedules(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("list due schedules error", slog.String("error", err.Error()))
		return
	}

	for _, sched := range due {
		if sched.Status != StatusActive {
			continue
		}
		s.fire(ctx, sched, now)
	}
}

// fire triggers every due occurrence of one schedule and advances its
// bookkeeping. Occurrence selection honors the spec's overlap policy.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) {
	acquired, err := s.store.AcquireScheduleLock(ctx, sched.ID, s.ownerID.String(), s.lockTTL)
	if err != nil {
		s.logger.Error("acquire schedule lock error",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !acquired {
		return // Another scheduler got it.
	}
	defer func() {
		if relErr := s.store.ReleaseScheduleLock(ctx, sched.ID, s.ownerID.String()); relErr != nil {
			s.logger.Error("release schedule lock error",
				slog.String("schedule_id", sched.ID.String()),
				slog.String("error", relErr.Error()),
			)
		}
	}()

	// Another scheduler may have fired and advanced the bookkeeping
	// between our due listing and the lock grab. Work from the committed
	// row and re-check that it is still due.
	fresh, err := s.store.GetSchedule(ctx, sched.ID)
	if err != nil {
		s.logger.Error("reload schedule error",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	sched = fresh
	if sched.Status != StatusActive || sched.NextRunAt == nil || sched.NextRunAt.After(now) {
		return
	}

	occurrences, err := sched.Spec.Occurrences(sched.Anchor(), now)
	if err != nil {
		s.logger.Error("compute occurrences error",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	fired := 0
	for _, occ := range occurrences {
		runID, startErr := s.start(ctx, sched, occ)
		if startErr != nil {
			s.logger.Error("schedule start error",
				slog.String("schedule_id", sched.ID.String()),
				slog.String("workflow", sched.WorkflowName),
				slog.Time("occurrence", occ),
				slog.String("error", startErr.Error()),
			)
			break
		}

		fired++
		last := occ
		sched.LastOccurrence = &last
		sched.LastRunID = runID

		if s.emitter != nil {
			s.emitter.EmitScheduleFired(ctx, sched, occ, runID)
		}

		s.logger.Info("schedule fired",
			slog.String("schedule", sched.Name),
			slog.String("workflow", sched.WorkflowName),
			slog.Time("occurrence", occ),
			slog.String("run_id", runID.String()),
		)
	}

	if fired == 0 && len(occurrences) > 0 {
		return // Nothing advanced; keep NextRunAt so the next tick retries.
	}

	sched.RunCount += int64(fired)
	next, nextErr := sched.Spec.Next(sched.Anchor())
	if nextErr != nil {
		s.logger.Error("compute next occurrence error",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", nextErr.Error()),
		)
	} else if !next.IsZero() {
		sched.NextRunAt = &next
	}

	if updateErr := s.store.UpdateSchedule(ctx, sched); updateErr != nil {
		s.logger.Error("update schedule error",
			slog.String("schedule_id", sched.ID.String()),
			slog.String("error", updateErr.Error()),
		)
	}
}
