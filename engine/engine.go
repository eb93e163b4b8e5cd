// Package engine wires the subsystems together: the run machine, hook
// registry, handler registry, worker pool, sweeper, and scheduler. It is
// the single entry point an application embeds.
//
// The engine layer sits above every subsystem package and below the
// application, which is also where the cross-package adapters live: the
// hook registry plugs into the emitter interfaces that run and schedule
// declare for themselves.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/workloom/loom"
	"github.com/workloom/loom/hook"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/notify"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
	"github.com/workloom/loom/store"
	"github.com/workloom/loom/sweep"
	"github.com/workloom/loom/worker"
)

// Engine owns the full lifecycle of one orchestration node.
type Engine struct {
	cfg    loom.Config
	store  store.Store
	logger *slog.Logger

	hooks    *hook.Registry
	machine  *run.Machine
	registry *worker.Registry
	executor *worker.Executor
	pool     *worker.Pool
	sweeper  *sweep.Sweeper
	sched    *schedule.Scheduler

	// Notification plumbing. Defaults to the in-process broker; swap both
	// ends for the Redis implementations to run workers out of process.
	notifier notify.Notifier
	source   notify.Source
	broker   *notify.Broker

	mws []worker.Middleware

	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default tuning knobs.
func WithConfig(cfg loom.Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the logger for all subsystems.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithExtension registers a hook extension.
func WithExtension(ext hook.Extension) Option {
	return func(e *Engine) { e.hooks.Register(ext) }
}

// WithMiddleware adds handler middleware to the worker executor,
// outermost first.
func WithMiddleware(mws ...worker.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, mws...) }
}

// WithNotifier replaces the ready-run publisher (e.g. redisnotify).
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithSource replaces the worker-side notification source.
func WithSource(s notify.Source) Option {
	return func(e *Engine) { e.source = s }
}

// New creates an engine on the given store.
func New(st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, loom.ErrNoStore
	}

	e := &Engine{
		cfg:    loom.DefaultConfig(),
		store:  st,
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	e.hooks = hook.NewRegistry(e.logger)
	for _, opt := range opts {
		opt(e)
	}
	// Re-point the registry logger in case WithLogger ran after hooks
	// were created.
	e.hooks = cloneRegistry(e.hooks, e.logger)

	e.machine = run.NewMachine(st, e.logger, run.WithEmitter(e.hooks))
	e.registry = worker.NewRegistry()

	var execOpts []worker.ExecutorOption
	if len(e.mws) > 0 {
		execOpts = append(execOpts, worker.WithMiddleware(e.mws...))
	}
	e.executor = worker.NewExecutor(e.machine, e.registry, e.logger, execOpts...)

	if e.notifier == nil || e.source == nil {
		e.broker = notify.NewBroker(e.logger)
		if e.notifier == nil {
			e.notifier = e.broker
		}
	}

	e.sweeper = sweep.New(e.machine, e.logger,
		sweep.WithInterval(e.cfg.SweepInterval),
		sweep.WithBatch(e.cfg.SweepBatch),
		sweep.WithNotifier(e.notifier),
	)

	e.sched = schedule.NewScheduler(st, e.startOccurrence, e.hooks, e.logger,
		schedule.WithTickInterval(e.cfg.ScheduleTickInterval),
		schedule.WithLockTTL(e.cfg.ScheduleLockTTL),
	)

	return e, nil
}

// cloneRegistry rebuilds a registry on a new logger, keeping registered
// extensions.
func cloneRegistry(old *hook.Registry, logger *slog.Logger) *hook.Registry {
	fresh := hook.NewRegistry(logger)
	for _, ext := range old.Extensions() {
		fresh.Register(ext)
	}
	return fresh
}

// Register adds a workflow handler.
func (e *Engine) Register(name string, h worker.Handler, opts ...worker.RegisterOption) error {
	return e.registry.Register(name, h, opts...)
}

// Start migrates the store and launches the sweeper, scheduler, and
// worker pool.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}

	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("engine: migrate store: %w", err)
	}
	if err := e.store.Ping(ctx); err != nil {
		return fmt.Errorf("engine: ping store: %w", err)
	}

	// Workers subscribe to the workflows they can actually execute, one
	// topic per declared version. An undeclared version list means the
	// handler takes every version of its workflow.
	if e.source == nil && e.broker != nil {
		topics := make([]string, 0)
		for _, name := range e.registry.Names() {
			versions := e.registry.Versions(name)
			if len(versions) == 0 {
				topics = append(topics, notify.Topic(name, ""))
				continue
			}
			for _, v := range versions {
				topics = append(topics, notify.Topic(name, v))
			}
		}
		e.source = e.broker.Subscribe(topics...)
	}

	e.pool = worker.NewPool(e.machine, e.executor, e.logger,
		worker.WithConcurrency(e.cfg.WorkerConcurrency),
		worker.WithPollInterval(e.cfg.WorkerPollInterval),
		worker.WithSource(e.source),
	)

	e.sweeper.Start(ctx)
	if err := e.sched.Start(ctx); err != nil {
		return err
	}
	if err := e.pool.Start(ctx); err != nil {
		return err
	}

	e.started = true
	e.logger.Info("engine started",
		slog.Int("workers", e.cfg.WorkerConcurrency),
		slog.Int("workflows", len(e.registry.Names())),
	)
	return nil
}

// Stop gracefully shuts everything down: the pool drains in-flight runs,
// then the scheduler and sweeper stop, shutdown hooks fire, and the store
// closes.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started {
		return nil
	}
	e.started = false

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if err := e.pool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	e.sweeper.Stop()
	if e.broker != nil {
		if err := e.broker.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	e.hooks.EmitShutdown(ctx)

	if err := e.store.Close(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Machine exposes the run machine for advanced callers.
func (e *Engine) Machine() *run.Machine { return e.machine }

// Hooks exposes the hook registry.
func (e *Engine) Hooks() *hook.Registry { return e.hooks }

// Store exposes the backing store.
func (e *Engine) Store() store.Store { return e.store }

// StartRun creates a run. The sweeper queues it once its trigger time
// passes (immediately for the zero trigger).
func (e *Engine) StartRun(ctx context.Context, p run.CreateParams) (*run.Run, error) {
	return e.machine.Create(ctx, p)
}

// GetRun loads a run by ID.
func (e *Engine) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	return e.store.GetRun(ctx, runID)
}

// ListRuns lists runs, optionally filtered by status.
func (e *Engine) ListRuns(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	return e.store.ListRuns(ctx, opts)
}

// Transitions returns a run's append-only transition log.
func (e *Engine) Transitions(ctx context.Context, runID id.RunID) ([]*run.StateTransition, error) {
	return e.store.ListTransitions(ctx, runID)
}

// DeliverEvent delivers an external event to a run awaiting it.
func (e *Engine) DeliverEvent(ctx context.Context, runID id.RunID, name string, data []byte, reference string) (*run.Run, error) {
	return e.machine.DeliverEvent(ctx, runID, name, data, reference)
}

// CancelRun cooperatively cancels a run.
func (e *Engine) CancelRun(ctx context.Context, runID id.RunID) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return e.machine.Cancel(ctx, r)
}

// PauseRun administratively holds a run.
func (e *Engine) PauseRun(ctx context.Context, runID id.RunID) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return e.machine.Pause(ctx, r)
}

// ResumeRun releases a paused run.
func (e *Engine) ResumeRun(ctx context.Context, runID id.RunID) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return e.machine.Resume(ctx, r)
}

// RearmRun re-arms a terminal run for manual replay.
func (e *Engine) RearmRun(ctx context.Context, runID id.RunID) error {
	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return e.machine.Rearm(ctx, r)
}
