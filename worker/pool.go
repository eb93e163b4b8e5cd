package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/notify"
	"github.com/workloom/loom/run"
)

// Pool manages a set of concurrent goroutines that claim queued runs and
// execute them. Each goroutine blocks on the notification source for low
// latency, and falls back to polling the store so work is never lost to a
// dropped message.
type Pool struct {
	machine  *run.Machine
	executor *Executor
	source   notify.Source
	logger   *slog.Logger

	concurrency  int
	pollInterval time.Duration
	limiter      *rate.Limiter
	workerID     id.WorkerID

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of concurrent worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets the store poll fallback interval.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithSource attaches a notification source for low-latency wakeups.
func WithSource(s notify.Source) PoolOption {
	return func(p *Pool) { p.source = s }
}

// WithRateLimit caps run starts across the pool at r per second with the
// given burst. Zero r means unlimited.
func WithRateLimit(r float64, burst int) PoolOption {
	return func(p *Pool) {
		if r > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(r), burst)
		}
	}
}

// NewPool creates a worker pool.
func NewPool(machine *run.Machine, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		machine:      machine,
		executor:     executor,
		logger:       logger,
		concurrency:  10,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		stopCh:       make(chan struct{}),
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context has a deadline, active runs are cancelled when time runs out;
// a cancelled handler leaves its run durably recoverable.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active runs")
		p.cancelActive()
		p.wg.Wait()
	}

	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

// claimLoop is run by each worker goroutine.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		r := p.next()
		if r == nil {
			continue
		}

		if p.limiter != nil {
			if err := p.waitLimiter(); err != nil {
				return
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		p.track(r.ID.String(), cancel)

		if err := p.executor.Execute(ctx, r); err != nil {
			p.logger.Debug("run execution errored",
				slog.String("run_id", r.ID.String()),
				slog.String("workflow", r.Name),
				slog.String("error", err.Error()),
			)
		}

		p.untrack(r.ID.String())
		cancel()
	}
}

// next blocks for the next claimable queued run, preferring notifications
// and falling back to a store poll each interval.
func (p *Pool) next() *run.Run {
	ctx := context.Background()

	if p.source != nil {
		msg, err := p.source.Next(ctx, p.pollInterval)
		if err != nil {
			p.logger.Error("notification source error", slog.String("error", err.Error()))
			p.sleep()
		}
		if msg != nil {
			r, getErr := p.machine.Store().GetRun(ctx, msg.RunID)
			if getErr == nil && r.Status == run.StatusQueued {
				return r
			}
			if getErr != nil && !errors.Is(getErr, loom.ErrRunNotFound) {
				p.logger.Error("failed to load notified run",
					slog.String("run_id", msg.RunID.String()),
					slog.String("error", getErr.Error()),
				)
			}
			return nil
		}
		// Timeout: fall through to the poll below.
	} else {
		p.sleep()
	}

	runs, err := p.machine.Store().ListRuns(ctx, run.ListOpts{Status: run.StatusQueued, Limit: 1})
	if err != nil {
		p.logger.Error("poll error", slog.String("error", err.Error()))
		return nil
	}
	if len(runs) == 0 {
		return nil
	}
	return runs[0]
}

func (p *Pool) waitLimiter() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return p.limiter.Wait(ctx)
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) track(runID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[runID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(runID string) {
	p.activeMu.Lock()
	delete(p.active, runID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for runID, cancel := range p.active {
		p.logger.Warn("cancelling active run", slog.String("run_id", runID))
		cancel()
	}
}
