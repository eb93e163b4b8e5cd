// Package metrics provides a hook extension that records lifecycle
// metrics through the OpenTelemetry metric API. Register it on the hook
// registry to track run creation, transition, completion, failure, task,
// and schedule rates.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/workloom/loom/hook"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

// Compile-time interface checks.
var (
	_ hook.Extension       = (*Extension)(nil)
	_ hook.RunCreated      = (*Extension)(nil)
	_ hook.RunTransitioned = (*Extension)(nil)
	_ hook.TaskStarted     = (*Extension)(nil)
	_ hook.TaskFinished    = (*Extension)(nil)
	_ hook.ScheduleFired   = (*Extension)(nil)
)

// Extension records lifecycle metrics. Counters carry the workflow name
// as an attribute; terminal transitions also carry the outcome status.
type Extension struct {
	runsCreated    metric.Int64Counter
	runsTransition metric.Int64Counter
	runsSettled    metric.Int64Counter
	tasksStarted   metric.Int64Counter
	tasksFinished  metric.Int64Counter
	schedulesFired metric.Int64Counter
	revisionPerRun metric.Int64Histogram
}

// New creates a metrics extension on the global meter provider.
func New() (*Extension, error) {
	return NewWithProvider(otel.GetMeterProvider())
}

// NewWithProvider creates a metrics extension on the given provider.
func NewWithProvider(mp metric.MeterProvider) (*Extension, error) {
	meter := mp.Meter("github.com/workloom/loom")

	var (
		e   Extension
		err error
	)
	if e.runsCreated, err = meter.Int64Counter("loom.runs.created"); err != nil {
		return nil, err
	}
	if e.runsTransition, err = meter.Int64Counter("loom.runs.transitions"); err != nil {
		return nil, err
	}
	if e.runsSettled, err = meter.Int64Counter("loom.runs.settled"); err != nil {
		return nil, err
	}
	if e.tasksStarted, err = meter.Int64Counter("loom.tasks.started"); err != nil {
		return nil, err
	}
	if e.tasksFinished, err = meter.Int64Counter("loom.tasks.finished"); err != nil {
		return nil, err
	}
	if e.schedulesFired, err = meter.Int64Counter("loom.schedules.fired"); err != nil {
		return nil, err
	}
	if e.revisionPerRun, err = meter.Int64Histogram("loom.runs.revisions"); err != nil {
		return nil, err
	}
	return &e, nil
}

// Name implements hook.Extension.
func (e *Extension) Name() string { return "otel-metrics" }

// OnRunCreated implements hook.RunCreated. The counter is keyed by
// workflow name and version, giving the per-version run totals.
func (e *Extension) OnRunCreated(ctx context.Context, r *run.Run) error {
	e.runsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", r.Name),
		attribute.String("version", r.VersionID),
	))
	return nil
}

// OnRunTransitioned implements hook.RunTransitioned.
func (e *Extension) OnRunTransitioned(ctx context.Context, r *run.Run, _, to run.Status) error {
	e.runsTransition.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", r.Name),
		attribute.String("to", string(to)),
	))
	if to.Terminal() {
		e.runsSettled.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow", r.Name),
			attribute.String("status", string(to)),
		))
		e.revisionPerRun.Record(ctx, int64(r.Revision), metric.WithAttributes(
			attribute.String("workflow", r.Name),
		))
	}
	return nil
}

// OnTaskStarted implements hook.TaskStarted.
func (e *Extension) OnTaskStarted(ctx context.Context, r *run.Run, t *run.Task) error {
	e.tasksStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", r.Name),
		attribute.String("task", t.Name),
	))
	return nil
}

// OnTaskFinished implements hook.TaskFinished.
func (e *Extension) OnTaskFinished(ctx context.Context, r *run.Run, t *run.Task) error {
	e.tasksFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", r.Name),
		attribute.String("task", t.Name),
		attribute.String("status", string(t.Status)),
	))
	return nil
}

// OnScheduleFired implements hook.ScheduleFired.
func (e *Extension) OnScheduleFired(ctx context.Context, s *schedule.Schedule, _ time.Time, _ id.RunID) error {
	e.schedulesFired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("schedule", s.Name),
		attribute.String("workflow", s.WorkflowName),
	))
	return nil
}
