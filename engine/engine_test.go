package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/engine"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
	"github.com/workloom/loom/store/memory"
	"github.com/workloom/loom/worker"
)

func fastConfig() loom.Config {
	cfg := loom.DefaultConfig()
	cfg.SweepInterval = 5 * time.Millisecond
	cfg.ScheduleTickInterval = 5 * time.Millisecond
	cfg.WorkerPollInterval = 5 * time.Millisecond
	cfg.WorkerConcurrency = 2
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	e, err := engine.New(memory.New(), engine.WithConfig(fastConfig()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func waitForStatus(t *testing.T, e *engine.Engine, r *run.Run, want run.Status) *run.Run {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := e.GetRun(ctx, r.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := e.GetRun(ctx, r.ID)
	t.Fatalf("run never reached %s, stuck at %s", want, got.Status)
	return nil
}

func TestEngineRequiresStore(t *testing.T) {
	t.Parallel()
	if _, err := engine.New(nil); !errors.Is(err, loom.ErrNoStore) {
		t.Fatalf("got %v, want ErrNoStore", err)
	}
}

func TestEngineEndToEnd(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()

	err := e.Register("double", func(_ context.Context, wc *worker.Context) (json.RawMessage, error) {
		var in struct {
			N int `json:"n"`
		}
		if err := wc.In(&in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]int{"result": in.N * 2})
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		if err := e.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	}()

	r, err := e.StartRun(ctx, run.CreateParams{
		Name: "double", VersionID: "v1",
		Input: json.RawMessage(`{"n": 21}`),
	})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	final := waitForStatus(t, e, r, run.StatusCompleted)
	if string(final.Output) != `{"result":42}` {
		t.Fatalf("output = %s", final.Output)
	}

	// The full path is on the transition log.
	log, err := e.Transitions(ctx, r.ID)
	if err != nil {
		t.Fatalf("Transitions: %v", err)
	}
	if len(log) < 4 {
		t.Fatalf("transition log too short: %d entries", len(log))
	}
}

func TestEngineSuspendAndEvent(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()

	err := e.Register("approval", func(hctx context.Context, wc *worker.Context) (json.RawMessage, error) {
		evt, err := wc.WaitEvent(hctx, "approved", 0)
		if err != nil {
			return nil, err
		}
		return evt.Data, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(ctx)

	r, err := e.StartRun(ctx, run.CreateParams{Name: "approval", VersionID: "v1"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	waitForStatus(t, e, r, run.StatusAwaitingEvent)

	if _, err := e.DeliverEvent(ctx, r.ID, "approved", []byte(`{"ok": true}`), "evt-9"); err != nil {
		t.Fatalf("DeliverEvent: %v", err)
	}

	final := waitForStatus(t, e, r, run.StatusCompleted)
	if string(final.Output) != `{"ok": true}` {
		t.Fatalf("output = %s", final.Output)
	}
}

func TestEngineScheduleFires(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()

	ran := make(chan struct{}, 10)
	err := e.Register("tick", func(context.Context, *worker.Context) (json.RawMessage, error) {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(ctx)

	_, err = e.CreateSchedule(ctx, engine.ScheduleParams{
		Name:         "heartbeat",
		WorkflowName: "tick",
		Spec:         schedule.Spec{Kind: schedule.KindInterval, Every: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled workflow never ran")
	}
}

func TestEngineScheduleValidation(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	_, err := e.CreateSchedule(context.Background(), engine.ScheduleParams{
		Name:         "bad",
		WorkflowName: "tick",
		Spec:         schedule.Spec{Kind: schedule.KindCron, Cron: "not a cron"},
	})
	if err == nil {
		t.Fatal("invalid spec accepted")
	}
}

func TestEnginePauseResume(t *testing.T) {
	t.Parallel()
	e := newEngine(t)
	ctx := context.Background()

	// No Start: drive manually so the run stays put.
	r, err := e.StartRun(ctx, run.CreateParams{Name: "held", VersionID: "v1"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if err := e.PauseRun(ctx, r.ID); err != nil {
		t.Fatalf("PauseRun: %v", err)
	}
	got, _ := e.GetRun(ctx, r.ID)
	if got.Status != run.StatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}

	if err := e.ResumeRun(ctx, r.ID); err != nil {
		t.Fatalf("ResumeRun: %v", err)
	}
	got, _ = e.GetRun(ctx, r.ID)
	if got.Status != run.StatusScheduled {
		t.Fatalf("status = %s, want scheduled", got.Status)
	}
}
