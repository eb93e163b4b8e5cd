package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, loom.ErrStoreClosed) {
		t.Fatalf("GetRun after Close: got %v, want ErrStoreClosed", err)
	}
}

func newRun(name, address string, status run.Status) *run.Run {
	now := time.Now().UTC()
	return &run.Run{
		ID:        id.NewRunID(),
		Address:   address,
		Name:      name,
		VersionID: "v1",
		InputHash: "hash",
		CreatedAt: now,
		UpdatedAt: now,
		Status:    status,
	}
}

func TestRunCreateAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRun("order", "order/v1/ref-1", run.StatusScheduled)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	dup := newRun("order", "order/v1/ref-1", run.StatusScheduled)
	if err := s.CreateRun(ctx, dup); !errors.Is(err, loom.ErrRunConflict) {
		t.Fatalf("duplicate address: got %v, want ErrRunConflict", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Address != r.Address {
		t.Fatalf("got address %q, want %q", got.Address, r.Address)
	}

	byAddr, err := s.GetRunByAddress(ctx, r.Address)
	if err != nil {
		t.Fatalf("GetRunByAddress: %v", err)
	}
	if byAddr.ID != r.ID {
		t.Fatalf("got run %s, want %s", byAddr.ID, r.ID)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, loom.ErrRunNotFound) {
		t.Fatalf("missing run: got %v, want ErrRunNotFound", err)
	}
	if _, err := s.GetRunByAddress(ctx, "nope"); !errors.Is(err, loom.ErrRunNotFound) {
		t.Fatalf("missing address: got %v, want ErrRunNotFound", err)
	}
}

func TestRunUpdateRevisionGuard(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRun("order", "order/v1/ref-2", run.StatusScheduled)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	// Two writers load revision 0.
	a, _ := s.GetRun(ctx, r.ID)
	b, _ := s.GetRun(ctx, r.ID)

	a.Status = run.StatusQueued
	if err := s.UpdateRun(ctx, a, 0); err != nil {
		t.Fatalf("first writer: %v", err)
	}
	if a.Revision != 1 {
		t.Fatalf("revision not reflected: got %d, want 1", a.Revision)
	}

	b.Status = run.StatusCancelled
	err := s.UpdateRun(ctx, b, 0)
	if !errors.Is(err, loom.ErrRevisionConflict) {
		t.Fatalf("second writer: got %v, want ErrRevisionConflict", err)
	}
	var conflict *loom.RevisionConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error type: got %T", err)
	}
	if conflict.Actual != 1 {
		t.Fatalf("conflict actual: got %d, want 1", conflict.Actual)
	}

	// The losing write left no trace.
	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != run.StatusQueued {
		t.Fatalf("status after conflict: got %s, want queued", got.Status)
	}
}

func TestRunUpdateAppendsTransitions(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRun("order", "order/v1/ref-3", run.StatusScheduled)
	tr0 := &run.StateTransition{
		ID: id.NewTransitionID(), RunID: r.ID, OwnerID: r.ID.String(),
		Kind: run.OwnerRun, From: "", To: "scheduled", CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateRun(ctx, r, tr0); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	r.Status = run.StatusQueued
	tr1 := &run.StateTransition{
		ID: id.NewTransitionID(), RunID: r.ID, OwnerID: r.ID.String(),
		Kind: run.OwnerRun, From: "scheduled", To: "queued", CreatedAt: time.Now().UTC(),
	}
	if err := s.UpdateRun(ctx, r, 0, tr1); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	log, err := s.ListTransitions(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListTransitions: %v", err)
	}
	if len(log) != 2 {
		t.Fatalf("transition count: got %d, want 2", len(log))
	}
	if log[0].To != "scheduled" || log[1].To != "queued" {
		t.Fatalf("transition order wrong: %s then %s", log[0].To, log[1].To)
	}
}

func TestRunClonesDoNotAlias(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	r := newRun("order", "order/v1/ref-4", run.StatusScheduled)
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	got.Status = run.StatusFailed

	again, _ := s.GetRun(ctx, r.ID)
	if again.Status != run.StatusScheduled {
		t.Fatalf("store row was aliased: got %s", again.Status)
	}
}

func TestListDue(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := newRun("a", "a/v1/1", run.StatusSleeping)
	due.AwakeAt = &past
	notYet := newRun("b", "b/v1/1", run.StatusSleeping)
	notYet.AwakeAt = &future
	wrongStatus := newRun("c", "c/v1/1", run.StatusRunning)

	for _, r := range []*run.Run{due, notYet, wrongStatus} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	got, err := s.ListDue(ctx, run.DueSleeping, now, 10)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(got) != 1 || got[0].ID != due.ID {
		t.Fatalf("ListDue returned %d runs, want just %s", len(got), due.ID)
	}
}

func TestListRunsFilterAndPage(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	for i, st := range []run.Status{run.StatusScheduled, run.StatusScheduled, run.StatusCompleted} {
		r := newRun("w", "w/v1/"+string(rune('a'+i)), st)
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}

	scheduled, err := s.ListRuns(ctx, run.ListOpts{Status: run.StatusScheduled})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(scheduled) != 2 {
		t.Fatalf("scheduled count: got %d, want 2", len(scheduled))
	}

	paged, err := s.ListRuns(ctx, run.ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("ListRuns paged: %v", err)
	}
	if len(paged) != 1 {
		t.Fatalf("paged count: got %d, want 1", len(paged))
	}
}

func newSchedule(name string) *schedule.Schedule {
	now := time.Now().UTC()
	next := now.Add(-time.Second)
	return &schedule.Schedule{
		ID:           id.NewScheduleID(),
		Name:         name,
		WorkflowName: "report",
		Spec:         schedule.Spec{Kind: schedule.KindInterval, Every: time.Minute},
		Status:       schedule.StatusActive,
		CreatedAt:    now,
		NextRunAt:    &next,
	}
}

func TestScheduleCRUD(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	sc := newSchedule("nightly")
	if err := s.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}
	if err := s.CreateSchedule(ctx, newSchedule("nightly")); !errors.Is(err, loom.ErrScheduleExists) {
		t.Fatalf("duplicate name: got %v, want ErrScheduleExists", err)
	}

	got, err := s.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Name != "nightly" {
		t.Fatalf("got name %q", got.Name)
	}

	due, err := s.ListDueSchedules(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("ListDueSchedules: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due count: got %d, want 1", len(due))
	}

	if err := s.DeleteSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	all, _ := s.ListSchedules(ctx)
	if len(all) != 0 {
		t.Fatalf("deleted schedule still listed")
	}

	// A deleted schedule frees its name.
	if err := s.CreateSchedule(ctx, newSchedule("nightly")); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
}

func TestScheduleLock(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	sc := newSchedule("locked")
	if err := s.CreateSchedule(ctx, sc); err != nil {
		t.Fatalf("CreateSchedule: %v", err)
	}

	ok, err := s.AcquireScheduleLock(ctx, sc.ID, "worker-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	ok, err = s.AcquireScheduleLock(ctx, sc.ID, "worker-b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("lock acquired by second owner while held")
	}

	// Re-entrant for the same owner.
	ok, _ = s.AcquireScheduleLock(ctx, sc.ID, "worker-a", time.Minute)
	if !ok {
		t.Fatal("holder could not refresh its own lock")
	}

	if err := s.ReleaseScheduleLock(ctx, sc.ID, "worker-b"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	ok, _ = s.AcquireScheduleLock(ctx, sc.ID, "worker-b", time.Minute)
	if ok {
		t.Fatal("foreign release should not free the lock")
	}

	if err := s.ReleaseScheduleLock(ctx, sc.ID, "worker-a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = s.AcquireScheduleLock(ctx, sc.ID, "worker-b", time.Minute)
	if !ok {
		t.Fatal("lock not acquirable after release")
	}
}
