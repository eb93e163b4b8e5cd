package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/identity"
	"github.com/workloom/loom/retry"
)

// Emitter emits run and task lifecycle events. hook.Registry satisfies
// this interface; the interface lives here to break the import cycle.
type Emitter interface {
	EmitRunCreated(ctx context.Context, r *Run)
	EmitRunTransitioned(ctx context.Context, r *Run, from, to Status)
	EmitTaskStarted(ctx context.Context, r *Run, t *Task)
	EmitTaskFinished(ctx context.Context, r *Run, t *Task)
}

// parentRegisterAttempts bounds the CAS retry loop when registering a new
// child run under its parent's child map.
const parentRegisterAttempts = 5

// Machine drives the workflow-run and task state machines. It holds no
// run state itself: every operation loads, validates against the
// transition tables, and commits through the store's revision-guarded
// update. Machines on many processes may race on the same run; losers
// receive a RevisionConflictError and reload.
type Machine struct {
	store   Store
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides the machine's time source. Tests use this to drive
// deadlines deterministically.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithEmitter sets the lifecycle event emitter.
func WithEmitter(e Emitter) MachineOption {
	return func(m *Machine) { m.emitter = e }
}

// NewMachine creates a Machine on top of the given store.
func NewMachine(store Store, logger *slog.Logger, opts ...MachineOption) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying run store.
func (m *Machine) Store() Store { return m.store }

// ConflictPolicy selects behavior when Create finds an existing run at the
// same address with different input.
type ConflictPolicy string

const (
	// ConflictError fails the create with a RunConflictError. Default.
	ConflictError ConflictPolicy = "error"
	// ConflictUseExisting returns the existing run unchanged.
	ConflictUseExisting ConflictPolicy = "use_existing"
)

// Trigger selects when a newly created run becomes due. The zero value
// means immediately.
type Trigger struct {
	// Delay schedules the run at now+Delay.
	Delay time.Duration
	// StartAt schedules the run at an absolute time. Takes precedence
	// over Delay when set.
	StartAt time.Time
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	Name      string
	VersionID string
	Input     json.RawMessage

	// ReferenceID is the caller-supplied idempotency key. When empty the
	// input's content hash substitutes for it.
	ReferenceID string

	// OnConflict selects behavior for a reference collision with
	// differing input. Empty means ConflictError.
	OnConflict ConflictPolicy

	Trigger Trigger

	// ParentRunID links the new run under a parent's child map.
	ParentRunID id.RunID
}

// Create resolves the run's identity and persists a new scheduled run, or
// returns the existing run when the same reference and input are replayed.
// A reference collision with differing input resolves via OnConflict.
func (m *Machine) Create(ctx context.Context, p CreateParams) (*Run, error) {
	inputHash, err := identity.HashJSON(p.Input)
	if err != nil {
		return nil, err
	}

	ref := p.ReferenceID
	if ref == "" {
		ref = inputHash
	}
	address := identity.RunAddress(p.Name, p.VersionID, ref)

	existing, err := m.store.GetRunByAddress(ctx, address)
	switch {
	case err == nil:
		return resolveExisting(existing, address, inputHash, p.OnConflict)
	case errors.Is(err, loom.ErrRunNotFound):
		// New run.
	default:
		return nil, err
	}

	now := m.now()
	scheduledAt := now
	if !p.Trigger.StartAt.IsZero() {
		scheduledAt = p.Trigger.StartAt
	} else if p.Trigger.Delay > 0 {
		scheduledAt = now.Add(p.Trigger.Delay)
	}

	r := &Run{
		ID:          id.NewRunID(),
		Address:     address,
		Name:        p.Name,
		VersionID:   p.VersionID,
		Input:       p.Input,
		InputHash:   inputHash,
		CreatedAt:   now,
		UpdatedAt:   now,
		Revision:    0,
		Status:      StatusScheduled,
		ScheduledAt: &scheduledAt,
	}
	if !p.ParentRunID.IsNil() {
		parent := p.ParentRunID
		r.ParentRunID = &parent
	}

	tr := m.newTransition(r.ID, r.ID.String(), OwnerRun, "", string(StatusScheduled), "created")
	if err := m.store.CreateRun(ctx, r, tr); err != nil {
		// A concurrent creator can commit the same address between our
		// lookup and this insert. Reload and resolve against the run that
		// actually won; an identical replay still dedupes.
		if errors.Is(err, loom.ErrRunConflict) {
			existing, getErr := m.store.GetRunByAddress(ctx, address)
			if getErr != nil {
				return nil, getErr
			}
			return resolveExisting(existing, address, inputHash, p.OnConflict)
		}
		return nil, err
	}

	if r.ParentRunID != nil {
		if regErr := m.registerChild(ctx, *r.ParentRunID, r); regErr != nil {
			return nil, fmt.Errorf("register child %s under parent %s: %w", r.ID, *r.ParentRunID, regErr)
		}
	}

	if m.emitter != nil {
		m.emitter.EmitRunCreated(ctx, r)
	}

	return r, nil
}

// resolveExisting applies the replay and conflict rules to the run
// already occupying an address: an identical input is an idempotent
// replay, a differing input resolves via the conflict policy.
func resolveExisting(existing *Run, address, inputHash string, policy ConflictPolicy) (*Run, error) {
	if existing.InputHash == inputHash {
		return existing, nil // Idempotent replay.
	}
	if policy == ConflictUseExisting {
		return existing, nil
	}

	return nil, &loom.RunConflictError{RunID: existing.ID.String(), Address: address}
}

// registerChild adds the new run to its parent's child map under a
// bounded CAS retry loop. The parent row must already exist.
func (m *Machine) registerChild(ctx context.Context, parentID id.RunID, child *Run) error {
	var lastErr error
	for range parentRegisterAttempts {
		parent, err := m.store.GetRun(ctx, parentID)
		if err != nil {
			return err
		}

		if parent.Children == nil {
			parent.Children = make(map[string]ChildRef)
		}
		parent.Children[child.Address] = ChildRef{
			RunID:   child.ID,
			Address: child.Address,
			Status:  child.Status,
		}
		parent.UpdatedAt = m.now()

		lastErr = m.store.UpdateRun(ctx, parent, parent.Revision)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, loom.ErrRevisionConflict) {
			return lastErr
		}
	}

	return lastErr
}

// Transition validates and commits a run transition keyed on the caller's
// expected revision. This is the raw protocol surface; the named
// operations below are built on the same path.
func (m *Machine) Transition(
	ctx context.Context,
	runID id.RunID,
	expectedRevision uint64,
	from, to Status,
	apply func(*Run),
) (*Run, error) {
	if err := ValidateTransition(runID, from, to); err != nil {
		return nil, err
	}

	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Revision != expectedRevision {
		return nil, &loom.RevisionConflictError{
			RunID:    runID.String(),
			Expected: expectedRevision,
			Actual:   r.Revision,
		}
	}
	if r.Status != from {
		return nil, &loom.InvalidTransitionError{
			RunID: runID.String(),
			From:  string(r.Status),
			To:    string(to),
		}
	}

	if err := m.commit(ctx, r, to, "", apply); err != nil {
		return nil, err
	}

	return r, nil
}

// commit applies a validated transition to a loaded run and persists it.
// r must carry the revision the caller read.
func (m *Machine) commit(ctx context.Context, r *Run, to Status, note string, apply func(*Run)) error {
	from := r.Status
	if err := ValidateTransition(r.ID, from, to); err != nil {
		return err
	}

	expected := r.Revision
	if apply != nil {
		apply(r)
	}
	r.Status = to
	r.UpdatedAt = m.now()

	tr := m.newTransition(r.ID, r.ID.String(), OwnerRun, string(from), string(to), note)
	if err := m.store.UpdateRun(ctx, r, expected, tr); err != nil {
		return err
	}

	if m.emitter != nil {
		m.emitter.EmitRunTransitioned(ctx, r, from, to)
	}

	return nil
}

// Requeue moves a due scheduled run to queued, making it visible to
// workers. Called by the sweep once ScheduledAt passes.
func (m *Machine) Requeue(ctx context.Context, r *Run) error {
	return m.commit(ctx, r, StatusQueued, "due", nil)
}

// Begin moves a queued run to running and counts the attempt. Called by
// the worker that claims the run.
func (m *Machine) Begin(ctx context.Context, r *Run) error {
	return m.commit(ctx, r, StatusRunning, "", func(r *Run) {
		r.Attempts++
	})
}

// Complete finishes a run successfully with its output.
func (m *Machine) Complete(ctx context.Context, r *Run, output json.RawMessage) error {
	return m.commit(ctx, r, StatusCompleted, "", func(r *Run) {
		r.Output = output
		r.Error = ""
	})
}

// Fail finishes a run terminally with the causing error.
func (m *Machine) Fail(ctx context.Context, r *Run, cause error) error {
	return m.commit(ctx, r, StatusFailed, "", func(r *Run) {
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// Pause administratively holds a run.
func (m *Machine) Pause(ctx context.Context, r *Run) error {
	return m.commit(ctx, r, StatusPaused, "", nil)
}

// Resume releases a paused run back to scheduled.
func (m *Machine) Resume(ctx context.Context, r *Run) error {
	now := m.now()

	return m.commit(ctx, r, StatusScheduled, "resumed", func(r *Run) {
		r.ScheduledAt = &now
	})
}

// Cancel cooperatively cancels a run. Pending sleeps are marked cancelled
// and wait bookkeeping is cleared; a handler resuming after the cancel
// observes it on its next state read, never via interruption.
func (m *Machine) Cancel(ctx context.Context, r *Run) error {
	return m.commit(ctx, r, StatusCancelled, "", func(r *Run) {
		for i := range r.SleepQueue {
			if r.SleepQueue[i].Status == SleepPending {
				r.SleepQueue[i].Status = SleepCancelled
			}
		}
		r.WaitingEvent = ""
		r.WaitingChild = ""
		r.AwakeAt = nil
		r.TimeoutAt = nil
		r.NextAttemptAt = nil
	})
}

// Rearm explicitly re-arms a terminal run back to scheduled for manual
// replay.
func (m *Machine) Rearm(ctx context.Context, r *Run) error {
	if !r.Status.Terminal() {
		return &loom.InvalidTransitionError{
			RunID: r.ID.String(),
			From:  string(r.Status),
			To:    string(StatusScheduled),
		}
	}
	now := m.now()

	return m.commit(ctx, r, StatusScheduled, "rearmed", func(r *Run) {
		r.ScheduledAt = &now
		r.Output = nil
		r.Error = ""
	})
}

// Sleep suspends a running run on a durable timer. The absolute wake time
// is persisted so the sweep can reactivate the run even if this process
// dies.
func (m *Machine) Sleep(ctx context.Context, r *Run, sleepID string, d time.Duration) error {
	now := m.now()
	awakeAt := now.Add(d)

	return m.commit(ctx, r, StatusSleeping, "", func(r *Run) {
		r.SleepQueue = append(r.SleepQueue, SleepState{
			ID:        sleepID,
			Status:    SleepPending,
			CreatedAt: now,
			AwakeAt:   awakeAt,
		})
		earliest := awakeAt
		for _, s := range r.SleepQueue {
			if s.Status == SleepPending && s.AwakeAt.Before(earliest) {
				earliest = s.AwakeAt
			}
		}
		r.AwakeAt = &earliest
	})
}

// Wake reactivates a sleeping run whose wake time has passed, completing
// the due sleep entries with their elapsed duration.
func (m *Machine) Wake(ctx context.Context, r *Run, now time.Time) error {
	return m.commit(ctx, r, StatusScheduled, "woke", func(r *Run) {
		var earliest *time.Time
		for i := range r.SleepQueue {
			s := &r.SleepQueue[i]
			if s.Status != SleepPending {
				continue
			}
			if !s.AwakeAt.After(now) {
				s.Status = SleepCompleted
				s.Elapsed = now.Sub(s.CreatedAt)
				continue
			}
			if earliest == nil || s.AwakeAt.Before(*earliest) {
				at := s.AwakeAt
				earliest = &at
			}
		}
		r.AwakeAt = earliest
		r.ScheduledAt = &now
	})
}

// WaitForEvent suspends a running run until a named event arrives. A zero
// timeout waits indefinitely; otherwise the wait expires at now+timeout
// and the sweep appends a timeout entry instead of data.
func (m *Machine) WaitForEvent(ctx context.Context, r *Run, eventName string, timeout time.Duration) error {
	now := m.now()

	return m.commit(ctx, r, StatusAwaitingEvent, "", func(r *Run) {
		r.WaitingEvent = eventName
		if timeout > 0 {
			deadline := now.Add(timeout)
			r.TimeoutAt = &deadline
		} else {
			r.TimeoutAt = nil
		}
	})
}

// DeliverEvent appends a received entry to the named event queue of an
// awaiting run and reactivates it. Returns ErrNotAwaitingEvent if the run
// is not suspended on that event.
func (m *Machine) DeliverEvent(ctx context.Context, runID id.RunID, eventName string, data json.RawMessage, reference string) (*Run, error) {
	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusAwaitingEvent || r.WaitingEvent != eventName {
		return nil, loom.ErrNotAwaitingEvent
	}

	now := m.now()
	err = m.commit(ctx, r, StatusScheduled, "event "+eventName, func(r *Run) {
		if r.EventWaits == nil {
			r.EventWaits = make(map[string][]EventState)
		}
		r.EventWaits[eventName] = append(r.EventWaits[eventName], EventState{
			Kind:       EventReceived,
			Data:       data,
			Reference:  reference,
			ReceivedAt: now,
		})
		r.WaitingEvent = ""
		r.TimeoutAt = nil
		r.ScheduledAt = &now
	})
	if err != nil {
		return nil, err
	}

	return r, nil
}

// ExpireEventWait reactivates an awaiting run whose wait deadline passed,
// appending a timeout entry. The resuming handler distinguishes delivery
// from expiry by the entry kind.
func (m *Machine) ExpireEventWait(ctx context.Context, r *Run, now time.Time) error {
	eventName := r.WaitingEvent

	return m.commit(ctx, r, StatusScheduled, "event timeout", func(r *Run) {
		if r.EventWaits == nil {
			r.EventWaits = make(map[string][]EventState)
		}
		r.EventWaits[eventName] = append(r.EventWaits[eventName], EventState{
			Kind:       EventTimedOut,
			TimedOutAt: now,
		})
		r.WaitingEvent = ""
		r.TimeoutAt = nil
		r.ScheduledAt = &now
	})
}

// AwaitChild suspends a running run until the referenced child reaches a
// terminal status or the deadline passes. The child must already be
// registered in the run's child map.
func (m *Machine) AwaitChild(ctx context.Context, r *Run, childAddress string, deadline time.Duration) error {
	if _, ok := r.Children[childAddress]; !ok {
		return loom.ErrUnknownChild
	}
	now := m.now()

	return m.commit(ctx, r, StatusAwaitingChild, "", func(r *Run) {
		r.WaitingChild = childAddress
		if deadline > 0 {
			at := now.Add(deadline)
			r.TimeoutAt = &at
		} else {
			r.TimeoutAt = nil
		}
	})
}

// ResolveChild records a child's observed status on the parent and
// reactivates the parent if it is suspended on that child and the child
// reached a terminal status. Safe to call for parents that are not
// waiting; the child map is updated either way.
func (m *Machine) ResolveChild(ctx context.Context, parentID id.RunID, childAddress string, childStatus Status) error {
	parent, err := m.store.GetRun(ctx, parentID)
	if err != nil {
		return err
	}
	ref, ok := parent.Children[childAddress]
	if !ok {
		return loom.ErrUnknownChild
	}

	waiting := parent.Status == StatusAwaitingChild &&
		parent.WaitingChild == childAddress &&
		childStatus.Terminal()

	if waiting {
		now := m.now()

		return m.commit(ctx, parent, StatusScheduled, "child "+string(childStatus), func(r *Run) {
			ref.Status = childStatus
			r.Children[childAddress] = ref
			r.WaitingChild = ""
			r.TimeoutAt = nil
			r.ScheduledAt = &now
		})
	}

	// Not waiting: guarded map update without a status transition.
	ref.Status = childStatus
	parent.Children[childAddress] = ref
	parent.UpdatedAt = m.now()

	return m.store.UpdateRun(ctx, parent, parent.Revision)
}

// ExpireChildWait reactivates a parent whose child-wait deadline passed.
// The handler observes the child's last known status in the child map.
func (m *Machine) ExpireChildWait(ctx context.Context, r *Run, now time.Time) error {
	return m.commit(ctx, r, StatusScheduled, "child wait timeout", func(r *Run) {
		r.WaitingChild = ""
		r.TimeoutAt = nil
		r.ScheduledAt = &now
	})
}

// ScheduleRetry consults the retry policy after a retryable run-level
// failure: if budget remains the run suspends in awaiting_retry until
// NextAttemptAt; if exhausted it fails terminally with the original error.
func (m *Machine) ScheduleRetry(ctx context.Context, r *Run, cause error, pol retry.Policy) error {
	delay, ok := pol.Next(r.Attempts)
	if !ok {
		return m.Fail(ctx, r, cause)
	}

	nextAt := m.now().Add(delay)

	return m.commit(ctx, r, StatusAwaitingRetry, "", func(r *Run) {
		r.NextAttemptAt = &nextAt
		if cause != nil {
			r.Error = cause.Error()
		}
	})
}

// RetryDue moves an awaiting_retry run whose delay elapsed back to
// scheduled.
func (m *Machine) RetryDue(ctx context.Context, r *Run, now time.Time) error {
	return m.commit(ctx, r, StatusScheduled, "retry due", func(r *Run) {
		r.NextAttemptAt = nil
		r.ScheduledAt = &now
	})
}

func (m *Machine) newTransition(runID id.RunID, ownerID string, kind OwnerKind, from, to, note string) *StateTransition {
	return &StateTransition{
		ID:        id.NewTransitionID(),
		RunID:     runID,
		OwnerID:   ownerID,
		Kind:      kind,
		From:      from,
		To:        to,
		Note:      note,
		CreatedAt: m.now(),
	}
}
