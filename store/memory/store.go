// Package memory provides a fully in-memory store backend. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/workloom/loom"
	"github.com/workloom/loom/id"
	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

// Ensure Store implements store.Store at compile time. We can't import
// store here (import cycle), so each subsystem interface is verified.
var (
	_ run.Store      = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store. All reads hand out
// deep clones so callers never alias the rows held here; UpdateRun carries
// the same revision-guarded semantics as the Postgres backend.
type Store struct {
	mu sync.RWMutex

	runs        map[string]*run.Run               // key: run ID
	byAddress   map[string]string                 // run address -> run ID
	transitions map[string][]*run.StateTransition // key: run ID
	schedules   map[string]*schedule.Schedule

	closed bool
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:        make(map[string]*run.Run),
		byAddress:   make(map[string]string),
		transitions: make(map[string][]*run.StateTransition),
		schedules:   make(map[string]*schedule.Schedule),
	}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close marks the store closed. Subsequent operations fail with
// ErrStoreClosed.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Run store
// ──────────────────────────────────────────────────

// CreateRun persists a new run at revision 0 and appends its initial
// transitions.
func (m *Store) CreateRun(_ context.Context, r *run.Run, transitions ...*run.StateTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	if existingID, ok := m.byAddress[r.Address]; ok {
		return &loom.RunConflictError{RunID: existingID, Address: r.Address}
	}

	key := r.ID.String()
	m.runs[key] = r.Clone()
	m.byAddress[r.Address] = key
	m.appendTransitions(key, transitions)
	return nil
}

// GetRun retrieves a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, loom.ErrRunNotFound
	}
	return r.Clone(), nil
}

// GetRunByAddress retrieves a run by its derived address key.
func (m *Store) GetRunByAddress(_ context.Context, address string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	key, ok := m.byAddress[address]
	if !ok {
		return nil, loom.ErrRunNotFound
	}
	return m.runs[key].Clone(), nil
}

// UpdateRun commits r conditioned on the stored revision matching
// expectedRevision, bumping the revision by 1 and appending the given
// transitions atomically.
func (m *Store) UpdateRun(_ context.Context, r *run.Run, expectedRevision uint64, transitions ...*run.StateTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	key := r.ID.String()
	stored, ok := m.runs[key]
	if !ok {
		return loom.ErrRunNotFound
	}
	if stored.Revision != expectedRevision {
		return &loom.RevisionConflictError{
			RunID:    key,
			Expected: expectedRevision,
			Actual:   stored.Revision,
		}
	}

	r.Revision = expectedRevision + 1
	m.runs[key] = r.Clone()
	m.appendTransitions(key, transitions)
	return nil
}

// ListRuns returns runs matching the given options, ordered by creation
// time.
func (m *Store) ListRuns(_ context.Context, opts run.ListOpts) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}

	matched := make([]*run.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]*run.Run, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

// ListDue returns runs of the given due kind whose deadline is at or
// before the given time, ordered by deadline.
func (m *Store) ListDue(_ context.Context, kind run.DueKind, before time.Time, limit int) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}

	var due []*run.Run
	for _, r := range m.runs {
		at, ok := dueAt(r, kind)
		if !ok || at.After(before) {
			continue
		}
		due = append(due, r)
	}
	sort.Slice(due, func(i, j int) bool {
		ai, _ := dueAt(due[i], kind)
		aj, _ := dueAt(due[j], kind)
		return ai.Before(aj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*run.Run, len(due))
	for i, r := range due {
		out[i] = r.Clone()
	}
	return out, nil
}

// dueAt maps a run to its deadline for the given due kind, if the run is
// in the matching suspended status.
func dueAt(r *run.Run, kind run.DueKind) (time.Time, bool) {
	var at *time.Time
	switch kind {
	case run.DueScheduled:
		if r.Status != run.StatusScheduled {
			return time.Time{}, false
		}
		at = r.ScheduledAt
	case run.DueSleeping:
		if r.Status != run.StatusSleeping {
			return time.Time{}, false
		}
		at = r.AwakeAt
	case run.DueRetry:
		if r.Status != run.StatusAwaitingRetry {
			return time.Time{}, false
		}
		at = r.NextAttemptAt
	case run.DueEventTimeout:
		if r.Status != run.StatusAwaitingEvent {
			return time.Time{}, false
		}
		at = r.TimeoutAt
	case run.DueChildDeadline:
		if r.Status != run.StatusAwaitingChild {
			return time.Time{}, false
		}
		at = r.TimeoutAt
	default:
		return time.Time{}, false
	}
	if at == nil {
		return time.Time{}, false
	}
	return *at, true
}

// ListTransitions returns the transition log for a run in append order.
func (m *Store) ListTransitions(_ context.Context, runID id.RunID) ([]*run.StateTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	log := m.transitions[runID.String()]
	out := make([]*run.StateTransition, len(log))
	for i, tr := range log {
		cp := *tr
		out[i] = &cp
	}
	return out, nil
}

func (m *Store) appendTransitions(key string, transitions []*run.StateTransition) {
	for _, tr := range transitions {
		cp := *tr
		m.transitions[key] = append(m.transitions[key], &cp)
	}
}

// ──────────────────────────────────────────────────
// Schedule store
// ──────────────────────────────────────────────────

// CreateSchedule persists a new schedule.
func (m *Store) CreateSchedule(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	for _, existing := range m.schedules {
		if existing.Name == s.Name && existing.Status != schedule.StatusDeleted {
			return loom.ErrScheduleExists
		}
	}
	m.schedules[s.ID.String()] = cloneSchedule(s)
	return nil
}

// GetSchedule retrieves a schedule by ID.
func (m *Store) GetSchedule(_ context.Context, scheduleID id.ScheduleID) (*schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	s, ok := m.schedules[scheduleID.String()]
	if !ok {
		return nil, loom.ErrScheduleNotFound
	}
	return cloneSchedule(s), nil
}

// ListSchedules returns all non-deleted schedules ordered by creation
// time.
func (m *Store) ListSchedules(_ context.Context) ([]*schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	var out []*schedule.Schedule
	for _, s := range m.schedules {
		if s.Status == schedule.StatusDeleted {
			continue
		}
		out = append(out, cloneSchedule(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ListDueSchedules returns active schedules whose NextRunAt is at or
// before the given time.
func (m *Store) ListDueSchedules(_ context.Context, before time.Time, limit int) ([]*schedule.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, loom.ErrStoreClosed
	}
	var due []*schedule.Schedule
	for _, s := range m.schedules {
		if s.Status != schedule.StatusActive || s.NextRunAt == nil {
			continue
		}
		if s.NextRunAt.After(before) {
			continue
		}
		due = append(due, s)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*schedule.Schedule, len(due))
	for i, s := range due {
		out[i] = cloneSchedule(s)
	}
	return out, nil
}

// UpdateSchedule persists changes to an existing schedule.
func (m *Store) UpdateSchedule(_ context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	key := s.ID.String()
	if _, ok := m.schedules[key]; !ok {
		return loom.ErrScheduleNotFound
	}
	m.schedules[key] = cloneSchedule(s)
	return nil
}

// AcquireScheduleLock attempts to take the firing lock for a schedule.
func (m *Store) AcquireScheduleLock(_ context.Context, scheduleID id.ScheduleID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, loom.ErrStoreClosed
	}
	s, ok := m.schedules[scheduleID.String()]
	if !ok {
		return false, loom.ErrScheduleNotFound
	}

	now := time.Now().UTC()
	if s.LockedBy != "" && s.LockedBy != owner && s.LockedUntil != nil && s.LockedUntil.After(now) {
		return false, nil
	}
	until := now.Add(ttl)
	s.LockedBy = owner
	s.LockedUntil = &until
	return true, nil
}

// ReleaseScheduleLock releases the firing lock held by owner. Releasing a
// lock held by someone else is a no-op.
func (m *Store) ReleaseScheduleLock(_ context.Context, scheduleID id.ScheduleID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	s, ok := m.schedules[scheduleID.String()]
	if !ok {
		return loom.ErrScheduleNotFound
	}
	if s.LockedBy == owner {
		s.LockedBy = ""
		s.LockedUntil = nil
	}
	return nil
}

// DeleteSchedule soft-deletes a schedule by ID.
func (m *Store) DeleteSchedule(_ context.Context, scheduleID id.ScheduleID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return loom.ErrStoreClosed
	}
	s, ok := m.schedules[scheduleID.String()]
	if !ok {
		return loom.ErrScheduleNotFound
	}
	s.Status = schedule.StatusDeleted
	return nil
}

func cloneSchedule(s *schedule.Schedule) *schedule.Schedule {
	cp := *s
	if s.LastOccurrence != nil {
		t := *s.LastOccurrence
		cp.LastOccurrence = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		cp.NextRunAt = &t
	}
	if s.LockedUntil != nil {
		t := *s.LockedUntil
		cp.LockedUntil = &t
	}
	return &cp
}
