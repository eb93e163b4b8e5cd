// Package schedule defines recurring triggers for workflow runs: the
// recurrence Spec and its pure occurrence calculator, the Schedule entity,
// the schedule store interface, and the tick-loop Scheduler that fires due
// occurrences.
package schedule

import (
	"errors"
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// SpecKind tags the recurrence variant.
type SpecKind string

const (
	// KindCron fires on a cron expression evaluated in a timezone.
	KindCron SpecKind = "cron"
	// KindInterval fires every fixed duration from the anchor.
	KindInterval SpecKind = "interval"
)

// OverlapPolicy governs what happens when occurrences fall due while a
// previous occurrence's run may still be active.
type OverlapPolicy string

const (
	// OverlapSkip fires only the most recent due occurrence; intermediate
	// misses are dropped. This is the default.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapAllow fires every missed occurrence (catch-up after downtime).
	OverlapAllow OverlapPolicy = "allow"
	// OverlapCancelPrevious fires like OverlapSkip, but the caller must
	// cancel any still-active run from the previous occurrence first.
	OverlapCancelPrevious OverlapPolicy = "cancel_previous"
)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Spec describes a recurrence. Exactly one of Cron/Every is set, per Kind.
type Spec struct {
	Kind SpecKind `json:"kind"`

	// Cron is the cron expression for KindCron.
	Cron string `json:"cron,omitempty"`

	// Timezone is the IANA location the cron expression is evaluated in.
	// Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// Every is the period for KindInterval.
	Every time.Duration `json:"every,omitempty"`

	// Overlap is the overlap policy. Empty means OverlapSkip.
	Overlap OverlapPolicy `json:"overlap,omitempty"`
}

// Validate checks that the spec is well-formed and parseable.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindCron:
		if _, err := cronParser.Parse(s.Cron); err != nil {
			return fmt.Errorf("schedule: invalid cron expression %q: %w", s.Cron, err)
		}
		if _, err := s.location(); err != nil {
			return err
		}

		return nil
	case KindInterval:
		if s.Every <= 0 {
			return errors.New("schedule: interval spec requires a positive period")
		}

		return nil
	default:
		return fmt.Errorf("schedule: unknown spec kind %q", s.Kind)
	}
}

// policy returns the effective overlap policy.
func (s Spec) policy() OverlapPolicy {
	if s.Overlap == "" {
		return OverlapSkip
	}

	return s.Overlap
}

func (s Spec) location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule: invalid timezone %q: %w", s.Timezone, err)
	}

	return loc, nil
}

// Next returns the smallest occurrence strictly after the given time.
func (s Spec) Next(after time.Time) (time.Time, error) {
	switch s.Kind {
	case KindCron:
		sched, err := cronParser.Parse(s.Cron)
		if err != nil {
			return time.Time{}, fmt.Errorf("schedule: parse cron %q: %w", s.Cron, err)
		}
		loc, err := s.location()
		if err != nil {
			return time.Time{}, err
		}

		return sched.Next(after.In(loc)), nil
	case KindInterval:
		if s.Every <= 0 {
			return time.Time{}, errors.New("schedule: interval spec requires a positive period")
		}

		return after.Add(s.Every), nil
	default:
		return time.Time{}, fmt.Errorf("schedule: unknown spec kind %q", s.Kind)
	}
}

// Occurrences returns the due occurrence times between anchor (exclusive)
// and now (inclusive), honoring the overlap policy: OverlapAllow returns
// every missed occurrence in order; OverlapSkip and OverlapCancelPrevious
// return at most the single most recent one. The anchor is the last fired
// occurrence, or the schedule's creation time if it has never fired.
func (s Spec) Occurrences(anchor, now time.Time) ([]time.Time, error) {
	var all []time.Time

	next := anchor
	for {
		n, err := s.Next(next)
		if err != nil {
			return nil, err
		}
		if n.After(now) || n.IsZero() {
			break
		}
		all = append(all, n)
		next = n
	}

	if len(all) == 0 {
		return nil, nil
	}

	if s.policy() == OverlapAllow {
		return all, nil
	}

	return all[len(all)-1:], nil
}
