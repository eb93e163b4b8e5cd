// Package retry computes retry delays for workflow runs and tasks.
// A Policy is a tagged value: consumers switch on Kind and handle every
// variant. Policies are pure given a random source and safe for concurrent
// use.
package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Kind tags the retry policy variant.
type Kind string

const (
	// KindNever retries nothing: every attempt is exhausted.
	KindNever Kind = "never"
	// KindFixed waits a constant delay between attempts.
	KindFixed Kind = "fixed"
	// KindExponential grows the delay geometrically per attempt.
	KindExponential Kind = "exponential"
	// KindJittered grows like exponential, then draws uniformly from
	// [base/2, base] to avoid thundering herds.
	KindJittered Kind = "jittered"
)

// DefaultFactor is the exponential growth factor used when none is set.
const DefaultFactor = 2.0

// Policy describes how failed attempts are retried. The zero value is
// KindNever ("" is treated as never).
type Policy struct {
	Kind Kind `json:"kind"`

	// MaxAttempts is the total attempt budget. An attempt number at or
	// beyond this value is exhausted. Ignored for KindNever.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// Delay is the constant delay for KindFixed.
	Delay time.Duration `json:"delay,omitempty"`

	// BaseDelay is the first-attempt delay for KindExponential and
	// KindJittered.
	BaseDelay time.Duration `json:"base_delay,omitempty"`

	// Factor is the per-attempt growth multiplier. Zero means DefaultFactor.
	Factor float64 `json:"factor,omitempty"`

	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration `json:"max_delay,omitempty"`

	// Rand supplies randomness for KindJittered. Nil uses the shared
	// math/rand/v2 generator. Inject a seeded source in tests for exact
	// assertions.
	Rand *rand.Rand `json:"-"`
}

// Never returns a policy that exhausts on the first attempt.
func Never() Policy {
	return Policy{Kind: KindNever}
}

// Fixed returns a constant-delay policy with the given attempt budget.
func Fixed(maxAttempts int, delay time.Duration) Policy {
	return Policy{Kind: KindFixed, MaxAttempts: maxAttempts, Delay: delay}
}

// Exponential returns a geometrically growing policy.
func Exponential(maxAttempts int, baseDelay time.Duration, factor float64, maxDelay time.Duration) Policy {
	return Policy{
		Kind:        KindExponential,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Factor:      factor,
		MaxDelay:    maxDelay,
	}
}

// Jittered returns an exponential policy whose delay is drawn uniformly
// from [base/2, base].
func Jittered(maxAttempts int, baseDelay time.Duration, factor float64, maxDelay time.Duration) Policy {
	return Policy{
		Kind:        KindJittered,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		Factor:      factor,
		MaxDelay:    maxDelay,
	}
}

// Default is the retry policy the engine applies when a handler reports a
// retryable failure without its own policy: jittered, 1s base, 1m cap,
// 10 attempts.
func Default() Policy {
	return Jittered(10, time.Second, DefaultFactor, time.Minute)
}

// Next returns the delay before the next attempt, given the number of
// attempts already made (1-based). The second return is false when the
// budget is exhausted.
func (p Policy) Next(attempt int) (time.Duration, bool) {
	switch p.Kind {
	case KindFixed:
		if attempt >= p.MaxAttempts {
			return 0, false
		}

		return p.Delay, true
	case KindExponential:
		if attempt >= p.MaxAttempts {
			return 0, false
		}

		return p.cap(p.grow(attempt)), true
	case KindJittered:
		if attempt >= p.MaxAttempts {
			return 0, false
		}
		base := p.grow(attempt)
		// Uniform in [base/2, base].
		jittered := base/2 + time.Duration(p.float64()*float64(base/2))

		return p.cap(jittered), true
	default: // KindNever and unknown kinds never retry.
		return 0, false
	}
}

// grow computes BaseDelay * Factor^(attempt-1).
func (p Policy) grow(attempt int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = DefaultFactor
	}

	return time.Duration(float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1)))
}

// cap applies MaxDelay when set.
func (p Policy) cap(d time.Duration) time.Duration {
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}

	return d
}

func (p Policy) float64() float64 {
	if p.Rand != nil {
		return p.Rand.Float64()
	}

	return rand.Float64()
}
