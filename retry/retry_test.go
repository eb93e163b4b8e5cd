package retry_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/workloom/loom/retry"
)

func TestNever_AlwaysExhausted(t *testing.T) {
	p := retry.Never()
	for attempt := 1; attempt <= 5; attempt++ {
		if _, ok := p.Next(attempt); ok {
			t.Errorf("Next(%d) ok = true, want exhausted", attempt)
		}
	}
}

func TestZeroValue_IsNever(t *testing.T) {
	var p retry.Policy
	if _, ok := p.Next(1); ok {
		t.Error("zero-value policy should never retry")
	}
}

func TestFixed_Boundary(t *testing.T) {
	p := retry.Fixed(3, time.Second)

	tests := []struct {
		attempt int
		want    time.Duration
		ok      bool
	}{
		{1, time.Second, true},
		{2, time.Second, true},
		{3, 0, false},
		{4, 0, false},
	}
	for _, tt := range tests {
		got, ok := p.Next(tt.attempt)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Next(%d) = (%v, %v), want (%v, %v)", tt.attempt, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExponential_GrowsGeometrically(t *testing.T) {
	p := retry.Exponential(5, 100*time.Millisecond, 2, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		got, ok := p.Next(tt.attempt)
		if !ok {
			t.Fatalf("Next(%d) exhausted, want delay", tt.attempt)
		}
		if got != tt.want {
			t.Errorf("Next(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if _, ok := p.Next(5); ok {
		t.Error("Next(5) ok = true, want exhausted at MaxAttempts")
	}
}

func TestExponential_CapsAtMaxDelay(t *testing.T) {
	p := retry.Exponential(10, time.Second, 2, 5*time.Second)

	got, ok := p.Next(9)
	if !ok {
		t.Fatal("Next(9) exhausted, want delay")
	}
	if got != 5*time.Second {
		t.Errorf("Next(9) = %v, want %v (capped)", got, 5*time.Second)
	}
}

func TestExponential_DefaultFactor(t *testing.T) {
	p := retry.Policy{Kind: retry.KindExponential, MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}

	got, ok := p.Next(3)
	if !ok {
		t.Fatal("Next(3) exhausted, want delay")
	}
	if got != 400*time.Millisecond {
		t.Errorf("Next(3) = %v, want %v (factor defaults to 2)", got, 400*time.Millisecond)
	}
}

func TestJittered_WithinBounds(t *testing.T) {
	p := retry.Jittered(5, 100*time.Millisecond, 2, 0)

	// Attempt 2: base = 100ms * 2 = 200ms, delay in [100ms, 200ms].
	for range 100 {
		got, ok := p.Next(2)
		if !ok {
			t.Fatal("Next(2) exhausted, want delay")
		}
		if got < 100*time.Millisecond || got > 200*time.Millisecond {
			t.Errorf("Next(2) = %v, want within [100ms, 200ms]", got)
		}
	}
}

func TestJittered_ProducesVariance(t *testing.T) {
	p := retry.Jittered(10, time.Second, 2, 0)

	seen := make(map[time.Duration]bool)
	for range 100 {
		d, _ := p.Next(3)
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected variance in jitter, got only %d distinct values", len(seen))
	}
}

func TestJittered_SeededSourceIsDeterministic(t *testing.T) {
	a := retry.Jittered(5, 100*time.Millisecond, 2, 0)
	a.Rand = rand.New(rand.NewPCG(7, 11))
	b := retry.Jittered(5, 100*time.Millisecond, 2, 0)
	b.Rand = rand.New(rand.NewPCG(7, 11))

	for attempt := 1; attempt <= 4; attempt++ {
		da, _ := a.Next(attempt)
		db, _ := b.Next(attempt)
		if da != db {
			t.Errorf("Next(%d) with same seed: %v != %v", attempt, da, db)
		}
	}
}

func TestJittered_CapsAtMaxDelay(t *testing.T) {
	p := retry.Jittered(10, time.Second, 2, 2*time.Second)

	for range 50 {
		got, ok := p.Next(8)
		if !ok {
			t.Fatal("Next(8) exhausted, want delay")
		}
		if got > 2*time.Second {
			t.Errorf("Next(8) = %v, want <= %v", got, 2*time.Second)
		}
	}
}

func TestDefault_HasBudget(t *testing.T) {
	p := retry.Default()
	if _, ok := p.Next(1); !ok {
		t.Error("Default().Next(1) exhausted, want delay")
	}
	if _, ok := p.Next(10); ok {
		t.Error("Default().Next(10) ok = true, want exhausted")
	}
}
