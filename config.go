package loom

import "time"

// Config holds tuning knobs shared by the engine services.
type Config struct {
	// SweepInterval is how often the sweeper scans for due rows.
	SweepInterval time.Duration

	// SweepBatch is the maximum number of due rows processed per scan.
	SweepBatch int

	// ScheduleTickInterval is how often the scheduler checks for due
	// schedule occurrences.
	ScheduleTickInterval time.Duration

	// ScheduleLockTTL is the TTL for per-schedule firing locks.
	ScheduleLockTTL time.Duration

	// WorkerConcurrency is the number of concurrent run processors.
	WorkerConcurrency int

	// WorkerPollInterval is how long an idle worker waits before polling
	// the ready source again.
	WorkerPollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:        1 * time.Second,
		SweepBatch:           100,
		ScheduleTickInterval: 1 * time.Second,
		ScheduleLockTTL:      30 * time.Second,
		WorkerConcurrency:    10,
		WorkerPollInterval:   1 * time.Second,
		ShutdownTimeout:      30 * time.Second,
	}
}
