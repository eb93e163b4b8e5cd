// Package store defines the aggregate persistence interface. Each
// subsystem (run, schedule) defines its own store interface; the composite
// Store composes them. Backends: Postgres and Memory.
package store

import (
	"context"

	"github.com/workloom/loom/run"
	"github.com/workloom/loom/schedule"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store.
type Store interface {
	run.Store
	schedule.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
