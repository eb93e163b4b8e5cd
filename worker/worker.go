// Package worker executes workflow runs: a Registry of workflow handlers,
// an Executor that steps one run through its handler with durable
// replay semantics, and a Pool of goroutines that claim queued runs.
//
// Handlers are re-entrant by construction. A handler runs from the top
// every time its run is activated; completed tasks, sleeps, and event
// waits replay from persisted state instead of re-executing, so the
// handler reaches the first unfinished step and continues from there.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/workloom/loom/retry"
)

// ErrSuspended is returned by Context suspension helpers (Sleep,
// WaitEvent, AwaitChild) and propagated out of the handler. It signals
// that the run has durably suspended itself; the executor treats it as a
// clean exit, not a failure.
var ErrSuspended = errors.New("worker: run suspended")

// Handler is a workflow implementation. It receives the durable Context
// and returns the run's output. Returning ErrSuspended (usually wrapped
// up from a Context helper) leaves the run suspended; any other error
// consults the workflow's retry policy.
type Handler func(ctx context.Context, wc *Context) (json.RawMessage, error)

// registration pairs a handler with its run-level retry policy and the
// workflow versions it serves.
type registration struct {
	handler  Handler
	policy   retry.Policy
	versions []string
}

// RegisterOption configures a handler registration.
type RegisterOption func(*registration)

// WithRetryPolicy sets the run-level retry policy for a workflow. The
// default is retry.Default().
func WithRetryPolicy(p retry.Policy) RegisterOption {
	return func(r *registration) { r.policy = p }
}

// WithVersions declares the workflow versions this handler serves. The
// engine subscribes to one notification topic per declared version; a
// handler with no declared versions listens on the version-agnostic
// topic and receives every version of the workflow.
func WithVersions(versions ...string) RegisterOption {
	return func(r *registration) { r.versions = append(r.versions, versions...) }
}

// Registry maps workflow names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register adds a workflow handler. Registering the same name twice
// returns an error.
func (r *Registry) Register(name string, h Handler, opts ...RegisterOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("worker: handler %q already registered", name)
	}

	reg := registration{handler: h, policy: retry.Default()}
	for _, opt := range opts {
		opt(&reg)
	}
	r.handlers[name] = reg
	return nil
}

// Get returns the registration for a workflow name.
func (r *Registry) Get(name string) (Handler, retry.Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[name]
	return reg.handler, reg.policy, ok
}

// Versions returns the versions declared for a workflow name. Empty for
// a handler registered without versions.
func (r *Registry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[name]
	if !ok {
		return nil
	}
	out := make([]string, len(reg.versions))
	copy(out, reg.versions)
	return out
}

// Names returns all registered workflow names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
