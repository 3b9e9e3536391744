// Package worker delegates permitted jobs to registered worker adapters
// and shapes their event streams.
//
// An adapter owns the lifecycle of one worker implementation (an external
// coding agent subprocess, an in-process task runner); the gateway treats
// it as opaque beyond the capability set below. Concrete agent adapters
// live with their integrations; this package ships the contract, the
// registry, the delegation gateway, and the event throttle.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/arbiterd/arbiter/internal/job"
)

// TaskHandle is a running worker task.
type TaskHandle interface {
	// Events streams worker events. The adapter closes the channel when
	// the task ends; the gateway drains it fully.
	Events() <-chan job.Event

	// Await blocks until the task ends and returns its result. Await
	// returns promptly after ctx is cancelled, with whatever terminal
	// result the worker produced (adapters that cannot report CANCELLED
	// may return FAILED; the gateway remaps).
	Await(ctx context.Context) (*job.Result, error)

	// Cancel requests the worker stop. Best-effort and idempotent.
	Cancel()
}

// Adapter starts tasks for one worker kind.
type Adapter interface {
	// Kind is the registry key, matched against Task.WorkerKind.
	Kind() string

	// StartTask launches the task under ctx. The context carries the
	// scoped cancellation (parent ∧ deadline ∧ revoke); adapters must
	// stop their subprocess when it fires.
	StartTask(ctx context.Context, task *job.Task) (TaskHandle, error)
}

// Registry is the kind-keyed adapter table.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Re-registering a kind replaces the previous
// adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Kind()] = a
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("worker: no adapter registered for kind %q", kind)
	}
	return a, nil
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}
