// Package orchestrator runs matched playbook versions against external
// action executors, applying retry and failure policy and producing an
// append-only execution log.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"automation-core/internal/autoerr"
)

// Result is the outcome of a single action invocation.
type Result struct {
	Success bool           `json:"success"`
	Details map[string]any `json:"details,omitempty"`
}

// ActionExecutor invokes a named action against external systems. The
// call is treated as blocking I/O; the orchestrator bounds it with the
// step's timeout.
type ActionExecutor interface {
	Execute(ctx context.Context, action string, params map[string]any) (*Result, error)
}

// HandlerFunc implements one action.
type HandlerFunc func(ctx context.Context, params map[string]any) (*Result, error)

// Registry maps action names to handlers. New actions are added by
// registering a handler, never by changing the orchestrator.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register installs a handler for the named action, replacing any
// previous handler.
func (r *Registry) Register(action string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = fn
}

// Actions returns the registered action names.
func (r *Registry) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Execute dispatches to the registered handler. Unknown actions are an
// executor error, not a panic.
func (r *Registry) Execute(ctx context.Context, action string, params map[string]any) (*Result, error) {
	r.mu.RLock()
	fn, ok := r.handlers[action]
	r.mu.RUnlock()

	if !ok {
		return nil, &autoerr.ExecutorError{Action: action, Err: fmt.Errorf("no handler registered")}
	}
	return fn(ctx, params)
}
