// Package artifacts tracks cleanup actions scoped to a suite or to the
// whole run. Collaborators register actions as they create state on disk or
// start long-lived processes; the registry invokes each action exactly once
// when its scope closes.
package artifacts

import (
	"context"
	"errors"
	"sync"

	"testdrive/pkg/logging"
)

// Trigger decides whether an action runs when its scope closes.
type Trigger int

const (
	// Always runs the action unconditionally at scope close.
	Always Trigger = iota
	// OnFailure runs the action only when the scope saw at least one failure.
	OnFailure
)

// CleanupFunc is a registered cleanup action. Actions must be idempotent.
type CleanupFunc func(ctx context.Context) error

type action struct {
	fn      CleanupFunc
	trigger Trigger
}

// Registry holds cleanup actions per scope. A scope is an arbitrary string
// key, usually a suite key; the empty global scope closes at process exit,
// after every suite scope has closed.
type Registry struct {
	mu     sync.Mutex
	scopes map[string][]action
	closed map[string]bool
	global []action
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		scopes: make(map[string][]action),
		closed: make(map[string]bool),
	}
}

// Add registers a cleanup action for the given suite scope.
func (r *Registry) Add(scope string, trigger Trigger, fn CleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed[scope] {
		logging.Warn("Artifacts", "Cleanup registered on already closed scope %s; running it at exit instead", scope)
		r.global = append(r.global, action{fn: fn, trigger: trigger})
		return
	}
	r.scopes[scope] = append(r.scopes[scope], action{fn: fn, trigger: trigger})
}

// AddGlobal registers a cleanup action for the whole run.
func (r *Registry) AddGlobal(trigger Trigger, fn CleanupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, action{fn: fn, trigger: trigger})
}

// CloseScope invokes every matching action registered for the scope, in
// registration order, then discards the scope. Closing an already closed
// scope is a no-op.
func (r *Registry) CloseScope(ctx context.Context, scope string, hadFailure bool) error {
	r.mu.Lock()
	if r.closed[scope] {
		r.mu.Unlock()
		return nil
	}
	r.closed[scope] = true
	actions := r.scopes[scope]
	delete(r.scopes, scope)
	r.mu.Unlock()

	return runActions(ctx, scope, actions, hadFailure)
}

// CloseAll closes every remaining suite scope and then the global scope.
// Called once at process exit; suite scopes normally close earlier, when
// their last pending test completes.
func (r *Registry) CloseAll(ctx context.Context, hadFailure bool) error {
	r.mu.Lock()
	var pending []string
	for scope := range r.scopes {
		pending = append(pending, scope)
	}
	r.mu.Unlock()

	var errs []error
	for _, scope := range pending {
		if err := r.CloseScope(ctx, scope, hadFailure); err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	global := r.global
	r.global = nil
	r.mu.Unlock()
	if err := runActions(ctx, "global", global, hadFailure); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runActions executes actions in registration order. A failing action does
// not stop the remaining ones.
func runActions(ctx context.Context, scope string, actions []action, hadFailure bool) error {
	var errs []error
	for _, a := range actions {
		if a.trigger == OnFailure && !hadFailure {
			continue
		}
		if err := a.fn(ctx); err != nil {
			logging.Error("Artifacts", err, "Cleanup action failed in scope %s", scope)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
