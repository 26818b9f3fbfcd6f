// Package handler maps a job's handler reference to the code that runs it.
//
// References are plain strings stored on the job row. The host registers a
// factory per reference at start-up; the scheduler resolves a fresh Handler
// for every execution.
package handler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrUnknownHandler is returned by Resolve for a reference nobody registered.
var ErrUnknownHandler = errors.New("unknown handler reference")

// ExecutionContext is what a handler sees of the job it runs.
type ExecutionContext struct {
	JobID   string
	JobName string
	// ScheduledTime is the job's next_execution_at at claim time.
	ScheduledTime time.Time
	Parameters    map[string]string
}

// Param returns the named parameter or def when it is absent.
func (ec ExecutionContext) Param(name, def string) string {
	if v, ok := ec.Parameters[name]; ok {
		return v
	}
	return def
}

// Handler runs one job execution. A returned error (or a panic) counts as a
// failed attempt.
type Handler interface {
	Execute(ctx context.Context, ec ExecutionContext) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec ExecutionContext) error

func (f HandlerFunc) Execute(ctx context.Context, ec ExecutionContext) error { return f(ctx, ec) }

// Factory builds a Handler for a single execution.
type Factory func() (Handler, error)

// Singleton returns a Factory that always hands out h.
func Singleton(h Handler) Factory {
	return func() (Handler, error) { return h, nil }
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds ref to factory. Empty or duplicate refs are rejected.
func (r *Registry) Register(ref string, factory Factory) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return errors.New("handler reference is empty")
	}
	if factory == nil {
		return errors.Newf("handler %q: factory is nil", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[ref]; exists {
		return errors.Newf("handler already registered for reference: %s", ref)
	}
	r.factories[ref] = factory
	return nil
}

// MustRegister is Register for start-up code; it panics on error.
func (r *Registry) MustRegister(ref string, factory Factory) {
	if err := r.Register(ref, factory); err != nil {
		panic(err)
	}
}

// Resolve builds the handler for ref.
func (r *Registry) Resolve(ref string) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.TrimSpace(ref)]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownHandler, "%q", ref)
	}
	h, err := factory()
	if err != nil {
		return nil, errors.Wrapf(err, "build handler %q", ref)
	}
	if h == nil {
		return nil, errors.Newf("handler %q: factory returned nil", ref)
	}
	return h, nil
}

func (r *Registry) Has(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.TrimSpace(ref)]
	return ok
}

// Refs returns the registered references in sorted order.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for ref := range r.factories {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
