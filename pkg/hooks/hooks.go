// Package hooks is the authorization and observation hook bus. Handlers
// register under a hook name; three combinators run them: Only (first
// handler that claims the call wins), All (run everything, ignore results)
// and Every (threaded reduction over an accumulator).
package hooks

import (
	"errors"
	"sync"
)

// Sentinel errors.
var (
	// ErrNotFound is returned by Only when no handler claimed the call.
	ErrNotFound = errors.New("hooks: not found")

	// ErrNotHandled is returned by a handler to pass the call on to the
	// next registered handler.
	ErrNotHandled = errors.New("hooks: not handled")
)

// Handler is a hook callback. For Every hooks the accumulator is passed as
// the first argument and the returned value becomes the next accumulator.
type Handler func(args ...any) (any, error)

// Registry holds named hook chains. The zero value is ready to use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a handler to the named hook chain. Handlers run in
// registration order.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string][]Handler)
	}
	r.handlers[name] = append(r.handlers[name], h)
}

func (r *Registry) chain(name string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Only runs handlers in order until one claims the call by returning
// anything other than ErrNotHandled. Returns ErrNotFound when no handler
// claims it.
func (r *Registry) Only(name string, args ...any) (any, error) {
	for _, h := range r.chain(name) {
		res, err := h(args...)
		if errors.Is(err, ErrNotHandled) {
			continue
		}
		return res, err
	}
	return nil, ErrNotFound
}

// All runs every handler, ignoring results and errors.
func (r *Registry) All(name string, args ...any) {
	for _, h := range r.chain(name) {
		_, _ = h(args...)
	}
}

// Every threads an accumulator through every handler: each receives the
// current accumulator followed by args and returns the next accumulator.
// A handler error leaves the accumulator unchanged for the next handler.
func (r *Registry) Every(name string, seed any, args ...any) any {
	acc := seed
	for _, h := range r.chain(name) {
		callArgs := make([]any, 0, len(args)+1)
		callArgs = append(callArgs, acc)
		callArgs = append(callArgs, args...)
		next, err := h(callArgs...)
		if err != nil {
			continue
		}
		acc = next
	}
	return acc
}
