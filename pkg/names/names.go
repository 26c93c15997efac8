// Package names is the node-local client registry: a lock-free concurrent
// map from client identifier to live session handle. Entries are never
// replicated; cluster-wide uniqueness is enforced procedurally by the
// register/takeover protocol in the routing package.
package names

import (
	"errors"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/sthagen/vernemq/pkg/session"
)

// ErrTaken is returned by Add when the client id is already bound.
var ErrTaken = errors.New("names: client id already bound")

// Registry maps client ids to local session handles.
type Registry struct {
	m *xsync.Map[string, session.Session]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: xsync.NewMap[string, session.Session]()}
}

// Add binds a client id to a session. Returns ErrTaken when another
// binding exists; the register/takeover protocol guarantees the slot is
// free before Add is called, so a collision is an invariant violation at
// the caller.
func (r *Registry) Add(clientID string, s session.Session) error {
	if _, loaded := r.m.LoadOrStore(clientID, s); loaded {
		return ErrTaken
	}
	return nil
}

// Lookup returns the session bound to a client id.
func (r *Registry) Lookup(clientID string) (session.Session, bool) {
	return r.m.Load(clientID)
}

// Remove clears the binding for a client id, but only if it still points
// at the given handle. A newer session that took over the id is left
// untouched.
func (r *Registry) Remove(clientID string, s session.Session) {
	r.m.Compute(clientID, func(old session.Session, loaded bool) (session.Session, xsync.ComputeOp) {
		if loaded && old == s {
			return old, xsync.DeleteOp
		}
		return old, xsync.CancelOp
	})
}

// Size returns the number of live bindings.
func (r *Registry) Size() int {
	return r.m.Size()
}
