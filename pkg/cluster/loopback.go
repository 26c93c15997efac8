package cluster

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Loopback is one node of an in-process mesh. Calls between nodes are
// direct function dispatch with the same encoding round trip as the wire
// transport, so handler behavior is identical. Used by tests and by
// embedders running several logical nodes in one process.
type Loopback struct {
	self     string
	mesh     map[string]*Loopback
	handlers handlerMap
	ready    atomic.Bool
}

// NewLoopback creates a fully connected in-process mesh with one node per
// name. All nodes start ready.
func NewLoopback(names ...string) map[string]*Loopback {
	mesh := make(map[string]*Loopback, len(names))
	for _, name := range names {
		n := &Loopback{self: name, mesh: mesh}
		n.ready.Store(true)
		mesh[name] = n
	}
	return mesh
}

func (l *Loopback) Self() string { return l.self }

func (l *Loopback) Nodes() []string {
	set := make(map[string]struct{}, len(l.mesh))
	for n := range l.mesh {
		set[n] = struct{}{}
	}
	return sortedNames(set)
}

// SetReady opens or closes this node's readiness gate. Tests use it to
// simulate partitions.
func (l *Loopback) SetReady(ready bool) { l.ready.Store(ready) }

func (l *Loopback) IfReady(fn func() error) error {
	if !l.ready.Load() {
		return ErrNotReady
	}
	return fn()
}

func (l *Loopback) WaitReady(ctx context.Context) error {
	return waitReady(ctx, l.ready.Load)
}

func (l *Loopback) Call(ctx context.Context, node, method string, req, resp any) error {
	target, ok := l.mesh[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return call(ctx, l.self, method, req, resp,
		func(ctx context.Context, from, method string, body []byte) ([]byte, error) {
			return target.handlers.dispatch(ctx, from, method, body)
		})
}

func (l *Loopback) Handle(method string, fn HandlerFunc) { l.handlers.set(method, fn) }
