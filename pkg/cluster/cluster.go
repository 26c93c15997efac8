// Package cluster provides membership, the readiness gate and synchronous
// RPC between broker nodes. Three implementations share the Cluster
// interface: Single for standalone nodes, Loopback for in-process meshes
// (tests, embedding) and WS, a WebSocket mesh for production.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Sentinel errors.
var (
	// ErrNotReady is returned by IfReady while the readiness gate is
	// closed.
	ErrNotReady = errors.New("cluster: not ready")

	// ErrUnknownNode is returned by Call for a node outside the cluster.
	ErrUnknownNode = errors.New("cluster: unknown node")

	// ErrUnknownMethod is returned when no handler is registered for a
	// called method.
	ErrUnknownMethod = errors.New("cluster: unknown method")
)

// RemoteError wraps a handler error that traveled back over the wire.
type RemoteError struct {
	Node    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("cluster: remote error from %s: %s", e.Node, e.Message)
}

// HandlerFunc serves one RPC method. The request bytes are the
// msgpack-encoded argument; the returned bytes become the caller's
// msgpack-encoded result.
type HandlerFunc func(ctx context.Context, from string, req []byte) ([]byte, error)

// Cluster is the membership and transport contract consumed by the
// routing registry.
type Cluster interface {
	// Self returns this node's name.
	Self() string

	// Nodes returns all cluster member names, sorted, self included.
	Nodes() []string

	// IfReady invokes fn if the readiness gate is open, else returns
	// ErrNotReady without invoking it.
	IfReady(fn func() error) error

	// WaitReady blocks until the gate opens or ctx is done.
	WaitReady(ctx context.Context) error

	// Call invokes a method on a node and decodes the result into resp
	// (which may be nil). Calls to self dispatch locally and never touch
	// the network.
	Call(ctx context.Context, node, method string, req, resp any) error

	// Handle registers the handler for a method name.
	Handle(method string, fn HandlerFunc)
}

// handlerMap is the method dispatch table shared by all implementations.
type handlerMap struct {
	mu sync.RWMutex
	m  map[string]HandlerFunc
}

func (h *handlerMap) set(method string, fn HandlerFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string]HandlerFunc)
	}
	h.m[method] = fn
}

func (h *handlerMap) dispatch(ctx context.Context, from, method string, req []byte) ([]byte, error) {
	h.mu.RLock()
	fn := h.m[method]
	h.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return fn(ctx, from, req)
}

// call encodes req, dispatches through fn and decodes into resp.
func call(ctx context.Context, from, method string, req, resp any,
	fn func(ctx context.Context, from, method string, body []byte) ([]byte, error)) error {

	body, err := msgpack.Marshal(req)
	if err != nil {
		return err
	}
	out, err := fn(ctx, from, method, body)
	if err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return msgpack.Unmarshal(out, resp)
}

// waitReady polls a readiness probe until it reports true or ctx is done.
func waitReady(ctx context.Context, probe func() bool) error {
	if probe() {
		return nil
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if probe() {
				return nil
			}
		}
	}
}

// Single is a standalone, always-ready cluster of one node.
type Single struct {
	name     string
	handlers handlerMap
}

// NewSingle creates a standalone cluster.
func NewSingle(name string) *Single {
	return &Single{name: name}
}

func (s *Single) Self() string    { return s.name }
func (s *Single) Nodes() []string { return []string{s.name} }

func (s *Single) IfReady(fn func() error) error { return fn() }

func (s *Single) WaitReady(context.Context) error { return nil }

func (s *Single) Call(ctx context.Context, node, method string, req, resp any) error {
	if node != s.name {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return call(ctx, s.name, method, req, resp,
		func(ctx context.Context, from, method string, body []byte) ([]byte, error) {
			return s.handlers.dispatch(ctx, from, method, body)
		})
}

func (s *Single) Handle(method string, fn HandlerFunc) { s.handlers.set(method, fn) }

func sortedNames(m map[string]struct{}) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
