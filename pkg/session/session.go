// Package session defines the contract between the routing registry and
// the per-client connection state machine, and provides a channel-backed
// implementation for embedded and plugin clients.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned when delivering to or receiving from a session
// that has terminated.
var ErrClosed = errors.New("session: closed")

// Delivery is one message handed to a session.
type Delivery struct {
	RoutingKey string
	Payload    []byte
	QoS        byte
	Dup        bool
	Retain     bool

	// Ref is the message store reference for QoS>0 deliveries. The zero
	// uuid means the delivery carries no stored message.
	Ref uuid.UUID
}

// Exiter is implemented by sessions that announce their termination.
// The router uses it to clear the local client binding on exit.
type Exiter interface {
	OnExit(fn func())
}

// Session is a live client process as seen by the router.
type Session interface {
	// Deliver hands a message to the client. Returns ErrClosed once the
	// session has terminated.
	Deliver(d Delivery) error

	// Disconnect asks the client to shut down. The session's exit
	// callbacks fire when it actually terminates.
	Disconnect()
}

// Local is a channel-backed Session for clients living in this process.
// Exit callbacks run exactly once, when the session closes.
type Local struct {
	inbox chan Delivery
	done  chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	exitFns []func()
}

// DefaultInboxSize is the inbox buffer used when NewLocal gets size 0.
const DefaultInboxSize = 100

// NewLocal creates a Local session with the given inbox buffer size.
func NewLocal(size int) *Local {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Local{
		inbox: make(chan Delivery, size),
		done:  make(chan struct{}),
	}
}

func (s *Local) Deliver(d Delivery) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- d:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		slog.Debug("session: delivery dropped (inbox full)", "routingKey", d.RoutingKey)
		return nil
	}
}

// Disconnect closes the session.
func (s *Local) Disconnect() { s.Close() }

// Close terminates the session and fires the exit callbacks.
func (s *Local) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		fns := s.exitFns
		s.exitFns = nil
		s.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

// Closed reports whether the session has terminated.
func (s *Local) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// OnExit registers a callback to run when the session closes. If the
// session is already closed the callback runs immediately.
func (s *Local) OnExit(fn func()) {
	s.mu.Lock()
	if s.Closed() {
		s.mu.Unlock()
		fn()
		return
	}
	s.exitFns = append(s.exitFns, fn)
	s.mu.Unlock()
}

// Recv returns the next delivery, blocking until one arrives, the session
// closes, or ctx is done.
func (s *Local) Recv(ctx context.Context) (Delivery, error) {
	select {
	case d := <-s.inbox:
		return d, nil
	case <-s.done:
		// Drain anything buffered before reporting closure.
		select {
		case d := <-s.inbox:
			return d, nil
		default:
			return Delivery{}, ErrClosed
		}
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}
