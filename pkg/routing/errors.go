package routing

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrNotAllowed is returned when the authorization hook denies a
	// subscribe.
	ErrNotAllowed = errors.New("routing: not allowed")

	// ErrNotFound is returned when no node has a binding for a client id.
	ErrNotFound = errors.New("routing: client not found")

	// ErrSystemLimit is returned when no publish worker slot is
	// available.
	ErrSystemLimit = errors.New("routing: publish worker limit reached")
)

// SubscribeError is one failed topic of a subscribe batch.
type SubscribeError struct {
	Filter string
	Err    error
}

func (e SubscribeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Filter, e.Err)
}

func (e SubscribeError) Unwrap() error { return e.Err }

// SubscribeErrors collects the per-topic transaction abort reasons of a
// subscribe batch. Topics not listed were subscribed successfully.
type SubscribeErrors []SubscribeError

func (e SubscribeErrors) Error() string {
	msgs := make([]string, len(e))
	for i, se := range e {
		msgs[i] = se.Error()
	}
	return "routing: subscribe errors: " + strings.Join(msgs, "; ")
}

// WorkerDownError reports a publish worker that terminated abnormally
// before acknowledging its work.
type WorkerDownError struct {
	Reason any
}

func (e *WorkerDownError) Error() string {
	return fmt.Sprintf("routing: publish worker down: %v", e.Reason)
}

// InvariantError is a fatal consistency violation, e.g. a binding
// collision after incumbent eviction.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "routing: invariant violation: " + e.Detail
}
