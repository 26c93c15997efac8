package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeliverRecv(t *testing.T) {
	s := NewLocal(4)
	defer s.Close()

	d := Delivery{RoutingKey: "a/b", Payload: []byte("x"), QoS: 1}
	if err := s.Deliver(d); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	got, err := s.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.RoutingKey != "a/b" || string(got.Payload) != "x" || got.QoS != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestDeliverFullInboxDrops(t *testing.T) {
	s := NewLocal(1)
	defer s.Close()

	if err := s.Deliver(Delivery{RoutingKey: "t"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	// Inbox is full; the second delivery is dropped, not blocked.
	if err := s.Deliver(Delivery{RoutingKey: "dropped"}); err != nil {
		t.Fatalf("Deliver on full inbox: %v", err)
	}

	got, _ := s.Recv(context.Background())
	if got.RoutingKey != "t" {
		t.Errorf("got %q, want t", got.RoutingKey)
	}
}

func TestCloseFiresExitCallbacksOnce(t *testing.T) {
	s := NewLocal(0)
	fired := 0
	s.OnExit(func() { fired++ })

	s.Close()
	s.Close()
	if fired != 1 {
		t.Errorf("exit callback fired %d times, want 1", fired)
	}

	// Registering after close runs immediately.
	late := false
	s.OnExit(func() { late = true })
	if !late {
		t.Error("late OnExit callback did not run")
	}
}

func TestDeliverAfterClose(t *testing.T) {
	s := NewLocal(0)
	s.Close()
	if err := s.Deliver(Delivery{}); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestRecvDrainsAfterClose(t *testing.T) {
	s := NewLocal(2)
	s.Deliver(Delivery{RoutingKey: "buffered"})
	s.Close()

	got, err := s.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if got.RoutingKey != "buffered" {
		t.Errorf("got %q", got.RoutingKey)
	}
	if _, err := s.Recv(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestRecvContextCancel(t *testing.T) {
	s := NewLocal(0)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Recv(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}
