package routing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sthagen/vernemq/pkg/session"
)

// registerRequest is the cross-node takeover invocation.
type registerRequest struct {
	ClientID     string `msgpack:"c"`
	CleanSession bool   `msgpack:"s"`
}

type disconnectRequest struct {
	ClientID string `msgpack:"c"`
}

type disconnectResponse struct {
	Found bool `msgpack:"f"`
}

// RegisterClient binds a client id to a session, cluster-wide. Every node
// evicts any incumbent bound to the id and waits for its binding to clear
// before the new binding is installed on this node. With cleanSession the
// stored session state and all subscriber records for the client are
// wiped; otherwise deferred messages are replayed to the new session.
func (r *Router) RegisterClient(ctx context.Context, clientID string, s session.Session, cleanSession bool) error {
	nodes := r.cl.Nodes()
	errCh := make(chan error, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			if node == r.cl.Self() {
				errCh <- r.registerLocal(ctx, clientID, s, cleanSession)
				return
			}
			errCh <- r.cl.Call(ctx, node, methodRegister,
				registerRequest{ClientID: clientID, CleanSession: cleanSession}, nil)
		}(node)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}

	r.hooks.All(HookOnRegister, clientID, cleanSession)
	return nil
}

// registerLocal runs the takeover steps on one node. The session is nil
// when the new client lives on another node; eviction and the session
// wipe still run here, while replay and the new binding only happen on
// the owning node.
func (r *Router) registerLocal(ctx context.Context, clientID string, s session.Session, cleanSession bool) error {
	if err := r.evictIncumbent(ctx, clientID); err != nil {
		return err
	}

	if cleanSession {
		if err := r.msgs.CleanSession(ctx, clientID); err != nil {
			return err
		}
		if s != nil {
			// The subscriber tables are replicated; one wipe reaches
			// every node.
			if err := r.UnsubscribeAll(ctx, clientID); err != nil {
				return err
			}
		}
	}

	if s == nil {
		return nil
	}

	if !cleanSession {
		if err := r.msgs.DeliverFromStore(ctx, clientID, s); err != nil {
			return err
		}
	}

	if err := r.names.Add(clientID, s); err != nil {
		return &InvariantError{Detail: "binding collision for " + clientID + " after eviction"}
	}
	if ex, ok := s.(session.Exiter); ok {
		ex.OnExit(func() { r.names.Remove(clientID, s) })
	}
	return nil
}

// evictIncumbent disconnects any session bound to the id on this node and
// polls until its exit handler has cleared the binding. There is no
// wall-clock timeout; cancellation comes from ctx.
func (r *Router) evictIncumbent(ctx context.Context, clientID string) error {
	incumbent, ok := r.names.Lookup(clientID)
	if !ok {
		return nil
	}
	slog.Info("routing: evicting incumbent", "clientID", clientID)
	incumbent.Disconnect()

	ticker := time.NewTicker(r.opts.poll())
	defer ticker.Stop()
	for {
		if _, ok := r.names.Lookup(clientID); !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DisconnectClient asks the session bound to a client id, wherever it
// lives, to disconnect. Returns ErrNotFound when no node has a binding.
func (r *Router) DisconnectClient(ctx context.Context, clientID string) error {
	if r.disconnectLocal(clientID) {
		return nil
	}
	for _, node := range r.cl.Nodes() {
		if node == r.cl.Self() {
			continue
		}
		var resp disconnectResponse
		err := r.cl.Call(ctx, node, methodDisconnect, disconnectRequest{ClientID: clientID}, &resp)
		if err != nil {
			return err
		}
		if resp.Found {
			return nil
		}
	}
	return ErrNotFound
}

func (r *Router) disconnectLocal(clientID string) bool {
	sess, ok := r.names.Lookup(clientID)
	if !ok {
		return false
	}
	sess.Disconnect()
	return true
}
