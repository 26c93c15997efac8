package routing

import (
	"context"
	"log/slog"

	"github.com/sthagen/vernemq/pkg/session"
	"github.com/sthagen/vernemq/pkg/store"
	"github.com/sthagen/vernemq/pkg/topic"
)

// PublishRequest describes one publication.
type PublishRequest struct {
	// Sender is the publishing session, if any. The router does not read
	// it: hooks receive ClientID, and deliveries go through each
	// subscriber's own binding.
	Sender session.Session

	// ClientID identifies the publisher.
	ClientID string

	// MsgID is the publisher's message identifier; may be empty.
	MsgID string

	RoutingKey string
	Payload    []byte

	// Retain stores the message as the routing key's retained message; an
	// empty payload clears it.
	Retain bool
}

// routedMessage is the wire form of a publication handed to local routers.
type routedMessage struct {
	SenderClient string `msgpack:"c"`
	MsgID        string `msgpack:"m"`
	RoutingKey   string `msgpack:"k"`
	Payload      []byte `msgpack:"p"`
	Retain       bool   `msgpack:"r"`
}

// routeRequest is the cross-node local-router invocation.
type routeRequest struct {
	Filter string        `msgpack:"f"`
	Msg    routedMessage `msgpack:"m"`
}

// Publish routes a publication to every matched subscriber. The work runs
// on a transient worker; the call returns once the worker has accepted and
// dispatched it, not when every subscriber has received the message.
// Returns ErrSystemLimit when no worker slot is free; a worker crash
// surfaces as WorkerDownError.
func (r *Router) Publish(ctx context.Context, req PublishRequest) error {
	words := topic.Split(req.RoutingKey)
	if err := topic.ValidateRoutingKey(words); err != nil {
		return err
	}

	select {
	case r.workers <- struct{}{}:
	default:
		return ErrSystemLimit
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-r.workers }()
		defer func() {
			if p := recover(); p != nil {
				done <- &WorkerDownError{Reason: p}
			}
		}()
		done <- r.dispatch(ctx, req)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch is the transient publish worker: match, then fast-path or
// cluster fan-out.
func (r *Router) dispatch(ctx context.Context, req PublishRequest) error {
	r.hooks.All(HookOnPublish, req.ClientID, req.RoutingKey, req.Payload, req.Retain)

	matches, err := r.Match(ctx, req.RoutingKey)
	if err != nil {
		return err
	}

	msg := routedMessage{
		SenderClient: req.ClientID,
		MsgID:        req.MsgID,
		RoutingKey:   req.RoutingKey,
		Payload:      req.Payload,
		Retain:       req.Retain,
	}

	if req.Retain {
		// Retain actions always require a healthy cluster, even when all
		// matched subscribers are local.
		return r.cl.IfReady(func() error {
			if err := r.msgs.Retain(ctx, req.ClientID, req.RoutingKey, req.Payload); err != nil {
				return err
			}
			return r.fanOut(ctx, matches, msg)
		})
	}

	if r.allLocal(matches) {
		// Single-node fast-path: every subscriber lives here, so the
		// publish deliberately tolerates a partitioned cluster.
		for _, m := range matches {
			if err := r.route(ctx, m.Filter, msg); err != nil {
				return err
			}
		}
		return nil
	}

	return r.cl.IfReady(func() error {
		return r.fanOut(ctx, matches, msg)
	})
}

func (r *Router) allLocal(matches []Match) bool {
	for _, m := range matches {
		if m.Node != r.cl.Self() {
			return false
		}
	}
	return true
}

func (r *Router) fanOut(ctx context.Context, matches []Match, msg routedMessage) error {
	for _, m := range matches {
		if m.Node == r.cl.Self() {
			if err := r.route(ctx, m.Filter, msg); err != nil {
				return err
			}
			continue
		}
		err := r.cl.Call(ctx, m.Node, methodRoute, routeRequest{Filter: m.Filter, Msg: msg}, nil)
		if err != nil {
			return err
		}
	}
	return nil
}

// route is the local router: it reads the node's subscribers for a
// matched filter, applies the filter hook chain and hands each message to
// the live session or the message store.
func (r *Router) route(ctx context.Context, filter string, msg routedMessage) error {
	var subs []Subscriber
	err := r.store.View(ctx, func(txn store.Txn) error {
		recs, err := filterSubscribers(txn, filter)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if rec.Node != r.cl.Self() {
				continue
			}
			subs = append(subs, Subscriber{Node: rec.Node, ClientID: rec.ClientID, QoS: rec.QoS})
		}
		return nil
	})
	if err != nil {
		return err
	}

	if filtered, ok := r.hooks.Every(HookFilterSubscribers, subs, msg.RoutingKey).([]Subscriber); ok {
		subs = filtered
	}

	// A retained delete carries no payload and is never delivered; the
	// retain action itself already ran on the dispatching node.
	retainedDelete := msg.Retain && len(msg.Payload) == 0

	for _, sub := range subs {
		if sub.QoS == 0 {
			if retainedDelete {
				continue
			}
			if sess, ok := r.names.Lookup(sub.ClientID); ok {
				if err := sess.Deliver(session.Delivery{
					RoutingKey: msg.RoutingKey,
					Payload:    msg.Payload,
					QoS:        0,
				}); err != nil {
					slog.Debug("routing: qos0 delivery failed", "clientID", sub.ClientID, "error", err)
				}
			}
			continue
		}

		ref, err := r.msgs.Cache(ctx, msg.SenderClient, msg.MsgID, msg.RoutingKey, msg.Payload)
		if err != nil {
			return err
		}
		if retainedDelete {
			if err := r.msgs.Deref(ctx, ref); err != nil {
				return err
			}
			continue
		}
		if sess, ok := r.names.Lookup(sub.ClientID); ok {
			// The consumer releases the reference once it is done with
			// the message.
			if err := sess.Deliver(session.Delivery{
				RoutingKey: msg.RoutingKey,
				Payload:    msg.Payload,
				QoS:        sub.QoS,
				Ref:        ref,
			}); err != nil {
				slog.Debug("routing: delivery failed, deferring",
					"clientID", sub.ClientID, "error", err)
				if err := r.msgs.DeferDeliver(ctx, sub.ClientID, sub.QoS, ref); err != nil {
					return err
				}
				if err := r.msgs.Deref(ctx, ref); err != nil {
					return err
				}
			}
			continue
		}
		if err := r.msgs.DeferDeliver(ctx, sub.ClientID, sub.QoS, ref); err != nil {
			return err
		}
		if err := r.msgs.Deref(ctx, ref); err != nil {
			return err
		}
	}
	return nil
}
