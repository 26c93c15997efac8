// Package routing is the clustered routing and subscription registry: a
// replicated wildcard-aware index over topic filters, the subscription and
// topic tables built on it, the cluster-coordinated publish path and the
// client register/takeover protocol.
package routing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sthagen/vernemq/pkg/cluster"
	"github.com/sthagen/vernemq/pkg/hooks"
	"github.com/sthagen/vernemq/pkg/names"
	"github.com/sthagen/vernemq/pkg/session"
	"github.com/sthagen/vernemq/pkg/store"
)

// Hook names consumed by the router.
const (
	// HookAuthOnSubscribe runs as an Only hook before a subscribe batch.
	// A handler error denies the batch; a handler may return a rewritten
	// []Subscription.
	HookAuthOnSubscribe = "auth_on_subscribe"

	// HookOnSubscribe runs as an All hook after a subscribe batch.
	HookOnSubscribe = "on_subscribe"

	// HookOnUnsubscribe runs as an All hook after an unsubscribe.
	HookOnUnsubscribe = "on_unsubscribe"

	// HookOnRegister runs as an All hook after a successful register.
	HookOnRegister = "on_register"

	// HookOnPublish runs as an All hook when a publish worker starts.
	HookOnPublish = "on_publish"

	// HookFilterSubscribers runs as an Every hook over the subscriber
	// list on the delivery path; handlers may drop or re-weight
	// subscribers.
	HookFilterSubscribers = "filter_subscribers"
)

// RPC methods the router registers on the cluster.
const (
	methodRoute      = "routing.route"
	methodRegister   = "routing.register"
	methodDisconnect = "routing.disconnect"
	methodStoreApply = "store.apply"
)

// MessageStore is the durable message store contract the router consumes.
type MessageStore interface {
	Retain(ctx context.Context, senderClient, routingKey string, payload []byte) error
	DeliverRetained(ctx context.Context, s session.Session, filter string, qos byte) error
	Cache(ctx context.Context, senderClient, msgID, routingKey string, payload []byte) (uuid.UUID, error)
	DeferDeliver(ctx context.Context, clientID string, qos byte, ref uuid.UUID) error
	Deref(ctx context.Context, ref uuid.UUID) error
	DeliverFromStore(ctx context.Context, clientID string, s session.Session) error
	CleanSession(ctx context.Context, clientID string) error
}

// Subscription is one (filter, qos) pair of a subscribe batch.
type Subscription struct {
	Filter string
	QoS    byte
}

// Subscriber is one entry of a delivery list.
type Subscriber struct {
	Node     string
	ClientID string
	QoS      byte
}

// Match is one (filter, node) pair produced by the match engine.
type Match struct {
	Filter string
	Node   string
}

// Options tunes the router.
type Options struct {
	// PublishWorkers caps the concurrent transient publish workers.
	// Default 1024.
	PublishWorkers int

	// TakeoverPoll is the interval at which register waits for an evicted
	// incumbent's binding to clear. Default 100ms.
	TakeoverPoll time.Duration
}

func (o *Options) workers() int {
	if o.PublishWorkers <= 0 {
		return 1024
	}
	return o.PublishWorkers
}

func (o *Options) poll() time.Duration {
	if o.TakeoverPoll <= 0 {
		return 100 * time.Millisecond
	}
	return o.TakeoverPoll
}

// Router is the routing and subscription registry of one cluster node.
type Router struct {
	local store.Engine
	store store.Engine // replicated wrapper around local
	cl    cluster.Cluster
	names *names.Registry
	msgs  MessageStore
	hooks *hooks.Registry
	opts  Options

	workers chan struct{}
}

// New creates the router for a node and registers its RPC handlers on the
// cluster. The engine must be the node's local replica; the router wraps
// it so every committed routing transaction is forwarded to the peers.
func New(eng store.Engine, cl cluster.Cluster, reg *names.Registry, msgs MessageStore, hk *hooks.Registry, opts Options) *Router {
	if hk == nil {
		hk = hooks.NewRegistry()
	}
	r := &Router{
		local:   eng,
		cl:      cl,
		names:   reg,
		msgs:    msgs,
		hooks:   hk,
		opts:    opts,
		workers: make(chan struct{}, opts.workers()),
	}
	r.store = store.NewReplicated(eng, &clusterReplicator{cl: cl})
	r.registerHandlers()
	return r
}

// Hooks returns the router's hook registry.
func (r *Router) Hooks() *hooks.Registry { return r.hooks }

// Cluster returns the cluster the router is attached to.
func (r *Router) Cluster() cluster.Cluster { return r.cl }

func (r *Router) registerHandlers() {
	r.cl.Handle(methodStoreApply, func(ctx context.Context, _ string, req []byte) ([]byte, error) {
		var cs store.Changeset
		if err := msgpack.Unmarshal(req, &cs); err != nil {
			return nil, err
		}
		// Apply to the local replica directly; re-replicating would loop.
		return nil, store.Apply(ctx, r.local, cs)
	})

	r.cl.Handle(methodRoute, func(ctx context.Context, _ string, req []byte) ([]byte, error) {
		var rr routeRequest
		if err := msgpack.Unmarshal(req, &rr); err != nil {
			return nil, err
		}
		return nil, r.route(ctx, rr.Filter, rr.Msg)
	})

	r.cl.Handle(methodRegister, func(ctx context.Context, _ string, req []byte) ([]byte, error) {
		var reg registerRequest
		if err := msgpack.Unmarshal(req, &reg); err != nil {
			return nil, err
		}
		return nil, r.registerLocal(ctx, reg.ClientID, nil, reg.CleanSession)
	})

	r.cl.Handle(methodDisconnect, func(ctx context.Context, _ string, req []byte) ([]byte, error) {
		var dr disconnectRequest
		if err := msgpack.Unmarshal(req, &dr); err != nil {
			return nil, err
		}
		return msgpack.Marshal(disconnectResponse{Found: r.disconnectLocal(dr.ClientID)})
	})
}

// clusterReplicator forwards committed changesets to every peer.
type clusterReplicator struct {
	cl cluster.Cluster
}

func (c *clusterReplicator) Replicate(ctx context.Context, cs store.Changeset) error {
	var firstErr error
	for _, node := range c.cl.Nodes() {
		if node == c.cl.Self() {
			continue
		}
		if err := c.cl.Call(ctx, node, methodStoreApply, cs, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
