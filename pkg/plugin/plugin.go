// Package plugin gives in-process extensions a minimal client surface:
// three callables bound to a synthetic client id derived from the
// session handle. All three wait for cluster readiness before acting.
package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/sthagen/vernemq/pkg/routing"
	"github.com/sthagen/vernemq/pkg/session"
)

// ClientID derives the synthetic client id for a session handle.
func ClientID(s session.Session) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%p", s)))
	return "plugin-" + base64.RawURLEncoding.EncodeToString(sum[:])
}

// RegisterFunc registers the plugin session with the cluster.
type RegisterFunc func(ctx context.Context) error

// PublishFunc publishes a payload on a topic.
type PublishFunc func(ctx context.Context, topic string, payload []byte) error

// SubscribeFunc subscribes the plugin session to a filter at QoS 0.
type SubscribeFunc func(ctx context.Context, filter string) error

// Funcs builds the register/publish/subscribe triple for a session. The
// callables share one synthetic client id for the session's lifetime.
func Funcs(r *routing.Router, s session.Session) (RegisterFunc, PublishFunc, SubscribeFunc) {
	clientID := ClientID(s)
	cl := r.Cluster()

	register := func(ctx context.Context) error {
		if err := cl.WaitReady(ctx); err != nil {
			return err
		}
		return r.RegisterClient(ctx, clientID, s, false)
	}
	publish := func(ctx context.Context, topic string, payload []byte) error {
		if err := cl.WaitReady(ctx); err != nil {
			return err
		}
		return r.Publish(ctx, routing.PublishRequest{
			Sender:     s,
			ClientID:   clientID,
			RoutingKey: topic,
			Payload:    payload,
		})
	}
	subscribe := func(ctx context.Context, filter string) error {
		if err := cl.WaitReady(ctx); err != nil {
			return err
		}
		return r.Subscribe(ctx, clientID, []routing.Subscription{{Filter: filter}})
	}
	return register, publish, subscribe
}
