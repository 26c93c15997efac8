package routing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sthagen/vernemq/pkg/hooks"
	"github.com/sthagen/vernemq/pkg/store"
	"github.com/sthagen/vernemq/pkg/topic"
	"github.com/sthagen/vernemq/pkg/trie"
)

// Tables lists every replicated table the registry owns, in Reset order.
var Tables = []string{trie.NodeTable, trie.EdgeTable, TopicTable, SubscriberTable}

// Subscribe adds a batch of subscriptions for a client. Each topic runs in
// its own transaction; aborts are collected into SubscribeErrors while the
// remaining topics still take effect. Retained messages matching the new
// filters are delivered when the client is bound locally.
func (r *Router) Subscribe(ctx context.Context, clientID string, subs []Subscription) error {
	res, err := r.hooks.Only(HookAuthOnSubscribe, clientID, subs)
	switch {
	case errors.Is(err, hooks.ErrNotFound):
		// No authorization hook installed.
	case err != nil:
		return ErrNotAllowed
	default:
		if rewritten, ok := res.([]Subscription); ok {
			subs = rewritten
		}
	}

	var errs SubscribeErrors
	var granted []Subscription
	for _, sub := range subs {
		if err := r.subscribeOne(ctx, clientID, sub); err != nil {
			errs = append(errs, SubscribeError{Filter: sub.Filter, Err: err})
			continue
		}
		granted = append(granted, sub)
	}

	r.hooks.All(HookOnSubscribe, clientID, granted)

	// Retained deliveries for the topics that made it.
	if sess, ok := r.names.Lookup(clientID); ok {
		for _, sub := range granted {
			if err := r.msgs.DeliverRetained(ctx, sess, sub.Filter, sub.QoS); err != nil {
				slog.Warn("routing: retained delivery failed",
					"clientID", clientID, "filter", sub.Filter, "error", err)
			}
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (r *Router) subscribeOne(ctx context.Context, clientID string, sub Subscription) error {
	words := topic.Split(sub.Filter)
	if err := topic.ValidateFilter(words); err != nil {
		return err
	}
	return r.store.Update(ctx, func(txn store.Txn) error {
		rec := subscriberRec{
			Filter:   sub.Filter,
			ClientID: clientID,
			Node:     r.cl.Self(),
			QoS:      sub.QoS,
		}
		if err := putSubscriberRec(txn, rec); err != nil {
			return err
		}
		if err := putTopicRec(txn, sub.Filter, r.cl.Self()); err != nil {
			return err
		}
		return trie.Insert(txn, words, sub.Filter)
	})
}

// Unsubscribe removes the client's subscriptions for the given filters.
// Filters the client is not subscribed to are ignored.
func (r *Router) Unsubscribe(ctx context.Context, clientID string, filters []string) error {
	for _, filter := range filters {
		if err := r.unsubscribeOne(ctx, clientID, filter); err != nil {
			return err
		}
	}
	r.hooks.All(HookOnUnsubscribe, clientID, filters)
	return nil
}

func (r *Router) unsubscribeOne(ctx context.Context, clientID, filter string) error {
	return r.store.Update(ctx, func(txn store.Txn) error {
		rec, ok, err := getSubscriber(txn, filter, clientID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := delSubscriberRec(txn, filter, clientID); err != nil {
			return err
		}

		// Drop the topic record once the owning node lost its last
		// subscriber for the filter.
		remaining, err := filterSubscribers(txn, filter)
		if err != nil {
			return err
		}
		nodeStillHosts := false
		for _, other := range remaining {
			if other.Node == rec.Node {
				nodeStillHosts = true
				break
			}
		}
		if nodeStillHosts {
			return nil
		}
		if err := delTopicRec(txn, filter, rec.Node); err != nil {
			return err
		}

		// Prune the trie once no node hosts the filter anymore.
		nodes, err := topicNodes(txn, filter)
		if err != nil {
			return err
		}
		if len(nodes) > 0 {
			return nil
		}
		return trie.Delete(txn, topic.Split(filter))
	})
}

// UnsubscribeAll removes every subscription of a client. Used by the
// clean-session wipe during register.
func (r *Router) UnsubscribeAll(ctx context.Context, clientID string) error {
	var recs []subscriberRec
	err := r.store.View(ctx, func(txn store.Txn) error {
		var err error
		recs, err = allSubscriptionsOf(txn, clientID)
		return err
	})
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := r.unsubscribeOne(ctx, clientID, rec.Filter); err != nil {
			return err
		}
	}
	return nil
}

// Subscriptions returns every subscriber a routing key would reach,
// across all nodes.
func (r *Router) Subscriptions(ctx context.Context, routingKey string) ([]Subscriber, error) {
	var out []Subscriber
	err := r.store.View(ctx, func(txn store.Txn) error {
		filters, err := trie.Match(txn, topic.Split(routingKey))
		if err != nil {
			return err
		}
		for _, filter := range filters {
			recs, err := filterSubscribers(txn, filter)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				out = append(out, Subscriber{Node: rec.Node, ClientID: rec.ClientID, QoS: rec.QoS})
			}
		}
		return nil
	})
	return out, err
}

// Match walks the trie for a routing key and pairs each matched filter
// with the nodes hosting subscribers for it. The same filter appears once
// per hosting node.
func (r *Router) Match(ctx context.Context, routingKey string) ([]Match, error) {
	var out []Match
	err := r.store.View(ctx, func(txn store.Txn) error {
		filters, err := trie.Match(txn, topic.Split(routingKey))
		if err != nil {
			return err
		}
		for _, filter := range filters {
			nodes, err := topicNodes(txn, filter)
			if err != nil {
				return err
			}
			for _, node := range nodes {
				out = append(out, Match{Filter: filter, Node: node})
			}
		}
		return nil
	})
	return out, err
}

// Reset drops every routing table on every replica. Admin use only.
func (r *Router) Reset(ctx context.Context) error {
	return store.Drop(ctx, r.store, Tables...)
}
