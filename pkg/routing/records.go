package routing

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sthagen/vernemq/pkg/store"
)

// Store tables owned by the routing registry, besides the trie tables.
const (
	// TopicTable is the bag of (filter, node) records: one element per
	// node that hosts at least one subscriber for the filter.
	TopicTable = "topic"

	// SubscriberTable is the bag of (filter, client, node, qos) records,
	// keyed by filter with one element per client.
	SubscriberTable = "subscriber"
)

// topicRec marks that a node hosts subscribers for a filter.
type topicRec struct {
	Filter string `msgpack:"f"`
	Node   string `msgpack:"n"`
}

// subscriberRec is one subscription. Node is where the client was
// connected when it subscribed; the local router on that node owns the
// delivery.
type subscriberRec struct {
	Filter   string `msgpack:"f"`
	ClientID string `msgpack:"c"`
	Node     string `msgpack:"n"`
	QoS      byte   `msgpack:"q"`
}

func putTopicRec(txn store.Txn, filter, node string) error {
	data, err := msgpack.Marshal(&topicRec{Filter: filter, Node: node})
	if err != nil {
		return err
	}
	return store.AddToBag(txn, TopicTable, []byte(filter), []byte(node), data)
}

func delTopicRec(txn store.Txn, filter, node string) error {
	return store.DeleteFromBag(txn, TopicTable, []byte(filter), []byte(node))
}

// topicNodes lists the nodes holding subscribers for a filter.
func topicNodes(txn store.Txn, filter string) ([]string, error) {
	var nodes []string
	for it, err := range store.BagMembers(txn, TopicTable, []byte(filter)) {
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, string(it.Key))
	}
	return nodes, nil
}

func putSubscriberRec(txn store.Txn, rec subscriberRec) error {
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}
	return store.AddToBag(txn, SubscriberTable, []byte(rec.Filter), []byte(rec.ClientID), data)
}

func delSubscriberRec(txn store.Txn, filter, clientID string) error {
	return store.DeleteFromBag(txn, SubscriberTable, []byte(filter), []byte(clientID))
}

// filterSubscribers reads the subscriber bag for a filter.
func filterSubscribers(txn store.Txn, filter string) ([]subscriberRec, error) {
	var subs []subscriberRec
	for it, err := range store.BagMembers(txn, SubscriberTable, []byte(filter)) {
		if err != nil {
			return nil, err
		}
		var rec subscriberRec
		if err := msgpack.Unmarshal(it.Value, &rec); err != nil {
			return nil, err
		}
		subs = append(subs, rec)
	}
	return subs, nil
}

// getSubscriber reads one subscriber record, if present.
func getSubscriber(txn store.Txn, filter, clientID string) (subscriberRec, bool, error) {
	for it, err := range store.BagMembers(txn, SubscriberTable, []byte(filter)) {
		if err != nil {
			return subscriberRec{}, false, err
		}
		if string(it.Key) != clientID {
			continue
		}
		var rec subscriberRec
		if err := msgpack.Unmarshal(it.Value, &rec); err != nil {
			return subscriberRec{}, false, err
		}
		return rec, true, nil
	}
	return subscriberRec{}, false, nil
}

// allSubscriptionsOf collects every filter the client is subscribed to.
func allSubscriptionsOf(txn store.Txn, clientID string) ([]subscriberRec, error) {
	var recs []subscriberRec
	for it, err := range txn.Scan(SubscriberTable, nil) {
		if err != nil {
			return nil, err
		}
		var rec subscriberRec
		if err := msgpack.Unmarshal(it.Value, &rec); err != nil {
			return nil, err
		}
		if rec.ClientID == clientID {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}
