// Package trie implements the replicated topic-filter index: a prefix tree
// over filter word sequences persisted in two store tables. Nodes carry an
// outgoing-edge count and, for nodes where a filter terminates, the full
// filter string. Edges form a tree rooted at the empty word path.
//
// All operations run inside a caller-supplied store transaction, so a
// subscribe can update the subscriber table and the trie atomically.
package trie

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sthagen/vernemq/pkg/store"
	"github.com/sthagen/vernemq/pkg/topic"
)

// Store tables used by the trie.
const (
	// NodeTable holds one record per trie node, keyed by the node's word
	// path.
	NodeTable = "trie_node"

	// EdgeTable holds one record per edge, keyed by (from path, word).
	EdgeTable = "trie_edge"
)

// ErrCorrupt is returned when the index violates its own invariants, e.g.
// a node referenced during delete is missing.
var ErrCorrupt = errors.New("trie: corrupt index")

// Node is the persisted trie node record.
type Node struct {
	// EdgeCount is the number of outgoing edges.
	EdgeCount uint32 `msgpack:"e"`

	// Topic is the full filter string when a filter terminates exactly at
	// this node; meaningful only when HasTopic is set (the empty filter is
	// a valid topic).
	Topic    string `msgpack:"t"`
	HasTopic bool   `msgpack:"h"`
}

// edgeKey identifies an edge; the destination node is From ++ [Word].
type edgeKey struct {
	From []string `msgpack:"f"`
	Word string   `msgpack:"w"`
}

func nodeKey(words []string) []byte {
	if words == nil {
		words = []string{}
	}
	k, err := msgpack.Marshal(words)
	if err != nil {
		// []string never fails to marshal.
		panic(err)
	}
	return k
}

func encodeEdgeKey(from []string, word string) []byte {
	if from == nil {
		from = []string{}
	}
	k, err := msgpack.Marshal(edgeKey{From: from, Word: word})
	if err != nil {
		panic(err)
	}
	return k
}

func getNode(txn store.Txn, words []string) (Node, bool, error) {
	data, err := txn.Get(NodeTable, nodeKey(words))
	if errors.Is(err, store.ErrNotFound) {
		return Node{}, false, nil
	}
	if err != nil {
		return Node{}, false, err
	}
	var n Node
	if err := msgpack.Unmarshal(data, &n); err != nil {
		return Node{}, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return n, true, nil
}

func putNode(txn store.Txn, words []string, n Node) error {
	data, err := msgpack.Marshal(&n)
	if err != nil {
		return err
	}
	return txn.Set(NodeTable, nodeKey(words), data)
}

func hasEdge(txn store.Txn, from []string, word string) (bool, error) {
	_, err := txn.Get(EdgeTable, encodeEdgeKey(from, word))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Lookup returns the node record at the given word path.
func Lookup(txn store.Txn, words []string) (Node, bool, error) {
	return getNode(txn, words)
}

// Insert adds a filter to the index. Re-inserting an existing filter is a
// no-op.
func Insert(txn store.Txn, words []string, filter string) error {
	if n, ok, err := getNode(txn, words); err != nil {
		return err
	} else if ok {
		if n.HasTopic {
			return nil
		}
		n.Topic = filter
		n.HasTopic = true
		return putNode(txn, words, n)
	}

	// Walk the triples from the root, creating missing edges.
	for i := range words {
		from, word := words[:i], words[i]
		ok, err := hasEdge(txn, from, word)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := txn.Set(EdgeTable, encodeEdgeKey(from, word), nil); err != nil {
			return err
		}
		n, ok, err := getNode(txn, from)
		if err != nil {
			return err
		}
		if !ok {
			n = Node{}
		}
		n.EdgeCount++
		if err := putNode(txn, from, n); err != nil {
			return err
		}
	}

	return putNode(txn, words, Node{Topic: filter, HasTopic: true})
}

// Delete removes a filter from the index, pruning nodes and edges that no
// remaining filter passes through. The caller invokes it only once the
// last subscription for the filter is gone everywhere.
func Delete(txn store.Txn, words []string) error {
	n, ok, err := getNode(txn, words)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: missing terminal node for %q", ErrCorrupt, topic.Join(words))
	}

	if n.EdgeCount > 0 {
		// Still an internal node for longer filters.
		n.Topic = ""
		n.HasTopic = false
		return putNode(txn, words, n)
	}

	if err := txn.Delete(NodeTable, nodeKey(words)); err != nil {
		return err
	}

	// Walk the triples in reverse, pruning leaf-up.
	for i := len(words) - 1; i >= 0; i-- {
		from, word := words[:i], words[i]
		if err := txn.Delete(EdgeTable, encodeEdgeKey(from, word)); err != nil {
			return err
		}
		fn, ok, err := getNode(txn, from)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: missing node %q during prune", ErrCorrupt, topic.Join(from))
		}
		switch {
		case fn.EdgeCount == 1 && !fn.HasTopic:
			if err := txn.Delete(NodeTable, nodeKey(from)); err != nil {
				return err
			}
		case fn.EdgeCount == 1:
			fn.EdgeCount = 0
			return putNode(txn, from, fn)
		default:
			fn.EdgeCount--
			return putNode(txn, from, fn)
		}
	}
	return nil
}

// Match walks the index for a routing key and returns the deduplicated set
// of filter strings it matches. At every visited node the multi-level
// wildcard continuation is collected, since `#` covers the remainder.
func Match(txn store.Txn, key []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	collect := func(filter string) {
		if _, dup := seen[filter]; dup {
			return
		}
		seen[filter] = struct{}{}
		out = append(out, filter)
	}

	var walk func(node, rest []string) error
	walk = func(node, rest []string) error {
		ok, err := hasEdge(txn, node, topic.MultiLevel)
		if err != nil {
			return err
		}
		if ok {
			hn, ok, err := getNode(txn, child(node, topic.MultiLevel))
			if err != nil {
				return err
			}
			if ok && hn.HasTopic {
				collect(hn.Topic)
			}
		}

		if len(rest) == 0 {
			n, ok, err := getNode(txn, node)
			if err != nil {
				return err
			}
			if ok && n.HasTopic {
				collect(n.Topic)
			}
			return nil
		}

		word, rest := rest[0], rest[1:]
		for _, w := range []string{word, topic.SingleLevel} {
			ok, err := hasEdge(txn, node, w)
			if err != nil {
				return err
			}
			if ok {
				if err := walk(child(node, w), rest); err != nil {
					return err
				}
			}
			if word == topic.SingleLevel {
				// A literal `+` word cannot occur in a routing key; avoid
				// walking the same edge twice.
				break
			}
		}
		return nil
	}

	if err := walk(nil, key); err != nil {
		return nil, err
	}
	return out, nil
}

func child(node []string, word string) []string {
	c := make([]string, 0, len(node)+1)
	c = append(c, node...)
	return append(c, word)
}

// Audit verifies the structural invariants of the index: every node's
// EdgeCount equals the number of edges leaving it, every edge endpoint
// exists, and no node is empty (no edges and no topic). Intended for tests
// and admin tooling.
func Audit(txn store.Txn) error {
	counts := make(map[string]uint32)
	for it, err := range txn.Scan(EdgeTable, nil) {
		if err != nil {
			return err
		}
		var ek edgeKey
		if err := msgpack.Unmarshal(it.Key, &ek); err != nil {
			return fmt.Errorf("%w: bad edge key: %v", ErrCorrupt, err)
		}
		counts[string(nodeKey(ek.From))]++
		to := child(ek.From, ek.Word)
		if _, ok, err := getNode(txn, to); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("%w: edge to missing node %q", ErrCorrupt, topic.Join(to))
		}
	}

	nodes := 0
	for it, err := range txn.Scan(NodeTable, nil) {
		if err != nil {
			return err
		}
		nodes++
		var n Node
		if err := msgpack.Unmarshal(it.Value, &n); err != nil {
			return fmt.Errorf("%w: bad node record: %v", ErrCorrupt, err)
		}
		if n.EdgeCount != counts[string(it.Key)] {
			return fmt.Errorf("%w: edge count mismatch (have %d, counted %d)",
				ErrCorrupt, n.EdgeCount, counts[string(it.Key)])
		}
		if n.EdgeCount == 0 && !n.HasTopic {
			return fmt.Errorf("%w: empty node", ErrCorrupt)
		}
		delete(counts, string(it.Key))
	}
	if len(counts) > 0 {
		return fmt.Errorf("%w: %d edges from missing nodes", ErrCorrupt, len(counts))
	}
	return nil
}

// Empty reports whether the index holds no nodes at all.
func Empty(txn store.Txn) (bool, error) {
	for _, err := range txn.Scan(NodeTable, nil) {
		if err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}
