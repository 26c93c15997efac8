// Package store provides the transactional key-value layer the routing
// registry persists its tables in. A store holds named tables; within a
// table, records are addressed by opaque byte keys. Tables with bag
// semantics (several records per logical key) are realized as key ranges
// via the bag helpers.
//
// Two engines are provided: a BadgerDB-backed engine for production and an
// in-memory engine for testing. The Replicated wrapper captures the
// changeset of every committed transaction and forwards it to cluster
// peers, giving all replicas the same table contents.
package store

import (
	"context"
	"errors"
	"iter"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a key does not exist in a table.
	ErrNotFound = errors.New("store: not found")
)

// Item is a single record yielded by Scan and BagMembers.
type Item struct {
	Key   []byte
	Value []byte
}

// Txn is a transaction handle. Mutations through a Txn obtained from Update
// are atomic: they all apply on commit or none do on error. A Txn obtained
// from View rejects mutations.
type Txn interface {
	// Get retrieves a record. Returns ErrNotFound if absent.
	Get(table string, key []byte) ([]byte, error)

	// Set stores a record, overwriting any existing value.
	Set(table string, key, value []byte) error

	// Delete removes a record. No error if the key does not exist.
	Delete(table string, key []byte) error

	// Scan iterates over all records of a table whose key starts with
	// prefix, in lexicographic key order. An empty prefix scans the whole
	// table. Mutating the table while scanning it is undefined; collect
	// keys first.
	Scan(table string, prefix []byte) iter.Seq2[Item, error]
}

// Engine is a transactional store.
type Engine interface {
	// View runs fn in a read-only transaction (dirty read: no locks are
	// promised beyond snapshot consistency).
	View(ctx context.Context, fn func(Txn) error) error

	// Update runs fn in a read-write transaction. If fn returns an error
	// the transaction aborts and all its writes are discarded.
	Update(ctx context.Context, fn func(Txn) error) error

	// Close releases any resources held by the engine.
	Close() error
}

// bagSep separates the logical bag key from the element key. MQTT topic
// names, filters and client identifiers never contain the null character,
// so the separator cannot collide with bag key contents.
const bagSep byte = 0x00

// tableKey builds the full engine key for a record.
func tableKey(table string, key []byte) []byte {
	k := make([]byte, 0, len(table)+1+len(key))
	k = append(k, table...)
	k = append(k, bagSep)
	k = append(k, key...)
	return k
}

// bagElemKey builds the record key of a bag element.
func bagElemKey(bag, elem []byte) []byte {
	k := make([]byte, 0, len(bag)+1+len(elem))
	k = append(k, bag...)
	k = append(k, bagSep)
	k = append(k, elem...)
	return k
}

// AddToBag upserts an element of a bag. There is at most one record per
// (bag, elem) pair; re-adding overwrites the value.
func AddToBag(txn Txn, table string, bag, elem, value []byte) error {
	return txn.Set(table, bagElemKey(bag, elem), value)
}

// DeleteFromBag removes one element of a bag.
func DeleteFromBag(txn Txn, table string, bag, elem []byte) error {
	return txn.Delete(table, bagElemKey(bag, elem))
}

// BagMembers iterates the elements of a bag. Yielded item keys are the
// element keys with the bag prefix stripped.
func BagMembers(txn Txn, table string, bag []byte) iter.Seq2[Item, error] {
	prefix := append(append([]byte{}, bag...), bagSep)
	return func(yield func(Item, error) bool) {
		for it, err := range txn.Scan(table, prefix) {
			if err != nil {
				yield(Item{}, err)
				return
			}
			it.Key = it.Key[len(prefix):]
			if !yield(it, nil) {
				return
			}
		}
	}
}

// BagEmpty reports whether a bag has no elements.
func BagEmpty(txn Txn, table string, bag []byte) (bool, error) {
	empty := true
	for _, err := range BagMembers(txn, table, bag) {
		if err != nil {
			return false, err
		}
		empty = false
		break
	}
	return empty, nil
}

// Drop removes every record of the named tables. Admin use only.
func Drop(ctx context.Context, e Engine, tables ...string) error {
	return e.Update(ctx, func(txn Txn) error {
		for _, table := range tables {
			var keys [][]byte
			for it, err := range txn.Scan(table, nil) {
				if err != nil {
					return err
				}
				keys = append(keys, it.Key)
			}
			for _, k := range keys {
				if err := txn.Delete(table, k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
