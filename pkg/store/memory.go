package store

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
)

// ErrReadOnly is returned when a View transaction attempts a mutation.
var ErrReadOnly = errors.New("store: read-only transaction")

// Memory is an in-memory Engine. Update transactions are serialized by a
// write lock and stage their mutations until commit, so aborts leave the
// table contents untouched. Intended primarily for testing.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates an empty in-memory engine.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) View(_ context.Context, fn func(Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTxn{m: m, readOnly: true})
}

func (m *Memory) Update(_ context.Context, fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &memTxn{m: m, staged: make(map[string][]byte)}
	if err := fn(txn); err != nil {
		return err
	}
	for k, v := range txn.staged {
		if v == nil {
			delete(m.data, k)
		} else {
			m.data[k] = v
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// memTxn stages writes in an overlay map; a nil value marks a deletion.
// Reads see the overlay first (read-your-writes).
type memTxn struct {
	m        *Memory
	staged   map[string][]byte
	readOnly bool
}

func (t *memTxn) Get(table string, key []byte) ([]byte, error) {
	k := string(tableKey(table, key))
	if t.staged != nil {
		if v, ok := t.staged[k]; ok {
			if v == nil {
				return nil, ErrNotFound
			}
			return append([]byte{}, v...), nil
		}
	}
	v, ok := t.m.data[k]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

func (t *memTxn) Set(table string, key, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.staged[string(tableKey(table, key))] = append([]byte{}, value...)
	return nil
}

func (t *memTxn) Delete(table string, key []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	t.staged[string(tableKey(table, key))] = nil
	return nil
}

func (t *memTxn) Scan(table string, prefix []byte) iter.Seq2[Item, error] {
	full := tableKey(table, prefix)

	merged := make(map[string][]byte)
	for k, v := range t.m.data {
		if bytes.HasPrefix([]byte(k), full) {
			merged[k] = v
		}
	}
	if t.staged != nil {
		for k, v := range t.staged {
			if !bytes.HasPrefix([]byte(k), full) {
				continue
			}
			if v == nil {
				delete(merged, k)
			} else {
				merged[k] = v
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Record keys are relative to the table, not the scan prefix.
	tblPrefix := len(tableKey(table, nil))

	return func(yield func(Item, error) bool) {
		for _, k := range keys {
			it := Item{
				Key:   []byte(k[tblPrefix:]),
				Value: append([]byte{}, merged[k]...),
			}
			if !yield(it, nil) {
				return
			}
		}
	}
}
