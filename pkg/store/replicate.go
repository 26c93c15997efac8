package store

import (
	"context"
	"log/slog"
)

// Op is one mutation of a committed transaction, in commit order.
type Op struct {
	Table  string `msgpack:"t"`
	Key    []byte `msgpack:"k"`
	Value  []byte `msgpack:"v"`
	Delete bool   `msgpack:"d"`
}

// Changeset is the ordered list of mutations a transaction committed.
type Changeset []Op

// Replicator forwards a committed changeset to the rest of the cluster.
type Replicator interface {
	Replicate(ctx context.Context, cs Changeset) error
}

// Replicated is an Engine whose Update transactions are captured as
// changesets and forwarded to peers after the local commit. Reads and View
// transactions never leave the node.
type Replicated struct {
	Engine
	rep Replicator
}

// NewReplicated wraps an engine with changeset replication.
func NewReplicated(e Engine, rep Replicator) *Replicated {
	return &Replicated{Engine: e, rep: rep}
}

func (r *Replicated) Update(ctx context.Context, fn func(Txn) error) error {
	var cs Changeset
	err := r.Engine.Update(ctx, func(txn Txn) error {
		rec := &recordingTxn{Txn: txn}
		if err := fn(rec); err != nil {
			return err
		}
		cs = rec.ops
		return nil
	})
	if err != nil {
		return err
	}
	if len(cs) > 0 && r.rep != nil {
		if err := r.rep.Replicate(ctx, cs); err != nil {
			// A partitioned peer misses the changeset; the readiness gate
			// keeps gated operations from trusting a diverged replica.
			slog.Warn("store: changeset replication failed", "ops", len(cs), "error", err)
		}
	}
	return nil
}

// Apply replays a replicated changeset in one local transaction.
func Apply(ctx context.Context, e Engine, cs Changeset) error {
	return e.Update(ctx, func(txn Txn) error {
		for _, op := range cs {
			if op.Delete {
				if err := txn.Delete(op.Table, op.Key); err != nil {
					return err
				}
			} else if err := txn.Set(op.Table, op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// recordingTxn captures mutations as they are issued.
type recordingTxn struct {
	Txn
	ops Changeset
}

func (t *recordingTxn) Set(table string, key, value []byte) error {
	if err := t.Txn.Set(table, key, value); err != nil {
		return err
	}
	t.ops = append(t.ops, Op{Table: table, Key: key, Value: value})
	return nil
}

func (t *recordingTxn) Delete(table string, key []byte) error {
	if err := t.Txn.Delete(table, key); err != nil {
		return err
	}
	t.ops = append(t.ops, Op{Table: table, Key: key, Delete: true})
	return nil
}
