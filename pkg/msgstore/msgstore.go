// Package msgstore is the durable message store backing QoS>0 and retained
// delivery. It keeps three tables on a local store engine: retained
// messages by routing key, reference-counted message payloads by message
// ref, and per-client deferred-delivery queues drained when the client
// reconnects.
//
// The store is strictly node-local; cross-node message visibility is the
// routing layer's job.
package msgstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sthagen/vernemq/pkg/session"
	"github.com/sthagen/vernemq/pkg/store"
	"github.com/sthagen/vernemq/pkg/topic"
)

// Store tables.
const (
	// RetainedTable maps routing key → retained message.
	RetainedTable = "retained"

	// MsgTable maps message ref → payload and reference count.
	MsgTable = "msg"

	// QueueTable holds per-client deferred-delivery bags, FIFO by
	// sequence number.
	QueueTable = "queue"

	// MetaTable holds per-client queue sequence counters.
	MetaTable = "msg_meta"
)

// ErrNotFound is returned when a message ref does not exist.
var ErrNotFound = errors.New("msgstore: not found")

// Ref identifies a stored message.
type Ref = uuid.UUID

// retainedRec is the persisted retained message.
type retainedRec struct {
	SenderClient string `msgpack:"c"`
	Payload      []byte `msgpack:"p"`
}

// msgRec is the persisted message with its reference count.
type msgRec struct {
	SenderClient string `msgpack:"c"`
	RoutingKey   string `msgpack:"k"`
	Payload      []byte `msgpack:"p"`
	RefCount     uint32 `msgpack:"r"`
}

// queueRec is one deferred delivery.
type queueRec struct {
	QoS byte   `msgpack:"q"`
	Ref []byte `msgpack:"r"`
}

// Store is the message store implementation.
type Store struct {
	eng store.Engine
}

// New creates a message store on the given engine.
func New(eng store.Engine) *Store {
	return &Store{eng: eng}
}

// Retain stores routingKey's retained message. An empty payload clears it.
func (s *Store) Retain(ctx context.Context, senderClient, routingKey string, payload []byte) error {
	return s.eng.Update(ctx, func(txn store.Txn) error {
		if len(payload) == 0 {
			return txn.Delete(RetainedTable, []byte(routingKey))
		}
		data, err := msgpack.Marshal(&retainedRec{SenderClient: senderClient, Payload: payload})
		if err != nil {
			return err
		}
		return txn.Set(RetainedTable, []byte(routingKey), data)
	})
}

// DeliverRetained sends every retained message matching the filter to the
// session, flagged as retained.
func (s *Store) DeliverRetained(ctx context.Context, sess session.Session, filter string, qos byte) error {
	filterWords := topic.Split(filter)
	type hit struct {
		key string
		rec retainedRec
	}
	var hits []hit
	err := s.eng.View(ctx, func(txn store.Txn) error {
		for it, err := range txn.Scan(RetainedTable, nil) {
			if err != nil {
				return err
			}
			key := string(it.Key)
			if !topic.Matches(filterWords, topic.Split(key)) {
				continue
			}
			var rec retainedRec
			if err := msgpack.Unmarshal(it.Value, &rec); err != nil {
				return err
			}
			hits = append(hits, hit{key: key, rec: rec})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, h := range hits {
		err := sess.Deliver(session.Delivery{
			RoutingKey: h.key,
			Payload:    h.rec.Payload,
			QoS:        qos,
			Retain:     true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Cache persists a message and returns its ref, taking one reference for
// the caller. A non-empty msgID yields a deterministic ref, so re-storing
// the same in-flight message lands on the same record.
func (s *Store) Cache(ctx context.Context, senderClient, msgID, routingKey string, payload []byte) (Ref, error) {
	var ref Ref
	if msgID != "" {
		ref = uuid.NewSHA1(uuid.NameSpaceOID, []byte(senderClient+"\x00"+msgID))
	} else {
		ref = uuid.New()
	}

	err := s.eng.Update(ctx, func(txn store.Txn) error {
		rec, ok, err := s.getMsg(txn, ref)
		if err != nil {
			return err
		}
		if !ok {
			rec = msgRec{SenderClient: senderClient, RoutingKey: routingKey, Payload: payload}
		}
		rec.RefCount++
		return s.putMsg(txn, ref, rec)
	})
	if err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// DeferDeliver queues a stored message for a client that is not currently
// connected, taking one reference.
func (s *Store) DeferDeliver(ctx context.Context, clientID string, qos byte, ref Ref) error {
	return s.eng.Update(ctx, func(txn store.Txn) error {
		rec, ok, err := s.getMsg(txn, ref)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: ref %s", ErrNotFound, ref)
		}
		rec.RefCount++
		if err := s.putMsg(txn, ref, rec); err != nil {
			return err
		}

		seq, err := s.nextSeq(txn, clientID)
		if err != nil {
			return err
		}
		data, err := msgpack.Marshal(&queueRec{QoS: qos, Ref: ref[:]})
		if err != nil {
			return err
		}
		return store.AddToBag(txn, QueueTable, []byte(clientID), seq, data)
	})
}

// Deref releases one reference; the record disappears with the last one.
func (s *Store) Deref(ctx context.Context, ref Ref) error {
	return s.eng.Update(ctx, func(txn store.Txn) error {
		return s.deref(txn, ref)
	})
}

func (s *Store) deref(txn store.Txn, ref Ref) error {
	rec, ok, err := s.getMsg(txn, ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: ref %s", ErrNotFound, ref)
	}
	if rec.RefCount <= 1 {
		return txn.Delete(MsgTable, ref[:])
	}
	rec.RefCount--
	return s.putMsg(txn, ref, rec)
}

// DeliverFromStore drains the client's deferred queue into the session in
// enqueue order. Entries delivered successfully are dequeued and
// dereferenced; delivery to a closed session stops the drain and leaves
// the rest queued.
func (s *Store) DeliverFromStore(ctx context.Context, clientID string, sess session.Session) error {
	type entry struct {
		seq []byte
		rec queueRec
	}
	var entries []entry
	err := s.eng.View(ctx, func(txn store.Txn) error {
		for it, err := range store.BagMembers(txn, QueueTable, []byte(clientID)) {
			if err != nil {
				return err
			}
			var rec queueRec
			if err := msgpack.Unmarshal(it.Value, &rec); err != nil {
				return err
			}
			entries = append(entries, entry{seq: append([]byte{}, it.Key...), rec: rec})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		ref, err := uuid.FromBytes(e.rec.Ref)
		if err != nil {
			return err
		}
		var msg msgRec
		var found bool
		err = s.eng.View(ctx, func(txn store.Txn) error {
			msg, found, err = s.getMsg(txn, ref)
			return err
		})
		if err != nil {
			return err
		}
		if found {
			err = sess.Deliver(session.Delivery{
				RoutingKey: msg.RoutingKey,
				Payload:    msg.Payload,
				QoS:        e.rec.QoS,
				Ref:        ref,
			})
			if errors.Is(err, session.ErrClosed) {
				return err
			}
			if err != nil {
				return err
			}
		} else {
			slog.Warn("msgstore: queued ref vanished", "clientID", clientID, "ref", ref)
		}

		err = s.eng.Update(ctx, func(txn store.Txn) error {
			if err := store.DeleteFromBag(txn, QueueTable, []byte(clientID), e.seq); err != nil {
				return err
			}
			if found {
				return s.deref(txn, ref)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CleanSession drops the client's deferred queue, releasing every queued
// reference.
func (s *Store) CleanSession(ctx context.Context, clientID string) error {
	return s.eng.Update(ctx, func(txn store.Txn) error {
		var seqs [][]byte
		var refs []Ref
		for it, err := range store.BagMembers(txn, QueueTable, []byte(clientID)) {
			if err != nil {
				return err
			}
			var rec queueRec
			if err := msgpack.Unmarshal(it.Value, &rec); err != nil {
				return err
			}
			ref, err := uuid.FromBytes(rec.Ref)
			if err != nil {
				return err
			}
			seqs = append(seqs, append([]byte{}, it.Key...))
			refs = append(refs, ref)
		}
		for i, seq := range seqs {
			if err := store.DeleteFromBag(txn, QueueTable, []byte(clientID), seq); err != nil {
				return err
			}
			if err := s.deref(txn, refs[i]); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		return txn.Delete(MetaTable, seqKey(clientID))
	})
}

// QueueLen reports the number of deferred messages for a client.
func (s *Store) QueueLen(ctx context.Context, clientID string) (int, error) {
	n := 0
	err := s.eng.View(ctx, func(txn store.Txn) error {
		for _, err := range store.BagMembers(txn, QueueTable, []byte(clientID)) {
			if err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) getMsg(txn store.Txn, ref Ref) (msgRec, bool, error) {
	data, err := txn.Get(MsgTable, ref[:])
	if errors.Is(err, store.ErrNotFound) {
		return msgRec{}, false, nil
	}
	if err != nil {
		return msgRec{}, false, err
	}
	var rec msgRec
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return msgRec{}, false, err
	}
	return rec, true, nil
}

func (s *Store) putMsg(txn store.Txn, ref Ref, rec msgRec) error {
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return err
	}
	return txn.Set(MsgTable, ref[:], data)
}

func seqKey(clientID string) []byte {
	return []byte("seq\x00" + clientID)
}

// nextSeq returns the client's next queue sequence number as a big-endian
// key, so bag iteration yields FIFO order.
func (s *Store) nextSeq(txn store.Txn, clientID string) ([]byte, error) {
	var seq uint64
	data, err := txn.Get(MetaTable, seqKey(clientID))
	if err == nil {
		seq = binary.BigEndian.Uint64(data)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	seq++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	if err := txn.Set(MetaTable, seqKey(clientID), buf); err != nil {
		return nil, err
	}
	return buf, nil
}
