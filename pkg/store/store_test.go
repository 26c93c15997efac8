package store

import (
	"context"
	"errors"
	"testing"
)

func engines(t *testing.T) map[string]Engine {
	t.Helper()
	b, err := NewBadger(BadgerOptions{InMemory: true})
	if err != nil {
		t.Fatalf("NewBadger: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return map[string]Engine{
		"memory": NewMemory(),
		"badger": b,
	}
}

func TestEngineBasics(t *testing.T) {
	ctx := context.Background()
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			err := e.Update(ctx, func(txn Txn) error {
				return txn.Set("tbl", []byte("k1"), []byte("v1"))
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}

			err = e.View(ctx, func(txn Txn) error {
				v, err := txn.Get("tbl", []byte("k1"))
				if err != nil {
					return err
				}
				if string(v) != "v1" {
					t.Errorf("got %q, want v1", v)
				}
				if _, err := txn.Get("tbl", []byte("absent")); !errors.Is(err, ErrNotFound) {
					t.Errorf("absent key: got %v, want ErrNotFound", err)
				}
				// Same key in another table must be invisible.
				if _, err := txn.Get("other", []byte("k1")); !errors.Is(err, ErrNotFound) {
					t.Errorf("other table: got %v, want ErrNotFound", err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("View: %v", err)
			}
		})
	}
}

func TestUpdateAbortDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			err := e.Update(ctx, func(txn Txn) error {
				if err := txn.Set("tbl", []byte("a"), []byte("1")); err != nil {
					return err
				}
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("Update: got %v, want boom", err)
			}
			e.View(ctx, func(txn Txn) error {
				if _, err := txn.Get("tbl", []byte("a")); !errors.Is(err, ErrNotFound) {
					t.Errorf("aborted write visible: %v", err)
				}
				return nil
			})
		})
	}
}

func TestReadYourWrites(t *testing.T) {
	ctx := context.Background()
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			err := e.Update(ctx, func(txn Txn) error {
				if err := txn.Set("tbl", []byte("a"), []byte("1")); err != nil {
					return err
				}
				v, err := txn.Get("tbl", []byte("a"))
				if err != nil {
					return err
				}
				if string(v) != "1" {
					t.Errorf("read-your-writes: got %q", v)
				}
				if err := txn.Delete("tbl", []byte("a")); err != nil {
					return err
				}
				if _, err := txn.Get("tbl", []byte("a")); !errors.Is(err, ErrNotFound) {
					t.Errorf("deleted key still visible: %v", err)
				}
				return nil
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
		})
	}
}

func TestBags(t *testing.T) {
	ctx := context.Background()
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			bag := []byte("a/b")
			err := e.Update(ctx, func(txn Txn) error {
				if err := AddToBag(txn, "subs", bag, []byte("c1"), []byte("q0")); err != nil {
					return err
				}
				if err := AddToBag(txn, "subs", bag, []byte("c2"), []byte("q1")); err != nil {
					return err
				}
				// Upsert overwrites.
				return AddToBag(txn, "subs", bag, []byte("c1"), []byte("q2"))
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}

			e.View(ctx, func(txn Txn) error {
				got := map[string]string{}
				for it, err := range BagMembers(txn, "subs", bag) {
					if err != nil {
						t.Fatalf("BagMembers: %v", err)
					}
					got[string(it.Key)] = string(it.Value)
				}
				if len(got) != 2 || got["c1"] != "q2" || got["c2"] != "q1" {
					t.Errorf("bag contents: %v", got)
				}
				// Bag with a shared string prefix must not leak in.
				empty, err := BagEmpty(txn, "subs", []byte("a"))
				if err != nil {
					return err
				}
				if !empty {
					t.Error("bag \"a\" should be empty")
				}
				return nil
			})

			err = e.Update(ctx, func(txn Txn) error {
				if err := DeleteFromBag(txn, "subs", bag, []byte("c1")); err != nil {
					return err
				}
				return DeleteFromBag(txn, "subs", bag, []byte("c2"))
			})
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
			e.View(ctx, func(txn Txn) error {
				empty, err := BagEmpty(txn, "subs", bag)
				if err != nil {
					return err
				}
				if !empty {
					t.Error("bag should be empty after deletes")
				}
				return nil
			})
		})
	}
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	for name, e := range engines(t) {
		t.Run(name, func(t *testing.T) {
			e.Update(ctx, func(txn Txn) error {
				txn.Set("t1", []byte("a"), []byte("1"))
				txn.Set("t1", []byte("b"), []byte("2"))
				txn.Set("t2", []byte("a"), []byte("3"))
				return nil
			})
			if err := Drop(ctx, e, "t1"); err != nil {
				t.Fatalf("Drop: %v", err)
			}
			e.View(ctx, func(txn Txn) error {
				for range txn.Scan("t1", nil) {
					t.Error("t1 not empty after Drop")
					break
				}
				if _, err := txn.Get("t2", []byte("a")); err != nil {
					t.Errorf("t2 lost a record: %v", err)
				}
				return nil
			})
		})
	}
}

type captureReplicator struct {
	sets Changeset
}

func (c *captureReplicator) Replicate(_ context.Context, cs Changeset) error {
	c.sets = append(c.sets, cs...)
	return nil
}

func TestReplicatedCapturesChangeset(t *testing.T) {
	ctx := context.Background()
	rep := &captureReplicator{}
	e := NewReplicated(NewMemory(), rep)

	err := e.Update(ctx, func(txn Txn) error {
		if err := txn.Set("tbl", []byte("a"), []byte("1")); err != nil {
			return err
		}
		return txn.Delete("tbl", []byte("b"))
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(rep.sets) != 2 {
		t.Fatalf("changeset size: got %d, want 2", len(rep.sets))
	}
	if rep.sets[0].Delete || string(rep.sets[0].Key) != "a" {
		t.Errorf("op 0: %+v", rep.sets[0])
	}
	if !rep.sets[1].Delete || string(rep.sets[1].Key) != "b" {
		t.Errorf("op 1: %+v", rep.sets[1])
	}

	// Aborted transactions replicate nothing.
	before := len(rep.sets)
	e.Update(ctx, func(txn Txn) error {
		txn.Set("tbl", []byte("c"), []byte("3"))
		return errors.New("abort")
	})
	if len(rep.sets) != before {
		t.Error("aborted transaction was replicated")
	}
}

func TestApplyChangeset(t *testing.T) {
	ctx := context.Background()
	peer := NewMemory()
	peer.Update(ctx, func(txn Txn) error {
		return txn.Set("tbl", []byte("b"), []byte("old"))
	})

	cs := Changeset{
		{Table: "tbl", Key: []byte("a"), Value: []byte("1")},
		{Table: "tbl", Key: []byte("b"), Delete: true},
	}
	if err := Apply(ctx, peer, cs); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	peer.View(ctx, func(txn Txn) error {
		if v, err := txn.Get("tbl", []byte("a")); err != nil || string(v) != "1" {
			t.Errorf("a: %q, %v", v, err)
		}
		if _, err := txn.Get("tbl", []byte("b")); !errors.Is(err, ErrNotFound) {
			t.Errorf("b not deleted: %v", err)
		}
		return nil
	})
}
