package trie

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/sthagen/vernemq/pkg/store"
	"github.com/sthagen/vernemq/pkg/topic"
)

func insert(t *testing.T, e store.Engine, filters ...string) {
	t.Helper()
	err := e.Update(context.Background(), func(txn store.Txn) error {
		for _, f := range filters {
			if err := Insert(txn, topic.Split(f), f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert %v: %v", filters, err)
	}
	audit(t, e)
}

func remove(t *testing.T, e store.Engine, filters ...string) {
	t.Helper()
	err := e.Update(context.Background(), func(txn store.Txn) error {
		for _, f := range filters {
			if err := Delete(txn, topic.Split(f)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("delete %v: %v", filters, err)
	}
	audit(t, e)
}

func match(t *testing.T, e store.Engine, key string) []string {
	t.Helper()
	var got []string
	err := e.View(context.Background(), func(txn store.Txn) error {
		var err error
		got, err = Match(txn, topic.Split(key))
		return err
	})
	if err != nil {
		t.Fatalf("match %q: %v", key, err)
	}
	sort.Strings(got)
	return got
}

func audit(t *testing.T, e store.Engine) {
	t.Helper()
	err := e.View(context.Background(), func(txn store.Txn) error {
		return Audit(txn)
	})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
}

func TestInsertMatchExact(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/b/c")

	if got := match(t, e, "a/b/c"); !reflect.DeepEqual(got, []string{"a/b/c"}) {
		t.Errorf("match = %v", got)
	}
	if got := match(t, e, "a/b"); len(got) != 0 {
		t.Errorf("prefix matched: %v", got)
	}
	if got := match(t, e, "a/b/c/d"); len(got) != 0 {
		t.Errorf("longer key matched: %v", got)
	}
}

func TestInsertIdempotent(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/b", "a/b", "a/b")
	if got := match(t, e, "a/b"); !reflect.DeepEqual(got, []string{"a/b"}) {
		t.Errorf("match = %v", got)
	}
}

func TestSingleLevelWildcard(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/+/c")

	if got := match(t, e, "a/b/c"); !reflect.DeepEqual(got, []string{"a/+/c"}) {
		t.Errorf("match = %v", got)
	}
	if got := match(t, e, "a/b/c/d"); len(got) != 0 {
		t.Errorf("+ crossed a level: %v", got)
	}
	if got := match(t, e, "a/c"); len(got) != 0 {
		t.Errorf("+ matched zero levels: %v", got)
	}
	// Empty word is an ordinary word.
	if got := match(t, e, "a//c"); !reflect.DeepEqual(got, []string{"a/+/c"}) {
		t.Errorf("empty-word match = %v", got)
	}
}

func TestMultiLevelWildcard(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/#")

	for _, key := range []string{"a", "a/b", "a/b/c"} {
		if got := match(t, e, key); !reflect.DeepEqual(got, []string{"a/#"}) {
			t.Errorf("match(%q) = %v", key, got)
		}
	}
	if got := match(t, e, "b"); len(got) != 0 {
		t.Errorf("unrelated key matched: %v", got)
	}
}

func TestRootHash(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "#")

	for _, key := range []string{"", "a", "a/b"} {
		if got := match(t, e, key); !reflect.DeepEqual(got, []string{"#"}) {
			t.Errorf("match(%q) = %v", key, got)
		}
	}
}

func TestEmptyRoutingKey(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "", "#", "a", "+")

	got := match(t, e, "")
	want := []string{"", "#"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("match(\"\") = %v, want %v", got, want)
	}
}

func TestOverlappingFilters(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/b/c", "a/+/c", "a/#", "+/b/c", "#")

	got := match(t, e, "a/b/c")
	want := []string{"#", "+/b/c", "a/#", "a/+/c", "a/b/c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("match = %v, want %v", got, want)
	}
}

func TestDeletePrunesLeafUp(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/b/c")
	remove(t, e, "a/b/c")

	e.View(context.Background(), func(txn store.Txn) error {
		empty, err := Empty(txn)
		if err != nil {
			return err
		}
		if !empty {
			t.Error("trie not empty after deleting the only filter")
		}
		return nil
	})
}

func TestDeleteKeepsSharedPrefix(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/b/c", "a/b/d")
	remove(t, e, "a/b/c")

	if got := match(t, e, "a/b/d"); !reflect.DeepEqual(got, []string{"a/b/d"}) {
		t.Errorf("surviving filter lost: %v", got)
	}
	if got := match(t, e, "a/b/c"); len(got) != 0 {
		t.Errorf("deleted filter still matches: %v", got)
	}
}

func TestDeletePrefixFilterKeepsLongerOne(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/b", "a/b/c")
	remove(t, e, "a/b")

	if got := match(t, e, "a/b"); len(got) != 0 {
		t.Errorf("deleted filter still matches: %v", got)
	}
	if got := match(t, e, "a/b/c"); !reflect.DeepEqual(got, []string{"a/b/c"}) {
		t.Errorf("longer filter lost: %v", got)
	}
}

func TestDeleteLongerKeepsPrefixFilter(t *testing.T) {
	e := store.NewMemory()
	insert(t, e, "a/b", "a/b/c")
	remove(t, e, "a/b/c")

	if got := match(t, e, "a/b"); !reflect.DeepEqual(got, []string{"a/b"}) {
		t.Errorf("prefix filter lost: %v", got)
	}
	e.View(context.Background(), func(txn store.Txn) error {
		n, ok, err := Lookup(txn, topic.Split("a/b"))
		if err != nil || !ok {
			t.Fatalf("Lookup(a/b): %v %v", ok, err)
		}
		if n.EdgeCount != 0 {
			t.Errorf("EdgeCount = %d, want 0", n.EdgeCount)
		}
		return nil
	})
}

func TestDeleteMissingIsCorrupt(t *testing.T) {
	e := store.NewMemory()
	err := e.Update(context.Background(), func(txn store.Txn) error {
		return Delete(txn, topic.Split("never/inserted"))
	})
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("got %v, want ErrCorrupt", err)
	}
}

func TestInsertDeleteRoundTrip(t *testing.T) {
	e := store.NewMemory()
	filters := []string{"a/b/c", "a/+/c", "a/#", "x", "", "+/+"}
	insert(t, e, filters...)
	remove(t, e, filters...)

	e.View(context.Background(), func(txn store.Txn) error {
		empty, err := Empty(txn)
		if err != nil {
			return err
		}
		if !empty {
			t.Error("trie not empty after full round trip")
		}
		return nil
	})
}
