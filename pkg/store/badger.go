package store

import (
	"context"
	"errors"
	"iter"
	"log"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is an Engine backed by BadgerDB v4.
type Badger struct {
	db *badger.DB
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	// Useful for testing with the real badger engine.
	InMemory bool

	// Logger sets the badger logger. If nil, a quiet logger is used that
	// only forwards warnings and errors.
	Logger badger.Logger
}

// NewBadger opens a BadgerDB-backed engine.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: BadgerOptions.Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(quietLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{db: db}, nil
}

func (b *Badger) View(_ context.Context, fn func(Txn) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn, readOnly: true})
	})
}

func (b *Badger) Update(_ context.Context, fn func(Txn) error) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return fn(&badgerTxn{txn: txn})
	})
}

func (b *Badger) Close() error { return b.db.Close() }

type badgerTxn struct {
	txn      *badger.Txn
	readOnly bool
}

func (t *badgerTxn) Get(table string, key []byte) ([]byte, error) {
	item, err := t.txn.Get(tableKey(table, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) Set(table string, key, value []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	return t.txn.Set(tableKey(table, key), value)
}

func (t *badgerTxn) Delete(table string, key []byte) error {
	if t.readOnly {
		return ErrReadOnly
	}
	err := t.txn.Delete(tableKey(table, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (t *badgerTxn) Scan(table string, prefix []byte) iter.Seq2[Item, error] {
	full := tableKey(table, prefix)
	tblPrefix := len(tableKey(table, nil))

	return func(yield func(Item, error) bool) {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = full
		it := t.txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(full); it.ValidForPrefix(full); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				yield(Item{}, err)
				return
			}
			if !yield(Item{Key: key[tblPrefix:], Value: val}, nil) {
				return
			}
		}
	}
}

// quietLogger forwards badger warnings and errors to the standard logger
// and suppresses the rest.
type quietLogger struct{}

func (quietLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (quietLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (quietLogger) Infof(string, ...interface{})        {}
func (quietLogger) Debugf(string, ...interface{})       {}
