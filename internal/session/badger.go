package session

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// OpenBadger opens the session database. An empty path opens an in-memory instance.
func OpenBadger(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", path, err)
	}
	return db, nil
}

// BadgerArena persists sessions as JSON documents under a key prefix,
// so several arenas can share one database.
type BadgerArena[V any] struct {
	db     *badger.DB
	prefix string
}

func NewBadgerArena[V any](db *badger.DB, prefix string) *BadgerArena[V] {
	return &BadgerArena[V]{db: db, prefix: prefix + ":"}
}

func (a *BadgerArena[V]) key(k string) []byte {
	return []byte(a.prefix + k)
}

func (a *BadgerArena[V]) Get(key string) (V, bool, error) {
	var v V
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(a.key(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		var zero V
		return zero, false, nil
	}
	if err != nil {
		var zero V
		return zero, false, fmt.Errorf("get session %s: %w", key, err)
	}
	return v, true, nil
}

func (a *BadgerArena[V]) Put(key string, v V) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", key, err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(a.key(key), data)
	})
}

func (a *BadgerArena[V]) Delete(key string) error {
	return a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(a.key(key))
	})
}

// Range decodes every session under the prefix. Values are collected first
// so fn runs outside the read transaction.
func (a *BadgerArena[V]) Range(fn func(key string, v V) bool) error {
	type entry struct {
		key string
		val V
	}
	var entries []entry

	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(a.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var v V
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decode session %s: %w", item.Key(), err)
			}
			entries = append(entries, entry{key: string(item.Key()[len(prefix):]), val: v})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range entries {
		if !fn(e.key, e.val) {
			break
		}
	}
	return nil
}

func (a *BadgerArena[V]) Len() int {
	n := 0
	_ = a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(a.prefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n
}
