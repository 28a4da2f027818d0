// Package session holds the scratch state of in-flight reassembly sessions.
//
// Sessions live in an Arena so the backing store can be swapped: the
// in-memory arena loses everything on restart, the badger arena survives it.
// Arenas are safe for concurrent use, but read-modify-write sequences on one
// key must be serialized by the caller (see KeyedMutex).
package session

import (
	"sort"
	"sync"
)

// Arena stores session values by key
type Arena[V any] interface {
	Get(key string) (V, bool, error)
	Put(key string, v V) error
	Delete(key string) error
	// Range calls fn for every stored session until fn returns false.
	Range(fn func(key string, v V) bool) error
	Len() int
}

// MemoryArena is a map-backed Arena
type MemoryArena[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

func NewMemoryArena[V any]() *MemoryArena[V] {
	return &MemoryArena[V]{items: make(map[string]V)}
}

func (a *MemoryArena[V]) Get(key string) (V, bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.items[key]
	return v, ok, nil
}

func (a *MemoryArena[V]) Put(key string, v V) error {
	a.mu.Lock()
	a.items[key] = v
	a.mu.Unlock()
	return nil
}

func (a *MemoryArena[V]) Delete(key string) error {
	a.mu.Lock()
	delete(a.items, key)
	a.mu.Unlock()
	return nil
}

// Range iterates over a snapshot in key order, so fn may call back into the arena.
func (a *MemoryArena[V]) Range(fn func(key string, v V) bool) error {
	a.mu.RLock()
	keys := make([]string, 0, len(a.items))
	for k := range a.items {
		keys = append(keys, k)
	}
	snapshot := make(map[string]V, len(a.items))
	for k, v := range a.items {
		snapshot[k] = v
	}
	a.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if !fn(k, snapshot[k]) {
			return nil
		}
	}
	return nil
}

func (a *MemoryArena[V]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.items)
}
