package session

import (
	"sync"
	"time"
)

// Tombstones remembers recently finalized session keys so that stragglers of
// a finished stream are recognised instead of opening a fresh session.
type Tombstones struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]time.Time
}

func NewTombstones(ttl time.Duration) *Tombstones {
	return &Tombstones{ttl: ttl, items: make(map[string]time.Time)}
}

// Mark records key as finalized at now.
func (t *Tombstones) Mark(key string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[key] = now
	if len(t.items) > 10000 {
		t.compact(now)
	}
}

// Contains reports whether key was finalized within the ttl.
func (t *Tombstones) Contains(key string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.items[key]
	if !ok {
		return false
	}
	if now.Sub(ts) > t.ttl {
		delete(t.items, key)
		return false
	}
	return true
}

// Expire drops entries older than the ttl.
func (t *Tombstones) Expire(now time.Time) {
	t.mu.Lock()
	t.compact(now)
	t.mu.Unlock()
}

func (t *Tombstones) compact(now time.Time) {
	for k, ts := range t.items {
		if now.Sub(ts) > t.ttl {
			delete(t.items, k)
		}
	}
}
