package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type testSession struct {
	Name   string   `json:"name"`
	Chunks [][]byte `json:"chunks"`
}

func arenas(t *testing.T) map[string]Arena[testSession] {
	t.Helper()
	db, err := OpenBadger("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Arena[testSession]{
		"memory": NewMemoryArena[testSession](),
		"badger": NewBadgerArena[testSession](db, "test"),
	}
}

func TestArenaRoundTrip(t *testing.T) {
	for name, arena := range arenas(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := arena.Get("missing"); ok || err != nil {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}

			want := testSession{Name: "a", Chunks: [][]byte{{1, 2}, {3}}}
			if err := arena.Put("k1", want); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := arena.Put("k2", testSession{Name: "b"}); err != nil {
				t.Fatalf("put: %v", err)
			}

			got, ok, err := arena.Get("k1")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if got.Name != "a" || len(got.Chunks) != 2 || got.Chunks[1][0] != 3 {
				t.Fatalf("got %+v", got)
			}
			if arena.Len() != 2 {
				t.Fatalf("len = %d, want 2", arena.Len())
			}

			seen := 0
			if err := arena.Range(func(key string, v testSession) bool {
				seen++
				return true
			}); err != nil {
				t.Fatalf("range: %v", err)
			}
			if seen != 2 {
				t.Fatalf("range saw %d, want 2", seen)
			}

			if err := arena.Delete("k1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := arena.Get("k1"); ok {
				t.Fatal("k1 still present after delete")
			}
			if arena.Len() != 1 {
				t.Fatalf("len = %d, want 1", arena.Len())
			}
		})
	}
}

func TestBadgerArenaPrefixIsolation(t *testing.T) {
	db, err := OpenBadger("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer db.Close()

	audio := NewBadgerArena[testSession](db, "audio")
	image := NewBadgerArena[testSession](db, "image")
	_ = audio.Put("x", testSession{Name: "audio"})
	_ = image.Put("x", testSession{Name: "image"})

	got, _, _ := audio.Get("x")
	if got.Name != "audio" {
		t.Fatalf("audio arena returned %q", got.Name)
	}
	if audio.Len() != 1 || image.Len() != 1 {
		t.Fatalf("lens = %d/%d, want 1/1", audio.Len(), image.Len())
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	var inside int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("k")
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("%d goroutines inside critical section", n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if km.Len() != 0 {
		t.Fatalf("lock entries leaked: %d", km.Len())
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}
}

func TestTombstones(t *testing.T) {
	ts := NewTombstones(time.Minute)
	now := time.Unix(1000, 0)
	ts.Mark("k", now)

	if !ts.Contains("k", now.Add(30*time.Second)) {
		t.Fatal("expected tombstone within ttl")
	}
	if ts.Contains("k", now.Add(2*time.Minute)) {
		t.Fatal("tombstone should expire")
	}
}
