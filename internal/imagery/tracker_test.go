package imagery

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/session"
)

func newTestTracker() *Tracker {
	return NewTracker(session.NewMemoryArena[Session](), TrackerConfig{}, zap.NewNop())
}

func chunks(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte('a' + i)}, size)
	}
	return out
}

func TestOutOfOrderEqualsInOrder(t *testing.T) {
	parts := chunks(4, 25)
	orders := [][]int{{0, 1, 2, 3}, {3, 1, 0, 2}, {2, 3, 1, 0}}

	var want []byte
	for i, order := range orders {
		tr := newTestTracker()
		key := Key{DeviceID: "CAM1", ImageNumber: 7}
		if _, err := tr.InitMetadata(key, 4, 100, time.Unix(1, 0)); err != nil {
			t.Fatalf("init: %v", err)
		}
		for _, idx := range order {
			if _, err := tr.SetChunk(key, idx, parts[idx]); err != nil {
				t.Fatalf("set chunk %d: %v", idx, err)
			}
		}
		if !tr.IsComplete(key) {
			t.Fatalf("order %v: not complete", order)
		}
		out, err := tr.Assemble(key)
		if err != nil {
			t.Fatalf("assemble: %v", err)
		}
		if i == 0 {
			want = out.Data
			continue
		}
		if !bytes.Equal(out.Data, want) {
			t.Fatalf("order %v produced different bytes", order)
		}
	}
}

func TestScenarioThreeChunksOrder102(t *testing.T) {
	tr := newTestTracker()
	key := Key{DeviceID: "CAM1", ImageNumber: 1}
	_, _ = tr.InitMetadata(key, 3, 300, time.Now())

	parts := chunks(3, 100)
	for _, idx := range []int{1, 0} {
		complete, err := tr.SetChunk(key, idx, parts[idx])
		if err != nil || complete {
			t.Fatalf("chunk %d: complete=%v err=%v", idx, complete, err)
		}
	}
	complete, err := tr.SetChunk(key, 2, parts[2])
	if err != nil || !complete {
		t.Fatalf("last chunk: complete=%v err=%v", complete, err)
	}

	out, err := tr.Assemble(key)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(out.Data) != 300 || !bytes.Equal(out.Data, bytes.Join(parts, nil)) {
		t.Fatalf("assembled %d bytes in wrong order", len(out.Data))
	}
}

func TestSizeMismatchClearsSession(t *testing.T) {
	tr := newTestTracker()
	key := Key{DeviceID: "CAM1"}
	_, _ = tr.InitMetadata(key, 2, 10, time.Now())
	_, _ = tr.SetChunk(key, 0, []byte("abc"))
	_, _ = tr.SetChunk(key, 1, []byte("de"))

	_, err := tr.Assemble(key)
	var sme *SizeMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("err = %v, want SizeMismatchError", err)
	}
	if sme.Expected != 10 || sme.Actual != 5 {
		t.Fatalf("mismatch = %+v", sme)
	}
	if tr.Len() != 0 {
		t.Fatal("session must be cleared after mismatch")
	}
}

func TestSetChunkRejectsUnknownAndOutOfRange(t *testing.T) {
	tr := newTestTracker()
	key := Key{DeviceID: "CAM1"}

	_, err := tr.SetChunk(key, 0, []byte("x"))
	var use *session.UnknownSessionError
	if !errors.As(err, &use) {
		t.Fatalf("err = %v, want UnknownSessionError", err)
	}
	if tr.Len() != 0 {
		t.Fatal("unknown chunk must not create a session")
	}

	_, _ = tr.InitMetadata(key, 2, 2, time.Now())
	for _, idx := range []int{-1, 2, 99} {
		if _, err := tr.SetChunk(key, idx, []byte("x")); !errors.Is(err, ErrChunkOutOfRange) {
			t.Fatalf("index %d: err = %v", idx, err)
		}
	}
	if tr.IsComplete(key) {
		t.Fatal("out-of-range chunks must not count")
	}
}

func TestDuplicateChunkNotDoubleCounted(t *testing.T) {
	tr := newTestTracker()
	key := Key{DeviceID: "CAM1"}
	_, _ = tr.InitMetadata(key, 2, 2, time.Now())
	_, _ = tr.SetChunk(key, 0, []byte("x"))
	complete, _ := tr.SetChunk(key, 0, []byte("y"))
	if complete {
		t.Fatal("duplicate chunk completed the image")
	}
	_, _ = tr.SetChunk(key, 1, []byte("z"))
	out, err := tr.Assemble(key)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if string(out.Data) != "yz" {
		t.Fatalf("data = %q, want yz", out.Data)
	}
}

func TestInitMetadataValidation(t *testing.T) {
	tr := NewTracker(session.NewMemoryArena[Session](), TrackerConfig{MaxChunks: 8}, zap.NewNop())
	for _, n := range []int{0, -1, 9} {
		if _, err := tr.InitMetadata(Key{DeviceID: "C"}, n, 10, time.Now()); !errors.Is(err, ErrInvalidMetadata) {
			t.Fatalf("chunks=%d: err = %v", n, err)
		}
	}

	key := Key{DeviceID: "C"}
	if replaced, _ := tr.InitMetadata(key, 2, 10, time.Now()); replaced {
		t.Fatal("first init reported replaced")
	}
	_, _ = tr.SetChunk(key, 0, []byte("x"))
	if replaced, _ := tr.InitMetadata(key, 3, 10, time.Now()); !replaced {
		t.Fatal("second init did not report replaced")
	}
	snap, _ := tr.Snapshot()
	if len(snap) != 1 || snap[0].Received != 0 || snap[0].Total != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
