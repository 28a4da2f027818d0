package audio

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/session"
)

func newTestTracker() *Tracker {
	return NewTracker(session.NewMemoryArena[Session](), DefaultTrackerConfig(), zap.NewNop())
}

func TestOpenOrInitDefaultsAndOverride(t *testing.T) {
	tr := newTestTracker()
	key := Key{SensorID: "S1", Timestamp: time.Unix(1700000000, 0)}

	s, err := tr.OpenOrInit(key, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if s.Format != (Format{SampleRate: 8000, BitsPerSample: 8}) {
		t.Fatalf("default format = %+v", s.Format)
	}

	s, err = tr.OpenOrInit(key, &Format{SampleRate: 16000, BitsPerSample: 16})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s.Format.SampleRate != 16000 || s.Format.BitsPerSample != 16 {
		t.Fatalf("format = %+v", s.Format)
	}
	if tr.Len() != 1 {
		t.Fatalf("len = %d", tr.Len())
	}
}

func TestDrainOrdersPreshotBeforePostshot(t *testing.T) {
	tr := newTestTracker()
	key := Key{SensorID: "S1", Timestamp: time.Unix(1700000000, 0)}

	// Interleave arrival: post, pre, post, pre
	steps := []struct {
		data    []byte
		preshot bool
	}{
		{[]byte("P1"), false},
		{[]byte("p1"), true},
		{[]byte("P2"), false},
		{[]byte("p2"), true},
	}
	total := 0
	for _, st := range steps {
		if _, err := tr.Append(key, st.data, st.preshot, nil); err != nil {
			t.Fatalf("append: %v", err)
		}
		total += len(st.data)
	}

	out, err := tr.Drain(key)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(out.PCM) != total {
		t.Fatalf("drained %d bytes, want %d", len(out.PCM), total)
	}
	if string(out.PCM) != "p1p2P1P2" {
		t.Fatalf("order = %q", out.PCM)
	}
	if tr.Len() != 0 {
		t.Fatal("drain must remove the session")
	}
	if _, err := tr.Drain(key); err == nil {
		t.Fatal("second drain should fail")
	}
}

func TestAppendCopiesPayload(t *testing.T) {
	tr := newTestTracker()
	key := Key{SensorID: "S1"}
	buf := []byte{1, 2, 3}
	_, _ = tr.Append(key, buf, false, nil)
	buf[0] = 9

	out, _ := tr.Drain(key)
	if !bytes.Equal(out.PCM, []byte{1, 2, 3}) {
		t.Fatalf("payload aliased caller buffer: %v", out.PCM)
	}
}

func TestCompletionThresholdAndEndMarker(t *testing.T) {
	tr := newTestTracker()
	key := Key{SensorID: "S1"}

	for i := 0; i < 4; i++ {
		_, _ = tr.Append(key, []byte{0}, false, nil)
	}
	_, _ = tr.Append(key, []byte{0}, true, nil)
	if tr.IsComplete(key) {
		t.Fatal("complete after 4 postshot packets")
	}
	_, _ = tr.Append(key, []byte{0}, false, nil)
	if !tr.IsComplete(key) {
		t.Fatal("not complete after 5 postshot packets")
	}

	other := Key{SensorID: "S2"}
	_, _ = tr.Append(other, []byte{0}, false, nil)
	if err := tr.MarkEnd(other); err != nil {
		t.Fatalf("mark end: %v", err)
	}
	if !tr.IsComplete(other) {
		t.Fatal("end marker should complete the session")
	}
}

func TestFormatLastWriteWins(t *testing.T) {
	tr := newTestTracker()
	key := Key{SensorID: "S1"}
	_, _ = tr.Append(key, []byte{0}, true, &Format{SampleRate: 16000})
	_, _ = tr.Append(key, []byte{0}, false, &Format{SampleRate: 22050, BitsPerSample: 16})

	out, _ := tr.Drain(key)
	if out.Format != (Format{SampleRate: 22050, BitsPerSample: 16}) {
		t.Fatalf("format = %+v", out.Format)
	}
}

func TestBindUnknownSession(t *testing.T) {
	tr := newTestTracker()
	err := tr.Bind(Key{SensorID: "nope"}, "rec")
	var use *session.UnknownSessionError
	if !errors.As(err, &use) {
		t.Fatalf("err = %v, want UnknownSessionError", err)
	}
}

func TestSnapshotReportsIdleTimes(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := DefaultTrackerConfig()
	cfg.Now = func() time.Time { return now }
	tr := NewTracker(session.NewMemoryArena[Session](), cfg, zap.NewNop())

	key := Key{SensorID: "S1"}
	_, _ = tr.Append(key, []byte{1, 2}, false, nil)
	now = now.Add(time.Minute)
	_, _ = tr.Append(Key{SensorID: "S2"}, []byte{1}, true, nil)

	snap, err := tr.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	for _, s := range snap {
		if s.Key.SensorID == "S1" && !s.LastTouched.Equal(time.Unix(1000, 0)) {
			t.Fatalf("S1 last touched = %s", s.LastTouched)
		}
	}
}

func TestTrackerOnBadgerArena(t *testing.T) {
	db, err := session.OpenBadger("")
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer db.Close()

	tr := NewTracker(session.NewBadgerArena[Session](db, "audio"), DefaultTrackerConfig(), zap.NewNop())
	key := Key{SensorID: "S1", Timestamp: time.UnixMilli(1700000000123)}
	_, _ = tr.Append(key, []byte("pre"), true, nil)
	_, _ = tr.Append(key, []byte("post"), false, nil)

	out, err := tr.Drain(key)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if string(out.PCM) != "prepost" {
		t.Fatalf("pcm = %q", out.PCM)
	}
}
