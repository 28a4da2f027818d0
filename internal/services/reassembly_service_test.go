package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/audio"
	"wildlife-backend/internal/correlator"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/imagery"
	"wildlife-backend/internal/models"
	"wildlife-backend/internal/session"
)

var baseTime = time.UnixMilli(1700000000000).UTC()

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.ReassemblyEvent
}

func (r *eventRecorder) Publish(ev models.ReassemblyEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ models.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	svc    *ReassemblyService
	store  database.Store
	clock  *fakeClock
	events *eventRecorder
}

func newTestEnv(t *testing.T, store database.Store) *testEnv {
	t.Helper()
	clock := &fakeClock{now: baseTime}
	events := &eventRecorder{}
	logger := zap.NewNop()

	audioCfg := audio.DefaultTrackerConfig()
	audioCfg.Now = clock.Now
	cfg := DefaultReassemblyConfig()
	cfg.PersistMaxAttempts = 3
	cfg.PersistBackoff = time.Millisecond
	cfg.PersistMaxBackoff = 2 * time.Millisecond

	svc, err := NewReassemblyService(Params{
		Store:      store,
		Audio:      audio.NewTracker(session.NewMemoryArena[audio.Session](), audioCfg, logger),
		Images:     imagery.NewTracker(session.NewMemoryArena[imagery.Session](), imagery.TrackerConfig{Now: clock.Now}, logger),
		Correlator: correlator.New(store, 30*time.Second, logger),
		Events:     events,
		Config:     cfg,
		Now:        clock.Now,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testEnv{svc: svc, store: store, clock: clock, events: events}
}

func (e *testEnv) handle(t *testing.T, label string, payload []byte) error {
	t.Helper()
	return e.svc.Handle(context.Background(), models.Fragment{
		Label:      label,
		Payload:    payload,
		ReceivedAt: e.clock.Now(),
		Source:     "test",
	})
}

func (e *testEnv) mustHandle(t *testing.T, label string, payload []byte) {
	t.Helper()
	if err := e.handle(t, label, payload); err != nil {
		t.Fatalf("handle %s: %v", label, err)
	}
}

func alertPayload(sensorID string, ts time.Time, audioAvailable, videoAvailable bool, images int) []byte {
	return []byte(fmt.Sprintf(
		`{"sensorId":%q,"timestamp":%d,"alertType":"poaching-alert","audioAvailable":%t,"videoAvailable":%t,"imageCount":%d}`,
		sensorID, ts.UnixMilli(), audioAvailable, videoAvailable, images))
}

func audioPayload(t *testing.T, sensorID string, ts time.Time, preshot bool, pcm []byte) []byte {
	t.Helper()
	msg, err := audio.EncodePacket(models.AudioPacketMeta{
		SensorID:  sensorID,
		Timestamp: models.FlexTime{Time: ts},
		IsPreshot: preshot,
	}, pcm)
	if err != nil {
		t.Fatalf("encode packet: %v", err)
	}
	return msg
}

func onlyRecord(t *testing.T, store database.Store, sensorID string) models.AlertRecord {
	t.Helper()
	recs, err := store.FindAlerts(context.Background(), database.AlertFilter{SensorID: sensorID})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("records for %s = %d, want 1", sensorID, len(recs))
	}
	return recs[0]
}

func sendAudioBurst(t *testing.T, env *testEnv, sensorID string, ts time.Time) {
	t.Helper()
	label := "sensors/" + sensorID + "/audio"
	env.mustHandle(t, label, audioPayload(t, sensorID, ts, true, bytes.Repeat([]byte{0x80}, 100)))
	for i := 0; i < 5; i++ {
		env.mustHandle(t, label, audioPayload(t, sensorID, ts, false, bytes.Repeat([]byte{byte(0x70 + i)}, 100)))
	}
}

func TestAlertThenAudioAttachesWAV(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "sensors/S1/data", alertPayload("S1", baseTime, true, false, 0))
	sendAudioBurst(t, env, "S1", baseTime)
	env.svc.Wait()

	rec := onlyRecord(t, store, "S1")
	if rec.AlertType != models.AlertPoaching {
		t.Fatalf("alert type = %q", rec.AlertType)
	}
	if !rec.Audio.Available || !rec.Audio.Declared {
		t.Fatalf("audio flags = %+v", rec.Audio)
	}
	if len(rec.Audio.Data) != 644 {
		t.Fatalf("wav size = %d, want 644", len(rec.Audio.Data))
	}
	if rec.Audio.Duration != 0.075 {
		t.Fatalf("duration = %v, want 0.075", rec.Audio.Duration)
	}
	if rec.Audio.SampleRate != 8000 || rec.Audio.BitsPerSample != 8 {
		t.Fatalf("format = %d/%d", rec.Audio.SampleRate, rec.Audio.BitsPerSample)
	}
	if rec.Audio.Filename != "S1_1700000000000.wav" {
		t.Fatalf("filename = %q", rec.Audio.Filename)
	}
	hdr, err := audio.ParseWAVHeader(rec.Audio.Data)
	if err != nil {
		t.Fatalf("parse wav: %v", err)
	}
	if hdr.DataSize != 600 {
		t.Fatalf("data size = %d", hdr.DataSize)
	}
	// preshot comes first in the payload
	if rec.Audio.Data[audio.WAVHeaderSize] != 0x80 {
		t.Fatalf("first sample = %#x", rec.Audio.Data[audio.WAVHeaderSize])
	}
	if env.svc.Stats().AudioSessions != 0 {
		t.Fatal("audio session should be released")
	}
	if env.events.count(models.EventAudioFinalized) != 1 {
		t.Fatal("expected an audio.finalized event")
	}
}

func TestImageChunksOutOfOrder(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "sensors/CAM1/data", alertPayload("CAM1", baseTime, false, true, 1))
	env.mustHandle(t, "camera/CAM1/status", []byte(fmt.Sprintf(
		`{"type":"image","deviceId":"CAM1","imageNumber":0,"timestamp":%d,"chunks":3,"size":300}`,
		baseTime.UnixMilli())))

	chunks := [][]byte{
		bytes.Repeat([]byte("A"), 100),
		bytes.Repeat([]byte("B"), 100),
		bytes.Repeat([]byte("C"), 100),
	}
	for _, idx := range []int{1, 0, 2} {
		env.mustHandle(t, fmt.Sprintf("camera/CAM1/images/0/chunk/%d", idx), chunks[idx])
	}
	env.svc.Wait()

	rec := onlyRecord(t, store, "CAM1")
	if len(rec.Video.Images) != 1 {
		t.Fatalf("images = %d", len(rec.Video.Images))
	}
	img := rec.Video.Images[0]
	if img.Size != 300 || !bytes.Equal(img.Data, bytes.Join(chunks, nil)) {
		t.Fatalf("image payload size %d not in index order", img.Size)
	}
	if !rec.Video.FullyProcessed || rec.Video.ReceivedCount != 1 {
		t.Fatalf("video = %+v", rec.Video)
	}
	if env.svc.Stats().ImageSessions != 0 {
		t.Fatal("image session should be released")
	}
}

func TestOrphanPreshotAbandonedAtSweep(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "sensors/S9/audio", audioPayload(t, "S9", baseTime, true, make([]byte, 100)))
	if env.svc.Stats().AudioSessions != 1 {
		t.Fatal("expected one open audio session")
	}

	env.clock.Advance(6 * time.Minute)
	report := env.svc.Sweep(context.Background())
	env.svc.Wait()

	if report.AudioAbandoned != 1 {
		t.Fatalf("report = %+v", report)
	}
	if env.svc.Stats().AudioSessions != 0 {
		t.Fatal("session should be gone after sweep")
	}
	if store.Len() != 0 {
		t.Fatalf("store has %d records, want 0", store.Len())
	}
	if env.events.count(models.EventSessionAbandoned) != 1 {
		t.Fatal("expected a session.abandoned event")
	}
}

func TestIdleImageAbandonedAtSweep(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "camera/C5/status", []byte(fmt.Sprintf(
		`{"type":"image","deviceId":"C5","imageNumber":2,"timestamp":%d,"chunks":3,"size":30}`,
		baseTime.UnixMilli())))
	env.mustHandle(t, "camera/C5/images/2/chunk/0", bytes.Repeat([]byte("A"), 10))

	env.clock.Advance(4 * time.Minute)
	if report := env.svc.Sweep(context.Background()); report.ImagesAbandoned != 0 {
		t.Fatalf("session abandoned before the idle timeout: %+v", report)
	}

	env.clock.Advance(2 * time.Minute)
	report := env.svc.Sweep(context.Background())
	env.svc.Wait()

	if report.ImagesAbandoned != 1 || report.ImagesFinalized != 0 {
		t.Fatalf("report = %+v", report)
	}
	if env.svc.Stats().ImageSessions != 0 {
		t.Fatal("idle image session should be gone after sweep")
	}
	if env.events.count(models.EventSessionAbandoned) != 1 {
		t.Fatal("expected a session.abandoned event")
	}
	if store.Len() != 0 {
		t.Fatal("a partial image must not create a record")
	}

	err := env.handle(t, "camera/C5/images/2/chunk/1", bytes.Repeat([]byte("B"), 10))
	var use *session.UnknownSessionError
	if !errors.As(err, &use) {
		t.Fatalf("chunk after abandonment: err = %v", err)
	}
}

func TestAudioBeforeAlertIsParkedThenAdopted(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	sendAudioBurst(t, env, "S2", baseTime)
	env.svc.Wait()
	if got := env.svc.Stats().Parked; got != 1 {
		t.Fatalf("parked = %d, want 1", got)
	}

	env.mustHandle(t, "sensors/S2/data", alertPayload("S2", baseTime.Add(2*time.Second), true, false, 0))
	env.svc.Wait()

	rec := onlyRecord(t, store, "S2")
	if !rec.Audio.Available || len(rec.Audio.Data) != 644 {
		t.Fatalf("audio not adopted: %+v", rec.Audio.Available)
	}
	if env.svc.Stats().Parked != 0 {
		t.Fatal("parked media should be released")
	}
}

// stallingStore answers the first alert lookup with what it saw at call time,
// but holds the answer until release is closed.
type stallingStore struct {
	*database.MemoryStore
	once    sync.Once
	looked  chan struct{}
	release chan struct{}
}

func (s *stallingStore) FindAlerts(ctx context.Context, filter database.AlertFilter) ([]models.AlertRecord, error) {
	recs, err := s.MemoryStore.FindAlerts(ctx, filter)
	s.once.Do(func() {
		close(s.looked)
		<-s.release
	})
	return recs, err
}

func TestAlertDuringCorrelationMissAdoptsMedia(t *testing.T) {
	store := &stallingStore{
		MemoryStore: database.NewMemoryStore(),
		looked:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	env := newTestEnv(t, store)

	sendAudioBurst(t, env, "S12", baseTime)
	<-store.looked // the lookup has already missed

	alertDone := make(chan error, 1)
	go func() {
		alertDone <- env.svc.Handle(context.Background(), models.Fragment{
			Label:      "sensors/S12/data",
			Payload:    alertPayload("S12", baseTime, true, false, 0),
			ReceivedAt: baseTime,
			Source:     "test",
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for store.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("alert was never inserted")
		}
		time.Sleep(time.Millisecond)
	}
	close(store.release)

	if err := <-alertDone; err != nil {
		t.Fatalf("alert: %v", err)
	}
	env.svc.Wait()

	rec := onlyRecord(t, store, "S12")
	if !rec.Audio.Available || len(rec.Audio.Data) != 644 {
		t.Fatalf("audio lost between lookup and park: available=%t", rec.Audio.Available)
	}
	if got := env.svc.Stats().Parked; got != 0 {
		t.Fatalf("parked = %d, want 0", got)
	}
}

func TestEmptyBoundSessionReleasedWhenAudioAttachedElsewhere(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	// the alert opens a session at its own timestamp; the audio arrives under a later one
	env.mustHandle(t, "sensors/S13/data", alertPayload("S13", baseTime, true, false, 0))
	if env.svc.Stats().AudioSessions != 1 {
		t.Fatal("alert should open a bound audio session")
	}
	sendAudioBurst(t, env, "S13", baseTime.Add(2*time.Second))
	env.svc.Wait()

	if !onlyRecord(t, store, "S13").Audio.Available {
		t.Fatal("audio should be correlated to the alert")
	}
	if got := env.svc.Stats().AudioSessions; got != 0 {
		t.Fatalf("audio sessions = %d, want 0", got)
	}

	env.clock.Advance(6 * time.Minute)
	report := env.svc.Sweep(context.Background())
	if report.AudioAbandoned != 0 {
		t.Fatalf("report = %+v", report)
	}
	if n := env.events.count(models.EventSessionAbandoned); n != 0 {
		t.Fatalf("session.abandoned events = %d, want 0", n)
	}
}

func TestAudioCorrelatedToEarlierAlert(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	// alert declares no audio, so the packets open an unbound session
	env.mustHandle(t, "sensors/S3/data", alertPayload("S3", baseTime, false, false, 0))
	sendAudioBurst(t, env, "S3", baseTime.Add(5*time.Second))
	env.svc.Wait()

	rec := onlyRecord(t, store, "S3")
	if !rec.Audio.Available {
		t.Fatal("audio should be correlated within tolerance")
	}
	if rec.Audio.Declared {
		t.Fatal("declared flag must keep the alert's value")
	}
}

func TestParkedMediaExpires(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	sendAudioBurst(t, env, "S4", baseTime)
	env.svc.Wait()

	env.clock.Advance(2 * time.Minute)
	report := env.svc.Sweep(context.Background())
	if report.ParkedExpired != 1 {
		t.Fatalf("report = %+v", report)
	}
	if env.svc.Stats().Parked != 0 {
		t.Fatal("parked media should be dropped")
	}
	if store.Len() != 0 {
		t.Fatal("no record should be written")
	}
}

func TestLatePacketAfterFinalizeIsDropped(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "sensors/S5/data", alertPayload("S5", baseTime, true, false, 0))
	sendAudioBurst(t, env, "S5", baseTime)
	env.svc.Wait()

	err := env.handle(t, "sensors/S5/audio", audioPayload(t, "S5", baseTime, false, make([]byte, 100)))
	if !errors.Is(err, ErrLateFragment) {
		t.Fatalf("err = %v, want ErrLateFragment", err)
	}
	if env.svc.Stats().AudioSessions != 0 {
		t.Fatal("late packet must not open a session")
	}
}

func TestFinalMarkerCompletesEarly(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "sensors/S6/data", alertPayload("S6", baseTime, true, false, 0))
	env.mustHandle(t, "sensors/S6/audio", audioPayload(t, "S6", baseTime, true, make([]byte, 80)))
	msg, err := audio.EncodePacket(models.AudioPacketMeta{
		SensorID:  "S6",
		Timestamp: models.FlexTime{Time: baseTime},
		Final:     true,
	}, make([]byte, 80))
	if err != nil {
		t.Fatal(err)
	}
	env.mustHandle(t, "sensors/S6/audio", msg)
	env.svc.Wait()

	rec := onlyRecord(t, store, "S6")
	if rec.Audio.Duration != 0.02 {
		t.Fatalf("duration = %v", rec.Audio.Duration)
	}
}

func TestPostshotGraceCompletesAtSweep(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "sensors/S7/data", alertPayload("S7", baseTime, true, false, 0))
	env.mustHandle(t, "sensors/S7/audio", audioPayload(t, "S7", baseTime, true, make([]byte, 80)))
	env.mustHandle(t, "sensors/S7/audio", audioPayload(t, "S7", baseTime, false, make([]byte, 80)))

	env.clock.Advance(11 * time.Second)
	report := env.svc.Sweep(context.Background())
	env.svc.Wait()

	if report.AudioFinalized != 1 {
		t.Fatalf("report = %+v", report)
	}
	if !onlyRecord(t, store, "S7").Audio.Available {
		t.Fatal("grace completion should attach audio")
	}
}

func TestMalformedFragmentsAreRejected(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryStore())

	cases := []struct {
		name    string
		label   string
		payload []byte
	}{
		{"truncated packet", "sensors/S1/audio", []byte{0x01}},
		{"length overrun", "sensors/S1/audio", []byte{0xFF, 0x00, '{', '}'}},
		{"bad alert json", "sensors/S1/data", []byte("{")},
		{"unknown alert type", "sensors/S1/data", []byte(`{"sensorId":"S1","alertType":"party"}`)},
		{"unknown label", "weather/S1/data", []byte("{}")},
		{"zero chunks", "camera/C1/status", []byte(`{"type":"image","deviceId":"C1","chunks":0,"size":1}`)},
		{"location without lat", "animals/E1/location", []byte(`{"lon":36.8}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := env.handle(t, tc.label, tc.payload)
			var mpe *models.MalformedPacketError
			if !errors.As(err, &mpe) {
				t.Fatalf("err = %v, want MalformedPacketError", err)
			}
			if mpe.Label != tc.label {
				t.Fatalf("label = %q", mpe.Label)
			}
		})
	}
	if env.svc.Stats().AudioSessions != 0 {
		t.Fatal("malformed packets must not touch session state")
	}
}

func TestChunkForUnknownImage(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryStore())

	err := env.handle(t, "camera/C1/images/4/chunk/0", []byte("x"))
	var use *session.UnknownSessionError
	if !errors.As(err, &use) {
		t.Fatalf("err = %v", err)
	}
	if env.svc.Stats().ImageSessions != 0 {
		t.Fatal("unknown chunk must not create a session")
	}
}

func TestDeviceStatusIsNotImageMetadata(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryStore())

	env.mustHandle(t, "camera/C1/status", []byte(`{"status":"online","temperature":41.5}`))
	if env.svc.Stats().ImageSessions != 0 {
		t.Fatal("heartbeat must not open an image session")
	}
}

func TestImageSizeMismatchEmitsEvent(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "camera/C2/status", []byte(`{"deviceId":"C2","imageNumber":1,"chunks":2,"size":10}`))
	env.mustHandle(t, "camera/C2/images/1/chunk/0", []byte("abc"))
	err := env.handle(t, "camera/C2/images/1/chunk/1", []byte("def"))

	var sme *imagery.SizeMismatchError
	if !errors.As(err, &sme) {
		t.Fatalf("err = %v", err)
	}
	if env.events.count(models.EventImageSizeMismatch) != 1 {
		t.Fatal("expected image.size_mismatch event")
	}
	if env.svc.Stats().ImageSessions != 0 {
		t.Fatal("mismatched session must be cleared")
	}
}

type failingStore struct {
	*database.MemoryStore
	mu       sync.Mutex
	attaches int
}

func (f *failingStore) AttachAudio(ctx context.Context, id string, a models.AudioSubRecord) error {
	f.mu.Lock()
	f.attaches++
	f.mu.Unlock()
	return errors.New("disk on fire")
}

func TestPersistenceFailureAfterRetries(t *testing.T) {
	store := &failingStore{MemoryStore: database.NewMemoryStore()}
	env := newTestEnv(t, store)

	env.mustHandle(t, "sensors/S8/data", alertPayload("S8", baseTime, true, false, 0))
	sendAudioBurst(t, env, "S8", baseTime)
	env.svc.Wait()

	store.mu.Lock()
	attempts := store.attaches
	store.mu.Unlock()
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
	if env.events.count(models.EventPersistenceFailed) != 1 {
		t.Fatal("expected persistence.failed event")
	}
	if onlyRecord(t, store, "S8").Audio.Available {
		t.Fatal("audio must not be marked available")
	}
}

func TestPersistStopsOnMissingRecord(t *testing.T) {
	env := newTestEnv(t, database.NewMemoryStore())

	calls := 0
	err := env.svc.persist(context.Background(), "attach_audio", "k", func(ctx context.Context) error {
		calls++
		return database.ErrNotFound
	})
	var pe *PersistenceError
	if !errors.As(err, &pe) || !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 || pe.Attempts != 1 {
		t.Fatalf("calls = %d attempts = %d", calls, pe.Attempts)
	}
}

func locationPayload(lat, lon float64) []byte {
	return []byte(fmt.Sprintf(`{"lat":%f,"lon":%f,"velocity":1.2,"altitude":1650}`, lat, lon))
}

func TestAnimalLocationCreatesRecordWithDefaultSafeArea(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "animals/E1/location", locationPayload(-1.29, 36.82))

	a, err := store.GetAnimal(context.Background(), "E1")
	if err != nil {
		t.Fatalf("get animal: %v", err)
	}
	if a.LastAttributes.Altitude != 1650 || a.LastAttributes.Velocity != 1.2 {
		t.Fatalf("attributes = %+v", a.LastAttributes)
	}
	if a.SafeArea.Radius != models.DefaultSafeAreaRadius || a.SafeArea.Lat != -1.29 {
		t.Fatalf("safe area = %+v", a.SafeArea)
	}
	if !a.LastUpdate.Equal(baseTime) {
		t.Fatalf("last update = %s", a.LastUpdate)
	}
	if env.events.count(models.EventAnimalLocated) != 1 || env.events.count(models.EventAnimalLeftArea) != 0 {
		t.Fatal("expected one animal.located event and no departure")
	}
	if store.Len() != 0 {
		t.Fatal("a location fix must not create an alert record")
	}
}

func TestAnimalLeavingSafeAreaEmitsOncePerExit(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	fixes := []struct {
		lat  float64
		left int
	}{
		{0.000, 0}, // defines the 1 km area
		{0.005, 0}, // ~556 m, inside
		{0.020, 1}, // ~2.2 km, crossed out
		{0.030, 1}, // still outside
		{0.001, 1}, // back inside
		{0.050, 2}, // out again
	}
	for i, f := range fixes {
		env.clock.Advance(time.Minute)
		env.mustHandle(t, "animals/E2/location", locationPayload(f.lat, 37.0))
		if got := env.events.count(models.EventAnimalLeftArea); got != f.left {
			t.Fatalf("fix %d: departures = %d, want %d", i, got, f.left)
		}
	}

	a, err := store.GetAnimal(context.Background(), "E2")
	if err != nil {
		t.Fatal(err)
	}
	if a.InSafeArea() || a.SafeArea.Lat != 0 {
		t.Fatalf("animal = %+v", a)
	}
}

func TestAnimalFixReplacesSafeArea(t *testing.T) {
	store := database.NewMemoryStore()
	env := newTestEnv(t, store)

	env.mustHandle(t, "animals/E3/location", locationPayload(10, 20))
	env.mustHandle(t, "animals/E3/location",
		[]byte(`{"lat":10,"lon":20,"safe_area":{"lat":11,"lon":20,"radius":500}}`))

	a, err := store.GetAnimal(context.Background(), "E3")
	if err != nil {
		t.Fatal(err)
	}
	if a.SafeArea != (models.SafeArea{Lat: 11, Lon: 20, Radius: 500}) {
		t.Fatalf("safe area = %+v", a.SafeArea)
	}
	if a.LastAttributes.Velocity != 0 {
		t.Fatalf("velocity = %v, want 0 when omitted", a.LastAttributes.Velocity)
	}
	if env.events.count(models.EventAnimalLeftArea) != 1 {
		t.Fatal("moving the area away from the animal is a departure")
	}
}
