package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"wildlife-backend/internal/audio"
	"wildlife-backend/internal/correlator"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/imagery"
	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/models"
	"wildlife-backend/internal/session"
)

// SessionState is the lifecycle stage of a media session
type SessionState string

const (
	StateAwaitingFragments SessionState = "awaiting_fragments"
	StateFinalizing        SessionState = "finalizing"
	StateDone              SessionState = "done"
	StateAbandoned         SessionState = "abandoned"
)

// MediaArchive uploads finalized media; see objectstore.Archive
type MediaArchive interface {
	PutAudio(ctx context.Context, sensorID, filename string, wav []byte) (string, error)
	PutImage(ctx context.Context, deviceID string, imageNumber int, capturedMillis int64, jpeg []byte) (string, error)
}

// ReassemblyConfig holds timing and retry settings of the orchestrator
type ReassemblyConfig struct {
	Topics             Topics
	AudioIdleTimeout   time.Duration
	ImageIdleTimeout   time.Duration
	UnlinkedTimeout    time.Duration
	PostshotGrace      time.Duration // 0 disables grace completion
	PersistMaxAttempts uint
	PersistBackoff     time.Duration
	PersistMaxBackoff  time.Duration
}

// DefaultReassemblyConfig returns the production timings
func DefaultReassemblyConfig() ReassemblyConfig {
	return ReassemblyConfig{
		Topics:             DefaultTopics(),
		AudioIdleTimeout:   5 * time.Minute,
		ImageIdleTimeout:   5 * time.Minute,
		UnlinkedTimeout:    time.Minute,
		PostshotGrace:      10 * time.Second,
		PersistMaxAttempts: 5,
		PersistBackoff:     200 * time.Millisecond,
		PersistMaxBackoff:  5 * time.Second,
	}
}

// Params wires the orchestrator. Events and Archive are optional.
type Params struct {
	Store      database.Store
	Audio      *audio.Tracker
	Images     *imagery.Tracker
	Correlator *correlator.Correlator
	Events     EventPublisher
	Archive    MediaArchive
	Config     ReassemblyConfig
	Now        func() time.Time
	Logger     *zap.Logger
}

// ReassemblyService turns labeled fragments into alert records with attached media.
//
// Fragments of one session are serialized by a per-key lock. Finalized media is
// written by background jobs so slow storage never stalls ingestion.
type ReassemblyService struct {
	store      database.Store
	audio      *audio.Tracker
	images     *imagery.Tracker
	correlator *correlator.Correlator
	events     EventPublisher
	archive    MediaArchive
	config     ReassemblyConfig
	now        func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer

	locks    *session.KeyedMutex
	finished *session.Tombstones

	claimMu sync.Mutex // orders correlation misses against parked adoption
	mu      sync.Mutex
	parked  []*completedMedia

	wg       sync.WaitGroup
	inflight atomic.Int64
	baseCtx  context.Context
	cancel   context.CancelFunc
}

func NewReassemblyService(p Params) (*ReassemblyService, error) {
	if p.Store == nil || p.Audio == nil || p.Images == nil || p.Correlator == nil {
		return nil, errors.New("reassembly service requires a store, both trackers and a correlator")
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Config.PersistMaxAttempts == 0 {
		p.Config.PersistMaxAttempts = 1
	}

	ttl := p.Config.AudioIdleTimeout
	if ttl < time.Minute {
		ttl = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ReassemblyService{
		store:      p.Store,
		audio:      p.Audio,
		images:     p.Images,
		correlator: p.Correlator,
		events:     p.Events,
		archive:    p.Archive,
		config:     p.Config,
		now:        p.Now,
		logger:     p.Logger.Named("reassembly"),
		tracer:     otel.Tracer("wildlife-backend/services"),
		locks:      session.NewKeyedMutex(),
		finished:   session.NewTombstones(ttl),
		baseCtx:    ctx,
		cancel:     cancel,
	}, nil
}

// Handle routes one fragment through the matching session state machine.
// Errors are logged and counted here; callers may ignore them.
func (s *ReassemblyService) Handle(ctx context.Context, frag models.Fragment) error {
	if frag.ReceivedAt.IsZero() {
		frag.ReceivedAt = s.now()
	}

	route, err := s.config.Topics.Classify(frag.Label)
	if err != nil {
		s.reject(route.Kind, frag, err)
		return err
	}

	ctx, span := s.tracer.Start(ctx, "reassembly.handle", trace.WithAttributes(
		attribute.String("fragment.label", frag.Label),
		attribute.String("fragment.kind", string(route.Kind)),
	))
	defer span.End()

	switch route.Kind {
	case KindAlert:
		err = s.handleAlert(ctx, route, frag)
	case KindAudioPacket:
		err = s.handleAudioPacket(route, frag)
	case KindCameraStatus:
		err = s.handleCameraStatus(ctx, route, frag)
	case KindImageChunk:
		err = s.handleImageChunk(route, frag)
	case KindAnimalLocation:
		err = s.handleAnimalLocation(ctx, route, frag)
	}

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.reject(route.Kind, frag, err)
	}
	return err
}

func (s *ReassemblyService) handleAlert(ctx context.Context, route Route, frag models.Fragment) error {
	var af models.AlertFragment
	if err := json.Unmarshal(frag.Payload, &af); err != nil {
		return malformed(frag.Label, "invalid alert json", err)
	}
	if af.SensorID == "" {
		af.SensorID = route.SourceID
	}
	if af.Timestamp.IsZero() {
		af.Timestamp.Time = frag.ReceivedAt
	}
	alertType, err := models.ParseAlertType(af.AlertType)
	if err != nil {
		return malformed(frag.Label, "invalid alert type", err)
	}
	if err := af.Validate(); err != nil {
		return malformed(frag.Label, "invalid alert fields", err)
	}
	s.countFragment(KindAlert, frag)

	rec := &models.AlertRecord{
		ID:        uuid.NewString(),
		SensorID:  af.SensorID,
		Timestamp: af.Timestamp.UTC(),
		AlertType: alertType,
		Audio:     models.AudioSubRecord{Declared: af.AudioAvailable},
		Video: models.VideoSubRecord{
			Declared:      af.VideoAvailable,
			ExpectedCount: af.ImageCount,
		},
	}

	if err := s.persist(ctx, "insert_alert", rec.ID, func(ctx context.Context) error {
		return s.store.InsertAlert(ctx, rec)
	}); err != nil {
		s.emit(models.EventPersistenceFailed, rec.SensorID, rec.ID, rec.ID, err.Error())
		return err
	}

	s.logger.Info("alert record created",
		zap.String("record_id", rec.ID),
		zap.String("sensor_id", rec.SensorID),
		zap.String("alert_type", string(rec.AlertType)),
		zap.Bool("audio", af.AudioAvailable),
		zap.Bool("video", af.VideoAvailable),
		zap.Int("images", af.ImageCount))
	s.emit(models.EventAlertCreated, rec.SensorID, rec.ID, "", string(rec.AlertType))

	audioAdopted := s.adoptParked(rec)

	if af.AudioAvailable && !audioAdopted {
		key := audio.Key{SensorID: rec.SensorID, Timestamp: rec.Timestamp}
		if err := s.openBoundAudio(key, rec.ID, formatOf(af.SampleRate, af.Bits)); err != nil {
			s.logger.Warn("could not open audio session for alert",
				zap.String("key", key.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *ReassemblyService) openBoundAudio(key audio.Key, recordID string, format *audio.Format) error {
	unlock := s.locks.Lock(audioLockKey(key))
	defer unlock()

	if s.finished.Contains(key.String(), s.now()) {
		return nil
	}
	if _, err := s.audio.OpenOrInit(key, format); err != nil {
		return err
	}
	return s.audio.Bind(key, recordID)
}

func (s *ReassemblyService) handleAudioPacket(route Route, frag models.Fragment) error {
	pkt, err := audio.DecodePacket(frag.Payload)
	if err != nil {
		var mpe *models.MalformedPacketError
		if errors.As(err, &mpe) {
			mpe.Label = frag.Label
		}
		return err
	}

	meta := pkt.Meta
	if meta.SensorID == "" {
		meta.SensorID = route.SourceID
	}
	if meta.Timestamp.IsZero() {
		return malformed(frag.Label, "audio packet without timestamp", nil)
	}
	if err := meta.Validate(); err != nil {
		return malformed(frag.Label, "invalid audio metadata", err)
	}
	s.countFragment(KindAudioPacket, frag)

	key := audio.Key{SensorID: meta.SensorID, Timestamp: meta.Timestamp.UTC()}
	unlock := s.locks.Lock(audioLockKey(key))
	defer unlock()

	if s.finished.Contains(key.String(), s.now()) {
		return fmt.Errorf("%s: %w", key, ErrLateFragment)
	}

	if _, err := s.audio.Append(key, pkt.PCM, meta.IsPreshot, formatOf(meta.SampleRate, meta.Bits)); err != nil {
		return err
	}
	if meta.Final {
		if err := s.audio.MarkEnd(key); err != nil {
			return err
		}
	}
	if !s.audio.IsComplete(key) {
		return nil
	}
	return s.beginAudioFinalize(key, "postshot complete")
}

func (s *ReassemblyService) handleCameraStatus(ctx context.Context, route Route, frag models.Fragment) error {
	var shape struct {
		Type   string `json:"type"`
		Chunks *int   `json:"chunks"`
	}
	if err := json.Unmarshal(frag.Payload, &shape); err != nil {
		return malformed(frag.Label, "invalid status json", err)
	}

	if shape.Chunks == nil && !strings.EqualFold(shape.Type, "image") {
		var status models.DeviceStatus
		_ = json.Unmarshal(frag.Payload, &status)
		s.countFragment(KindDeviceStatus, frag)
		s.logger.Debug("camera status",
			zap.String("device_id", route.SourceID),
			zap.String("status", status.Status),
			zap.Float64("temperature", status.Temperature))
		return nil
	}

	var meta models.ImageMetadata
	if err := json.Unmarshal(frag.Payload, &meta); err != nil {
		return malformed(frag.Label, "invalid image metadata json", err)
	}
	if meta.DeviceID == "" {
		meta.DeviceID = route.SourceID
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp.Time = frag.ReceivedAt
	}
	if err := meta.Validate(); err != nil {
		return malformed(frag.Label, "invalid image metadata", err)
	}
	s.countFragment(KindImageMeta, frag)

	key := imagery.Key{DeviceID: meta.DeviceID, ImageNumber: meta.ImageNumber}
	capturedAt := meta.Timestamp.UTC()

	// Best effort; unbound images are correlated again when they complete.
	owner := ""
	if match, err := s.correlator.Resolve(ctx, meta.DeviceID, capturedAt); err == nil {
		owner = match.RecordID
	}

	unlock := s.locks.Lock(imageLockKey(key))
	defer unlock()

	replaced, err := s.images.InitMetadata(key, meta.Chunks, meta.Size, capturedAt)
	if err != nil {
		if errors.Is(err, imagery.ErrInvalidMetadata) {
			return malformed(frag.Label, "image metadata out of bounds", err)
		}
		return err
	}
	if replaced {
		s.emit(models.EventSessionAbandoned, meta.DeviceID, "", key.String(), "replaced by re-announced metadata")
	}
	if owner != "" {
		if err := s.images.Bind(key, owner); err != nil {
			return err
		}
	}

	s.logger.Debug("image session opened",
		zap.String("key", key.String()),
		zap.Int("chunks", meta.Chunks),
		zap.Int("size", meta.Size),
		zap.String("record_id", owner))
	return nil
}

func (s *ReassemblyService) handleImageChunk(route Route, frag models.Fragment) error {
	s.countFragment(KindImageChunk, frag)

	key := imagery.Key{DeviceID: route.SourceID, ImageNumber: route.ImageNumber}
	unlock := s.locks.Lock(imageLockKey(key))
	defer unlock()

	complete, err := s.images.SetChunk(key, route.ChunkIndex, frag.Payload)
	if err != nil || !complete {
		return err
	}
	return s.beginImageFinalize(key)
}

// handleAnimalLocation records a collar fix and reports an animal crossing out
// of its safe area. Fixes are not media; nothing is reassembled or parked.
func (s *ReassemblyService) handleAnimalLocation(ctx context.Context, route Route, frag models.Fragment) error {
	loc, err := models.DecodeAnimalLocation(frag.Payload)
	if err != nil {
		return malformed(frag.Label, "invalid animal location", err)
	}
	s.countFragment(KindAnimalLocation, frag)

	var before, after *models.Animal
	if err := s.persist(ctx, "upsert_animal", route.SourceID, func(ctx context.Context) error {
		var err error
		before, after, err = s.store.UpsertAnimal(ctx, route.SourceID, *loc, frag.ReceivedAt)
		return err
	}); err != nil {
		s.emit(models.EventPersistenceFailed, route.SourceID, "", route.SourceID, err.Error())
		return err
	}

	inside := after.InSafeArea()
	distance := models.Haversine(after.SafeArea.Lat, after.SafeArea.Lon, after.LastAttributes.Lat, after.LastAttributes.Lon)
	s.logger.Debug("animal location updated",
		zap.String("animal_id", after.ID),
		zap.Float64("lat", after.LastAttributes.Lat),
		zap.Float64("lon", after.LastAttributes.Lon),
		zap.Float64("distance_m", distance),
		zap.Bool("in_safe_area", inside),
		zap.Bool("new", before == nil))
	s.emit(models.EventAnimalLocated, after.ID, "", after.ID, fmt.Sprintf("%.1fm from safe area center", distance))

	if !inside && (before == nil || before.InSafeArea()) {
		s.logger.Warn("animal left its safe area",
			zap.String("animal_id", after.ID),
			zap.Float64("distance_m", distance),
			zap.Float64("radius_m", after.SafeArea.Radius))
		s.emit(models.EventAnimalLeftArea, after.ID, "", after.ID,
			fmt.Sprintf("%.1fm from center, radius %.0fm", distance, after.SafeArea.Radius))
	}
	return nil
}

// Wait blocks until every in-flight finalization job has finished
func (s *ReassemblyService) Wait() {
	s.wg.Wait()
}

// Close waits for in-flight finalizations until ctx expires, then cancels them
func (s *ReassemblyService) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats is a point-in-time view of the orchestrator
type Stats struct {
	AudioSessions int `json:"audioSessions"`
	ImageSessions int `json:"imageSessions"`
	Parked        int `json:"parked"`
	Finalizing    int `json:"finalizing"`
}

func (s *ReassemblyService) Stats() Stats {
	s.mu.Lock()
	parked := len(s.parked)
	s.mu.Unlock()

	return Stats{
		AudioSessions: s.audio.Len(),
		ImageSessions: s.images.Len(),
		Parked:        parked,
		Finalizing:    int(s.inflight.Load()),
	}
}

// reject counts and logs a fragment that could not be applied
func (s *ReassemblyService) reject(kind FragmentKind, frag models.Fragment, err error) {
	var (
		mpe *models.MalformedPacketError
		use *session.UnknownSessionError
		sme *imagery.SizeMismatchError
		pe  *PersistenceError
	)
	fields := []zap.Field{
		zap.String("label", frag.Label),
		zap.String("source", frag.Source),
		zap.Error(err),
	}

	switch {
	case errors.As(err, &mpe):
		metrics.FragmentsDropped.WithLabelValues(string(kind), "malformed").Inc()
		s.logger.Warn("dropping malformed fragment", fields...)
	case errors.As(err, &use):
		// the tracker already logged it
		metrics.FragmentsDropped.WithLabelValues(string(kind), "unknown_session").Inc()
	case errors.Is(err, imagery.ErrChunkOutOfRange):
		metrics.FragmentsDropped.WithLabelValues(string(kind), "out_of_range").Inc()
	case errors.Is(err, ErrLateFragment):
		metrics.FragmentsDropped.WithLabelValues(string(kind), "late").Inc()
		s.logger.Debug("dropping late fragment", fields...)
	case errors.As(err, &sme):
		s.logger.Warn("image discarded on size mismatch", fields...)
	case errors.As(err, &pe):
		s.logger.Error("persistence failed", fields...)
	case errors.Is(err, context.Canceled):
		s.logger.Debug("fragment handling cancelled", fields...)
	default:
		s.logger.Error("fragment handling failed", fields...)
	}
}

func (s *ReassemblyService) countFragment(kind FragmentKind, frag models.Fragment) {
	source := frag.Source
	if source == "" {
		source = "unknown"
	}
	metrics.FragmentsReceived.WithLabelValues(string(kind), source).Inc()
}

func (s *ReassemblyService) emit(typ models.EventType, sensorID, recordID, key, detail string) {
	if s.events == nil {
		return
	}
	s.events.Publish(models.ReassemblyEvent{
		ID:       uuid.NewString(),
		Type:     typ,
		SensorID: sensorID,
		RecordID: recordID,
		Key:      key,
		Detail:   detail,
		At:       s.now().UTC(),
	})
}

func (s *ReassemblyService) transition(media mediaKind, key string, from, to SessionState, fields ...zap.Field) {
	s.logger.Debug("session state change", append([]zap.Field{
		zap.String("media", string(media)),
		zap.String("key", key),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}, fields...)...)
}

func audioLockKey(k audio.Key) string   { return "audio|" + k.String() }
func imageLockKey(k imagery.Key) string { return "image|" + k.String() }

func formatOf(sampleRate, bits int) *audio.Format {
	if sampleRate <= 0 && bits <= 0 {
		return nil
	}
	return &audio.Format{SampleRate: sampleRate, BitsPerSample: bits}
}
