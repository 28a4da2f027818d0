package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"wildlife-backend/internal/audio"
	"wildlife-backend/internal/correlator"
	"wildlife-backend/internal/database"
	"wildlife-backend/internal/imagery"
	"wildlife-backend/internal/metrics"
	"wildlife-backend/internal/models"
)

type mediaKind string

const (
	mediaAudio mediaKind = "audio"
	mediaImage mediaKind = "image"
)

// completedMedia is a finalized payload waiting for its durable write.
// Exactly one of audio and image is set.
type completedMedia struct {
	kind        mediaKind
	key         string
	sensorID    string
	at          time.Time // event time used for correlation
	recordID    string
	audio       *models.AudioSubRecord
	image       *models.Image
	completedAt time.Time
}

// beginAudioFinalize drains a complete session and hands it to a background job.
// The caller holds the session's key lock.
func (s *ReassemblyService) beginAudioFinalize(key audio.Key, reason string) error {
	d, err := s.audio.Drain(key)
	if err != nil {
		return err
	}
	now := s.now()
	s.finished.Mark(key.String(), now)
	s.transition(mediaAudio, key.String(), StateAwaitingFragments, StateFinalizing,
		zap.String("reason", reason),
		zap.Int("preshot_packets", d.PreshotPackets),
		zap.Int("postshot_packets", d.PostshotPackets),
		zap.Int("bytes", len(d.PCM)))

	s.spawn(func(ctx context.Context) {
		s.finalizeAudio(ctx, d, now)
	})
	return nil
}

func (s *ReassemblyService) finalizeAudio(ctx context.Context, d audio.Drained, completedAt time.Time) {
	ctx, span := s.tracer.Start(ctx, "reassembly.finalize_audio", trace.WithAttributes(
		attribute.String("session.key", d.Key.String()),
		attribute.Int("audio.bytes", len(d.PCM)),
	))
	defer span.End()

	key := d.Key.String()
	f := d.Format
	duration := audio.Duration(len(d.PCM), f.SampleRate, f.BitsPerSample)
	if len(d.PCM) == 0 || duration <= 0 {
		s.abandon(mediaAudio, key, d.Key.SensorID, d.RecordID, "abandoned", models.ErrEmptyAudio)
		return
	}

	wav := audio.EncodeWAV(d.PCM, f.SampleRate, f.BitsPerSample)
	level := audio.AnalyzeLevel(d.PCM, f.BitsPerSample)
	filename := fmt.Sprintf("%s_%d.wav", d.Key.SensorID, d.Key.Timestamp.UnixMilli())

	sub := &models.AudioSubRecord{
		SampleRate:    f.SampleRate,
		BitsPerSample: f.BitsPerSample,
		Duration:      duration,
		Filename:      filename,
		Data:          wav,
		SoundLevelDB:  level.VolumeDB,
	}

	if s.archive != nil {
		objectKey, err := s.archive.PutAudio(ctx, d.Key.SensorID, filename, wav)
		if err != nil {
			s.logger.Warn("audio archive upload failed", zap.String("key", key), zap.Error(err))
		} else {
			sub.ObjectKey = objectKey
		}
	}

	s.logger.Info("audio session finalized",
		zap.String("key", key),
		zap.Float64("duration_s", duration),
		zap.Int("wav_bytes", len(wav)),
		zap.Float64("level_db", level.VolumeDB),
		zap.Bool("clipping", level.IsClipping))

	s.deliver(ctx, &completedMedia{
		kind:        mediaAudio,
		key:         key,
		sensorID:    d.Key.SensorID,
		at:          d.Key.Timestamp,
		recordID:    d.RecordID,
		audio:       sub,
		completedAt: completedAt,
	})
}

// beginImageFinalize assembles a complete image and hands it to a background job.
// The caller holds the session's key lock.
func (s *ReassemblyService) beginImageFinalize(key imagery.Key) error {
	asm, err := s.images.Assemble(key)
	if err != nil {
		var sme *imagery.SizeMismatchError
		if errors.As(err, &sme) {
			metrics.Finalizations.WithLabelValues(string(mediaImage), "size_mismatch").Inc()
			s.transition(mediaImage, key.String(), StateAwaitingFragments, StateAbandoned,
				zap.Int("expected", sme.Expected), zap.Int("actual", sme.Actual))
			s.emit(models.EventImageSizeMismatch, key.DeviceID, "", key.String(), sme.Error())
		}
		return err
	}

	now := s.now()
	s.transition(mediaImage, key.String(), StateAwaitingFragments, StateFinalizing,
		zap.Int("bytes", len(asm.Data)))

	s.spawn(func(ctx context.Context) {
		s.finalizeImage(ctx, asm, now)
	})
	return nil
}

func (s *ReassemblyService) finalizeImage(ctx context.Context, asm imagery.Assembled, completedAt time.Time) {
	ctx, span := s.tracer.Start(ctx, "reassembly.finalize_image", trace.WithAttributes(
		attribute.String("session.key", asm.Key.String()),
		attribute.Int("image.bytes", len(asm.Data)),
	))
	defer span.End()

	img := &models.Image{
		Sequence:   asm.Key.ImageNumber,
		CapturedAt: asm.CapturedAt,
		Data:       asm.Data,
		Size:       len(asm.Data),
	}

	// Cameras send base64 text; keep it as received and archive the decoded JPEG.
	decoded, decodeErr := base64.StdEncoding.DecodeString(string(asm.Data))
	if decodeErr == nil {
		img.Encoding = "base64"
	}

	if s.archive != nil {
		jpeg := asm.Data
		if decodeErr == nil {
			jpeg = decoded
		}
		objectKey, err := s.archive.PutImage(ctx, asm.Key.DeviceID, asm.Key.ImageNumber, asm.CapturedAt.UnixMilli(), jpeg)
		if err != nil {
			s.logger.Warn("image archive upload failed", zap.String("key", asm.Key.String()), zap.Error(err))
		} else {
			img.ObjectKey = objectKey
		}
	}

	s.logger.Info("image session finalized",
		zap.String("key", asm.Key.String()),
		zap.Int("bytes", len(asm.Data)),
		zap.String("encoding", img.Encoding))

	s.deliver(ctx, &completedMedia{
		kind:        mediaImage,
		key:         asm.Key.String(),
		sensorID:    asm.Key.DeviceID,
		at:          asm.CapturedAt,
		recordID:    asm.RecordID,
		image:       img,
		completedAt: completedAt,
	})
}

// deliver resolves the owner of m and writes it, parking media nobody claims yet
func (s *ReassemblyService) deliver(ctx context.Context, m *completedMedia) {
	if m.recordID == "" {
		// An alert inserted between the lookup and park must still see m.
		s.claimMu.Lock()
		match, err := s.correlator.Resolve(ctx, m.sensorID, m.at)
		if err != nil {
			s.park(m)
		}
		s.claimMu.Unlock()

		switch {
		case err == nil:
			m.recordID = match.RecordID
			if match.Ambiguous {
				metrics.Correlations.WithLabelValues("ambiguous").Inc()
			} else {
				metrics.Correlations.WithLabelValues("matched").Inc()
			}
		case errors.Is(err, correlator.ErrNoMatch):
			metrics.Correlations.WithLabelValues("none").Inc()
			return
		default:
			metrics.Correlations.WithLabelValues("error").Inc()
			s.logger.Warn("correlation lookup failed, media parked",
				zap.String("key", m.key), zap.Error(err))
			return
		}
	} else {
		metrics.Correlations.WithLabelValues("explicit").Inc()
	}

	s.persistMedia(ctx, m)
}

func (s *ReassemblyService) persistMedia(ctx context.Context, m *completedMedia) {
	op := "append_image"
	event := models.EventImageFinalized
	if m.kind == mediaAudio {
		op = "attach_audio"
		event = models.EventAudioFinalized
	}

	err := s.persist(ctx, op, m.key, func(ctx context.Context) error {
		if m.audio != nil {
			return s.store.AttachAudio(ctx, m.recordID, *m.audio)
		}
		return s.store.AppendImage(ctx, m.recordID, *m.image)
	})
	if err != nil {
		s.abandon(m.kind, m.key, m.sensorID, m.recordID, "persist_failed", err)
		return
	}

	metrics.Finalizations.WithLabelValues(string(m.kind), "done").Inc()
	metrics.FinalizeDuration.WithLabelValues(string(m.kind)).Observe(s.now().Sub(m.completedAt).Seconds())
	s.transition(m.kind, m.key, StateFinalizing, StateDone, zap.String("record_id", m.recordID))
	s.emit(event, m.sensorID, m.recordID, m.key, "")

	if m.kind == mediaAudio {
		s.releaseBoundAudio(m.recordID, m.key)
	}
}

// releaseBoundAudio drops sessions that were opened for recordID but never got
// a packet, once audio from another session has been attached to the record.
func (s *ReassemblyService) releaseBoundAudio(recordID, attachedKey string) {
	sessions, err := s.audio.Snapshot()
	if err != nil {
		s.logger.Warn("failed to list audio sessions", zap.Error(err))
		return
	}
	for _, sum := range sessions {
		if sum.RecordID != recordID || sum.Key.String() == attachedKey {
			continue
		}
		s.releaseIfEmpty(sum.Key, recordID)
	}
}

func (s *ReassemblyService) releaseIfEmpty(key audio.Key, recordID string) {
	unlock := s.locks.Lock(audioLockKey(key))
	defer unlock()

	cur, ok, err := s.audio.Peek(key)
	if err != nil || !ok || cur.RecordID != recordID || cur.PreshotPackets+cur.PostshotPackets > 0 {
		return
	}
	if _, _, err := s.audio.Discard(key); err != nil {
		s.logger.Warn("failed to release empty audio session", zap.String("key", key.String()), zap.Error(err))
		return
	}
	s.finished.Mark(key.String(), s.now())
	s.transition(mediaAudio, key.String(), StateAwaitingFragments, StateDone,
		zap.String("record_id", recordID), zap.String("reason", "record audio attached from another session"))
}

// persist runs fn with exponential backoff. Missing records and rejected
// payloads are not retried.
func (s *ReassemblyService) persist(ctx context.Context, op, key string, fn func(context.Context) error) error {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := fn(ctx); err != nil {
			if errors.Is(err, database.ErrNotFound) || errors.Is(err, models.ErrEmptyAudio) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.config.PersistMaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.PersistRetries.WithLabelValues(op).Inc()
			s.logger.Warn("store write failed, retrying",
				zap.String("operation", op),
				zap.String("key", key),
				zap.Int("attempt", attempts),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
	if err != nil {
		metrics.PersistFailures.WithLabelValues(op).Inc()
		return &PersistenceError{Op: op, Key: key, Attempts: attempts, Err: err}
	}
	return nil
}

func (s *ReassemblyService) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.config.PersistBackoff > 0 {
		b.InitialInterval = s.config.PersistBackoff
	}
	if s.config.PersistMaxBackoff > 0 {
		b.MaxInterval = s.config.PersistMaxBackoff
	}
	return b
}

// park holds unclaimed media until an alert for its sensor arrives or it expires
func (s *ReassemblyService) park(m *completedMedia) {
	s.mu.Lock()
	s.parked = append(s.parked, m)
	n := len(s.parked)
	s.mu.Unlock()

	metrics.Finalizations.WithLabelValues(string(m.kind), "parked").Inc()
	metrics.ActiveSessions.WithLabelValues("parked").Set(float64(n))
	s.logger.Info("media has no alert record yet, parked",
		zap.String("media", string(m.kind)),
		zap.String("key", m.key),
		zap.Time("at", m.at))
	s.emit(models.EventMediaParked, m.sensorID, "", m.key, string(m.kind))
}

// adoptParked hands parked media of rec's sensor inside the tolerance window to rec.
// It reports whether any of it was audio.
func (s *ReassemblyService) adoptParked(rec *models.AlertRecord) (audioAdopted bool) {
	tolerance := s.correlator.Tolerance()

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	s.mu.Lock()
	var adopted []*completedMedia
	kept := s.parked[:0]
	for _, m := range s.parked {
		if m.sensorID == rec.SensorID && absDuration(m.at.Sub(rec.Timestamp)) <= tolerance {
			adopted = append(adopted, m)
			continue
		}
		kept = append(kept, m)
	}
	s.parked = kept
	n := len(kept)
	s.mu.Unlock()

	if len(adopted) == 0 {
		return false
	}
	metrics.ActiveSessions.WithLabelValues("parked").Set(float64(n))

	for _, m := range adopted {
		m.recordID = rec.ID
		audioAdopted = audioAdopted || m.kind == mediaAudio
		metrics.Correlations.WithLabelValues("adopted").Inc()
		s.logger.Info("parked media adopted by alert",
			zap.String("key", m.key), zap.String("record_id", rec.ID))
		s.spawn(func(ctx context.Context) {
			s.persistMedia(ctx, m)
		})
	}
	return audioAdopted
}

// abandon records the terminal failure of a session
func (s *ReassemblyService) abandon(kind mediaKind, key, sensorID, recordID, outcome string, reason error) {
	metrics.Finalizations.WithLabelValues(string(kind), outcome).Inc()

	fields := []zap.Field{
		zap.String("media", string(kind)),
		zap.String("key", key),
		zap.String("record_id", recordID),
		zap.Error(reason),
	}
	event := models.EventSessionAbandoned
	from := StateAwaitingFragments
	if outcome == "persist_failed" {
		event = models.EventPersistenceFailed
		from = StateFinalizing
		s.logger.Error("media lost after exhausting store retries", fields...)
	} else {
		s.logger.Warn("session abandoned", fields...)
	}
	s.transition(kind, key, from, StateAbandoned)
	s.emit(event, sensorID, recordID, key, reason.Error())
}

// spawn runs fn as a tracked background finalization job
func (s *ReassemblyService) spawn(fn func(ctx context.Context)) {
	s.wg.Add(1)
	s.inflight.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inflight.Add(-1)
		fn(s.baseCtx)
	}()
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
