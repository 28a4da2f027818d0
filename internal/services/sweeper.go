package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/audio"
	"wildlife-backend/internal/imagery"
	"wildlife-backend/internal/metrics"
)

// SweepReport counts what one sweep did
type SweepReport struct {
	AudioFinalized  int // grace completions and complete sessions found idle
	AudioAbandoned  int
	ImagesFinalized int
	ImagesAbandoned int
	ParkedExpired   int
}

func (r SweepReport) Empty() bool {
	return r == SweepReport{}
}

// Sweep finalizes or abandons idle sessions and expires parked media
func (s *ReassemblyService) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	now := s.now()

	audioSessions, err := s.audio.Snapshot()
	if err != nil {
		s.logger.Error("failed to list audio sessions", zap.Error(err))
	}
	for _, sum := range audioSessions {
		if ctx.Err() != nil {
			return report
		}
		s.sweepAudio(sum.Key, now, &report)
	}

	imageSessions, err := s.images.Snapshot()
	if err != nil {
		s.logger.Error("failed to list image sessions", zap.Error(err))
	}
	for _, sum := range imageSessions {
		if ctx.Err() != nil {
			return report
		}
		s.sweepImage(sum.Key, now, &report)
	}

	report.ParkedExpired = s.expireParked(now)
	s.finished.Expire(now)

	metrics.ActiveSessions.WithLabelValues(string(mediaAudio)).Set(float64(s.audio.Len()))
	metrics.ActiveSessions.WithLabelValues(string(mediaImage)).Set(float64(s.images.Len()))
	return report
}

func (s *ReassemblyService) sweepAudio(key audio.Key, now time.Time, report *SweepReport) {
	unlock := s.locks.Lock(audioLockKey(key))
	defer unlock()

	cur, ok, err := s.audio.Peek(key)
	if err != nil || !ok {
		return
	}
	idle := now.Sub(cur.LastTouched)

	switch {
	case cur.Complete:
		// restored from a persistent arena after a restart
		if err := s.beginAudioFinalize(key, "complete at sweep"); err == nil {
			report.AudioFinalized++
		}
	case s.config.PostshotGrace > 0 && cur.PostshotPackets > 0 && idle >= s.config.PostshotGrace:
		if err := s.beginAudioFinalize(key, "postshot grace elapsed"); err == nil {
			report.AudioFinalized++
		}
	case idle > s.config.AudioIdleTimeout:
		if _, _, err := s.audio.Discard(key); err != nil {
			s.logger.Error("failed to discard audio session", zap.String("key", key.String()), zap.Error(err))
			return
		}
		s.finished.Mark(key.String(), now)
		report.AudioAbandoned++
		s.abandon(mediaAudio, key.String(), key.SensorID, cur.RecordID, "abandoned",
			fmt.Errorf("idle for %s with %d preshot and %d postshot packets",
				idle.Round(time.Second), cur.PreshotPackets, cur.PostshotPackets))
	}
}

func (s *ReassemblyService) sweepImage(key imagery.Key, now time.Time, report *SweepReport) {
	unlock := s.locks.Lock(imageLockKey(key))
	defer unlock()

	cur, ok, err := s.images.Peek(key)
	if err != nil || !ok {
		return
	}
	idle := now.Sub(cur.LastTouched)

	switch {
	case cur.Received == cur.Total:
		if err := s.beginImageFinalize(key); err == nil {
			report.ImagesFinalized++
		}
	case idle > s.config.ImageIdleTimeout:
		if _, _, err := s.images.Discard(key); err != nil {
			s.logger.Error("failed to discard image session", zap.String("key", key.String()), zap.Error(err))
			return
		}
		report.ImagesAbandoned++
		s.abandon(mediaImage, key.String(), key.DeviceID, cur.RecordID, "abandoned",
			fmt.Errorf("idle for %s with %d of %d chunks", idle.Round(time.Second), cur.Received, cur.Total))
	}
}

func (s *ReassemblyService) expireParked(now time.Time) int {
	s.mu.Lock()
	var expired []*completedMedia
	kept := s.parked[:0]
	for _, m := range s.parked {
		if now.Sub(m.completedAt) > s.config.UnlinkedTimeout {
			expired = append(expired, m)
			continue
		}
		kept = append(kept, m)
	}
	s.parked = kept
	n := len(kept)
	s.mu.Unlock()

	metrics.ActiveSessions.WithLabelValues("parked").Set(float64(n))
	for _, m := range expired {
		s.abandon(m.kind, m.key, m.sensorID, "", "abandoned",
			fmt.Errorf("no alert record within %s", s.config.UnlinkedTimeout))
	}
	return len(expired)
}

// Sweeper runs Sweep on a fixed interval
type Sweeper struct {
	service  *ReassemblyService
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(service *ReassemblyService, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{service: service, interval: interval, logger: logger.Named("sweeper")}
}

// Serve sweeps until ctx is cancelled
func (w *Sweeper) Serve(ctx context.Context) error {
	w.logger.Info("session sweeper started", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("session sweeper stopped")
			return nil
		case <-ticker.C:
			report := w.service.Sweep(ctx)
			if !report.Empty() {
				w.logger.Info("sweep finished",
					zap.Int("audio_finalized", report.AudioFinalized),
					zap.Int("audio_abandoned", report.AudioAbandoned),
					zap.Int("images_finalized", report.ImagesFinalized),
					zap.Int("images_abandoned", report.ImagesAbandoned),
					zap.Int("parked_expired", report.ParkedExpired))
			}
		}
	}
}

func (w *Sweeper) String() string { return "session-sweeper" }
