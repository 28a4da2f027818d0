// Package imagery reassembles chunked camera frames.
package imagery

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/session"
)

var (
	ErrChunkOutOfRange = errors.New("chunk index out of range")
	ErrInvalidMetadata = errors.New("invalid image metadata")
)

// SizeMismatchError is returned by Assemble when the joined payload length
// differs from the size announced in the metadata.
type SizeMismatchError struct {
	Key      string
	Expected int
	Actual   int
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("image %s: assembled %d bytes, expected %d", e.Key, e.Actual, e.Expected)
}

// Key identifies an image session. Chunk labels carry no timestamp, so the
// capture time is kept on the session rather than in the key.
type Key struct {
	DeviceID    string
	ImageNumber int
}

func (k Key) String() string {
	return k.DeviceID + "#" + strconv.Itoa(k.ImageNumber)
}

// Session is the in-flight state of one chunked image
type Session struct {
	DeviceID     string    `json:"deviceId"`
	ImageNumber  int       `json:"imageNumber"`
	CapturedAt   time.Time `json:"capturedAt"`
	RecordID     string    `json:"recordId,omitempty"`
	Total        int       `json:"total"`
	ExpectedSize int       `json:"expectedSize"`
	Chunks       [][]byte  `json:"chunks"`
	Filled       []bool    `json:"filled"`
	Received     int       `json:"received"`
	CreatedAt    time.Time `json:"createdAt"`
	LastTouched  time.Time `json:"lastTouched"`
}

func (s *Session) Key() Key { return Key{DeviceID: s.DeviceID, ImageNumber: s.ImageNumber} }

// TrackerConfig bounds the metadata the tracker accepts
type TrackerConfig struct {
	MaxChunks int
	Now       func() time.Time
}

// Tracker buffers image chunks into fixed slot arrays.
//
// The tracker does not lock per key; callers serialize operations on the same key.
type Tracker struct {
	arena  session.Arena[Session]
	config TrackerConfig
	logger *zap.Logger
}

func NewTracker(arena session.Arena[Session], config TrackerConfig, logger *zap.Logger) *Tracker {
	if config.MaxChunks <= 0 {
		config.MaxChunks = 4096
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Tracker{arena: arena, config: config, logger: logger.Named("image-tracker")}
}

// InitMetadata creates the session for key with totalChunks empty slots.
// Re-announcing a live key replaces its session; replaced reports that case.
func (t *Tracker) InitMetadata(key Key, totalChunks, expectedSize int, capturedAt time.Time) (replaced bool, err error) {
	if totalChunks <= 0 || totalChunks > t.config.MaxChunks || expectedSize < 0 {
		return false, fmt.Errorf("%w: chunks=%d size=%d", ErrInvalidMetadata, totalChunks, expectedSize)
	}

	_, exists, err := t.arena.Get(key.String())
	if err != nil {
		return false, err
	}
	if exists {
		t.logger.Warn("image metadata re-announced, replacing session",
			zap.String("key", key.String()), zap.Int("chunks", totalChunks))
	}

	now := t.config.Now()
	s := Session{
		DeviceID:     key.DeviceID,
		ImageNumber:  key.ImageNumber,
		CapturedAt:   capturedAt,
		Total:        totalChunks,
		ExpectedSize: expectedSize,
		Chunks:       make([][]byte, totalChunks),
		Filled:       make([]bool, totalChunks),
		CreatedAt:    now,
		LastTouched:  now,
	}
	return exists, t.arena.Put(key.String(), s)
}

// Bind records the owning alert record of a session
func (t *Tracker) Bind(key Key, recordID string) error {
	s, ok, err := t.arena.Get(key.String())
	if err != nil {
		return err
	}
	if !ok {
		return &session.UnknownSessionError{Kind: "image", Key: key.String()}
	}
	s.RecordID = recordID
	return t.arena.Put(key.String(), s)
}

// SetChunk stores data at index. Unknown keys and out-of-range indexes are
// logged and leave state untouched; the returned error says which.
// A repeated index overwrites its slot without being counted twice.
func (t *Tracker) SetChunk(key Key, index int, data []byte) (complete bool, err error) {
	s, ok, err := t.arena.Get(key.String())
	if err != nil {
		return false, err
	}
	if !ok {
		t.logger.Warn("chunk for unknown image session",
			zap.String("key", key.String()), zap.Int("index", index))
		return false, &session.UnknownSessionError{Kind: "image", Key: key.String()}
	}
	if index < 0 || index >= s.Total {
		t.logger.Warn("chunk index out of range",
			zap.String("key", key.String()), zap.Int("index", index), zap.Int("total", s.Total))
		return false, fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, s.Total)
	}

	if !s.Filled[index] {
		s.Filled[index] = true
		s.Received++
	}
	s.Chunks[index] = append([]byte(nil), data...)
	s.LastTouched = t.config.Now()

	if err := t.arena.Put(key.String(), s); err != nil {
		return false, err
	}
	return s.Received == s.Total, nil
}

// IsComplete reports whether every slot has been received
func (t *Tracker) IsComplete(key Key) bool {
	s, ok, err := t.arena.Get(key.String())
	if err != nil || !ok {
		return false
	}
	return s.Received == s.Total
}

// Assembled is the joined payload of a finished image
type Assembled struct {
	Key        Key
	RecordID   string
	CapturedAt time.Time
	Data       []byte
}

// Assemble joins the chunks in index order and clears the session.
// The session is cleared on a size mismatch too; there is no retry.
func (t *Tracker) Assemble(key Key) (Assembled, error) {
	s, ok, err := t.arena.Get(key.String())
	if err != nil {
		return Assembled{}, err
	}
	if !ok {
		return Assembled{}, &session.UnknownSessionError{Kind: "image", Key: key.String()}
	}

	n := 0
	for _, c := range s.Chunks {
		n += len(c)
	}
	data := make([]byte, 0, n)
	for _, c := range s.Chunks {
		data = append(data, c...)
	}

	if err := t.arena.Delete(key.String()); err != nil {
		return Assembled{}, err
	}

	if len(data) != s.ExpectedSize {
		return Assembled{}, &SizeMismatchError{Key: key.String(), Expected: s.ExpectedSize, Actual: len(data)}
	}

	return Assembled{Key: key, RecordID: s.RecordID, CapturedAt: s.CapturedAt, Data: data}, nil
}

// Discard removes a session without producing output
func (t *Tracker) Discard(key Key) (Session, bool, error) {
	s, ok, err := t.arena.Get(key.String())
	if err != nil || !ok {
		return s, ok, err
	}
	return s, true, t.arena.Delete(key.String())
}

// Summary is a read-only view of a session used by the sweeper
type Summary struct {
	Key         Key
	RecordID    string
	CapturedAt  time.Time
	Total       int
	Received    int
	CreatedAt   time.Time
	LastTouched time.Time
}

// Snapshot lists every tracked session
func (t *Tracker) Snapshot() ([]Summary, error) {
	var out []Summary
	err := t.arena.Range(func(_ string, s Session) bool {
		out = append(out, summarize(&s))
		return true
	})
	return out, err
}

// Peek returns the current summary of one session
func (t *Tracker) Peek(key Key) (Summary, bool, error) {
	s, ok, err := t.arena.Get(key.String())
	if err != nil || !ok {
		return Summary{}, ok, err
	}
	return summarize(&s), true, nil
}

func summarize(s *Session) Summary {
	return Summary{
		Key:         s.Key(),
		RecordID:    s.RecordID,
		CapturedAt:  s.CapturedAt,
		Total:       s.Total,
		Received:    s.Received,
		CreatedAt:   s.CreatedAt,
		LastTouched: s.LastTouched,
	}
}

func (t *Tracker) Len() int { return t.arena.Len() }
