package audio

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"wildlife-backend/internal/session"
)

// Format describes the PCM layout of a session
type Format struct {
	SampleRate    int `json:"sampleRate"`
	BitsPerSample int `json:"bitsPerSample"`
}

// Key identifies an audio session: sensor plus nominal event timestamp
type Key struct {
	SensorID  string
	Timestamp time.Time
}

func (k Key) String() string {
	return k.SensorID + "@" + strconv.FormatInt(k.Timestamp.UnixMilli(), 10)
}

// Session is the in-flight state of one audio stream
type Session struct {
	SensorID    string    `json:"sensorId"`
	Timestamp   time.Time `json:"timestamp"`
	RecordID    string    `json:"recordId,omitempty"`
	Preshot     [][]byte  `json:"preshot"`
	Postshot    [][]byte  `json:"postshot"`
	Format      Format    `json:"format"`
	EndMarked   bool      `json:"endMarked"`
	CreatedAt   time.Time `json:"createdAt"`
	LastTouched time.Time `json:"lastTouched"`
}

func (s *Session) Key() Key { return Key{SensorID: s.SensorID, Timestamp: s.Timestamp} }

// Bytes returns the number of buffered PCM bytes
func (s *Session) Bytes() int {
	n := 0
	for _, p := range s.Preshot {
		n += len(p)
	}
	for _, p := range s.Postshot {
		n += len(p)
	}
	return n
}

// TrackerConfig tunes completion and defaults
type TrackerConfig struct {
	CompletionThreshold int // postshot packets that complete a session
	DefaultFormat       Format
	Now                 func() time.Time
}

// DefaultTrackerConfig matches the sensor firmware: 5 postshot packets, 8 kHz, 8-bit
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		CompletionThreshold: 5,
		DefaultFormat:       Format{SampleRate: 8000, BitsPerSample: 8},
		Now:                 time.Now,
	}
}

// Tracker buffers preshot and postshot packets per key.
//
// The tracker does not lock per key; callers serialize operations on the same key.
type Tracker struct {
	arena  session.Arena[Session]
	config TrackerConfig
	logger *zap.Logger
}

func NewTracker(arena session.Arena[Session], config TrackerConfig, logger *zap.Logger) *Tracker {
	if config.CompletionThreshold <= 0 {
		config.CompletionThreshold = 5
	}
	if config.DefaultFormat.SampleRate <= 0 {
		config.DefaultFormat.SampleRate = 8000
	}
	if config.DefaultFormat.BitsPerSample <= 0 {
		config.DefaultFormat.BitsPerSample = 8
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Tracker{arena: arena, config: config, logger: logger.Named("audio-tracker")}
}

// OpenOrInit returns the session for key, creating it with known (or the default format).
// A known format overrides the stored one.
func (t *Tracker) OpenOrInit(key Key, known *Format) (Session, error) {
	s, ok, err := t.arena.Get(key.String())
	if err != nil {
		return Session{}, err
	}
	now := t.config.Now()
	if !ok {
		s = t.newSession(key, now)
	}
	if known != nil {
		s.Format = t.mergeFormat(s.Format, known)
	}
	s.LastTouched = now

	if err := t.arena.Put(key.String(), s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// Bind records the owning alert record of a session
func (t *Tracker) Bind(key Key, recordID string) error {
	s, ok, err := t.arena.Get(key.String())
	if err != nil {
		return err
	}
	if !ok {
		return &session.UnknownSessionError{Kind: "audio", Key: key.String()}
	}
	s.RecordID = recordID
	return t.arena.Put(key.String(), s)
}

// Append buffers one packet payload, creating the session if needed.
// A non-nil format replaces the session format (last write wins).
func (t *Tracker) Append(key Key, payload []byte, preshot bool, format *Format) (Session, error) {
	s, ok, err := t.arena.Get(key.String())
	if err != nil {
		return Session{}, err
	}
	now := t.config.Now()
	if !ok {
		s = t.newSession(key, now)
		t.logger.Debug("audio session opened by packet", zap.String("key", key.String()))
	}
	if format != nil {
		s.Format = t.mergeFormat(s.Format, format)
	}

	buf := append([]byte(nil), payload...)
	if preshot {
		s.Preshot = append(s.Preshot, buf)
	} else {
		s.Postshot = append(s.Postshot, buf)
	}
	s.LastTouched = now

	if err := t.arena.Put(key.String(), s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// MarkEnd flags the postshot stream as finished
func (t *Tracker) MarkEnd(key Key) error {
	s, ok, err := t.arena.Get(key.String())
	if err != nil {
		return err
	}
	if !ok {
		return &session.UnknownSessionError{Kind: "audio", Key: key.String()}
	}
	s.EndMarked = true
	s.LastTouched = t.config.Now()
	return t.arena.Put(key.String(), s)
}

// IsComplete reports whether the session has an end marker or enough postshot packets
func (t *Tracker) IsComplete(key Key) bool {
	s, ok, err := t.arena.Get(key.String())
	if err != nil || !ok {
		return false
	}
	return t.complete(&s)
}

func (t *Tracker) complete(s *Session) bool {
	return s.EndMarked || len(s.Postshot) >= t.config.CompletionThreshold
}

// Drained is the concatenated output of a finished session
type Drained struct {
	Key             Key
	RecordID        string
	Format          Format
	PCM             []byte
	PreshotPackets  int
	PostshotPackets int
	CreatedAt       time.Time
}

// Drain concatenates preshot then postshot packets in arrival order and removes the session
func (t *Tracker) Drain(key Key) (Drained, error) {
	s, ok, err := t.arena.Get(key.String())
	if err != nil {
		return Drained{}, err
	}
	if !ok {
		return Drained{}, &session.UnknownSessionError{Kind: "audio", Key: key.String()}
	}

	pcm := make([]byte, 0, s.Bytes())
	for _, p := range s.Preshot {
		pcm = append(pcm, p...)
	}
	for _, p := range s.Postshot {
		pcm = append(pcm, p...)
	}

	if err := t.arena.Delete(key.String()); err != nil {
		return Drained{}, err
	}

	return Drained{
		Key:             key,
		RecordID:        s.RecordID,
		Format:          s.Format,
		PCM:             pcm,
		PreshotPackets:  len(s.Preshot),
		PostshotPackets: len(s.Postshot),
		CreatedAt:       s.CreatedAt,
	}, nil
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
	Key             Key
	RecordID        string
	PreshotPackets  int
	PostshotPackets int
	Bytes           int
	Complete        bool
	CreatedAt       time.Time
	LastTouched     time.Time
}

// Snapshot lists every tracked session
func (t *Tracker) Snapshot() ([]Summary, error) {
	var out []Summary
	err := t.arena.Range(func(_ string, s Session) bool {
		out = append(out, t.summarize(&s))
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
	return t.summarize(&s), true, nil
}

func (t *Tracker) summarize(s *Session) Summary {
	return Summary{
		Key:             s.Key(),
		RecordID:        s.RecordID,
		PreshotPackets:  len(s.Preshot),
		PostshotPackets: len(s.Postshot),
		Bytes:           s.Bytes(),
		Complete:        t.complete(s),
		CreatedAt:       s.CreatedAt,
		LastTouched:     s.LastTouched,
	}
}

func (t *Tracker) Len() int { return t.arena.Len() }

func (t *Tracker) newSession(key Key, now time.Time) Session {
	return Session{
		SensorID:    key.SensorID,
		Timestamp:   key.Timestamp,
		Format:      t.config.DefaultFormat,
		CreatedAt:   now,
		LastTouched: now,
	}
}

// mergeFormat applies the non-zero fields of next over cur
func (t *Tracker) mergeFormat(cur Format, next *Format) Format {
	if next.SampleRate > 0 {
		cur.SampleRate = next.SampleRate
	}
	if next.BitsPerSample > 0 {
		cur.BitsPerSample = next.BitsPerSample
	}
	return cur
}
