package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AlertType is the closed classification of an alert record
type AlertType string

const (
	AlertNormal   AlertType = "normal"
	AlertPoaching AlertType = "poaching-alert"
)

// ParseAlertType maps the labels used by sensor firmware onto AlertType.
// An empty label defaults to normal.
func ParseAlertType(s string) (AlertType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "aok":
		return AlertNormal, nil
	case "poaching-alert", "poaching alert", "poaching":
		return AlertPoaching, nil
	default:
		return "", fmt.Errorf("unknown alert type %q", s)
	}
}

// AlertRecord is the durable document assembled from an alert and its media
type AlertRecord struct {
	ID        string         `json:"id"`
	SensorID  string         `json:"sensorId"`
	Timestamp time.Time      `json:"timestamp"`
	AlertType AlertType      `json:"alertType"`
	Video     VideoSubRecord `json:"videoData"`
	Audio     AudioSubRecord `json:"audioData"`
	Viewed    bool           `json:"viewed"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// AudioSubRecord holds the finalized WAV recording of an alert
type AudioSubRecord struct {
	Declared      bool    `json:"declared"`
	Available     bool    `json:"available"`
	SampleRate    int     `json:"sampleRate,omitempty"`
	BitsPerSample int     `json:"bitsPerSample,omitempty"`
	Duration      float64 `json:"duration,omitempty"` // seconds
	Filename      string  `json:"filename,omitempty"`
	Data          []byte  `json:"data,omitempty"`
	ObjectKey     string  `json:"objectKey,omitempty"`
	SoundLevelDB  float64 `json:"soundLevelDb,omitempty"`
}

// VideoSubRecord holds the still images captured for an alert
type VideoSubRecord struct {
	Declared       bool    `json:"declared"`
	Available      bool    `json:"available"`
	ExpectedCount  int     `json:"expectedCount,omitempty"`
	ReceivedCount  int     `json:"receivedCount"`
	Images         []Image `json:"images,omitempty"`
	FullyProcessed bool    `json:"fullyProcessed"`
}

// Image is one reassembled camera frame
type Image struct {
	Sequence   int       `json:"sequence"`
	CapturedAt time.Time `json:"capturedAt"`
	Data       []byte    `json:"data"`
	Encoding   string    `json:"encoding,omitempty"` // "base64" when Data holds the sensor's base64 text
	Size       int       `json:"size"`
	ObjectKey  string    `json:"objectKey,omitempty"`
}

var ErrEmptyAudio = errors.New("audio payload is empty or has zero duration")

// AttachAudio marks the audio sub-record available with the given payload
func (r *AlertRecord) AttachAudio(a AudioSubRecord) error {
	if len(a.Data) == 0 || a.Duration <= 0 {
		return ErrEmptyAudio
	}
	a.Declared = a.Declared || r.Audio.Declared
	a.Available = true
	r.Audio = a
	return nil
}

// AddImage inserts img keeping images ordered by sequence then capture time.
// An image with the same sequence and capture time replaces the stored one.
func (v *VideoSubRecord) AddImage(img Image) {
	replaced := false
	for i := range v.Images {
		if v.Images[i].Sequence == img.Sequence && v.Images[i].CapturedAt.Equal(img.CapturedAt) {
			v.Images[i] = img
			replaced = true
			break
		}
	}
	if !replaced {
		v.Images = append(v.Images, img)
		sort.SliceStable(v.Images, func(i, j int) bool {
			a, b := v.Images[i], v.Images[j]
			if a.Sequence != b.Sequence {
				return a.Sequence < b.Sequence
			}
			return a.CapturedAt.Before(b.CapturedAt)
		})
	}

	v.Available = true
	v.ReceivedCount = len(v.Images)
	v.FullyProcessed = v.ExpectedCount > 0 && v.ReceivedCount >= v.ExpectedCount
}

// Clone returns a deep copy so callers cannot alias stored byte slices
func (r *AlertRecord) Clone() *AlertRecord {
	c := *r
	if r.Audio.Data != nil {
		c.Audio.Data = append([]byte(nil), r.Audio.Data...)
	}
	if r.Video.Images != nil {
		c.Video.Images = make([]Image, len(r.Video.Images))
		for i, img := range r.Video.Images {
			img.Data = append([]byte(nil), img.Data...)
			c.Video.Images[i] = img
		}
	}
	return &c
}
