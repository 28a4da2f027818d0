package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Fragment is one labeled message as delivered by a transport (MQTT topic or Kafka key)
type Fragment struct {
	Label      string
	Payload    []byte
	ReceivedAt time.Time
	Source     string // "mqtt", "kafka", ...
}

// AlertFragment is the JSON alert declaration published on sensors/{id}/data
type AlertFragment struct {
	SensorID       string   `json:"sensorId" validate:"required,max=128"`
	Timestamp      FlexTime `json:"timestamp"`
	AlertType      string   `json:"alertType"`
	AudioAvailable bool     `json:"audioAvailable"`
	VideoAvailable bool     `json:"videoAvailable"`
	ImageCount     int      `json:"imageCount" validate:"gte=0"`
	SampleRate     int      `json:"sampleRate" validate:"omitempty,gt=0"`
	Bits           int      `json:"bits" validate:"omitempty,oneof=8 16 24 32"`
}

// Validate checks field constraints after defaults are applied
func (f *AlertFragment) Validate() error {
	return validate.Struct(f)
}

// AudioPacketMeta is the JSON header embedded in a binary audio packet
type AudioPacketMeta struct {
	SensorID   string   `json:"sensorId" validate:"required,max=128"`
	Timestamp  FlexTime `json:"timestamp"`
	IsPreshot  bool     `json:"isPreshot"`
	SampleRate int      `json:"sampleRate,omitempty" validate:"omitempty,gt=0"`
	Bits       int      `json:"bits,omitempty" validate:"omitempty,oneof=8 16 24 32"`
	Final      bool     `json:"final,omitempty"` // last postshot packet of the stream
}

func (m *AudioPacketMeta) Validate() error {
	return validate.Struct(m)
}

// ImageMetadata announces a chunked image on camera/{id}/status
type ImageMetadata struct {
	Type        string   `json:"type,omitempty"`
	DeviceID    string   `json:"deviceId" validate:"required,max=128"`
	ImageNumber int      `json:"imageNumber" validate:"gte=0"`
	Timestamp   FlexTime `json:"timestamp"`
	Chunks      int      `json:"chunks" validate:"gt=0"`
	Size        int      `json:"size" validate:"gte=0"`
}

func (m *ImageMetadata) Validate() error {
	return validate.Struct(m)
}

// DeviceStatus is the camera heartbeat that shares the status topic with image metadata
type DeviceStatus struct {
	Status      string  `json:"status"`
	Temperature float64 `json:"temperature"`
}

// FlexTime accepts epoch seconds, epoch milliseconds, numeric strings and ISO-8601 strings.
type FlexTime struct {
	time.Time
}

// epochMillisCutoff separates epoch seconds from epoch milliseconds
const epochMillisCutoff = 1e12

func (t *FlexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}

	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(str)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s", s)
	}
	t.Time = fromEpoch(n)
	return nil
}

func (t FlexTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// ParseTimestamp parses a textual timestamp the way sensors send them
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(n), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func fromEpoch(n float64) time.Time {
	if n > epochMillisCutoff {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec := int64(n)
	nsec := int64((n - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}
