package models

import "time"

// EventType names an outbound reassembly notification
type EventType string

const (
	EventAlertCreated      EventType = "alert.created"
	EventAudioFinalized    EventType = "audio.finalized"
	EventImageFinalized    EventType = "image.finalized"
	EventMediaParked       EventType = "media.parked"
	EventSessionAbandoned  EventType = "session.abandoned"
	EventImageSizeMismatch EventType = "image.size_mismatch"
	EventPersistenceFailed EventType = "persistence.failed"
	EventAnimalLocated     EventType = "animal.located"
	EventAnimalLeftArea    EventType = "animal.left_safe_area"
)

// ReassemblyEvent is published to MQTT and Kafka whenever a session changes state
type ReassemblyEvent struct {
	ID       string    `json:"id"`
	Type     EventType `json:"type"`
	SensorID string    `json:"sensorId"`
	RecordID string    `json:"recordId,omitempty"`
	Key      string    `json:"key,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}
