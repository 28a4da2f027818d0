package services

import (
	"strconv"
	"strings"

	"wildlife-backend/internal/models"
)

// FragmentKind is the routing class of a fragment label
type FragmentKind string

const (
	KindAlert          FragmentKind = "alert"
	KindAudioPacket    FragmentKind = "audio"
	KindCameraStatus   FragmentKind = "camera_status" // image metadata or device heartbeat, decided by payload
	KindImageMeta      FragmentKind = "image_meta"
	KindDeviceStatus   FragmentKind = "device_status"
	KindImageChunk     FragmentKind = "image_chunk"
	KindAnimalLocation FragmentKind = "animal_location"
	KindUnknown        FragmentKind = "unknown"
)

// Route is a classified fragment label
type Route struct {
	Kind        FragmentKind
	SourceID    string // sensor, camera or animal id from the label
	ImageNumber int
	ChunkIndex  int
}

// Topics holds the label roots used by the field devices
type Topics struct {
	SensorRoot string // e.g. "sensors"
	CameraRoot string // e.g. "camera"
	AnimalRoot string // e.g. "animals"
}

func DefaultTopics() Topics {
	return Topics{SensorRoot: "sensors", CameraRoot: "camera", AnimalRoot: "animals"}
}

// Classify maps a label onto a Route:
//
//	<sensors>/<id>/data                      alert
//	<sensors>/<id>/audio                     audio packet
//	<camera>/<id>/status                     image metadata or device status
//	<camera>/<id>/images/<n>/chunk/<index>   image chunk
//	<animals>/<id>/location                  animal location fix
func (t Topics) Classify(label string) (Route, error) {
	parts := strings.Split(label, "/")
	if len(parts) < 3 || parts[1] == "" {
		return Route{Kind: KindUnknown}, malformedLabel(label, "unrecognised label")
	}
	route := Route{SourceID: parts[1]}

	switch {
	case parts[0] == t.SensorRoot && len(parts) == 3 && parts[2] == "data":
		route.Kind = KindAlert
	case parts[0] == t.SensorRoot && len(parts) == 3 && parts[2] == "audio":
		route.Kind = KindAudioPacket
	case parts[0] == t.CameraRoot && len(parts) == 3 && parts[2] == "status":
		route.Kind = KindCameraStatus
	case parts[0] == t.CameraRoot && len(parts) == 6 && parts[2] == "images" && parts[4] == "chunk":
		n, err := strconv.Atoi(parts[3])
		if err != nil || n < 0 {
			return Route{Kind: KindImageChunk}, malformedLabel(label, "invalid image number")
		}
		idx, err := strconv.Atoi(parts[5])
		if err != nil {
			return Route{Kind: KindImageChunk}, malformedLabel(label, "invalid chunk index")
		}
		route.Kind = KindImageChunk
		route.ImageNumber = n
		route.ChunkIndex = idx
	case t.AnimalRoot != "" && parts[0] == t.AnimalRoot && len(parts) == 3 && parts[2] == "location":
		route.Kind = KindAnimalLocation
	default:
		return Route{Kind: KindUnknown}, malformedLabel(label, "unrecognised label")
	}
	return route, nil
}

// sourceOf extracts the device id from a label
// Example: "sensors/S1/audio" -> "S1"
func sourceOf(label string) string {
	parts := strings.SplitN(label, "/", 3)
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func malformedLabel(label, reason string) error {
	return &models.MalformedPacketError{Label: label, Reason: reason}
}

func malformed(label, reason string, err error) error {
	return &models.MalformedPacketError{Label: label, Reason: reason, Err: err}
}
