package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"wildlife-backend/internal/models"
)

// lengthPrefixSize is the little-endian uint16 that precedes the metadata JSON
const lengthPrefixSize = 2

// Packet is one decoded binary audio packet
type Packet struct {
	Meta models.AudioPacketMeta
	// PCM aliases the input message; copy before retaining.
	PCM []byte
}

// DecodePacket splits a binary audio packet into metadata and PCM.
//
// Layout: [L uint16 LE][L bytes of JSON metadata][raw PCM].
func DecodePacket(msg []byte) (*Packet, error) {
	if len(msg) < lengthPrefixSize {
		return nil, &models.MalformedPacketError{Reason: fmt.Sprintf("packet too short (%d bytes)", len(msg))}
	}

	metaLen := int(binary.LittleEndian.Uint16(msg[:lengthPrefixSize]))
	end := lengthPrefixSize + metaLen
	if end > len(msg) {
		return nil, &models.MalformedPacketError{
			Reason: fmt.Sprintf("metadata length %d exceeds packet length %d", metaLen, len(msg)),
		}
	}

	var meta models.AudioPacketMeta
	if err := json.Unmarshal(msg[lengthPrefixSize:end], &meta); err != nil {
		return nil, &models.MalformedPacketError{Reason: "invalid metadata json", Err: err}
	}

	return &Packet{Meta: meta, PCM: msg[end:]}, nil
}

// EncodePacket builds a packet in the sensor wire format
func EncodePacket(meta models.AudioPacketMeta, pcm []byte) ([]byte, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal packet metadata: %w", err)
	}
	if len(header) > math.MaxUint16 {
		return nil, fmt.Errorf("packet metadata too large: %d bytes", len(header))
	}

	out := make([]byte, lengthPrefixSize+len(header)+len(pcm))
	binary.LittleEndian.PutUint16(out, uint16(len(header)))
	copy(out[lengthPrefixSize:], header)
	copy(out[lengthPrefixSize+len(header):], pcm)
	return out, nil
}
