package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVHeaderSize is the size of the canonical RIFF/WAVE header written by EncodeWAV
const WAVHeaderSize = 44

const (
	formatPCM    = 1
	monoChannels = 1
)

// WAVHeader is the decoded canonical 44-byte header
type WAVHeader struct {
	RIFFSize      uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// EncodeWAV wraps mono PCM in a RIFF/WAVE container. Output is a pure function of the inputs.
func EncodeWAV(pcm []byte, sampleRate, bitsPerSample int) []byte {
	blockAlign := monoChannels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, WAVHeaderSize+len(pcm))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], formatPCM)
	le.PutUint16(out[22:24], monoChannels)
	le.PutUint32(out[24:28], uint32(sampleRate))
	le.PutUint32(out[28:32], uint32(byteRate))
	le.PutUint16(out[32:34], uint16(blockAlign))
	le.PutUint16(out[34:36], uint16(bitsPerSample))

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[WAVHeaderSize:], pcm)

	return out
}

var ErrNotWAV = errors.New("not a canonical RIFF/WAVE header")

// ParseWAVHeader decodes the header produced by EncodeWAV
func ParseWAVHeader(b []byte) (WAVHeader, error) {
	if len(b) < WAVHeaderSize {
		return WAVHeader{}, fmt.Errorf("%w: %d bytes", ErrNotWAV, len(b))
	}
	if string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[12:16]) != "fmt " || string(b[36:40]) != "data" {
		return WAVHeader{}, ErrNotWAV
	}

	le := binary.LittleEndian
	return WAVHeader{
		RIFFSize:      le.Uint32(b[4:8]),
		AudioFormat:   le.Uint16(b[20:22]),
		Channels:      le.Uint16(b[22:24]),
		SampleRate:    le.Uint32(b[24:28]),
		ByteRate:      le.Uint32(b[28:32]),
		BlockAlign:    le.Uint16(b[32:34]),
		BitsPerSample: le.Uint16(b[34:36]),
		DataSize:      le.Uint32(b[40:44]),
	}, nil
}

// Duration returns the playback length in seconds of n PCM bytes
func Duration(n, sampleRate, bitsPerSample int) float64 {
	bytesPerSecond := sampleRate * bitsPerSample / 8
	if bytesPerSecond <= 0 {
		return 0
	}
	return float64(n) / float64(bytesPerSecond)
}
