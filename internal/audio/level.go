package audio

import (
	"encoding/binary"
	"math"
)

// LevelConfig holds configuration for sound level analysis
type LevelConfig struct {
	BitsPerSample  int
	ReferenceLevel float64 // full-scale amplitude for dB calculation
	MinimumRMS     float64 // silence threshold, also prevents log(0)
}

// DefaultLevelConfig returns the analysis configuration for the given sample width
func DefaultLevelConfig(bitsPerSample int) LevelConfig {
	return LevelConfig{
		BitsPerSample:  bitsPerSample,
		ReferenceLevel: math.Exp2(float64(bitsPerSample - 1)), // 128 for 8-bit, 32768 for 16-bit
		MinimumRMS:     1.0,
	}
}

// LevelMetrics summarises the loudness of a recording
type LevelMetrics struct {
	RMS           float64
	VolumeDB      float64
	PeakAmplitude int64
	IsClipping    bool
	IsSilent      bool
	SampleCount   int
}

// AnalyzeLevel computes RMS, dBFS, peak and clipping for mono PCM.
// 8-bit samples are unsigned (centered on 128), wider samples are signed little-endian.
func AnalyzeLevel(pcm []byte, bitsPerSample int) LevelMetrics {
	config := DefaultLevelConfig(bitsPerSample)
	bytesPerSample := bitsPerSample / 8

	metrics := LevelMetrics{}
	if bytesPerSample <= 0 || len(pcm) < bytesPerSample {
		metrics.IsSilent = true
		metrics.VolumeDB = -80.0
		return metrics
	}
	metrics.SampleCount = len(pcm) / bytesPerSample

	clippingThreshold := int64(config.ReferenceLevel * 0.977) // 32000 for 16-bit
	var sumSquares float64
	var peak int64

	for i := 0; i+bytesPerSample <= len(pcm); i += bytesPerSample {
		sample := sampleAt(pcm[i:i+bytesPerSample], bitsPerSample)

		// widened so the most negative 32-bit sample has a magnitude
		abs := int64(sample)
		if abs < 0 {
			abs = -abs
		}
		if abs > peak {
			peak = abs
		}
		if abs > clippingThreshold {
			metrics.IsClipping = true
		}

		f := float64(sample)
		sumSquares += f * f
	}

	metrics.RMS = math.Sqrt(sumSquares / float64(metrics.SampleCount))
	metrics.PeakAmplitude = peak

	if metrics.RMS < config.MinimumRMS {
		metrics.IsSilent = true
		metrics.RMS = config.MinimumRMS
	}

	metrics.VolumeDB = calculateDecibels(metrics.RMS, config.ReferenceLevel)
	return metrics
}

// sampleAt decodes one sample into a signed value centered on zero
func sampleAt(b []byte, bitsPerSample int) int32 {
	switch bitsPerSample {
	case 8:
		return int32(b[0]) - 128
	case 16:
		return int32(int16(binary.LittleEndian.Uint16(b)))
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		if v&0x800000 != 0 {
			v |= ^0xFFFFFF
		}
		return v
	case 32:
		return int32(binary.LittleEndian.Uint32(b))
	default:
		return 0
	}
}

// calculateDecibels converts RMS value to decibels
// Formula: dB = 20 * log10(RMS / reference)
func calculateDecibels(rms float64, reference float64) float64 {
	if rms <= 0 || reference <= 0 {
		return -60.0
	}

	db := 20.0 * math.Log10(rms/reference)

	// Clamp to practical silence and full scale
	if db < -80.0 {
		db = -80.0
	}
	if db > 0.0 {
		db = 0.0
	}
	return db
}
