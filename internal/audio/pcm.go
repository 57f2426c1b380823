package audio

import (
	"encoding/binary"
	"fmt"
)

// MaxSampleValue is the magnitude of full scale for 16-bit signed audio.
const MaxSampleValue = 32768.0

// PCMFormat describes interleaved signed 16-bit little-endian audio.
type PCMFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// DefaultPCMFormat is 48 kHz mono.
func DefaultPCMFormat() PCMFormat {
	return PCMFormat{SampleRate: 48000, Channels: 1}
}

// Normalize applies defaults and validates the format.
func (f PCMFormat) Normalize() (PCMFormat, error) {
	out := f
	if out.SampleRate == 0 {
		out.SampleRate = 48000
	}
	if out.Channels == 0 {
		out.Channels = 1
	}
	if out.SampleRate < 1000 || out.SampleRate > 384000 {
		return out, fmt.Errorf("invalid sample rate %d", out.SampleRate)
	}
	if out.Channels < 1 || out.Channels > 8 {
		return out, fmt.Errorf("invalid channel count %d", out.Channels)
	}
	return out, nil
}

// FrameBytes is the size of one interleaved sample frame.
func (f PCMFormat) FrameBytes() int {
	return 2 * f.Channels
}

// DecodeS16LE decodes whole interleaved frames from buf, downmixing to mono
// by averaging channels, and appends them to dst. It returns the extended
// slice and the number of bytes consumed; a trailing partial frame is left
// for the caller to carry over.
func DecodeS16LE(dst []float64, buf []byte, channels int) ([]float64, int) {
	if channels < 1 {
		channels = 1
	}
	frameBytes := 2 * channels
	consumed := 0
	for ; consumed+frameBytes <= len(buf); consumed += frameBytes {
		var sum float64
		for c := 0; c < channels; c++ {
			sample := int16(binary.LittleEndian.Uint16(buf[consumed+2*c:]))
			sum += float64(sample)
		}
		dst = append(dst, sum/float64(channels)/MaxSampleValue)
	}
	return dst, consumed
}
