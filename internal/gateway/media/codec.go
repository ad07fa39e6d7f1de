// Package media implements the audio plane of the gateway: G.711 µ-law
// transcoding, sample-rate conversion between the telephony and AI clock
// rates, frame assembly, and jitter compensation.
package media

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/zaf/g711"
)

// Codec represents an immutable audio codec specification.
type Codec struct {
	Name        string        // Codec name (e.g., "PCMU", "PCM16")
	PayloadType uint8         // RTP payload type (0 for PCMU)
	SampleRate  uint32        // Sample rate in Hz
	SampleDur   time.Duration // Duration per frame (20ms throughout the gateway)
	SampleBytes int           // Bytes per sample (1 for µ-law, 2 for linear PCM)
}

// Pre-defined codecs for the two clock domains the gateway bridges.
var (
	// CodecPCMU is G.711 µ-law at the telephony rate, RTP payload type 0.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond, 1}

	// CodecPCM16At8k is linear PCM at the telephony rate.
	CodecPCM16At8k = Codec{"PCM16", 0, 8000, 20 * time.Millisecond, 2}

	// CodecPCM16At24k is linear PCM at the AI service rate.
	CodecPCM16At24k = Codec{"PCM16", 0, 24000, 20 * time.Millisecond, 2}
)

const (
	// TelephonyRate is the G.711 sample rate in Hz.
	TelephonyRate = 8000

	// AIRate is the AI service PCM16 sample rate in Hz.
	AIRate = 24000

	// ULawSilenceByte is the µ-law encoding of a zero-amplitude sample.
	ULawSilenceByte = 0xFF
)

// SamplesPerFrame returns the number of samples in one frame.
// For 8kHz with 20ms frames, this returns 160.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.SampleDur) / int(time.Second)
}

// BytesPerFrame returns the payload bytes per frame.
// For PCMU this equals SamplesPerFrame; PCM16 doubles it.
func (c Codec) BytesPerFrame() int {
	return c.SamplesPerFrame() * c.SampleBytes
}

// TimestampIncrement returns the RTP timestamp increment per frame.
// This equals SamplesPerFrame for audio codecs.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// ErrInvalidFrame reports audio payloads that cannot be interpreted as
// whole samples of the expected codec.
type ErrInvalidFrame struct {
	Label string
	Got   int
	Want  int
}

func (e *ErrInvalidFrame) Error() string {
	if e.Want > 0 {
		return fmt.Sprintf("invalid %s frame: %d bytes, want %d", e.Label, e.Got, e.Want)
	}
	return fmt.Sprintf("invalid %s frame: %d bytes", e.Label, e.Got)
}

// ULawToPCM16 decodes µ-law bytes to 16-bit little-endian linear PCM.
// Output carries two bytes per input sample.
func ULawToPCM16(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &ErrInvalidFrame{Label: "ulaw", Got: 0}
	}
	return g711.DecodeUlaw(data), nil
}

// PCM16ToULaw encodes 16-bit little-endian linear PCM to µ-law.
// Input must contain whole samples (even byte count).
func PCM16ToULaw(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%2 != 0 {
		return nil, &ErrInvalidFrame{Label: "pcm16", Got: len(data)}
	}
	return g711.EncodeUlaw(data), nil
}

// ResamplePCM16 converts mono 16-bit PCM between sample rates using
// linear interpolation. Output length is len(data) * toRate / fromRate,
// rounded down to whole samples.
func ResamplePCM16(data []byte, fromRate, toRate int) ([]byte, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: %d -> %d", fromRate, toRate)
	}
	if len(data) == 0 || len(data)%2 != 0 {
		return nil, &ErrInvalidFrame{Label: "pcm16", Got: len(data)}
	}
	if fromRate == toRate {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	inSamples := len(data) / 2
	outSamples := inSamples * toRate / fromRate
	out := make([]byte, outSamples*2)

	ratio := float64(fromRate) / float64(toRate)
	for i := 0; i < outSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx >= inSamples-1 {
			// Past the last sample pair: hold the final sample.
			srcIdx = inSamples - 1
			frac = 0
		}

		s1 := int16(binary.LittleEndian.Uint16(data[srcIdx*2:]))
		s2 := s1
		if srcIdx+1 < inSamples {
			s2 = int16(binary.LittleEndian.Uint16(data[(srcIdx+1)*2:]))
		}

		interpolated := int16(float64(s1)*(1-frac) + float64(s2)*frac)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(interpolated))
	}

	return out, nil
}

// ULawToPCM24k converts a telephony µ-law payload to PCM16 at the AI rate.
// This is the inbound entry point used by the call session.
func ULawToPCM24k(data []byte) ([]byte, error) {
	pcm, err := ULawToPCM16(data)
	if err != nil {
		return nil, err
	}
	return ResamplePCM16(pcm, TelephonyRate, AIRate)
}

// PCM24kToULaw converts AI-rate PCM16 to a telephony µ-law payload.
// This is the outbound entry point used by the call session.
func PCM24kToULaw(data []byte) ([]byte, error) {
	pcm, err := ResamplePCM16(data, AIRate, TelephonyRate)
	if err != nil {
		return nil, err
	}
	return PCM16ToULaw(pcm)
}

// SilenceFrame returns one 20ms frame of silence in the given codec:
// 0xFF bytes for µ-law, zero bytes for linear PCM.
func SilenceFrame(c Codec) []byte {
	frame := make([]byte, c.BytesPerFrame())
	if c.SampleBytes == 1 {
		for i := range frame {
			frame[i] = ULawSilenceByte
		}
	}
	return frame
}

// ValidateFrameSize checks a payload against the exact expected frame size.
// Mismatched frames are logged and must be dropped by the caller, never
// padded or truncated onto the wire.
func ValidateFrameSize(data []byte, expected int, label string) error {
	if len(data) != expected {
		slog.Warn("[Media] Frame size mismatch", "label", label, "got", len(data), "want", expected)
		return &ErrInvalidFrame{Label: label, Got: len(data), Want: expected}
	}
	return nil
}
