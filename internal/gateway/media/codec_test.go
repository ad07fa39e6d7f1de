package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCodecFrameGeometry(t *testing.T) {
	if got := CodecPCMU.SamplesPerFrame(); got != 160 {
		t.Errorf("CodecPCMU.SamplesPerFrame() = %d, want 160", got)
	}
	if got := CodecPCMU.BytesPerFrame(); got != 160 {
		t.Errorf("CodecPCMU.BytesPerFrame() = %d, want 160", got)
	}
	if got := CodecPCMU.TimestampIncrement(); got != 160 {
		t.Errorf("CodecPCMU.TimestampIncrement() = %d, want 160", got)
	}
	if got := CodecPCM16At24k.BytesPerFrame(); got != 960 {
		t.Errorf("CodecPCM16At24k.BytesPerFrame() = %d, want 960", got)
	}
}

func TestULawPCMRoundTrip(t *testing.T) {
	in := make([]byte, 160)
	for i := range in {
		in[i] = byte(i)
	}
	// One encode/decode cycle first: a few mu-law codes (negative zero)
	// alias to a canonical form and would not survive a raw comparison.
	pcm, err := ULawToPCM16(in)
	require.NoError(t, err)
	canonical, err := PCM16ToULaw(pcm)
	require.NoError(t, err)

	pcm2, err := ULawToPCM16(canonical)
	require.NoError(t, err)
	out, err := PCM16ToULaw(pcm2)
	require.NoError(t, err)

	require.Equal(t, canonical, out, "canonical mu-law should round-trip exactly")
}

func TestULawToPCM16Empty(t *testing.T) {
	if _, err := ULawToPCM16(nil); err == nil {
		t.Error("ULawToPCM16(nil) should fail")
	}
	if _, err := PCM16ToULaw([]byte{0x01}); err == nil {
		t.Error("PCM16ToULaw with odd length should fail")
	}
}

func TestResampleLengthRatios(t *testing.T) {
	// 160 samples at 8k -> 480 samples at 24k, and back.
	in := make([]byte, 320)
	up, err := ResamplePCM16(in, 8000, 24000)
	require.NoError(t, err)
	require.Len(t, up, 960)

	down, err := ResamplePCM16(up, 24000, 8000)
	require.NoError(t, err)
	require.Len(t, down, 320)
}

func TestResampleSameRate(t *testing.T) {
	in := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	out, err := ResamplePCM16(in, 8000, 8000)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestResampleConstantSignal(t *testing.T) {
	// A constant signal must stay constant through interpolation.
	in := make([]byte, 320)
	for i := 0; i < len(in); i += 2 {
		in[i] = 0xE8 // 1000 little-endian
		in[i+1] = 0x03
	}
	out, err := ResamplePCM16(in, 8000, 24000)
	require.NoError(t, err)
	for i := 0; i < len(out); i += 2 {
		v := int16(out[i]) | int16(out[i+1])<<8
		require.Equal(t, int16(1000), v, "sample %d", i/2)
	}
}

func TestULawToPCM24kFrameSize(t *testing.T) {
	frame := SilenceFrame(CodecPCMU)
	require.Len(t, frame, 160)

	pcm, err := ULawToPCM24k(frame)
	require.NoError(t, err)
	require.Len(t, pcm, 960, "20ms at 24kHz PCM16")

	back, err := PCM24kToULaw(pcm)
	require.NoError(t, err)
	require.Len(t, back, 160)
}

func TestSilenceFrameRoundTripQuiet(t *testing.T) {
	// Silence transcoded telephony->AI->telephony must stay near-silent.
	frame := SilenceFrame(CodecPCMU)
	pcm, err := ULawToPCM24k(frame)
	require.NoError(t, err)

	for i := 0; i < len(pcm); i += 2 {
		v := int16(pcm[i]) | int16(pcm[i+1])<<8
		if v > 8 || v < -8 {
			t.Fatalf("silence decoded to %d at sample %d", v, i/2)
		}
	}
}

func TestValidateFrameSize(t *testing.T) {
	if err := ValidateFrameSize(make([]byte, 160), 160, "test"); err != nil {
		t.Errorf("ValidateFrameSize(160, 160) = %v, want nil", err)
	}
	err := ValidateFrameSize(make([]byte, 120), 160, "test")
	if err == nil {
		t.Fatal("ValidateFrameSize(120, 160) should fail")
	}
	var fe *ErrInvalidFrame
	require.ErrorAs(t, err, &fe)
	require.Equal(t, 120, fe.Got)
	require.Equal(t, 160, fe.Want)
}

func TestCodecSampleDur(t *testing.T) {
	for _, c := range []Codec{CodecPCMU, CodecPCM16At8k, CodecPCM16At24k} {
		if c.SampleDur != 20*time.Millisecond {
			t.Errorf("%s SampleDur = %v, want 20ms", c.Name, c.SampleDur)
		}
	}
}
