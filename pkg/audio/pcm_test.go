package audio_test

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/harvic/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestEncode_Clamp(t *testing.T) {
	t.Parallel()
	raw, err := base64.StdEncoding.DecodeString(audio.Encode([]float32{1.5, -2.0, 1, -1, 0}))
	if err != nil {
		t.Fatalf("encoded text is not base64: %v", err)
	}
	got := bytesToSamples(raw)
	want := []int16{32767, -32767, 32767, -32767, 0}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncode_RoundsToNearest(t *testing.T) {
	t.Parallel()
	// 0.5 * 32767 = 16383.5 rounds away from zero.
	got := bytesToSamples(audio.FloatToPCM16([]float32{0.5, -0.5, 0.25}))
	want := []int16{16384, -16384, 8192}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncode_Empty(t *testing.T) {
	t.Parallel()
	if got := audio.Encode(nil); got != "" {
		t.Errorf("Encode(nil) = %q, want empty", got)
	}
	p := audio.WirePacket(nil)
	if p.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q", p.MIMEType)
	}
}

func TestEncode_NaNIsSilence(t *testing.T) {
	t.Parallel()
	got := bytesToSamples(audio.FloatToPCM16([]float32{float32(math.NaN())}))
	if got[0] != 0 {
		t.Errorf("NaN encoded as %d, want 0", got[0])
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	in := make([]float32, audio.FrameSize)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*float64(i)/97))
	}
	out, err := audio.Decode(audio.Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
	const tol = 1.0/32768 + 1e-9
	for i := range in {
		if d := math.Abs(float64(out[i]) - float64(in[i])); d > tol {
			t.Fatalf("sample %d: |%f - %f| = %g exceeds %g", i, out[i], in[i], d, tol)
		}
	}
}

func TestRoundTrip_FullScale(t *testing.T) {
	t.Parallel()
	in := []float32{-1, -0.999, -0.75, 0.75, 0.999, 1}
	out, err := audio.Decode(audio.Encode(in))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	const tol = 1.5/32768 + 1e-9
	for i := range in {
		if d := math.Abs(float64(out[i]) - float64(in[i])); d > tol {
			t.Errorf("sample %d: |%f - %f| = %g exceeds %g", i, out[i], in[i], d, tol)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()
	_, err := audio.Decode("not base64 !!")
	if !errors.Is(err, audio.ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestDecode_Empty(t *testing.T) {
	t.Parallel()
	for _, payload := range []string{"", base64.StdEncoding.EncodeToString([]byte{0x7f})} {
		if _, err := audio.Decode(payload); !errors.Is(err, audio.ErrEmptyPayload) {
			t.Errorf("Decode(%q) err = %v, want ErrEmptyPayload", payload, err)
		}
	}
}

func TestDecode_UnpaddedAccepted(t *testing.T) {
	t.Parallel()
	raw := samplesToBytes([]int16{16384})
	got, err := audio.Decode(base64.RawStdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got[0] != 0.5 {
		t.Errorf("sample = %f, want 0.5", got[0])
	}
}

func TestDecodeAudioData_OddLengthDropsTrailingByte(t *testing.T) {
	t.Parallel()
	raw := append(samplesToBytes([]int16{16384, -32768, 0}), 0x55)
	buf, err := audio.DecodeAudioData(raw, audio.OutputSampleRate, 1)
	if err != nil {
		t.Fatalf("DecodeAudioData: %v", err)
	}
	want := []float32{0.5, -1, 0}
	if buf.Frames() != len(want) {
		t.Fatalf("frames = %d, want %d", buf.Frames(), len(want))
	}
	for i, w := range want {
		if buf.Channels[0][i] != w {
			t.Errorf("sample %d: got %f, want %f", i, buf.Channels[0][i], w)
		}
	}
}

func TestDecodeAudioData_Deinterleaves(t *testing.T) {
	t.Parallel()
	raw := samplesToBytes([]int16{100, 200, 300, 400, 500})
	buf, err := audio.DecodeAudioData(raw, 48000, 2)
	if err != nil {
		t.Fatalf("DecodeAudioData: %v", err)
	}
	if len(buf.Channels) != 2 || buf.Frames() != 2 {
		t.Fatalf("got %d channels x %d frames, want 2x2", len(buf.Channels), buf.Frames())
	}
	if buf.Channels[1][1] != 400.0/32768 {
		t.Errorf("right[1] = %f", buf.Channels[1][1])
	}
}

func TestPlayableBuffer_Duration(t *testing.T) {
	t.Parallel()
	raw := make([]byte, 12000*2)
	buf, err := audio.DecodeAudioData(raw, audio.OutputSampleRate, 1)
	if err != nil {
		t.Fatalf("DecodeAudioData: %v", err)
	}
	if got := buf.Duration().Milliseconds(); got != 500 {
		t.Errorf("duration = %dms, want 500ms", got)
	}
}

func TestDecodeChunk(t *testing.T) {
	t.Parallel()
	buf, err := audio.DecodeChunk(base64.StdEncoding.EncodeToString(samplesToBytes([]int16{1, 2, 3})))
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if buf.SampleRate != audio.OutputSampleRate {
		t.Errorf("sample rate = %d, want %d", buf.SampleRate, audio.OutputSampleRate)
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []float32
		want float64
	}{
		{"empty", nil, 0},
		{"silence", []float32{0, 0, 0}, 0},
		{"full scale", []float32{1, -1, 1, -1}, 1},
		{"half", []float32{0.5, -0.5}, 0.5},
		{"clamped", []float32{3, -3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := audio.Level(tt.in); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Level = %f, want %f", got, tt.want)
			}
		})
	}
}
