package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Encode converts float samples to 16-bit little-endian PCM and returns the
// base64 text of the bytes. Samples outside [-1, 1] are clamped, never
// wrapped. An empty input yields an empty string.
func Encode(samples []float32) string {
	return base64.StdEncoding.EncodeToString(FloatToPCM16(samples))
}

// WirePacket encodes a captured frame as an outbound microphone [Blob].
func WirePacket(samples []float32) Blob {
	return Blob{MIMEType: InputMIMEType, Data: Encode(samples)}
}

// FloatToPCM16 computes round(clamp(s, -1, 1) * 32767) for every sample and
// packs the results as little-endian int16.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		case math.IsNaN(v):
			v = 0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v*32767))))
	}
	return out
}

// PCM16ToFloat interprets b as little-endian int16 samples and divides each
// by 32768. A trailing odd byte is ignored.
func PCM16ToFloat(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[i*2:]))) / 32768
	}
	return out
}

// DecodeBase64 returns the bytes of a base64 payload. Both padded and
// unpadded standard encodings are accepted.
func DecodeBase64(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	b, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		var rawErr error
		b, rawErr = base64.RawStdEncoding.DecodeString(text)
		if rawErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	}
	return b, nil
}

// Decode is DecodeBase64 followed by PCM16ToFloat. It returns
// [ErrEmptyPayload] when no whole sample is present.
func Decode(text string) ([]float32, error) {
	b, err := DecodeBase64(text)
	if err != nil {
		return nil, err
	}
	samples := PCM16ToFloat(b)
	if len(samples) == 0 {
		return nil, ErrEmptyPayload
	}
	return samples, nil
}

// DecodeAudioData builds a [PlayableBuffer] from raw int16 PCM bytes.
// Interleaved samples are split into channels planes; a partial trailing
// frame is dropped. It returns [ErrEmptyPayload] when no whole frame results.
func DecodeAudioData(b []byte, sampleRate, channels int) (*PlayableBuffer, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: decode audio data: invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}
	samples := PCM16ToFloat(b)
	frames := len(samples) / channels
	if frames == 0 {
		return nil, ErrEmptyPayload
	}
	planes := make([][]float32, channels)
	if channels == 1 {
		planes[0] = samples[:frames]
	} else {
		for c := range planes {
			planes[c] = make([]float32, frames)
		}
		for i := range frames {
			for c := range channels {
				planes[c][i] = samples[i*channels+c]
			}
		}
	}
	return &PlayableBuffer{Channels: planes, SampleRate: sampleRate}, nil
}

// DecodeChunk turns one inbound base64 audio payload into a mono buffer at
// [OutputSampleRate].
func DecodeChunk(text string) (*PlayableBuffer, error) {
	b, err := DecodeBase64(text)
	if err != nil {
		return nil, err
	}
	return DecodeAudioData(b, OutputSampleRate, 1)
}
