package audio

import "time"

const (
	// InputSampleRate is the capture rate expected by the live service.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of PCM returned by the live service.
	OutputSampleRate = 24000

	// FrameSize is the number of samples in one captured [Frame].
	FrameSize = 4096

	// InputMIMEType tags every outbound [Blob] carrying microphone audio.
	InputMIMEType = "audio/pcm;rate=16000"
)

// Frame is a fixed-length block of mono float samples in [-1, 1] produced by
// a capture device. Frames are ephemeral; the capture pipeline consumes each
// one as soon as it arrives.
type Frame struct {
	// Samples holds FrameSize values unless the device delivered a short
	// final block on shutdown.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Blob is an encoded media payload ready to be handed to a live transport.
type Blob struct {
	// MIMEType identifies the payload format, e.g. [InputMIMEType] or "image/jpeg".
	MIMEType string

	// Data is the base64 (standard, padded) text of the payload bytes.
	Data string
}

// PlayableBuffer is decoded output audio with an explicit sample rate.
// Channel data is planar: Channels[c][i] is frame i of channel c.
type PlayableBuffer struct {
	Channels   [][]float32
	SampleRate int
}

// Frames returns the number of sample frames per channel.
func (b *PlayableBuffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration is Frames divided by SampleRate.
func (b *PlayableBuffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// InterruptReason identifies why scheduled output was cut short.
type InterruptReason int

const (
	// RemoteBargeIn indicates the live service reported that the user
	// started talking over the model.
	RemoteBargeIn InterruptReason = iota

	// Teardown indicates the call is ending and every source must stop.
	Teardown
)

// String returns the human-readable name of the interrupt reason.
func (r InterruptReason) String() string {
	switch r {
	case RemoteBargeIn:
		return "REMOTE_BARGE_IN"
	case Teardown:
		return "TEARDOWN"
	default:
		return "UNKNOWN"
	}
}
