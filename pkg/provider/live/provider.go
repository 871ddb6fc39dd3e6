// Package live defines the transport contract for realtime bidirectional
// model sessions.
//
// A live session carries microphone audio and video frames up and model
// audio, text and control flags down over a single long-lived connection.
// Inbound events are delivered through [Callbacks] in the order they were
// received, from a single goroutine, so the consumer can process them
// without reordering.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/harvic/pkg/audio"
)

var (
	// ErrTransport wraps network or service failures of a live session.
	ErrTransport = errors.New("live: transport error")

	// ErrNotReady is returned by Send before the session reported open.
	ErrNotReady = errors.New("live: session not ready")

	// ErrBackpressure is returned by Send when the outbound queue is full.
	ErrBackpressure = errors.New("live: outbound queue full")

	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("live: session closed")
)

// SessionConfig is the initial configuration for a live session.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the prebuilt voice name for synthesised speech.
	Voice string

	// Instructions is the system prompt.
	Instructions string

	// Transcribe asks the service to report input and output transcripts.
	Transcribe bool
}

// ServerMessage is one inbound unit. Any combination of fields may be set.
type ServerMessage struct {
	// Audio holds base64 PCM payloads at [audio.OutputSampleRate], in order.
	Audio []string

	// Text holds model text parts, in order.
	Text []string

	// Interrupted is set when the service detected the user talking over
	// the model and discarded the rest of the current turn.
	Interrupted bool

	// TurnComplete is set when the model finished its turn.
	TurnComplete bool

	// InputTranscript is recognised user speech.
	InputTranscript string

	// OutputTranscript is the text of the model's spoken output.
	OutputTranscript string
}

// Callbacks receive session events. OnOpen fires at most once, before any
// OnMessage. OnError and OnClose are terminal and mutually exclusive, and
// neither fires for a session the consumer closed itself. A message that was
// already being dispatched when Close was called may still be delivered.
type Callbacks struct {
	OnOpen    func()
	OnMessage func(ServerMessage)
	OnError   func(error)
	OnClose   func()
}

// Session is an open live connection.
type Session interface {
	// Send queues a media blob (audio or image) for transmission. It never
	// blocks: it returns [ErrNotReady], [ErrBackpressure] or [ErrClosed]
	// instead. Blobs are transmitted in the order Send accepted them.
	Send(blob audio.Blob) error

	// SendText queues a complete user text turn.
	SendText(text string) error

	// Ready reports whether the session has opened and is not closed.
	Ready() bool

	// Close ends the session and releases the connection. Idempotent.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	// Connect dials the service and sends the session setup. It returns once
	// the connection is established; OnOpen reports when the service is
	// ready to accept input. Connection failures wrap [ErrTransport].
	Connect(ctx context.Context, cfg SessionConfig, cb Callbacks) (Session, error)
}
