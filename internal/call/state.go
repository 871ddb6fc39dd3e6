package call

import (
	"errors"

	"github.com/MrWong99/harvic/internal/config"
	"github.com/MrWong99/harvic/pkg/audio"
)

// State is the externally visible phase of a call.
type State int

const (
	// Standby means no call is active.
	Standby State = iota

	// Connecting means devices are being acquired and the transport dialled.
	Connecting

	// OpenIdle means the session is open and the model is silent.
	OpenIdle

	// RemoteSpeaking means model audio is scheduled or playing.
	RemoteSpeaking

	// Error means the last call failed; see [Status.Kind].
	Error

	// Closed means the service ended the last call.
	Closed
)

// String returns the lower-case state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case Standby:
		return "standby"
	case Connecting:
		return "connecting"
	case OpenIdle:
		return "open_idle"
	case RemoteSpeaking:
		return "remote_speaking"
	case Error:
		return "error"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Open reports whether s has an open transport.
func (s State) Open() bool { return s == OpenIdle || s == RemoteSpeaking }

// ErrorKind classifies the failure that put a call into [Error].
type ErrorKind int

const (
	// KindNone is the kind of every non-error status.
	KindNone ErrorKind = iota

	// DeviceUnavailable means no capture or playback hardware was found.
	DeviceUnavailable

	// PermissionDenied means the platform refused microphone access.
	PermissionDenied

	// TransportError means the live service could not be reached or failed.
	TransportError

	// CredentialMissing means no API key is configured.
	CredentialMissing
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case DeviceUnavailable:
		return "device_unavailable"
	case PermissionDenied:
		return "permission_denied"
	case TransportError:
		return "transport_error"
	case CredentialMissing:
		return "credential_missing"
	default:
		return "unknown"
	}
}

// Classify maps err to an ErrorKind. Unknown errors count as transport
// failures.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, config.ErrCredentialMissing):
		return CredentialMissing
	case errors.Is(err, audio.ErrPermissionDenied):
		return PermissionDenied
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return DeviceUnavailable
	default:
		return TransportError
	}
}

// Labels are the short status texts shown to the user.
type Labels struct {
	Standby    string
	Connecting string
	Listening  string
	Talking    string
	Offline    string

	NoMicrophone      string
	AccessDenied      string
	SignalLost        string
	CredentialMissing string
}

// DefaultLabels returns the stock status texts.
func DefaultLabels() Labels {
	return Labels{
		Standby:           "Standby",
		Connecting:        "Connecting",
		Listening:         "Listening",
		Talking:           "Talking",
		Offline:           "Offline",
		NoMicrophone:      "No Microphone",
		AccessDenied:      "Access Denied",
		SignalLost:        "Signal Lost",
		CredentialMissing: "Credential Missing",
	}
}

// merge fills the blank fields of l from d.
func (l Labels) merge(d Labels) Labels {
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Labels{
		Standby:           pick(l.Standby, d.Standby),
		Connecting:        pick(l.Connecting, d.Connecting),
		Listening:         pick(l.Listening, d.Listening),
		Talking:           pick(l.Talking, d.Talking),
		Offline:           pick(l.Offline, d.Offline),
		NoMicrophone:      pick(l.NoMicrophone, d.NoMicrophone),
		AccessDenied:      pick(l.AccessDenied, d.AccessDenied),
		SignalLost:        pick(l.SignalLost, d.SignalLost),
		CredentialMissing: pick(l.CredentialMissing, d.CredentialMissing),
	}
}

// For returns the label of state, or of kind when state is [Error].
func (l Labels) For(state State, kind ErrorKind) string {
	switch state {
	case Standby:
		return l.Standby
	case Connecting:
		return l.Connecting
	case OpenIdle:
		return l.Listening
	case RemoteSpeaking:
		return l.Talking
	case Closed:
		return l.Offline
	}
	switch kind {
	case DeviceUnavailable:
		return l.NoMicrophone
	case PermissionDenied:
		return l.AccessDenied
	case CredentialMissing:
		return l.CredentialMissing
	default:
		return l.SignalLost
	}
}

// Status is a snapshot of the controller.
type Status struct {
	State State
	Kind  ErrorKind
	Label string
	Muted bool
	Video bool

	// Err is the failure behind an [Error] state.
	Err error
}

// Speaker identifies who a transcript belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Transcript is one fragment of recognised or generated text.
type Transcript struct {
	Speaker Speaker
	Text    string

	// Spoken is false for model text parts that were not voiced.
	Spoken bool
}
