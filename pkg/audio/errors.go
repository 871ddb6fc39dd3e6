package audio

import "errors"

var (
	// ErrMalformedPayload is returned when an inbound audio payload is not
	// valid base64. The chunk is dropped; the call continues.
	ErrMalformedPayload = errors.New("audio: malformed payload")

	// ErrEmptyPayload is returned when a payload decodes to zero samples.
	ErrEmptyPayload = errors.New("audio: empty payload")

	// ErrDeviceUnavailable is returned when no capture or playback hardware
	// could be found.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrPermissionDenied is returned when the platform refused access to
	// the capture device.
	ErrPermissionDenied = errors.New("audio: permission denied")
)
