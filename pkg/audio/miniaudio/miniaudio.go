// Package miniaudio provides the hardware input and output contexts used by
// a call: a [CaptureDevice] delivering fixed-size mono frames, and an
// [Engine] that mixes scheduled buffers against a sample-accurate clock.
//
// Both are backed by miniaudio through github.com/gen2brain/malgo. Each
// opens its own device context, so the input and output sides can be
// released independently.
package miniaudio

// these cgo flags disable all miniaudio subsystems that will not be used
// https://miniaud.io/docs/manual/index.html#Building

/*
   #cgo CFLAGS: -DMA_ENABLE_ONLY_SPECIFIC_BACKENDS
   #cgo CFLAGS: -DMA_ENABLE_COREAUDIO -DMA_ENABLE_PULSEAUDIO -DMA_ENABLE_ALSA -DMA_ENABLE_JACK -DMA_ENABLE_WASAPI
   #cgo CFLAGS: -DMA_NO_DECODING -DMA_NO_ENCODING
   #cgo CFLAGS: -DMA_NO_RESOURCE_MANAGER
*/
import "C"
