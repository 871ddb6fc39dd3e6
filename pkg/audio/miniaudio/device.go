package miniaudio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/harvic/pkg/audio"
)

// DeviceInfo names one hardware endpoint.
type DeviceInfo struct {
	Name string
}

// ListDevices returns the capture (input == true) or playback endpoints
// known to the default backend.
func ListDevices(input bool) ([]DeviceInfo, error) {
	ctx, err := initContext()
	if err != nil {
		return nil, err
	}
	defer releaseContext(ctx)

	infos, err := ctx.Devices(deviceType(input))
	if err != nil {
		return nil, fmt.Errorf("miniaudio: list devices: %w", classify(err))
	}
	out := make([]DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, DeviceInfo{Name: info.Name()})
	}
	return out, nil
}

func deviceType(input bool) malgo.DeviceType {
	if input {
		return malgo.Capture
	}
	return malgo.Playback
}

func initContext() (*malgo.AllocatedContext, error) {
	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("miniaudio: init context: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	return ctx, nil
}

func releaseContext(ctx *malgo.AllocatedContext) error {
	err := ctx.Uninit()
	ctx.Free()
	if err != nil {
		return fmt.Errorf("miniaudio: uninit context: %w", err)
	}
	return nil
}

// selectDevice finds the endpoint called name. An empty name selects the
// backend default, which still requires at least one endpoint to exist.
func selectDevice(ctx *malgo.AllocatedContext, input bool, name string) (*malgo.DeviceInfo, error) {
	infos, err := ctx.Devices(deviceType(input))
	if err != nil {
		return nil, classify(err)
	}
	if len(infos) == 0 {
		return nil, audio.ErrDeviceUnavailable
	}
	if name == "" {
		return nil, nil
	}
	for i := range infos {
		if strings.EqualFold(infos[i].Name(), name) {
			return &infos[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no device named %q", audio.ErrDeviceUnavailable, name)
}

// classify maps a backend error onto the audio error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, audio.ErrDeviceUnavailable) || errors.Is(err, audio.ErrPermissionDenied) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "access denied") || strings.Contains(msg, "permission") {
		return fmt.Errorf("%w: %v", audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
}

// bytesToFloat32 reinterprets little-endian f32 device samples.
func bytesToFloat32(b []byte, dst []float32) []float32 {
	n := len(b) / 4
	dst = dst[:0]
	for i := range n {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])))
	}
	return dst
}

// float32ToBytes writes samples into b as little-endian f32.
func float32ToBytes(samples []float32, b []byte) {
	for i, s := range samples {
		if (i+1)*4 > len(b) {
			return
		}
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(s))
	}
}
