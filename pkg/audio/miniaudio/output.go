package miniaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/audio/playback"
)

// ErrSourceEnded is returned by Stop on a voice that already finished.
var ErrSourceEnded = errors.New("miniaudio: source already ended")

// PlaybackConfig selects and shapes the output device.
type PlaybackConfig struct {
	// Device is the endpoint name. Empty selects the backend default.
	Device string

	// SampleRate defaults to [audio.OutputSampleRate].
	SampleRate int
}

// Engine is an output context with a sample clock. It mixes every started
// buffer into a mono f32 playback device. It implements [playback.Output].
type Engine struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	mix    *Renderer

	closeOnce sync.Once
	closeErr  error
}

var _ playback.Output = (*Engine)(nil)

// OpenPlayback acquires the output device and starts rendering silence.
func OpenPlayback(cfg PlaybackConfig) (*Engine, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.OutputSampleRate
	}

	ctx, err := initContext()
	if err != nil {
		return nil, err
	}
	info, err := selectDevice(ctx, false, cfg.Device)
	if err != nil {
		_ = releaseContext(ctx)
		return nil, fmt.Errorf("miniaudio: open playback: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1
	if info != nil {
		deviceConfig.Playback.DeviceID = info.ID.Pointer()
	}

	mix := NewRenderer(cfg.SampleRate)
	var scratch []float32
	onSendFrames := func(pOutputSample, _ []byte, framecount uint32) {
		if cap(scratch) < int(framecount) {
			scratch = make([]float32, framecount)
		}
		scratch = scratch[:framecount]
		mix.Render(scratch)
		float32ToBytes(scratch, pOutputSample)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSendFrames,
	})
	if err != nil {
		mix.Close()
		_ = releaseContext(ctx)
		return nil, fmt.Errorf("miniaudio: open playback: %w", classify(err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		mix.Close()
		_ = releaseContext(ctx)
		return nil, fmt.Errorf("miniaudio: start playback: %w", classify(err))
	}

	slog.Debug("playback device started", "device", cfg.Device, "sample_rate", cfg.SampleRate)
	return &Engine{ctx: ctx, device: device, mix: mix}, nil
}

// Now implements [playback.Clock]: frames rendered divided by the rate.
func (e *Engine) Now() time.Duration { return e.mix.Now() }

// Start implements [playback.Output].
func (e *Engine) Start(buf *audio.PlayableBuffer, at time.Duration, onEnded func()) (playback.Handle, error) {
	return e.mix.Start(buf, at, onEnded)
}

// Close stops the device and releases the output context.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.device.Uninit()
		e.mix.Close()
		e.closeErr = releaseContext(e.ctx)
	})
	return e.closeErr
}
