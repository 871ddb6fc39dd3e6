package miniaudio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/audio/capture"
)

// CaptureConfig selects and shapes the input device.
type CaptureConfig struct {
	// Device is the endpoint name. Empty selects the backend default.
	Device string

	// SampleRate defaults to [audio.InputSampleRate].
	SampleRate int

	// FrameSize defaults to [audio.FrameSize].
	FrameSize int

	// Buffer is the number of frames queued for a slow consumer before
	// frames are dropped. Default 8.
	Buffer int
}

func (c *CaptureConfig) defaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.InputSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = audio.FrameSize
	}
	if c.Buffer <= 0 {
		c.Buffer = 8
	}
}

// CaptureDevice is a mono f32 microphone stream segmented into fixed-size
// frames. It implements [capture.Source].
type CaptureDevice struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	framer *framer

	closeOnce   sync.Once
	releaseOnce sync.Once
	releaseErr  error
}

var _ capture.Source = (*CaptureDevice)(nil)

// OpenCapture acquires the input device and starts it. Errors wrap
// [audio.ErrDeviceUnavailable] or [audio.ErrPermissionDenied].
func OpenCapture(cfg CaptureConfig) (*CaptureDevice, error) {
	cfg.defaults()

	ctx, err := initContext()
	if err != nil {
		return nil, err
	}
	info, err := selectDevice(ctx, true, cfg.Device)
	if err != nil {
		_ = releaseContext(ctx)
		return nil, fmt.Errorf("miniaudio: open capture: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	if info != nil {
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
	}

	f := newFramer(cfg.FrameSize, cfg.SampleRate, cfg.Buffer)
	var scratch []float32
	onRecvFrames := func(_, pInputSample []byte, _ uint32) {
		scratch = bytesToFloat32(pInputSample, scratch)
		f.write(scratch)
	}

	device, err := malgo.InitDevice(ctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onRecvFrames,
	})
	if err != nil {
		_ = releaseContext(ctx)
		return nil, fmt.Errorf("miniaudio: open capture: %w", classify(err))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = releaseContext(ctx)
		return nil, fmt.Errorf("miniaudio: start capture: %w", classify(err))
	}

	slog.Debug("capture device started", "device", cfg.Device, "sample_rate", cfg.SampleRate, "frame_size", cfg.FrameSize)
	return &CaptureDevice{ctx: ctx, device: device, framer: f}, nil
}

// Frames implements [capture.Source].
func (d *CaptureDevice) Frames() <-chan audio.Frame { return d.framer.out }

// Dropped returns how many frames were discarded because the consumer fell
// behind.
func (d *CaptureDevice) Dropped() uint64 { return d.framer.dropped.Load() }

// Close stops the device and closes the frame channel.
func (d *CaptureDevice) Close() error {
	d.closeOnce.Do(func() {
		d.device.Uninit()
		d.framer.close()
	})
	return nil
}

// Release frees the input device context. It closes the device first if
// that has not happened.
func (d *CaptureDevice) Release() error {
	d.releaseOnce.Do(func() {
		_ = d.Close()
		d.releaseErr = releaseContext(d.ctx)
	})
	return d.releaseErr
}

// framer accumulates device callbacks of arbitrary length into frames of a
// fixed size. Device cadence is not uniform, so a callback may complete zero,
// one or several frames.
type framer struct {
	size int
	rate int

	mu      sync.Mutex
	pending []float32
	emitted int64
	closed  bool

	out     chan audio.Frame
	dropped atomic.Uint64
}

func newFramer(size, rate, buffer int) *framer {
	return &framer{
		size:    size,
		rate:    rate,
		pending: make([]float32, 0, size),
		out:     make(chan audio.Frame, buffer),
	}
}

func (f *framer) write(samples []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for len(samples) > 0 {
		n := min(f.size-len(f.pending), len(samples))
		f.pending = append(f.pending, samples[:n]...)
		samples = samples[n:]
		if len(f.pending) < f.size {
			return
		}
		frame := audio.Frame{
			Samples:    f.pending,
			SampleRate: f.rate,
			Timestamp:  time.Duration(f.emitted) * time.Second / time.Duration(f.rate),
		}
		f.emitted += int64(f.size)
		f.pending = make([]float32, 0, f.size)
		select {
		case f.out <- frame:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *framer) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.out)
}
