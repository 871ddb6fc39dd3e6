package miniaudio

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/audio/playback"
)

// ErrRendererClosed is returned by Start after Close.
var ErrRendererClosed = errors.New("miniaudio: renderer closed")

// Renderer mixes scheduled buffers into a mono stream. Its clock is the
// number of frames rendered so far; a buffer starting at t begins at frame
// round(t * rate). Render is called from the device callback; ended
// callbacks are dispatched on a separate goroutine so the audio thread never
// blocks on them.
type Renderer struct {
	rate int

	mu     sync.Mutex
	pos    int64
	voices map[*voice]struct{}
	closed bool

	ended chan func()
	done  chan struct{}
}

type voice struct {
	r       *Renderer
	samples []float32
	start   int64
	onEnded func()
}

func (v *voice) end() int64 { return v.start + int64(len(v.samples)) }

// Stop implements [playback.Handle].
func (v *voice) Stop() error {
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	if _, ok := v.r.voices[v]; !ok {
		return ErrSourceEnded
	}
	delete(v.r.voices, v)
	return nil
}

// NewRenderer returns a Renderer for a device running at rate Hz.
func NewRenderer(rate int) *Renderer {
	r := &Renderer{
		rate:   rate,
		voices: make(map[*voice]struct{}),
		ended:  make(chan func(), 64),
		done:   make(chan struct{}),
	}
	go r.dispatch()
	return r
}

func (r *Renderer) dispatch() {
	for {
		select {
		case <-r.done:
			return
		case fn := <-r.ended:
			fn()
		}
	}
}

// Now returns the start time of the next frame to be rendered.
func (r *Renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frameTime(r.pos)
}

func (r *Renderer) frameTime(f int64) time.Duration {
	return time.Duration(f) * time.Second / time.Duration(r.rate)
}

func (r *Renderer) frameAt(t time.Duration) int64 {
	return (int64(t)*int64(r.rate) + int64(time.Second)/2) / int64(time.Second)
}

// Start schedules buf at t. A start time in the past plays from the next
// rendered frame. Multi-channel buffers are down-mixed to mono.
func (r *Renderer) Start(buf *audio.PlayableBuffer, t time.Duration, onEnded func()) (playback.Handle, error) {
	v := &voice{r: r, samples: downmix(buf), onEnded: onEnded}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRendererClosed
	}
	v.start = max(r.frameAt(t), r.pos)
	r.voices[v] = struct{}{}
	return v, nil
}

// Render fills out with the next len(out) frames of the mix. Samples are
// clipped to [-1, 1].
func (r *Renderer) Render(out []float32) {
	clear(out)
	n := int64(len(out))

	r.mu.Lock()
	from, to := r.pos, r.pos+n
	var finished []*voice
	for v := range r.voices {
		lo, hi := max(v.start, from), min(v.end(), to)
		for f := lo; f < hi; f++ {
			out[f-from] += v.samples[f-v.start]
		}
		if v.end() <= to {
			delete(r.voices, v)
			finished = append(finished, v)
		}
	}
	r.pos = to
	closed := r.closed
	r.mu.Unlock()

	for i, s := range out {
		switch {
		case s > 1:
			out[i] = 1
		case s < -1:
			out[i] = -1
		}
	}

	if closed {
		return
	}
	for _, v := range finished {
		if v.onEnded == nil {
			continue
		}
		select {
		case r.ended <- v.onEnded:
		default:
			go v.onEnded()
		}
	}
}

// Active returns the number of voices not yet finished.
func (r *Renderer) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.voices)
}

// Close drops every voice and stops the callback dispatcher. Pending ended
// callbacks are discarded.
func (r *Renderer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	clear(r.voices)
	close(r.done)
}

func downmix(buf *audio.PlayableBuffer) []float32 {
	switch len(buf.Channels) {
	case 0:
		return nil
	case 1:
		return buf.Channels[0]
	}
	frames := buf.Frames()
	out := make([]float32, frames)
	scale := 1 / float32(len(buf.Channels))
	for _, ch := range buf.Channels {
		for i := range frames {
			out[i] += ch[i] * scale
		}
	}
	return out
}
