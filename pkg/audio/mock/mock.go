// Package mock provides in-memory implementations of the audio device
// interfaces for use in unit tests: a manually advanced output clock
// ([Output]) and a capture source fed by the test ([Source]).
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	out := &mock.Output{}
//	sched := playback.New(out)
//	sched.Enqueue(buf)
//	out.Advance(buf.Duration()) // fires the ended callback
package mock

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/audio/playback"
)

// ErrAlreadyEnded is returned by [Playing.Stop] for a source that finished.
var ErrAlreadyEnded = errors.New("mock: source already ended")

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [playback.Output] whose clock only moves
// when the test calls [Output.Advance].
type Output struct {
	mu sync.Mutex

	now     time.Duration
	started []*Playing
	closed  bool

	// StartErr is returned by [Output.Start] when non-nil.
	StartErr error

	// CloseErr is returned by [Output.Close].
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

var _ playback.Output = (*Output)(nil)

// Playing is one buffer started on an [Output].
type Playing struct {
	Buffer *audio.PlayableBuffer
	At     time.Duration

	onEnded func()
	mu      sync.Mutex
	stopped bool
	ended   bool
	stops   int
}

// End is At plus the buffer duration.
func (p *Playing) End() time.Duration { return p.At + p.Buffer.Duration() }

// Stop implements [playback.Handle].
func (p *Playing) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	if p.ended {
		return ErrAlreadyEnded
	}
	p.stopped = true
	return nil
}

// Stopped reports whether Stop was called before the source ended.
func (p *Playing) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// StopCalls returns how many times Stop was called.
func (p *Playing) StopCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// Now implements [playback.Clock].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Start implements [playback.Output]. The buffer is recorded and ends when the
// clock is advanced past At+Duration.
func (o *Output) Start(buf *audio.PlayableBuffer, at time.Duration, onEnded func()) (playback.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.StartErr != nil {
		return nil, o.StartErr
	}
	p := &Playing{Buffer: buf, At: at, onEnded: onEnded}
	o.started = append(o.started, p)
	return p, nil
}

// Close implements [playback.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	return o.CloseErr
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Started returns a snapshot of every buffer started so far, in start order.
func (o *Output) Started() []*Playing {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.started)
}

// Set moves the clock to t without ending any source. Use it to simulate an
// output clock that ran ahead while nothing was scheduled.
func (o *Output) Set(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = t
}

// Advance moves the clock forward by d and fires onEnded, in end-time order,
// for every running source whose end is at or before the new time.
// Callbacks run on the calling goroutine without the output lock held.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	var due []*Playing
	for _, p := range o.started {
		p.mu.Lock()
		if !p.stopped && !p.ended && p.End() <= now {
			p.ended = true
			due = append(due, p)
		}
		p.mu.Unlock()
	}
	o.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *Playing) int {
		switch {
		case a.End() < b.End():
			return -1
		case a.End() > b.End():
			return 1
		}
		return 0
	})
	for _, p := range due {
		if p.onEnded != nil {
			p.onEnded()
		}
	}
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock capture source. The test pushes frames with [Source.Push]
// and inspects CallCountClose afterwards.
type Source struct {
	mu     sync.Mutex
	frames chan audio.Frame
	closed bool

	// CloseErr is returned by [Source.Close] on its first call.
	CloseErr error

	// ReleaseErr is returned by [Source.Release].
	ReleaseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountRelease records how many times Release was called.
	CallCountRelease int
}

// NewSource returns a Source whose frame channel holds up to buffer frames.
func NewSource(buffer int) *Source {
	return &Source{frames: make(chan audio.Frame, buffer)}
}

// Frames returns the frame channel. It is closed by Close.
func (s *Source) Frames() <-chan audio.Frame { return s.frames }

// Push delivers one frame. It reports false if the source is closed.
func (s *Source) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.frames <- audio.Frame{Samples: samples, SampleRate: audio.InputSampleRate}
	return true
}

// Close stops the source and closes its frame channel. Repeated calls are
// counted but have no further effect.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.frames)
	return s.CloseErr
}

// Release records the call and returns ReleaseErr.
func (s *Source) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountRelease++
	return s.ReleaseErr
}

// Closed reports whether Close has been called.
func (s *Source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
