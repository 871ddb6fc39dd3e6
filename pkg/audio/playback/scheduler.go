// Package playback schedules decoded output buffers onto an output device
// clock without gaps or overlaps, and supports hard interruption.
//
// A [Scheduler] owns the [Timeline] and the set of active sources. Nothing
// else mutates them; callers observe the scheduler only through [Scheduler.Active]
// and the idle hook.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/harvic/pkg/audio"
)

// ErrStopped is returned by Enqueue after DrainAndStop.
var ErrStopped = errors.New("playback: scheduler stopped")

// Handle controls one started buffer.
type Handle interface {
	// Stop ends playback immediately. Stopping a source that has already
	// finished may return an error; the scheduler ignores it.
	Stop() error
}

// Clock reports the current position of an output device.
type Clock interface {
	Now() time.Duration
}

// Output is an output audio context: a clock plus the ability to start a
// buffer at an absolute time on that clock.
//
// Implementations must not invoke onEnded from within Start, and must not
// invoke it for sources ended through [Handle.Stop].
type Output interface {
	Clock

	// Start schedules buf to begin at at. onEnded runs once when the buffer
	// finishes playing naturally.
	Start(buf *audio.PlayableBuffer, at time.Duration, onEnded func()) (Handle, error)

	// Close releases the output context.
	Close() error
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithIdleHook sets a function that runs whenever the active set becomes
// empty because its last source finished playing. It is not called after
// Interrupt. The hook runs outside the scheduler lock.
func WithIdleHook(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// Scheduler places buffers on an [Output] in arrival order.
// All methods are safe for concurrent use.
type Scheduler struct {
	out    Output
	onIdle func()

	mu       sync.Mutex
	timeline Timeline
	active   map[uint64]Handle
	nextID   uint64
	stopped  bool
}

// New returns a Scheduler that plays onto out.
func New(out Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		active: make(map[uint64]Handle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Arm sets the timeline to the current output time. Called when a call
// becomes ready to receive audio.
func (s *Scheduler) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeline.Reset()
	s.timeline.Schedule(s.out.Now(), 0)
}

// Enqueue schedules buf at max(nextStartTime, now) and returns the start
// time. The buffer is tracked as active until it ends or is interrupted.
func (s *Scheduler) Enqueue(buf *audio.PlayableBuffer) (time.Duration, error) {
	if buf.Frames() == 0 {
		return 0, audio.ErrEmptyPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, ErrStopped
	}

	prev := s.timeline
	start := s.timeline.Schedule(s.out.Now(), buf.Duration())
	s.nextID++
	id := s.nextID
	h, err := s.out.Start(buf, start, func() { s.ended(id) })
	if err != nil {
		s.timeline = prev
		return 0, fmt.Errorf("playback: start buffer: %w", err)
	}
	s.active[id] = h
	return start, nil
}

// EnqueueChunk decodes one inbound base64 PCM payload at
// [audio.OutputSampleRate] and enqueues it. Malformed or empty payloads
// return the decode error and leave the timeline untouched.
func (s *Scheduler) EnqueueChunk(payload string) (time.Duration, error) {
	buf, err := audio.DecodeChunk(payload)
	if err != nil {
		return 0, err
	}
	return s.Enqueue(buf)
}

func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	if _, ok := s.active[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.active, id)
	idle := len(s.active) == 0
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// Interrupt stops every active source, clears the active set and resets the
// timeline. Errors from stopping already-finished sources are ignored.
// It returns the number of sources that were active.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	snapshot := make([]Handle, 0, len(s.active))
	for _, h := range s.active {
		snapshot = append(snapshot, h)
	}
	clear(s.active)
	s.timeline.Reset()
	s.mu.Unlock()

	for _, h := range snapshot {
		_ = h.Stop()
	}
	return len(snapshot)
}

// DrainAndStop interrupts playback and releases the output context.
// Calls after the first return nil.
func (s *Scheduler) DrainAndStop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.Interrupt()
	if err := s.out.Close(); err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}

// Active returns the number of scheduled or playing sources.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Busy reports whether any buffer is scheduled or playing.
func (s *Scheduler) Busy() bool {
	return s.Active() > 0
}

// NextStartTime returns the timeline position the next buffer would start at
// if the clock has not passed it.
func (s *Scheduler) NextStartTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.Next()
}

// Now returns the output clock.
func (s *Scheduler) Now() time.Duration { return s.out.Now() }
