// Package capture turns a stream of microphone frames into outbound wire
// packets. A [Pipeline] meters every frame, applies the mute gate, encodes
// unmuted frames and hands them to a [Sender] without ever blocking on it.
package capture

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/harvic/pkg/audio"
)

// ErrAlreadyStarted is returned by Start on a pipeline that was started or
// stopped before.
var ErrAlreadyStarted = errors.New("capture: pipeline already started")

// Source delivers captured frames. The hardware implementation lives in
// package miniaudio.
type Source interface {
	// Frames returns the channel frames arrive on. Implementations close it
	// after Close.
	Frames() <-chan audio.Frame

	// Close disconnects the device node and stops the underlying hardware.
	// It must be safe to call more than once.
	Close() error
}

// Sender is the outbound half of a live transport.
type Sender interface {
	// Ready reports whether the remote session accepts input.
	Ready() bool

	// Send queues blob for transmission. It must not block.
	Send(blob audio.Blob) error
}

// Outcome describes what happened to one captured frame.
type Outcome int

const (
	// Sent means the frame was encoded and accepted by the sender.
	Sent Outcome = iota

	// Muted means the frame was metered but not encoded.
	Muted

	// Dropped means the sender was not ready, or refused the packet.
	Dropped

	// Backlogged means the sender was not ready and the packet was kept for
	// later delivery.
	Backlogged
)

// String returns the lower-case name used in metric attributes.
func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Muted:
		return "muted"
	case Dropped:
		return "dropped"
	case Backlogged:
		return "backlogged"
	default:
		return "unknown"
	}
}

// Stats counts frames by outcome.
type Stats struct {
	Frames  uint64
	Sent    uint64
	Muted   uint64
	Dropped uint64
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithVolumeHook registers fn to receive the RMS level of every frame,
// muted or not. fn runs on the pipeline goroutine and must return quickly.
func WithVolumeHook(fn func(level float64)) Option {
	return func(p *Pipeline) { p.onVolume = fn }
}

// WithOutcomeHook registers fn to observe the outcome of every frame.
func WithOutcomeHook(fn func(Outcome)) Option {
	return func(p *Pipeline) { p.onOutcome = fn }
}

// WithBacklog keeps up to n packets captured while the sender is not ready
// and delivers them, oldest first, once it is. When the backlog is full the
// oldest packet is discarded. n <= 0 drops every packet captured before the
// sender is ready.
func WithBacklog(n int) Option {
	return func(p *Pipeline) { p.backlogCap = max(n, 0) }
}

// Pipeline forwards captured frames to a [Sender] in capture order.
type Pipeline struct {
	sender     Sender
	onVolume   func(float64)
	onOutcome  func(Outcome)
	backlogCap int

	muted atomic.Bool

	mu       sync.Mutex
	src      Source
	started  bool
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopErr  error

	// backlog is touched only by the run goroutine.
	backlog []audio.Blob

	frames, sent, mutedN, dropped atomic.Uint64
}

// New returns a Pipeline that sends to sender.
func New(sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		sender: sender,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins consuming frames from src on a new goroutine. The pipeline
// owns src from here on and closes it in Stop.
func (p *Pipeline) Start(src Source) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	p.src = src
	go p.run(src.Frames())
	return nil
}

// Stop disconnects the source and waits for the frame goroutine to exit.
// It is safe to call more than once and on a pipeline that never started;
// only the first call does any work.
func (p *Pipeline) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		src, started := p.src, p.started
		p.started = true // a stopped pipeline cannot be restarted
		p.mu.Unlock()

		close(p.stop)
		if src != nil {
			p.stopErr = src.Close()
		}
		if started && src != nil {
			<-p.done
		}
	})
	return p.stopErr
}

// SetMuted sets the mute gate. Muted frames are still metered.
func (p *Pipeline) SetMuted(muted bool) { p.muted.Store(muted) }

// Muted reports the mute gate.
func (p *Pipeline) Muted() bool { return p.muted.Load() }

// Stats returns frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Frames:  p.frames.Load(),
		Sent:    p.sent.Load(),
		Muted:   p.mutedN.Load(),
		Dropped: p.dropped.Load(),
	}
}

func (p *Pipeline) run(frames <-chan audio.Frame) {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			p.process(f)
		}
	}
}

func (p *Pipeline) process(f audio.Frame) {
	p.frames.Add(1)
	if p.onVolume != nil {
		p.onVolume(audio.Level(f.Samples))
	}
	if p.muted.Load() {
		p.mutedN.Add(1)
		p.report(Muted)
		return
	}

	blob := audio.WirePacket(f.Samples)
	if !p.sender.Ready() {
		if p.backlogCap == 0 {
			p.dropped.Add(1)
			p.report(Dropped)
			return
		}
		if len(p.backlog) == p.backlogCap {
			p.backlog = p.backlog[1:]
			p.dropped.Add(1)
			p.report(Dropped)
		}
		p.backlog = append(p.backlog, blob)
		p.report(Backlogged)
		return
	}

	for _, b := range p.backlog {
		p.deliver(b)
	}
	p.backlog = nil
	p.deliver(blob)
}

func (p *Pipeline) deliver(b audio.Blob) {
	if err := p.sender.Send(b); err != nil {
		slog.Debug("capture: packet dropped", "err", err)
		p.dropped.Add(1)
		p.report(Dropped)
		return
	}
	p.sent.Add(1)
	p.report(Sent)
}

func (p *Pipeline) report(o Outcome) {
	if p.onOutcome != nil {
		p.onOutcome(o)
	}
}
