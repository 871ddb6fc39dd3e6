// Package call runs full-duplex voice calls against a live model session.
//
// A [Controller] owns one call at a time. Starting a call acquires the
// microphone and speaker, dials the live service and, once the service
// reports the session open, starts streaming microphone frames (and
// optionally video stills) up while scheduling model audio down for gapless
// playback. The controller tracks the call through the states documented on
// [State] and reports every change to its [Observer].
//
// Teardown always runs the same ordered steps, each best-effort:
//
//  1. stop the capture pipeline and the video loop
//  2. interrupt playback
//  3. close the transport
//  4. release the input and output device contexts
//
// Lock order is controller, then scheduler, then output device.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/harvic/internal/observe"
	"github.com/MrWong99/harvic/internal/video"
	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/audio/capture"
	"github.com/MrWong99/harvic/pkg/audio/playback"
	"github.com/MrWong99/harvic/pkg/audio/sfx"
	"github.com/MrWong99/harvic/pkg/provider/live"
)

var (
	// ErrActive is returned by Start while a call is connecting or open.
	ErrActive = errors.New("call: already active")

	// ErrCancelled is returned by Start when End ran before the call opened.
	ErrCancelled = errors.New("call: start cancelled")

	// ErrNotOpen is returned by SendText outside an open call.
	ErrNotOpen = errors.New("call: not open")
)

// maxVideoFailures is the number of consecutive frame errors after which a
// call continues audio-only.
const maxVideoFailures = 3

// Microphone is a capture source whose device context can be released
// separately from stopping the stream.
type Microphone interface {
	capture.Source

	// Release frees the input device context.
	Release() error
}

// Observer receives controller events. Callbacks run with the controller
// lock held and must not call back into the [Controller].
type Observer struct {
	OnStatus     func(Status)
	OnTranscript func(Transcript)

	// OnVolume receives the microphone level of every frame. It runs on the
	// capture goroutine without the controller lock.
	OnVolume func(level float64)
}

// Config wires a Controller to its collaborators.
type Config struct {
	// Provider resolves the live provider when a call starts. An error
	// wrapping config.ErrCredentialMissing yields [CredentialMissing].
	Provider func() (live.Provider, error)

	// Session is the live session setup.
	Session live.SessionConfig

	// OpenMicrophone acquires the capture device.
	OpenMicrophone func() (Microphone, error)

	// OpenOutput acquires the playback device.
	OpenOutput func() (playback.Output, error)

	// OpenVideo opens the frame source. Nil disables video.
	OpenVideo func() (video.Source, error)

	// VideoInterval is the frame period. Default [video.DefaultInterval].
	VideoInterval time.Duration

	// BargeIn stops playback when the service reports an interruption.
	BargeIn bool

	// Backlog keeps up to this many microphone packets captured before the
	// session opened. Zero drops them.
	Backlog int

	Labels   Labels
	Sounds   sfx.Player
	Metrics  *observe.Metrics
	Observer Observer
}

// attempt holds the resources of one call. Fields are guarded by the
// controller lock; teardown takes them out under the lock and releases
// them outside it.
type attempt struct {
	id      uint64
	started time.Time

	mic   Microphone
	sched *playback.Scheduler
	sess  live.Session
	pipe  *capture.Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	openPending bool
	done        bool
}

// Controller runs one call at a time. Safe for concurrent use.
type Controller struct {
	cfg    Config
	labels Labels
	sounds sfx.Player

	videoOn atomic.Bool

	mu     sync.Mutex
	state  State
	kind   ErrorKind
	err    error
	muted  bool
	cur    *attempt
	nextID uint64

	// pending tracks teardowns started from transport callbacks.
	pending sync.WaitGroup
}

// New returns a Controller in [Standby].
func New(cfg Config) *Controller {
	if cfg.VideoInterval <= 0 {
		cfg.VideoInterval = video.DefaultInterval
	}
	c := &Controller{
		cfg:    cfg,
		labels: cfg.Labels.merge(DefaultLabels()),
		sounds: cfg.Sounds,
	}
	if c.sounds == nil {
		c.sounds = sfx.Nop{}
	}
	c.videoOn.Store(cfg.OpenVideo != nil)
	return c
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status()
}

// Start begins a call. It returns once the transport is connected; the
// session opening is reported through the observer. On failure the
// controller is left in [Error] and the error is returned.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Connecting || c.state.Open() {
		c.mu.Unlock()
		return ErrActive
	}
	c.nextID++
	a := &attempt{id: c.nextID, started: time.Now()}
	ctx = observe.WithAttrs(ctx, slog.Uint64("call", a.id))
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.cur = a
	c.setState(Connecting, nil)
	c.mu.Unlock()

	if m := c.cfg.Metrics; m != nil {
		m.ActiveCalls.Add(ctx, 1)
	}

	ctx, span := observe.StartSpan(ctx, "call.start")
	err := c.connect(ctx, a)
	observe.EndSpan(span, err)
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		observe.Logger(ctx).Warn("call: start failed", "err", err, "kind", Classify(err))
		c.fail(a, err, false)
		return err
	}
	return nil
}

// connect acquires the devices and dials the transport. Every resource is
// handed to a before the next is acquired so that End can release it.
func (c *Controller) connect(ctx context.Context, a *attempt) error {
	provider, err := c.cfg.Provider()
	if err != nil {
		return fmt.Errorf("call: resolve provider: %w", err)
	}

	mic, err := c.cfg.OpenMicrophone()
	if err != nil {
		return fmt.Errorf("call: open microphone: %w", err)
	}
	if !c.adopt(a, func() { a.mic = mic }) {
		_ = mic.Close()
		_ = mic.Release()
		return ErrCancelled
	}

	out, err := c.cfg.OpenOutput()
	if err != nil {
		return fmt.Errorf("call: open output: %w", err)
	}
	sched := playback.New(out, playback.WithIdleHook(func() { c.onIdle(a) }))
	if !c.adopt(a, func() { a.sched = sched }) {
		_ = sched.DrainAndStop()
		return ErrCancelled
	}

	sess, err := provider.Connect(ctx, c.cfg.Session, live.Callbacks{
		OnOpen:    func() { c.onOpen(a) },
		OnMessage: func(m live.ServerMessage) { c.onMessage(a, m) },
		OnError:   func(err error) { c.fail(a, err, true) },
		OnClose:   func() { c.onRemoteClose(a) },
	})
	if err != nil {
		return fmt.Errorf("call: connect: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if a.done {
		_ = sess.Close()
		return ErrCancelled
	}
	a.sess = sess
	if a.openPending {
		c.open(a)
	}
	return nil
}

// adopt runs fn under the lock unless a was already torn down.
func (c *Controller) adopt(a *attempt, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.done {
		return false
	}
	fn()
	return true
}

// End hangs up. It is allowed in every state and leaves the controller in
// [Standby]. The joined teardown errors are returned.
func (c *Controller) End() error {
	c.mu.Lock()
	a := c.cur
	if a != nil && !a.done {
		c.detach(a)
	} else {
		a = nil
	}
	if c.state != Standby {
		c.setState(Standby, nil)
	}
	c.mu.Unlock()

	if a == nil {
		return nil
	}
	return c.teardown(a)
}

// Wait blocks until teardowns triggered by the transport have finished.
func (c *Controller) Wait() { c.pending.Wait() }

// Close ends any call and waits for pending teardowns.
func (c *Controller) Close() error {
	err := c.End()
	c.Wait()
	return err
}

// SetMuted sets the microphone mute gate. The matching cue plays only when
// the gate changes.
// Muting is allowed in every state and carries over to the next call.
func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	changed := c.muted != muted
	c.muted = muted
	if a := c.cur; a != nil && a.pipe != nil {
		a.pipe.SetMuted(muted)
	}
	if changed {
		c.emit()
	}
	c.mu.Unlock()

	switch {
	case !changed:
	case muted:
		c.sounds.Play(sfx.Mute)
	default:
		c.sounds.Play(sfx.Unmute)
	}
}

// ToggleMute flips the mute gate and returns the new value.
func (c *Controller) ToggleMute() bool {
	c.mu.Lock()
	muted := !c.muted
	c.mu.Unlock()
	c.SetMuted(muted)
	return muted
}

// SetVideo turns the video stream on or off. It has no effect when no video
// source is configured.
func (c *Controller) SetVideo(on bool) {
	if c.cfg.OpenVideo == nil {
		return
	}
	c.videoOn.Store(on)
	c.mu.Lock()
	c.emit()
	c.mu.Unlock()
}

// SendText sends a typed user turn on the open session.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	a := c.cur
	if !c.state.Open() || a == nil || a.sess == nil {
		c.mu.Unlock()
		return ErrNotOpen
	}
	sess := a.sess
	c.mu.Unlock()
	if err := sess.SendText(text); err != nil {
		return fmt.Errorf("call: send text: %w", err)
	}
	return nil
}

// ── transport events ──────────────────────────────────────────────────────────

func (c *Controller) onOpen(a *attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != a || a.done {
		return
	}
	if a.sess == nil {
		// Connect has not returned yet.
		a.openPending = true
		return
	}
	c.open(a)
}

// open starts the capture and video goroutines. Caller holds c.mu.
func (c *Controller) open(a *attempt) {
	ctx := a.ctx
	log := observe.Logger(ctx)
	pipe := capture.New(a.sess,
		capture.WithBacklog(c.cfg.Backlog),
		capture.WithVolumeHook(c.cfg.Observer.OnVolume),
		capture.WithOutcomeHook(func(o capture.Outcome) {
			if m := c.cfg.Metrics; m != nil {
				m.RecordCaptureFrame(ctx, o.String())
			}
		}),
	)
	pipe.SetMuted(c.muted)
	if err := pipe.Start(a.mic); err != nil {
		log.Warn("call: capture start failed", "err", err)
	}
	a.pipe = pipe
	a.sched.Arm()

	if c.cfg.OpenVideo != nil {
		g, gctx := errgroup.WithContext(ctx)
		sess := a.sess
		g.Go(func() error { return c.runVideo(gctx, sess) })
		a.group = g
	}

	if m := c.cfg.Metrics; m != nil {
		m.LiveConnectDuration.Record(ctx, time.Since(a.started).Seconds())
	}
	log.Info("call: session open", "elapsed", time.Since(a.started))
	c.setState(OpenIdle, nil)
}

func (c *Controller) onMessage(a *attempt, m live.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != a || a.done || a.sched == nil {
		return
	}
	ctx := a.ctx
	log := observe.Logger(ctx)

	if m.Interrupted {
		if c.cfg.BargeIn {
			n := a.sched.Interrupt()
			if met := c.cfg.Metrics; met != nil {
				met.RecordInterrupt(ctx, "remote_barge_in")
			}
			log.Debug("call: playback interrupted", "sources", n)
			if c.state == RemoteSpeaking {
				c.setState(OpenIdle, nil)
			}
		} else {
			log.Debug("call: interruption ignored; barge-in disabled")
		}
	}

	for _, payload := range m.Audio {
		buf, err := audio.DecodeChunk(payload)
		if err != nil {
			log.Warn("call: skipping audio chunk", "err", err)
			continue
		}
		if _, err := a.sched.Enqueue(buf); err != nil {
			log.Warn("call: skipping audio chunk", "err", err)
			continue
		}
		if met := c.cfg.Metrics; met != nil {
			met.PlaybackChunks.Add(ctx, 1)
			met.RecordPlayback(ctx, buf.Duration())
		}
		if c.state == OpenIdle {
			c.setState(RemoteSpeaking, nil)
		}
	}

	c.transcript(SpeakerUser, m.InputTranscript, true)
	c.transcript(SpeakerModel, m.OutputTranscript, true)
	for _, t := range m.Text {
		c.transcript(SpeakerModel, t, false)
	}
}

func (c *Controller) transcript(who Speaker, text string, spoken bool) {
	if text == "" || c.cfg.Observer.OnTranscript == nil {
		return
	}
	c.cfg.Observer.OnTranscript(Transcript{Speaker: who, Text: text, Spoken: spoken})
}

// onIdle runs when the last scheduled buffer finished playing.
func (c *Controller) onIdle(a *attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != a || a.done || a.sched == nil {
		return
	}
	if c.state == RemoteSpeaking && a.sched.Active() == 0 {
		c.setState(OpenIdle, nil)
	}
}

// fail moves the call to [Error] and tears it down. Transport callbacks
// pass async so that teardown never runs on the transport's own goroutine.
func (c *Controller) fail(a *attempt, err error, async bool) {
	c.mu.Lock()
	if c.cur != a || a.done {
		c.mu.Unlock()
		return
	}
	c.detach(a)
	c.setState(Error, err)
	c.mu.Unlock()
	c.finish(a, async)
}

func (c *Controller) onRemoteClose(a *attempt) {
	c.mu.Lock()
	if c.cur != a || a.done {
		c.mu.Unlock()
		return
	}
	c.detach(a)
	c.setState(Closed, nil)
	c.mu.Unlock()
	c.finish(a, true)
}

func (c *Controller) finish(a *attempt, async bool) {
	if !async {
		_ = c.teardown(a)
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		_ = c.teardown(a)
	}()
}

// ── teardown ──────────────────────────────────────────────────────────────────

// detach marks a as finished so that no callback touches it again.
// Caller holds c.mu.
func (c *Controller) detach(a *attempt) {
	a.done = true
	a.cancel()
}

// teardown releases the resources of a in order. Every step runs; errors are
// logged and joined.
func (c *Controller) teardown(a *attempt) error {
	c.mu.Lock()
	mic, sched, sess, pipe, group := a.mic, a.sched, a.sess, a.pipe, a.group
	a.mic, a.sched, a.sess, a.pipe, a.group = nil, nil, nil, nil, nil
	c.mu.Unlock()

	log := observe.Logger(a.ctx)
	var errs []error
	step := func(name string, fn func() error) {
		if err := fn(); err != nil {
			log.Warn("call: teardown step failed", "step", name, "err", err)
			errs = append(errs, fmt.Errorf("call: %s: %w", name, err))
		}
	}

	// 1. capture
	if pipe != nil {
		step("stop capture", pipe.Stop)
	} else if mic != nil {
		step("stop capture", mic.Close)
	}
	if group != nil {
		step("stop video", group.Wait)
	}

	// 2. playback
	if sched != nil {
		if n := sched.Interrupt(); n > 0 {
			if m := c.cfg.Metrics; m != nil {
				m.RecordInterrupt(a.ctx, "teardown")
			}
		}
	}

	// 3. transport
	if sess != nil {
		step("close transport", sess.Close)
	}

	// 4. devices
	if sched != nil {
		step("release output", sched.DrainAndStop)
	}
	if mic != nil {
		step("release input", mic.Release)
	}

	if m := c.cfg.Metrics; m != nil {
		m.ActiveCalls.Add(context.Background(), -1)
	}
	log.Info("call: ended", "duration", time.Since(a.started))
	return errors.Join(errs...)
}

// ── video ─────────────────────────────────────────────────────────────────────

// runVideo sends one frame per interval while video is on. A source that
// fails to open, or keeps failing, ends the loop and the call continues
// audio-only.
func (c *Controller) runVideo(ctx context.Context, sess live.Session) error {
	log := observe.Logger(ctx)
	src, err := c.cfg.OpenVideo()
	if err != nil {
		log.Warn("call: video unavailable, continuing audio-only", "err", err)
		return nil
	}
	defer src.Close()

	ticker := time.NewTicker(c.cfg.VideoInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !c.videoOn.Load() || !sess.Ready() {
			continue
		}
		frame, err := src.Next()
		if err != nil {
			failures++
			if errors.Is(err, video.ErrClosed) || failures >= maxVideoFailures {
				log.Warn("call: video stopped, continuing audio-only", "err", err)
				return nil
			}
			log.Debug("call: video frame failed", "err", err)
			continue
		}
		failures = 0
		if err := sess.Send(frame); err != nil {
			log.Debug("call: video frame dropped", "err", err)
			continue
		}
		if m := c.cfg.Metrics; m != nil {
			m.VideoFrames.Add(ctx, 1)
		}
	}
}

// ── status ────────────────────────────────────────────────────────────────────

// setState records a transition and notifies the observer. Caller holds c.mu.
func (c *Controller) setState(s State, err error) {
	c.state = s
	c.err = err
	c.kind = KindNone
	if s == Error {
		c.kind = Classify(err)
	}
	if m := c.cfg.Metrics; m != nil {
		m.RecordTransition(context.Background(), s.String())
	}
	slog.Debug("call: state", "state", s, "kind", c.kind)
	c.emit()
}

func (c *Controller) emit() {
	if c.cfg.Observer.OnStatus != nil {
		c.cfg.Observer.OnStatus(c.status())
	}
}

func (c *Controller) status() Status {
	return Status{
		State: c.state,
		Kind:  c.kind,
		Label: c.labels.For(c.state, c.kind),
		Muted: c.muted,
		Video: c.cfg.OpenVideo != nil && c.videoOn.Load(),
		Err:   c.err,
	}
}
