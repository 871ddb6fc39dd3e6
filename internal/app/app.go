// Package app wires all harvic subsystems into a running application.
//
// The App struct owns the shared lifetimes: New opens the history store,
// the feedback speaker and the metrics instruments; Chat and Call build the
// per-command services on top of them; Shutdown tears everything down in
// order.
//
// For testing, inject fakes via functional options (WithStore, WithSounds,
// WithDevices, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/harvic/internal/call"
	"github.com/MrWong99/harvic/internal/chat"
	"github.com/MrWong99/harvic/internal/config"
	"github.com/MrWong99/harvic/internal/health"
	"github.com/MrWong99/harvic/internal/history"
	"github.com/MrWong99/harvic/internal/kv"
	"github.com/MrWong99/harvic/internal/observe"
	"github.com/MrWong99/harvic/internal/video"
	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/audio/miniaudio"
	"github.com/MrWong99/harvic/pkg/audio/playback"
	"github.com/MrWong99/harvic/pkg/audio/sfx"
	"github.com/MrWong99/harvic/pkg/audio/sfx/speaker"
	"github.com/MrWong99/harvic/pkg/provider/live"
	"github.com/MrWong99/harvic/pkg/provider/llm"
)

// diagnosticsRoutes are the paths recorded with their own metric label.
var diagnosticsRoutes = []string{"/metrics", "/healthz", "/readyz"}

// App owns the subsystems shared by every harvic command.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	getenv  func(string) string
	metrics *observe.Metrics

	store   kv.Store
	history *history.Store
	sounds  sfx.Player

	openMic    func() (call.Microphone, error)
	openOutput func() (playback.Output, error)

	// persona is swapped on config reload.
	mu      sync.RWMutex
	persona config.PersonaConfig

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a key/value store instead of opening one from config.
// The caller keeps ownership; Shutdown does not close it.
func WithStore(s kv.Store) Option {
	return func(a *App) { a.store = s }
}

// WithSounds injects a feedback player instead of opening the speaker.
func WithSounds(p sfx.Player) Option {
	return func(a *App) { a.sounds = p }
}

// WithMetrics injects the metric instruments instead of the global ones.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithDevices replaces the miniaudio microphone and speaker.
func WithDevices(openMic func() (call.Microphone, error), openOutput func() (playback.Output, error)) Option {
	return func(a *App) {
		a.openMic = openMic
		a.openOutput = openOutput
	}
}

// WithGetenv replaces the environment lookup used for the API key.
func WithGetenv(fn func(string) string) Option {
	return func(a *App) { a.getenv = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. reg resolves the providers named in
// cfg.Providers; they are created lazily by Chat and Call so that a missing
// API key only fails the command that needs it.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		reg:     reg,
		getenv:  os.Getenv,
		persona: cfg.Persona,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. History store ─────────────────────────────────────────────────
	if a.store == nil {
		store, err := kv.Open(ctx, kv.Options{
			Backend: cfg.Storage.Backend,
			Path:    cfg.Storage.Path,
			DSN:     cfg.Storage.PostgresDSN,
		})
		if err != nil {
			return nil, fmt.Errorf("app: open storage: %w", err)
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}
	a.history = history.New(a.store)

	// ── 2. Feedback sounds ───────────────────────────────────────────────
	a.initSounds()

	// ── 3. Devices ───────────────────────────────────────────────────────
	if a.openMic == nil {
		a.openMic = func() (call.Microphone, error) {
			return miniaudio.OpenCapture(miniaudio.CaptureConfig{Device: cfg.Audio.InputDevice})
		}
	}
	if a.openOutput == nil {
		a.openOutput = func() (playback.Output, error) {
			return miniaudio.OpenPlayback(miniaudio.PlaybackConfig{Device: cfg.Audio.OutputDevice})
		}
	}

	return a, nil
}

// initSounds opens the cue speaker. A missing speaker disables the cues
// rather than failing startup.
func (a *App) initSounds() {
	if a.sounds != nil {
		return
	}
	if !a.cfg.Audio.SoundsEnabled() {
		a.sounds = sfx.Nop{}
		return
	}
	sp, err := speaker.Open(audio.OutputSampleRate, a.cfg.Audio.SoundGain)
	if err != nil {
		slog.Warn("feedback sounds disabled", "err", err)
		a.sounds = sfx.Nop{}
		return
	}
	a.sounds = sp
	a.closers = append(a.closers, sp.Close)
}

// History returns the chat history store.
func (a *App) History() *history.Store { return a.history }

// Sounds returns the feedback player.
func (a *App) Sounds() sfx.Player { return a.sounds }

// SetPersona replaces the persona used by chats and calls created afterwards.
func (a *App) SetPersona(p config.PersonaConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persona = p
}

func (a *App) currentPersona() config.PersonaConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.persona
}

// ─── Providers ───────────────────────────────────────────────────────────────

// apiKey resolves the shared credential. Providers other than the Gemini
// family may run without it: they carry their own key or fall back to
// their backend's environment variable.
func (a *App) apiKey(entry config.ProviderEntry) (string, error) {
	key, err := a.cfg.ResolveAPIKey(a.getenv)
	if err != nil && entry.APIKey == "" && entry.Name == config.DefaultLiveProvider {
		return "", err
	}
	return key, nil
}

func (a *App) chatProvider() (llm.Provider, error) {
	entry := a.cfg.Providers.Chat
	key, err := a.apiKey(entry)
	if err != nil {
		return nil, err
	}
	p, err := a.reg.CreateLLM(entry, key)
	if err != nil {
		return nil, fmt.Errorf("app: create chat provider %q: %w", entry.Name, err)
	}
	slog.Debug("provider created", "kind", "chat", "name", entry.Name, "model", entry.Model)
	return p, nil
}

func (a *App) liveProvider() (live.Provider, error) {
	entry := a.cfg.Providers.Live
	key, err := a.apiKey(entry)
	if err != nil {
		return nil, err
	}
	p, err := a.reg.CreateLive(entry, key)
	if err != nil {
		return nil, fmt.Errorf("app: create live provider %q: %w", entry.Name, err)
	}
	slog.Debug("provider created", "kind", "live", "name", entry.Name, "model", entry.Model)
	return p, nil
}

// ─── Chat ────────────────────────────────────────────────────────────────────

// Chat returns a chat service for the configured chat provider.
func (a *App) Chat() (*chat.Service, error) {
	p, err := a.chatProvider()
	if err != nil {
		return nil, err
	}
	c := a.cfg.Chat
	return chat.New(p, a.history,
		chat.WithSounds(a.sounds),
		chat.WithMetrics(a.metrics),
		chat.WithProviderName(a.cfg.Providers.Chat.Name),
		chat.WithSystemPrompt(a.currentPersona().SystemPrompt),
		chat.WithHistoryTokens(c.HistoryTokens),
		chat.WithSampling(c.Temperature, c.MaxTokens),
	), nil
}

// ─── Call ────────────────────────────────────────────────────────────────────

// Call modes.
const (
	// ModeAssistant is the plain voice assistant.
	ModeAssistant = "assistant"

	// ModeIQ turns the assistant into a spoken logic and math quiz.
	ModeIQ = "iq"
)

const (
	iqInstruction = "ACT AS AN IQ TESTER. Ask the user 5 varied logic and math questions. " +
		"Evaluate their answers with voice and give a final score."
	iqVoice     = "Charon"
	iqListening = "Conducting IQ Test..."
)

// ErrUnknownMode is returned by Call for a mode other than [ModeAssistant]
// or [ModeIQ].
var ErrUnknownMode = errors.New("app: unknown call mode")

type callSettings struct {
	mode string
}

// CallOption configures [App.Call].
type CallOption func(*callSettings)

// WithMode selects the call mode. The default is [ModeAssistant].
func WithMode(mode string) CallOption {
	return func(s *callSettings) { s.mode = mode }
}

// Call returns a call controller wired to the audio devices, the video
// source and the live provider. The persona instruction is addressed to the
// stored user name.
//
// In [ModeIQ] the quiz instruction is appended to the persona, the voice
// switches to Charon unless a voice other than the default is configured,
// and the listening label reads "Conducting IQ Test..." unless the persona
// sets one.
func (a *App) Call(ctx context.Context, obs call.Observer, opts ...CallOption) (*call.Controller, error) {
	cs := callSettings{mode: ModeAssistant}
	for _, o := range opts {
		o(&cs)
	}
	if cs.mode != ModeAssistant && cs.mode != ModeIQ {
		return nil, fmt.Errorf("%w %q", ErrUnknownMode, cs.mode)
	}

	name, err := a.history.UserName(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: read user name: %w", err)
	}
	persona := a.currentPersona()
	prompt := persona.SystemPrompt
	if prompt == "" {
		prompt = chat.DefaultSystemPrompt
	}
	voice := a.cfg.Providers.Live.Voice
	if cs.mode == ModeIQ {
		prompt += "\n\n" + iqInstruction
		if voice == "" || voice == config.DefaultLiveVoice {
			voice = iqVoice
		}
		if persona.Labels.Listening == "" {
			persona.Labels.Listening = iqListening
		}
	}

	cfg := call.Config{
		Provider: a.liveProvider,
		Session: live.SessionConfig{
			Model:        a.cfg.Providers.Live.Model,
			Voice:        voice,
			Instructions: chat.ExpandPrompt(prompt, name),
			Transcribe:   true,
		},
		OpenMicrophone: a.openMic,
		OpenOutput:     a.openOutput,
		BargeIn:        a.cfg.Audio.BargeInEnabled(),
		Backlog:        a.cfg.Audio.PreopenBacklog,
		Labels:         labels(persona.Labels),
		Sounds:         a.sounds,
		Metrics:        a.metrics,
		Observer:       obs,
	}
	if v := a.cfg.Video; v.Enabled {
		opts := video.Options{Kind: v.Source, Dir: v.Dir, Width: v.Width, Height: v.Height, Quality: v.Quality}
		cfg.OpenVideo = func() (video.Source, error) { return video.Open(opts) }
		cfg.VideoInterval = time.Duration(float64(time.Second) / v.FPS)
	}
	return call.New(cfg), nil
}

func labels(l config.LabelsConfig) call.Labels {
	return call.Labels{
		Standby:           l.Standby,
		Connecting:        l.Connecting,
		Listening:         l.Listening,
		Talking:           l.Talking,
		Offline:           l.Offline,
		NoMicrophone:      l.NoMicrophone,
		AccessDenied:      l.AccessDenied,
		SignalLost:        l.SignalLost,
		CredentialMissing: l.CredentialMissing,
	}
}

// ─── Diagnostics ─────────────────────────────────────────────────────────────

// DiagnosticsHandler returns the /metrics, /healthz and /readyz routes
// wrapped in the observe middleware.
func (a *App) DiagnosticsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler())
	health.New(health.Ping("storage", a.store)).Register(mux)
	return observe.Middleware(a.metrics, diagnosticsRoutes...)(mux)
}

// Serve runs the diagnostics listener on addr, plus any extra loops (such as
// a config watcher), until ctx is done or one of them fails.
func (a *App) Serve(ctx context.Context, addr string, loops ...func(context.Context) error) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           a.DiagnosticsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("diagnostics listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve diagnostics: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, loop := range loops {
		g.Go(func() error { return loop(gctx) })
	}
	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}
