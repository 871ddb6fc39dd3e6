// Package chat runs streamed text conversations against a chat-completion
// backend and records them in the chat history.
//
// A [Service] sends the current session's messages, trimmed to a token
// budget, together with a system prompt that names the user. Every delta is
// forwarded to the caller as it arrives; the complete reply is persisted once
// the stream ends. A failed reply is persisted too, as a fixed assistant
// message, so the transcript shows where the conversation broke off.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/harvic/internal/history"
	"github.com/MrWong99/harvic/internal/observe"
	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/audio/sfx"
	"github.com/MrWong99/harvic/pkg/provider/live"
	"github.com/MrWong99/harvic/pkg/provider/llm"
)

const (
	// FailureMessage is stored as the assistant reply when generation fails.
	FailureMessage = "Neural link timeout. Check your API key and network configuration."

	// UserPlaceholder is replaced by the user's name in the system prompt.
	UserPlaceholder = "{user}"

	// DefaultSystemPrompt is the persona used when none is configured.
	DefaultSystemPrompt = "You are Harvic Jr., a world-class space-themed AI assistant developed by HanBak Org. " +
		"The user's name is {user}. Protocol version: 6.2 Pro. " +
		"Tone: Highly intelligent, efficient, kid-friendly but professional. " +
		"In Voice mode: Respond concisely. Creators: HanBak Org."

	defaultHistoryTokens = 8000
)

// ErrEmptyMessage is returned by Send for blank input.
var ErrEmptyMessage = errors.New("chat: message must not be empty")

// Service sends chat turns. Safe for concurrent use, although concurrent
// sends interleave in the same session.
type Service struct {
	llm      llm.Provider
	store    *history.Store
	sounds   sfx.Player
	metrics  *observe.Metrics
	provider string

	systemPrompt  string
	historyTokens int
	temperature   float64
	maxTokens     int
}

// Option configures a [Service].
type Option func(*Service)

// WithSounds plays the receive cue when a reply completes.
func WithSounds(p sfx.Player) Option {
	return func(s *Service) { s.sounds = p }
}

// WithMetrics records chat latencies and provider outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithProviderName labels provider metrics. Default "llm".
func WithProviderName(name string) Option {
	return func(s *Service) { s.provider = name }
}

// WithSystemPrompt overrides the persona. Every occurrence of
// [UserPlaceholder] is replaced with the user's name.
func WithSystemPrompt(prompt string) Option {
	return func(s *Service) {
		if strings.TrimSpace(prompt) != "" {
			s.systemPrompt = prompt
		}
	}
}

// WithHistoryTokens caps the estimated size of the history sent with each
// turn. Older messages are left out first. Default 8000.
func WithHistoryTokens(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.historyTokens = n
		}
	}
}

// WithSampling sets the temperature and completion length. Zero values keep
// the backend defaults.
func WithSampling(temperature float64, maxTokens int) Option {
	return func(s *Service) {
		s.temperature = temperature
		s.maxTokens = maxTokens
	}
}

// New returns a Service that generates with p and records into store.
func New(p llm.Provider, store *history.Store, opts ...Option) *Service {
	s := &Service{
		llm:           p,
		store:         store,
		sounds:        sfx.Nop{},
		provider:      "llm",
		systemPrompt:  DefaultSystemPrompt,
		historyTokens: defaultHistoryTokens,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SystemPrompt returns the persona prompt for userName.
func (s *Service) SystemPrompt(userName string) string {
	return ExpandPrompt(s.systemPrompt, userName)
}

// ExpandPrompt replaces every [UserPlaceholder] in prompt with userName.
func ExpandPrompt(prompt, userName string) string {
	return strings.ReplaceAll(prompt, UserPlaceholder, userName)
}

// Send appends text as a user message to the current session, streams the
// reply and stores it. onDelta, when non-nil, receives every text fragment
// in order. The returned message is the stored reply with the sources the
// backend cited, in order of first citation.
//
// When the backend fails, [FailureMessage] is stored as the reply and the
// returned error wraps [live.ErrTransport].
func (s *Service) Send(ctx context.Context, text string, onDelta func(string)) (reply history.Message, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return history.Message{}, ErrEmptyMessage
	}

	ctx, span := observe.StartSpan(ctx, "chat.send")
	defer func() { observe.EndSpan(span, err) }()
	ctx = observe.WithAttrs(ctx, slog.String("provider", s.provider))
	log := observe.Logger(ctx)

	if _, err := s.store.AppendMessage(ctx, history.RoleUser, text); err != nil {
		return history.Message{}, fmt.Errorf("chat: send: %w", err)
	}
	req, err := s.request(ctx)
	if err != nil {
		return history.Message{}, fmt.Errorf("chat: send: %w", err)
	}

	start := time.Now()
	answer, sources, genErr := s.generate(ctx, req, start, onDelta)
	if genErr != nil {
		log.Warn("chat: generation failed", "err", genErr)
		s.recordRequest(ctx, "error")
		if _, err := s.store.AppendMessage(context.WithoutCancel(ctx), history.RoleAssistant, FailureMessage); err != nil {
			log.Error("chat: failed to store failure message", "err", err)
		}
		return history.Message{}, fmt.Errorf("chat: send: %w: %w", live.ErrTransport, genErr)
	}

	s.recordRequest(ctx, "ok")
	if s.metrics != nil {
		s.metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())
	}
	s.sounds.Play(sfx.Receive)
	reply, err = s.store.AppendMessage(ctx, history.RoleAssistant, answer, sources...)
	if err != nil {
		return history.Message{Role: history.RoleAssistant, Text: answer, Sources: sources}, fmt.Errorf("chat: store reply: %w", err)
	}
	log.Debug("chat: reply complete", "chars", len(answer), "sources", len(sources), "elapsed", time.Since(start))
	return reply, nil
}

// request builds the completion request from the current session.
func (s *Service) request(ctx context.Context) (llm.CompletionRequest, error) {
	name, err := s.store.UserName(ctx)
	if err != nil {
		return llm.CompletionRequest{}, err
	}
	sess, err := s.store.Current(ctx)
	if err != nil {
		return llm.CompletionRequest{}, err
	}

	msgs := make([]llm.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		role := llm.RoleUser
		if m.Role == history.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Text})
	}
	return llm.CompletionRequest{
		Messages:     s.trim(msgs),
		SystemPrompt: s.SystemPrompt(name),
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	}, nil
}

// trim drops the oldest messages until the estimate fits the budget, then
// any assistant turns left at the front so the history opens with a user
// turn. The newest message is always kept.
func (s *Service) trim(msgs []llm.Message) []llm.Message {
	for len(msgs) > 1 && s.llm.CountTokens(msgs) > s.historyTokens {
		msgs = msgs[1:]
	}
	for len(msgs) > 1 && msgs[0].Role != llm.RoleUser {
		msgs = msgs[1:]
	}
	return msgs
}

func (s *Service) generate(ctx context.Context, req llm.CompletionRequest, start time.Time, onDelta func(string)) (string, []history.Source, error) {
	ch, err := s.llm.StreamCompletion(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var (
		reply   strings.Builder
		sources []history.Source
		seen    = make(map[string]bool)
		first   = true
	)
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishError {
			audio.Drain(ch)
			return "", nil, errors.New(chunk.Text)
		}
		for _, src := range chunk.Sources {
			if src.URL == "" || seen[src.URL] {
				continue
			}
			seen[src.URL] = true
			sources = append(sources, history.Source{Title: src.Title, URL: src.URL})
		}
		if chunk.Text == "" {
			continue
		}
		if first {
			first = false
			if s.metrics != nil {
				s.metrics.ChatFirstDelta.Record(ctx, time.Since(start).Seconds())
			}
		}
		reply.WriteString(chunk.Text)
		if onDelta != nil {
			onDelta(chunk.Text)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return reply.String(), sources, nil
}

func (s *Service) recordRequest(ctx context.Context, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordProviderRequest(ctx, s.provider, "chat", status)
	if status != "ok" {
		s.metrics.RecordProviderError(ctx, s.provider, "chat")
	}
}
