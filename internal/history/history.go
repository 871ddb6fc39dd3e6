// Package history persists the user's name and chat sessions in a kv.Store.
//
// Sessions are stored as one JSON array under [KeySessions], newest first,
// with the selected session id under [KeyLastSession]. Every mutation is
// written through immediately. A corrupt sessions value is logged and treated
// as an empty list so a damaged store never blocks a chat.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/MrWong99/harvic/internal/kv"
)

// Storage keys.
const (
	KeyUserName    = "harvic_user_name"
	KeySessions    = "harvic_sessions"
	KeyLastSession = "harvic_last_session"
)

const (
	// DefaultUserName is used until the user sets a name.
	DefaultUserName = "Commander"

	// DefaultTitle names a session that has no user message yet.
	DefaultTitle = "New Mission"

	titleRunes = 25
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	// ErrSessionNotFound is returned by Select for an unknown id.
	ErrSessionNotFound = errors.New("history: session not found")

	// ErrEmptyName is returned by SetUserName for a blank name.
	ErrEmptyName = errors.New("history: user name must not be empty")
)

// Source is a web page cited by an assistant message.
type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url"`
}

// Message is one chat message.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Sources   []Source  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one chat conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	Timestamp time.Time `json:"timestamp"`
}

// Store reads and writes chat history. Safe for concurrent use.
type Store struct {
	kv  kv.Store
	now func() time.Time

	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for message and session timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a Store backed by store.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{kv: store, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// UserName returns the stored user name or DefaultUserName.
func (s *Store) UserName(ctx context.Context) (string, error) {
	v, ok, err := s.kv.Get(ctx, KeyUserName)
	if err != nil {
		return "", fmt.Errorf("history: load user name: %w", err)
	}
	if !ok || strings.TrimSpace(v) == "" {
		return DefaultUserName, nil
	}
	return v, nil
}

// SetUserName stores name after trimming surrounding whitespace.
func (s *Store) SetUserName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	if err := s.kv.Set(ctx, KeyUserName, name); err != nil {
		return fmt.Errorf("history: save user name: %w", err)
	}
	return nil
}

// Sessions returns all sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Current returns the selected session. If none is selected the newest
// session is selected; if there are no sessions a new one is created.
func (s *Store) Current(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, idx, err := s.current(ctx)
	if err != nil {
		return Session{}, err
	}
	return sessions[idx], nil
}

// NewSession creates an empty session titled DefaultTitle and selects it.
func (s *Store) NewSession(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load(ctx)
	if err != nil {
		return Session{}, err
	}
	sess := s.newSession()
	sessions = append([]Session{sess}, sessions...)
	if err := s.save(ctx, sessions, sess.ID); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Select makes the session with id current.
func (s *Store) Select(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load(ctx)
	if err != nil {
		return Session{}, err
	}
	for _, sess := range sessions {
		if sess.ID == id {
			if err := s.kv.Set(ctx, KeyLastSession, id); err != nil {
				return Session{}, fmt.Errorf("history: save selection: %w", err)
			}
			return sess, nil
		}
	}
	return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// AppendMessage adds a message to the current session, with the sources it
// cites if any. The first user message of a session still titled
// DefaultTitle becomes its title, shortened to 25 characters plus "...".
func (s *Store) AppendMessage(ctx context.Context, role, text string, sources ...Source) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, idx, err := s.current(ctx)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        uuid.NewString(),
		Role:      role,
		Text:      text,
		Sources:   sources,
		Timestamp: s.now(),
	}
	sess := &sessions[idx]
	sess.Messages = append(sess.Messages, msg)
	if role == RoleUser && (sess.Title == DefaultTitle || sess.Title == "") {
		sess.Title = Title(text)
	}
	if err := s.save(ctx, sessions, sess.ID); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Clear removes every session and starts a fresh one, which is returned.
func (s *Store) Clear(ctx context.Context) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, KeySessions, KeyLastSession); err != nil {
		return Session{}, fmt.Errorf("history: clear: %w", err)
	}
	sess := s.newSession()
	if err := s.save(ctx, []Session{sess}, sess.ID); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Title derives a session title from the first user message.
func Title(text string) string {
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	return string([]rune(text)[:titleRunes]) + "..."
}

// ── internals (callers hold s.mu) ─────────────────────────────────────────────

func (s *Store) newSession() Session {
	return Session{
		ID:        uuid.NewString(),
		Title:     DefaultTitle,
		Messages:  []Message{},
		Timestamp: s.now(),
	}
}

func (s *Store) load(ctx context.Context) ([]Session, error) {
	raw, ok, err := s.kv.Get(ctx, KeySessions)
	if err != nil {
		return nil, fmt.Errorf("history: load sessions: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var sessions []Session
	if err := json.Unmarshal([]byte(raw), &sessions); err != nil {
		slog.Warn("history: discarding corrupt sessions", "err", err, "bytes", len(raw))
		return nil, nil
	}
	return sessions, nil
}

// current loads the sessions and returns the index of the selected one,
// creating or selecting a session when needed.
func (s *Store) current(ctx context.Context) ([]Session, int, error) {
	sessions, err := s.load(ctx)
	if err != nil {
		return nil, 0, err
	}
	last, _, err := s.kv.Get(ctx, KeyLastSession)
	if err != nil {
		return nil, 0, fmt.Errorf("history: load selection: %w", err)
	}
	for i, sess := range sessions {
		if sess.ID == last {
			return sessions, i, nil
		}
	}
	if len(sessions) == 0 {
		sessions = []Session{s.newSession()}
	}
	if err := s.save(ctx, sessions, sessions[0].ID); err != nil {
		return nil, 0, err
	}
	return sessions, 0, nil
}

func (s *Store) save(ctx context.Context, sessions []Session, selected string) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("history: encode sessions: %w", err)
	}
	if err := s.kv.Set(ctx, KeySessions, string(data)); err != nil {
		return fmt.Errorf("history: save sessions: %w", err)
	}
	if err := s.kv.Set(ctx, KeyLastSession, selected); err != nil {
		return fmt.Errorf("history: save selection: %w", err)
	}
	return nil
}
