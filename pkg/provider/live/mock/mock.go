// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out a scripted Session. The
// test drives the session's callbacks with Open, Message, Fail and
// CloseRemote, and inspects what the consumer sent.
//
// Example:
//
//	sess := &mock.Session{}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg, callbacks)
//	sess.Open()
//	sess.Message(live.ServerMessage{Interrupted: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect creates one and stores
	// it here.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call, binds cb to Session and returns it.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig, cb live.Callbacks) (live.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = &Session{}
	}
	p.Session.bind(cb)
	return p.Session, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// CurrentSession returns the session handed out by Connect, if any.
func (p *Provider) CurrentSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Session
}

var _ live.Provider = (*Provider)(nil)

// Session is a mock implementation of live.Session. It honours the same
// readiness rules as a real session: Send fails with live.ErrNotReady until
// Open and with live.ErrClosed after either side closed it.
type Session struct {
	mu sync.Mutex

	cb     live.Callbacks
	ready  bool
	closed bool
	local  bool

	// SendErr, if non-nil, is returned by Send once the session is ready.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	sent           []audio.Blob
	texts          []string
	closeCallCount int
}

func (s *Session) bind(cb live.Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}

// Send records blob if the session is open.
func (s *Session) Send(blob audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return live.ErrClosed
	case !s.ready:
		return live.ErrNotReady
	case s.SendErr != nil:
		return s.SendErr
	}
	s.sent = append(s.sent, blob)
	return nil
}

// SendText records text if the session is open.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return live.ErrClosed
	case !s.ready:
		return live.ErrNotReady
	}
	s.texts = append(s.texts, text)
	return nil
}

// Ready reports whether Open was called and the session is not closed.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closed
}

// Close marks the session locally closed. Later Fail and CloseRemote calls
// deliver nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCallCount++
	s.closed = true
	s.local = true
	return s.CloseErr
}

// ── Scripting ─────────────────────────────────────────────────────────────────

// Open marks the session ready and fires OnOpen.
func (s *Session) Open() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.ready = true
	fn := s.cb.OnOpen
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Message delivers m to OnMessage unless the session was closed locally.
func (s *Session) Message(m live.ServerMessage) {
	s.mu.Lock()
	if s.local {
		s.mu.Unlock()
		return
	}
	fn := s.cb.OnMessage
	s.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// Fail ends the session with err delivered to OnError.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ready = false
	fn := s.cb.OnError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// CloseRemote ends the session as if the server closed it normally.
func (s *Session) CloseRemote() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.ready = false
	fn := s.cb.OnClose
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ── Inspection ────────────────────────────────────────────────────────────────

// Sent returns a copy of the blobs accepted by Send.
func (s *Session) Sent() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.sent...)
}

// Texts returns a copy of the turns accepted by SendText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// CloseCallCount returns how many times Close was called.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCallCount
}

var _ live.Session = (*Session)(nil)
