package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/harvic/pkg/audio"
	"github.com/MrWong99/harvic/pkg/provider/live"
	"github.com/MrWong99/harvic/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// skipSetup reads and discards the client's setup message.
func skipSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
}

// recorder collects callback events.
type recorder struct {
	mu       sync.Mutex
	opened   chan struct{}
	messages chan live.ServerMessage
	errs     chan error
	closed   chan struct{}
	opens    int
}

func newRecorder() *recorder {
	return &recorder{
		opened:   make(chan struct{}, 1),
		messages: make(chan live.ServerMessage, 16),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}, 1),
	}
}

func (r *recorder) callbacks() live.Callbacks {
	return live.Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			r.opens++
			r.mu.Unlock()
			r.opened <- struct{}{}
		},
		OnMessage: func(m live.ServerMessage) { r.messages <- m },
		OnError:   func(err error) { r.errs <- err },
		OnClose:   func() { r.closed <- struct{}{} },
	}
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
	}
	var zero T
	return zero
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-api-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestConnect_SetupMessage(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}
	setupCh := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		setupCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{
		Instructions: "You are Harvic.",
		Transcribe:   true,
	}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if key := wait(t, keyCh, "api key"); key != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", key)
	}
	msg := wait(t, setupCh, "setup message")
	if want := "models/gemini-2.5-flash-native-audio-preview-09-2025"; msg.Setup.Model != want {
		t.Errorf("model = %q, want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", got)
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Zephyr" {
		t.Errorf("voice = %q, want Zephyr", got)
	}
	if parts := msg.Setup.SystemInstruction.Parts; len(parts) != 1 || parts[0].Text != "You are Harvic." {
		t.Errorf("system instruction = %+v", parts)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription not requested")
	}
}

func TestConnect_SessionOverridesModelAndVoice(t *testing.T) {
	t.Parallel()

	setupCh := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg map[string]any
		readJSON(t, conn, &msg)
		setupCh <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv, gemini.WithModel("provider-model"), gemini.WithVoice("Puck"))
	sess, err := p.Connect(context.Background(), live.SessionConfig{Model: "models/session-model", Voice: "Kore"}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	raw, _ := json.Marshal(wait(t, setupCh, "setup"))
	s := string(raw)
	if !strings.Contains(s, `"model":"models/session-model"`) {
		t.Errorf("setup does not carry session model: %s", s)
	}
	if !strings.Contains(s, `"voiceName":"Kore"`) {
		t.Errorf("setup does not carry session voice: %s", s)
	}
	if strings.Contains(s, "inputAudioTranscription") {
		t.Errorf("transcription requested without Transcribe: %s", s)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, live.Callbacks{})
	if !errors.Is(err, live.ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
}

// ── Readiness and sends ───────────────────────────────────────────────────────

func TestSession_OpenOnSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if sess.Ready() {
		t.Error("Ready before setupComplete")
	}
	if err := sess.Send(audio.WirePacket([]float32{0})); !errors.Is(err, live.ErrNotReady) {
		t.Errorf("Send before open err = %v, want ErrNotReady", err)
	}

	close(release)
	wait(t, rec.opened, "OnOpen")
	if !sess.Ready() {
		t.Error("not Ready after OnOpen")
	}
}

func TestSession_SendsMediaInOrder(t *testing.T) {
	t.Parallel()

	type chunkMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	got := make(chan chunkMsg, 3)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		for range 3 {
			var m chunkMsg
			readJSON(t, conn, &m)
			got <- m
		}
	})

	rec := newRecorder()
	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	wait(t, rec.opened, "OnOpen")

	blobs := []audio.Blob{
		audio.WirePacket([]float32{0.1}),
		audio.WirePacket([]float32{0.2}),
		{MIMEType: "image/jpeg", Data: "/9j/"},
	}
	for _, b := range blobs {
		if err := sess.Send(b); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for i, want := range blobs {
		m := wait(t, got, "media chunk")
		chunks := m.RealtimeInput.MediaChunks
		if len(chunks) != 1 || chunks[0].MIMEType != want.MIMEType || chunks[0].Data != want.Data {
			t.Errorf("chunk %d = %+v, want %+v", i, chunks, want)
		}
	}
}

func TestSession_SendText(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		var m struct {
			ClientContent struct {
				Turns []struct {
					Role  string `json:"role"`
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"turns"`
				TurnComplete bool `json:"turnComplete"`
			} `json:"clientContent"`
		}
		readJSON(t, conn, &m)
		if !m.ClientContent.TurnComplete || len(m.ClientContent.Turns) != 1 {
			t.Errorf("unexpected clientContent: %+v", m)
			got <- ""
			return
		}
		got <- m.ClientContent.Turns[0].Role + ":" + m.ClientContent.Turns[0].Parts[0].Text
	})

	rec := newRecorder()
	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	wait(t, rec.opened, "OnOpen")

	if err := sess.SendText("status report"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if v := wait(t, got, "client content"); v != "user:status report" {
		t.Errorf("got %q", v)
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestSession_DispatchesServerContent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAA="}},
						{"text": "Roger."},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AQA="}},
					},
				},
				"outputTranscription": map[string]any{"text": "Roger"},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"interrupted":        true,
				"inputTranscription": map[string]any{"text": "stop"},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	wait(t, rec.opened, "OnOpen")

	first := wait(t, rec.messages, "model turn")
	if len(first.Audio) != 2 || first.Audio[0] != "AAA=" || first.Audio[1] != "AQA=" {
		t.Errorf("audio = %v, want [AAA= AQA=]", first.Audio)
	}
	if len(first.Text) != 1 || first.Text[0] != "Roger." {
		t.Errorf("text = %v", first.Text)
	}
	if first.OutputTranscript != "Roger" {
		t.Errorf("output transcript = %q", first.OutputTranscript)
	}

	second := wait(t, rec.messages, "interruption")
	if !second.Interrupted || second.InputTranscript != "stop" {
		t.Errorf("second message = %+v", second)
	}
	if third := wait(t, rec.messages, "turn complete"); !third.TurnComplete {
		t.Errorf("third message = %+v", third)
	}
}

func TestSession_MalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if m := wait(t, rec.messages, "message after malformed frame"); !m.TurnComplete {
		t.Errorf("message = %+v", m)
	}
}

func TestSession_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	err = wait(t, rec.errs, "OnError")
	if !errors.Is(err, live.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("err = %v, want server message", err)
	}
	select {
	case <-rec.closed:
		t.Error("OnClose fired after OnError")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSession_ServerCloseReportsOnClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	rec := newRecorder()
	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	wait(t, rec.opened, "OnOpen")
	wait(t, rec.closed, "OnClose")
	if sess.Ready() {
		t.Error("Ready after server close")
	}
	if err := sess.Send(audio.WirePacket([]float32{0})); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after server close err = %v, want ErrClosed", err)
	}
}

func TestSession_CloseIdempotentAndSilent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		skipSetup(t, conn)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	wait(t, rec.opened, "OnOpen")

	if err := sess.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.Send(audio.WirePacket([]float32{0})); !errors.Is(err, live.ErrClosed) {
		t.Errorf("Send after Close err = %v, want ErrClosed", err)
	}

	select {
	case <-rec.closed:
		t.Error("OnClose fired for a locally closed session")
	case err := <-rec.errs:
		t.Errorf("OnError fired for a locally closed session: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.opens != 1 {
		t.Errorf("OnOpen fired %d times, want 1", rec.opens)
	}
}
