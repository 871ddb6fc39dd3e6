// Package openai provides an llm.Provider for OpenAI and any server that
// speaks the chat-completions protocol (llama.cpp, vLLM, LM Studio, the
// Gemini compatibility endpoint).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/harvic/pkg/provider/llm"
)

// placeholderKey is sent to self-hosted servers that take no key.
const placeholderKey = "unused"

// ErrNoMessages is returned for a request without messages.
var ErrNoMessages = errors.New("openai: request has no messages")

// Provider streams completions from a chat-completions endpoint.
type Provider struct {
	client oai.Client
	model  string
}

var _ llm.Provider = (*Provider)(nil)

type settings struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
	httpClient   *http.Client
}

// Option configures [New].
type Option func(*settings)

// WithBaseURL points the client at a compatible server. A trailing slash is
// added when missing so that relative paths resolve below it.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		if url != "" && !strings.HasSuffix(url, "/") {
			url += "/"
		}
		s.baseURL = url
	}
}

// WithOrganization sets the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.organization = org }
}

// WithTimeout bounds each request. It is ignored when [WithHTTPClient] is
// also given.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithMaxRetries sets how often a failed request is retried. The SDK
// default applies when unset.
func WithMaxRetries(n int) Option {
	return func(s *settings) { s.maxRetries = n }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *settings) { s.httpClient = c }
}

// New returns a Provider for model. apiKey may be empty only together with
// [WithBaseURL].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	s := settings{maxRetries: -1}
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" {
		if s.baseURL == "" {
			return nil, errors.New("openai: API key required without a base URL")
		}
		apiKey = placeholderKey
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if s.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(s.baseURL))
	}
	if s.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(s.organization))
	}
	switch {
	case s.httpClient != nil:
		reqOpts = append(reqOpts, option.WithHTTPClient(s.httpClient))
	case s.timeout > 0:
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: s.timeout}))
	}
	if s.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(s.maxRetries))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// StreamCompletion implements llm.Provider. HTTP failures before the first
// event are returned directly; later ones arrive as a FinishError chunk.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.params(req)
	if err != nil {
		return nil, err
	}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	ch := make(chan llm.Chunk, 32)
	go pump(ctx, stream, ch)
	return ch, nil
}

// pump forwards stream events to ch and closes both.
func pump(ctx context.Context, stream *ssestream.Stream[oai.ChatCompletionChunk], ch chan<- llm.Chunk) {
	defer close(ch)
	defer stream.Close()

	send := func(c llm.Chunk) bool {
		select {
		case ch <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for stream.Next() {
		ev := stream.Current()
		if len(ev.Choices) == 0 {
			continue
		}
		choice := ev.Choices[0]
		sources := citations(choice.Delta.RawJSON())
		if choice.Delta.Content == "" && choice.FinishReason == "" && len(sources) == 0 {
			continue
		}
		if !send(llm.Chunk{Text: choice.Delta.Content, FinishReason: choice.FinishReason, Sources: sources}) {
			return
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		send(llm.Chunk{FinishReason: llm.FinishError, Text: fmt.Sprintf("openai: stream: %v", err)})
	}
}

// deltaAnnotations is the citation part of a streamed delta. Search models
// attach url_citation annotations that the typed SDK delta does not expose.
type deltaAnnotations struct {
	Annotations []struct {
		Type        string `json:"type"`
		URLCitation struct {
			Title string `json:"title"`
			URL   string `json:"url"`
		} `json:"url_citation"`
	} `json:"annotations"`
}

// citations extracts url_citation annotations from a raw delta.
func citations(raw string) []llm.Source {
	if !strings.Contains(raw, "url_citation") {
		return nil
	}
	var d deltaAnnotations
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil
	}
	var out []llm.Source
	for _, a := range d.Annotations {
		if a.Type != "url_citation" || a.URLCitation.URL == "" {
			continue
		}
		out = append(out, llm.Source{Title: a.URLCitation.Title, URL: a.URLCitation.URL})
	}
	return out
}

// CountTokens implements llm.Provider.
func (p *Provider) CountTokens(messages []llm.Message) int {
	return llm.EstimateTokens(messages)
}

func (p *Provider) params(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, ErrNoMessages
	}
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			msgs = append(msgs, oai.SystemMessage(m.Content))
		case llm.RoleUser:
			msgs = append(msgs, oai.UserMessage(m.Content))
		case llm.RoleAssistant:
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: unknown message role %q", m.Role)
		}
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: msgs,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}
