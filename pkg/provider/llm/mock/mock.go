// Package mock provides a scripted llm.Provider for tests.
//
// Each StreamCompletion call takes the next entry of Replies; once Replies
// is used up every call streams StreamChunks. Requests are recorded with a
// copy of their messages so that later history changes do not alter them.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/harvic/pkg/provider/llm"
)

// StreamCall records one StreamCompletion invocation.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider. Configure it before
// the first call.
type Provider struct {
	// Replies are streamed one per call, in order.
	Replies [][]llm.Chunk

	// StreamChunks is streamed once Replies is exhausted.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned by StreamCompletion before any
	// stream opens.
	StreamErr error

	// Hold, if non-nil, delays every stream until it is closed or the call's
	// context is done.
	Hold chan struct{}

	mu    sync.Mutex
	calls []StreamCall
	next  int
}

// Reply splits text on spaces into streamed chunks that end with "stop".
func Reply(text string) []llm.Chunk {
	var chunks []llm.Chunk
	for i, w := range strings.SplitAfter(text, " ") {
		if w == "" && i > 0 {
			continue
		}
		chunks = append(chunks, llm.Chunk{Text: w})
	}
	return append(chunks, llm.Chunk{FinishReason: "stop"})
}

// StreamCompletion records the call and streams the next scripted reply.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	p.calls = append(p.calls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		p.mu.Unlock()
		return nil, p.StreamErr
	}
	chunks := p.StreamChunks
	if p.next < len(p.Replies) {
		chunks = p.Replies[p.next]
		p.next++
	}
	chunks = append([]llm.Chunk(nil), chunks...)
	hold := p.Hold
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// CountTokens returns llm.EstimateTokens(messages).
func (p *Provider) CountTokens(messages []llm.Message) int {
	return llm.EstimateTokens(messages)
}

// Calls returns a copy of the recorded calls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamCall(nil), p.calls...)
}

var _ llm.Provider = (*Provider)(nil)
