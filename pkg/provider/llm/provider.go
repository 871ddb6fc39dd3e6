// Package llm defines the Provider interface for chat-completion backends.
//
// An LLM provider wraps a remote or local model API (Gemini, OpenAI,
// Anthropic, a local Ollama instance) and exposes a uniform streaming
// interface to the chat service without coupling it to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishError is the FinishReason of a chunk that reports a failure after
// the stream started. Its Text carries the error message.
const FinishError = "error"

// Message is a single message in a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the user and drives the response.
	Messages []Message

	// SystemPrompt is an optional instruction injected before the history.
	SystemPrompt string

	// Temperature controls output randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// Source is one web page a reply cites.
type Source struct {
	Title string
	URL   string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length", FinishError,
	// or "" for a non-final chunk.
	FinishReason string

	// Sources are citations that arrived with this chunk. Backends without
	// search grounding never set it.
	Sources []Source
}

// Provider is the abstraction over any chat-completion backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// chunks as they arrive. The channel is closed when generation finishes or
	// ctx is cancelled. Failures after the stream opened arrive as a chunk with
	// FinishReason FinishError; the error return is non-nil only when the
	// stream could not start.
	//
	// Callers must drain the channel to avoid goroutine leaks.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. It need not be exact but should not undercount.
	CountTokens(messages []Message) int
}

// EstimateTokens is the approximation shared by the backends: about four
// characters per token plus a small per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
