package llm

import "context"

// Message is one turn of a chat completion request.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// StreamHandler receives incremental output from ChatStream.
type StreamHandler interface {
	OnDelta(content string)
}

// Provider is a pluggable chat completion backend (OpenAI, Anthropic, ...).
type Provider interface {
	Chat(ctx context.Context, msgs []Message, model string) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, model string, h StreamHandler) error
}
