package llm

import "context"

// Provider is a completion backend. Implementations own the wire details:
// request formatting, authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full
	// response.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream sends a chat completion request and returns a channel of
	// incremental deltas. The channel closes when the stream ends.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error)
}

// OptionCompleter is implemented by providers that accept per-call
// parameter overrides (temperature, top_p, stop sequences). Callers fall
// back to Complete when a provider does not implement it.
type OptionCompleter interface {
	CompleteWithOptions(ctx context.Context, messages []Message, tools []Tool, opts map[string]any) (*Response, error)
}

// Config holds the connection settings shared by provider backends.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
