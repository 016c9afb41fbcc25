package llm

import (
	"context"
	"time"
)

// Message represents a chat message in provider-neutral form
type Message struct {
	Role    string `json:"role"`    // "system", "user", "assistant"
	Content string `json:"content"` // The message content
}

// Usage reports token consumption for one request
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage report into u
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns the combined token count
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// StreamChunk represents one chunk of a streaming response. Exactly one of
// the fields is set per chunk; Done signals normal end of stream.
type StreamChunk struct {
	Text      string
	Reasoning string
	Usage     *Usage
	Err       error
	Done      bool
}

// Adapter defines the interface the orchestrator consumes for AI providers.
// Stream must close the chunks channel before returning and must honor ctx
// cancellation promptly.
type Adapter interface {
	// Stream sends the system prompt plus conversation log and streams the
	// response via the provided channel
	Stream(ctx context.Context, system string, messages []Message, chunks chan<- StreamChunk) error

	// ModelName returns the current model name
	ModelName() string
}

// AdapterConfig contains common configuration for adapters
type AdapterConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// DefaultTimeout bounds a single streaming request end to end
const DefaultTimeout = 120 * time.Second
