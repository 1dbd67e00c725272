package models

import "time"

// SelectionStrategy controls how the selector orders eligible providers.
type SelectionStrategy string

const (
	StrategyCost         SelectionStrategy = "cost"
	StrategyPerformance  SelectionStrategy = "performance"
	StrategyAvailability SelectionStrategy = "availability"
	StrategyPriority     SelectionStrategy = "priority"
)

// GenerationOptions is the per-request tuning bag shared by all operations.
type GenerationOptions struct {
	MaxTokens        int           `json:"max_tokens,omitzero"`
	Temperature      *float64      `json:"temperature,omitzero"`
	TopP             *float64      `json:"top_p,omitzero"`
	Stop             []string      `json:"stop,omitzero"`
	TimeoutOverride  time.Duration `json:"timeout_override,omitzero"`
	ExplicitProvider string        `json:"explicit_provider,omitzero"`
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitzero"`
}

// CallerContext is an opaque token supplied by the surrounding application.
// The gateway never interprets it; it is forwarded to telemetry events and
// adapters for per-caller credential selection.
type CallerContext string

// TextRequest asks for a plain text completion.
type TextRequest struct {
	Prompt    string            `json:"prompt"`
	ModelHint string            `json:"model,omitzero"`
	Options   GenerationOptions `json:"options,omitzero"`
	Caller    CallerContext     `json:"-"`
}

// ChatRequest asks for a chat completion over a message history.
type ChatRequest struct {
	Messages  []Message         `json:"messages"`
	ModelHint string            `json:"model,omitzero"`
	Options   GenerationOptions `json:"options,omitzero"`
	Caller    CallerContext     `json:"-"`
}

// EmbeddingRequest asks for a vector embedding of the input text.
type EmbeddingRequest struct {
	Input     string            `json:"input"`
	ModelHint string            `json:"model,omitzero"`
	Options   GenerationOptions `json:"options,omitzero"`
	Caller    CallerContext     `json:"-"`
}

// ImageRequest asks for image generation from a prompt.
type ImageRequest struct {
	Prompt    string            `json:"prompt"`
	ModelHint string            `json:"model,omitzero"`
	Options   GenerationOptions `json:"options,omitzero"`
	Caller    CallerContext     `json:"-"`
}

// PromptText returns the request text used for token estimation.
func (r TextRequest) PromptText() string { return r.Prompt }

// PromptText concatenates all message contents for token estimation.
func (r ChatRequest) PromptText() string {
	var n int
	for _, m := range r.Messages {
		n += len(m.Content) + 1
	}
	buf := make([]byte, 0, n)
	for _, m := range r.Messages {
		buf = append(buf, m.Content...)
		buf = append(buf, '\n')
	}
	return string(buf)
}
