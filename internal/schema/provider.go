package schema

import "context"

// ChatOptions carries per-request model parameters.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

func NewChatOptions(model string, maxTokens int, temperature float64) ChatOptions {
	return ChatOptions{Model: model, MaxTokens: maxTokens, Temperature: temperature}
}

// LLMResponse is the parsed result of one completion request.
// Either Content is the final text, or ToolCalls lists the requested calls.
type LLMResponse struct {
	Content   *string
	ToolCalls []ToolCall
}

// HasToolCalls reports whether the model requested any tool calls.
func (r LLMResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// LLMProvider is the contract for model completion clients.
// Errors returned from Chat are classified: see ProviderError and IsTransient.
type LLMProvider interface {
	Chat(ctx context.Context, messages Messages, tools []map[string]any, opts ChatOptions) (LLMResponse, error)
	DefaultModel() string
}
