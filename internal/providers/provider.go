// Package providers implements schema.LLMProvider over direct HTTP calls to
// OpenAI-compatible endpoints and the Anthropic Messages API.
package providers

import "github.com/lunamoth/lunamoth/internal/schema"

// Params are the raw values needed to construct a schema.LLMProvider.
// Extracted from config.Config by the caller to avoid an import cycle.
type Params struct {
	APIKey       string
	APIBase      string
	ExtraHeaders map[string]string
	DefaultModel string
	ProviderName string // registry name, e.g. "anthropic", "openrouter"
}

// New creates the provider for the given params. Every supported provider
// speaks either the OpenAI chat-completions format or the Anthropic Messages
// API; OpenAIProvider handles both.
func New(p Params) schema.LLMProvider {
	return NewOpenAIProvider(p.APIKey, p.APIBase, p.DefaultModel, p.ProviderName, p.ExtraHeaders)
}
