package providers

import "strings"

// ProviderSpec describes a known provider endpoint: how to reach it and how
// model name prefixes map to it.
type ProviderSpec struct {
	Name           string
	DefaultAPIBase string
	// ModelPrefixes are "provider/" prefixes that route a model string here.
	ModelPrefixes []string
	// Anthropic selects the Messages API wire format instead of chat/completions.
	Anthropic bool
	// Gateway providers (OpenRouter) keep the sub-provider prefix in the model
	// name because they route on it.
	Gateway bool
}

var registry = []ProviderSpec{
	{
		Name:           "anthropic",
		DefaultAPIBase: "https://api.anthropic.com/v1",
		ModelPrefixes:  []string{"anthropic/", "claude"},
		Anthropic:      true,
	},
	{
		Name:           "openai",
		DefaultAPIBase: "https://api.openai.com/v1",
		ModelPrefixes:  []string{"openai/", "gpt-", "o1", "o3", "o4"},
	},
	{
		Name:           "openrouter",
		DefaultAPIBase: "https://openrouter.ai/api/v1",
		ModelPrefixes:  []string{"openrouter/"},
		Gateway:        true,
	},
	{
		Name:           "deepseek",
		DefaultAPIBase: "https://api.deepseek.com/v1",
		ModelPrefixes:  []string{"deepseek/", "deepseek-"},
	},
}

// FindByName returns the spec for a provider name, or nil.
func FindByName(name string) *ProviderSpec {
	name = strings.ToLower(name)
	for i := range registry {
		if registry[i].Name == name {
			return &registry[i]
		}
	}
	return nil
}

// FindByModel returns the spec whose prefixes match the model string, or nil.
func FindByModel(model string) *ProviderSpec {
	model = strings.ToLower(model)
	for i := range registry {
		for _, pfx := range registry[i].ModelPrefixes {
			if strings.HasPrefix(model, pfx) {
				return &registry[i]
			}
		}
	}
	return nil
}
