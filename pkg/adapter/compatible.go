package adapter

import (
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	deepseekBaseURL   = "https://api.deepseek.com/v1"
	openrouterBaseURL = "https://openrouter.ai/api/v1"
)

// NewCompatibleAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewCompatibleAdapter(name, baseURL, apiKey string, models []string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s API key is required", name)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s base URL is required", name)
	}

	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &OpenAIAdapter{
		client:          client,
		name:            name,
		models:          append([]string(nil), models...),
		legacyMaxTokens: true,
	}, nil
}

// NewDeepSeekAdapter creates a new DeepSeek adapter.
// DeepSeek uses an OpenAI-compatible API format.
func NewDeepSeekAdapter(apiKey string) (*OpenAIAdapter, error) {
	return NewCompatibleAdapter("deepseek", deepseekBaseURL, apiKey, []string{
		"deepseek-chat",
		"deepseek-coder",
		"deepseek-reasoner",
	})
}

// NewOpenRouterAdapter creates an adapter for the OpenRouter aggregator.
func NewOpenRouterAdapter(apiKey string, models []string) (*OpenAIAdapter, error) {
	return NewCompatibleAdapter("openrouter", openrouterBaseURL, apiKey, models)
}
