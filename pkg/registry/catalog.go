package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk model list.
type Catalog struct {
	Models []ModelDescriptor `yaml:"models"`
}

// LoadCatalog reads and validates a YAML model catalog.
func LoadCatalog(path string) ([]ModelDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalog YAML.
func ParseCatalog(data []byte) ([]ModelDescriptor, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(cat.Models))
	for _, m := range cat.Models {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("model %q listed twice", m.ID)
		}
		seen[m.ID] = true
	}
	return cat.Models, nil
}

// DefaultCatalog returns the built-in model list.
func DefaultCatalog() []ModelDescriptor {
	return []ModelDescriptor{
		{
			ID: "claude-sonnet-4-20250514", Provider: "anthropic",
			Capabilities:  []string{CapabilityAll},
			ContextWindow: 200000, PromptPer1K: 0.003, CompletionPer1K: 0.015, Quality: 0.92,
		},
		{
			ID: "claude-opus-4-20250514", Provider: "anthropic",
			Capabilities:  []string{"refiner", "validator", "curator"},
			ContextWindow: 200000, PromptPer1K: 0.015, CompletionPer1K: 0.075, Quality: 0.96,
		},
		{
			ID: "claude-3-5-haiku-20241022", Provider: "anthropic",
			Capabilities:  []string{"generator", "validator"},
			ContextWindow: 200000, PromptPer1K: 0.0008, CompletionPer1K: 0.004, Quality: 0.78,
		},
		{
			ID: "gpt-5.2-instant", Provider: "openai",
			Capabilities:  []string{CapabilityAll},
			ContextWindow: 128000, PromptPer1K: 0.00125, CompletionPer1K: 0.01, Quality: 0.85,
		},
		{
			ID: "gpt-5.2-thinking", Provider: "openai",
			Capabilities:  []string{"refiner", "validator", "curator"},
			ContextWindow: 128000, PromptPer1K: 0.005, CompletionPer1K: 0.02, Quality: 0.93,
		},
		{
			ID: "gemini-2.0-pro", Provider: "google",
			Capabilities:  []string{CapabilityAll},
			ContextWindow: 1000000, PromptPer1K: 0.00125, CompletionPer1K: 0.005, Quality: 0.88,
		},
		{
			ID: "gemini-2.0-flash", Provider: "google",
			Capabilities:  []string{"generator", "validator"},
			ContextWindow: 1000000, PromptPer1K: 0.0001, CompletionPer1K: 0.0004, Quality: 0.75,
		},
		{
			ID: "deepseek-chat", Provider: "deepseek",
			Capabilities:  []string{"generator", "refiner"},
			ContextWindow: 64000, PromptPer1K: 0.00027, CompletionPer1K: 0.0011, Quality: 0.8,
		},
		{
			ID: "deepseek-reasoner", Provider: "deepseek",
			Capabilities:  []string{"validator", "curator"},
			ContextWindow: 64000, PromptPer1K: 0.00055, CompletionPer1K: 0.00219, Quality: 0.84,
		},
		{
			ID: "mock-1", Provider: "mock",
			Capabilities:  []string{CapabilityAll},
			ContextWindow: 8192, Quality: 0.1,
		},
	}
}
