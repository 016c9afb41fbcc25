package llm

import (
	"fmt"
	"os"
	"strings"
)

// CreateAdapter creates an adapter based on a "provider:model" string
func CreateAdapter(modelStr, apiKey, baseURL string) (Adapter, error) {
	parts := strings.SplitN(modelStr, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid model format: %s (expected provider:model)", modelStr)
	}

	provider := parts[0]
	model := parts[1]

	config := AdapterConfig{
		Model:   model,
		APIKey:  apiKey,
		BaseURL: baseURL,
		Timeout: DefaultTimeout,
	}

	switch provider {
	case "openai":
		if config.APIKey == "" {
			config.APIKey = os.Getenv("OPENAI_API_KEY")
		}
		if config.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key not provided (set OPENAI_API_KEY or configure api_key)")
		}
		return NewOpenAIAdapter(config), nil

	case "openrouter":
		if config.APIKey == "" {
			config.APIKey = os.Getenv("OPENROUTER_API_KEY")
		}
		if config.APIKey == "" {
			return nil, fmt.Errorf("OpenRouter API key not provided (set OPENROUTER_API_KEY or configure api_key)")
		}
		if config.BaseURL == "" {
			config.BaseURL = "https://openrouter.ai/api/v1"
		}
		return NewOpenAIAdapter(config), nil

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: openai, openrouter)", provider)
	}
}

// GetProviderFromModel extracts the provider from a model string
func GetProviderFromModel(modelStr string) string {
	parts := strings.SplitN(modelStr, ":", 2)
	if len(parts) == 2 {
		return parts[0]
	}
	return "unknown"
}
