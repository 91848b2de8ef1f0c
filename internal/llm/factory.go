package llm

import (
	"fmt"
	"log/slog"
	"strings"
)

// ProviderType identifies a supported provider.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderOllama    ProviderType = "ollama"
	ProviderLMStudio  ProviderType = "lmstudio"
)

// NewProvider creates a provider from config.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	providerType := ProviderType(strings.ToLower(cfg.Provider))
	if cfg.Model == "" {
		cfg.Model = DefaultModel(cfg.Provider)
	}

	logger.Info("creating LLM provider", "provider", providerType, "model", cfg.Model)

	switch providerType {
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg, logger)
	case ProviderOpenAI:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		return NewOpenAICompatProvider(cfg, logger)
	case ProviderOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434/v1"
		}
		return NewOpenAICompatProvider(cfg, logger)
	case ProviderLMStudio:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:1234/v1"
		}
		return NewOpenAICompatProvider(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

// ValidateProviderConfig checks provider configuration.
func ValidateProviderConfig(cfg ProviderConfig) error {
	switch ProviderType(strings.ToLower(cfg.Provider)) {
	case ProviderAnthropic, ProviderOpenAI:
		if cfg.APIKey == "" {
			return fmt.Errorf("API key is required for %s provider", cfg.Provider)
		}
	case ProviderOllama, ProviderLMStudio:
		// local servers need neither a key nor an explicit base URL
	default:
		return fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	return nil
}

// DefaultModel returns the default model for a provider.
func DefaultModel(provider string) string {
	switch ProviderType(strings.ToLower(provider)) {
	case ProviderAnthropic:
		return "claude-sonnet-4-20250514"
	case ProviderOpenAI:
		return "gpt-4o-mini"
	case ProviderOllama:
		return "llama3.2"
	case ProviderLMStudio:
		return "local-model"
	default:
		return ""
	}
}
