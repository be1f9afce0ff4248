package llm

import (
	"context"
	"fmt"

	"expedienterag/internal/config"
)

// NewProviderFromConfig selects and constructs the Provider named by
// cfg.Provider ("openai", "anthropic", or "google"/"gemini").
func NewProviderFromConfig(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case "google", "gemini":
		return NewGeminiProvider(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
