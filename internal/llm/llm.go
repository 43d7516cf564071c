package llm

import (
	"github.com/comigor/friday-analytics/internal/config"
	"github.com/sashabaranov/go-openai"
)

// NewClient creates an OpenAI-compatible client for the analysis model. It returns
// nil when no API key or model is configured; callers treat a nil Client as
// "analysis unavailable".
func NewClient(cfg config.LLMConfig) Client {
	if !cfg.Configured() {
		return nil
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}
