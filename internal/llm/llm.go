package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/comigor/cmai/internal/config"
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// NewSpeechClient creates an OpenAI client for the audio/speech endpoint.
func NewSpeechClient(cfg config.SpeechConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// NewGeminiClient creates a Gemini API client. An empty BaseURL keeps the
// SDK default endpoint.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*genai.Client, error) {
	return genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: cfg.BaseURL},
	})
}
