// Package synth talks to the language model that turns a question into a
// structured answer.
package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Synthesizer returns the raw text a language model produced for a system
// and user prompt. The text is expected, but not guaranteed, to be JSON.
// Implementations make exactly one attempt per call.
type Synthesizer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Name() string
}

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ErrEmptyCompletion is returned when the model answered with no content.
var ErrEmptyCompletion = errors.New("model returned an empty completion")

// Config selects and configures a provider.
type Config struct {
	Provider string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	GeminiAPIKey string
	GeminiModel  string

	Timeout time.Duration
}

// New builds the Synthesizer named by cfg.Provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Timeout: cfg.Timeout,
		}, logger)
	case ProviderGemini:
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			Timeout: cfg.Timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown synthesizer provider %q", cfg.Provider)
	}
}
