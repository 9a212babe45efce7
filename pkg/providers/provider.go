// Package providers wraps the supported LLM backends behind one
// single-shot completion interface. The intelligence engine is the only
// consumer; it treats a nil provider as template-only mode.
package providers

import (
	"context"
	"fmt"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
)

// CompletionRequest is a single-turn prompt.
type CompletionRequest struct {
	System      string
	Prompt      string
	Model       string // empty means the provider's configured model
	MaxTokens   int
	Temperature float64
}

// CompletionResponse carries the model output and token accounting.
type CompletionResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// LLMProvider is implemented by every model backend.
type LLMProvider interface {
	// Complete sends one prompt and returns the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Name identifies the backend in logs and health output.
	Name() string

	// GetDefaultModel returns the model used when a request names none.
	GetDefaultModel() string
}

// New builds the provider selected by the configuration. Provider "none"
// returns nil with no error.
func New(cfg config.AIConfig) (LLMProvider, error) {
	switch domain.AIProviderType(cfg.Provider) {
	case "", domain.ProviderNone:
		return nil, nil
	case domain.ProviderAnthropic:
		return NewAnthropicProvider(cfg), nil
	case domain.ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}
