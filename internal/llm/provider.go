// Package llm provides a unified completion interface over LLM providers.
package llm

import (
	"context"
)

// Provider defines the interface that all LLM providers must implement.
type Provider interface {
	// Complete sends one system+user prompt pair and returns the answer with
	// the token counts the provider billed.
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// Name returns the provider name (e.g., "anthropic", "ollama", "lmstudio").
	Name() string

	// Model returns the model name being used.
	Model() string
}

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonMaxTokens StopReason = "max_tokens"
	StopReasonStop      StopReason = "stop"
)

// CompletionRequest is a single-turn prompt.
type CompletionRequest struct {
	SystemPrompt    string  `json:"system_prompt,omitempty"`
	UserPrompt      string  `json:"user_prompt"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	Temperature     float64 `json:"temperature,omitempty"`
}

// Completion is a provider response.
type Completion struct {
	Text         string     `json:"text"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	Model        string     `json:"model"`
	StopReason   StopReason `json:"stop_reason"`
}

// TotalTokens returns the total number of tokens used.
func (c *Completion) TotalTokens() int {
	return c.InputTokens + c.OutputTokens
}

// ProviderConfig holds common configuration for LLM providers.
type ProviderConfig struct {
	// Provider is the provider name (anthropic, openai, ollama, lmstudio).
	Provider string `json:"provider"`

	// Model is the model to use.
	Model string `json:"model"`

	// APIKey is the API key for authentication.
	APIKey string `json:"api_key,omitempty"`

	// BaseURL is the base URL for the API (for Ollama/LM Studio).
	BaseURL string `json:"base_url,omitempty"`

	// MaxTokens is the default maximum tokens to generate.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is the default temperature.
	Temperature float64 `json:"temperature,omitempty"`
}

// DefaultProviderConfig returns the default provider configuration.
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Provider:  "openai",
		Model:     "gpt-4o-mini",
		MaxTokens: 2000,
	}
}

// withDefaults fills request fields the caller left zero from cfg.
func (cfg ProviderConfig) withDefaults(req CompletionRequest) CompletionRequest {
	if req.MaxOutputTokens <= 0 {
		req.MaxOutputTokens = cfg.MaxTokens
	}
	if req.Temperature == 0 {
		req.Temperature = cfg.Temperature
	}
	return req
}
