// Package llm provides the text-completion client consumed by the extraction
// pipeline. The provider is treated as a text-in/structured-text-out service;
// response parsing is the caller's job.
package llm

import (
	"context"
	"errors"
	"time"
)

// Client is the interface to a completion provider.
type Client interface {
	// Complete sends a (system, user) prompt pair and returns the full
	// response text. Streaming is not required.
	Complete(ctx context.Context, system, user string) (*Completion, error)

	// Model returns the configured model identifier.
	Model() string
}

// Completion is one provider response with cost telemetry when the provider
// offers it.
type Completion struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// ErrUnavailable marks a provider failure (timeout, 5xx, rate-limit
// exhaustion). Cells surface it as outcome llm_error.
var ErrUnavailable = errors.New("llm: provider unavailable")

// Config holds provider configuration.
type Config struct {
	Model     string        `json:"model"`
	APIKey    string        `json:"api_key,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Timeout   time.Duration `json:"timeout"`
}

// DefaultConfig returns default LLM configuration.
func DefaultConfig() *Config {
	return &Config{
		Model:     "claude-sonnet-4-5-20250929",
		MaxTokens: 4096,
		Timeout:   120 * time.Second,
	}
}
