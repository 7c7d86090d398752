// Package embeddings provides vector embedding generation for semantic
// similarity across case sections, concept components and ontology classes.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedder generates vector embeddings from text
type Embedder interface {
	// Embed generates embedding for single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts (more efficient)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension
	Dimension() int

	// Model returns the model identifier
	Model() string

	// Provider returns the provider name
	Provider() string
}

// ErrEmptyInput is returned when text is empty or whitespace-only after
// preprocessing.
var ErrEmptyInput = errors.New("embeddings: empty input")

// ErrProviderUnavailable is returned when every provider in the priority
// chain failed for a call.
var ErrProviderUnavailable = errors.New("embeddings: no provider available")

// DimensionError reports a stored vector whose dimension disagrees with the
// active model. Callers either reject the stored value or recompute it.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embeddings: dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// Config holds embedding configuration
type Config struct {
	// Providers is the priority-ordered list consulted per call. Recognized
	// values: "local", "voyage", "mock".
	Providers []string `json:"providers"`

	Model  string `json:"model"`             // active model identifier
	APIKey string `json:"api_key,omitempty"` // key for remote providers

	// LocalEndpoint is the URL of a local embedding service speaking the
	// plain {"input": [...], "model": "..."} protocol.
	LocalEndpoint string `json:"local_endpoint"`

	// Dimension of the active model. 384 by default; the feature schema also
	// accommodates 1536 when providers differ.
	Dimension int `json:"dimension"`

	BatchSize int           `json:"batch_size"`
	Timeout   time.Duration `json:"timeout"`
}

// DefaultConfig returns default embedding configuration
func DefaultConfig() *Config {
	return &Config{
		Providers:     []string{"local", "voyage"},
		Model:         "all-MiniLM-L6-v2",
		LocalEndpoint: "http://localhost:8089/embeddings",
		Dimension:     384,
		BatchSize:     64,
		Timeout:       30 * time.Second,
	}
}

// ConfigFromEnv creates config from environment variables
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if providers := os.Getenv("PE_EMBEDDINGS_PROVIDERS"); providers != "" {
		cfg.Providers = strings.Split(providers, ",")
	}
	if model := os.Getenv("PE_EMBEDDINGS_MODEL"); model != "" {
		cfg.Model = model
	}
	if apiKey := os.Getenv("VOYAGE_API_KEY"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	if endpoint := os.Getenv("PE_EMBEDDINGS_LOCAL_ENDPOINT"); endpoint != "" {
		cfg.LocalEndpoint = endpoint
	}
	if dim := os.Getenv("PE_EMBEDDINGS_DIMENSION"); dim != "" {
		if val, err := strconv.Atoi(dim); err == nil {
			cfg.Dimension = val
		}
	}
	if batchSize := os.Getenv("PE_EMBEDDINGS_BATCH_SIZE"); batchSize != "" {
		if val, err := strconv.Atoi(batchSize); err == nil {
			cfg.BatchSize = val
		}
	}
	if timeout := os.Getenv("PE_EMBEDDINGS_TIMEOUT"); timeout != "" {
		if duration, err := time.ParseDuration(timeout); err == nil {
			cfg.Timeout = duration
		}
	}

	return cfg
}
