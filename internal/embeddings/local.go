package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LocalEmbedder implements Embedder against a locally-hosted sentence
// transformer service. The default model is all-MiniLM-L6-v2 (384 dims).
type LocalEmbedder struct {
	client    *http.Client
	endpoint  string
	model     string
	dimension int
}

// NewLocalEmbedder creates an embedder backed by a local embedding endpoint.
func NewLocalEmbedder(endpoint, model string, dimension int, timeout time.Duration) *LocalEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LocalEmbedder{
		client:    &http.Client{Timeout: timeout},
		endpoint:  endpoint,
		model:     model,
		dimension: dimension,
	}
}

type localRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates embedding for single text
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	jsonData, err := json.Marshal(localRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed localResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	embeddings := make([][]float32, len(parsed.Data))
	for _, data := range parsed.Data {
		if data.Index < len(embeddings) {
			embeddings[data.Index] = data.Embedding
		}
	}
	return embeddings, nil
}

// Dimension returns the embedding dimension
func (e *LocalEmbedder) Dimension() int {
	return e.dimension
}

// Model returns the model identifier
func (e *LocalEmbedder) Model() string {
	return e.model
}

// Provider returns the provider name
func (e *LocalEmbedder) Provider() string {
	return "local"
}
