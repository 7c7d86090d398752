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

// VoyageAI API constants
const (
	voyageAPIURL = "https://api.voyageai.com/v1/embeddings"
)

// VoyageEmbedder implements Embedder using Voyage AI API
type VoyageEmbedder struct {
	client    *http.Client
	apiKey    string
	model     string
	dimension int
}

// NewVoyageEmbedder creates a new Voyage AI embedder. It serves as the
// remote fallback in the provider chain when VOYAGE_API_KEY is configured.
func NewVoyageEmbedder(apiKey, model string, timeout time.Duration) *VoyageEmbedder {
	// Dimensions per the Voyage AI documentation for the supported models.
	var dim int
	switch model {
	case "voyage-3-lite":
		dim = 512
	case "voyage-3-large":
		dim = 2048
	default:
		dim = 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &VoyageEmbedder{
		client:    &http.Client{Timeout: timeout},
		apiKey:    apiKey,
		model:     model,
		dimension: dim,
	}
}

// voyageRequest represents the API request
type voyageRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// voyageResponse represents the API response
type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates embedding for single text
func (e *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
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
func (e *VoyageEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}

	reqBody := voyageRequest{
		Model: e.model,
		Input: texts,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", voyageAPIURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

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
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp voyageResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	embeddings := make([][]float32, len(voyageResp.Data))
	for _, data := range voyageResp.Data {
		if data.Index < len(embeddings) {
			embeddings[data.Index] = data.Embedding
		}
	}

	return embeddings, nil
}

// Dimension returns the embedding dimension
func (e *VoyageEmbedder) Dimension() int {
	return e.dimension
}

// Model returns the model identifier
func (e *VoyageEmbedder) Model() string {
	return e.model
}

// Provider returns the provider name
func (e *VoyageEmbedder) Provider() string {
	return "voyage"
}
