package embeddings

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// MockEmbedder provides a fake embedder for testing without external API
// dependencies. It generates deterministic embeddings based on text hash for
// reproducible tests.
type MockEmbedder struct {
	dimension   int
	failOnEmbed bool
}

// NewMockEmbedder creates a new mock embedder for testing
func NewMockEmbedder(dimension int) *MockEmbedder {
	if dimension <= 0 {
		dimension = 384
	}
	return &MockEmbedder{dimension: dimension}
}

// NewFailingMockEmbedder creates a mock that always fails (for error path testing)
func NewFailingMockEmbedder() *MockEmbedder {
	return &MockEmbedder{dimension: 384, failOnEmbed: true}
}

// Embed generates a deterministic embedding based on text content
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.failOnEmbed {
		return nil, fmt.Errorf("mock embedder configured to fail")
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	embedding := make([]float32, m.dimension)

	seed := int64(0)
	for _, c := range text {
		seed = seed*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seed))

	var sumSquares float64
	for i := 0; i < m.dimension; i++ {
		embedding[i] = float32(rng.NormFloat64())
		sumSquares += float64(embedding[i] * embedding[i])
	}

	if sumSquares > 0 {
		magnitude := float32(math.Sqrt(sumSquares))
		for i := 0; i < m.dimension; i++ {
			embedding[i] /= magnitude
		}
	}

	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.failOnEmbed {
		return nil, fmt.Errorf("mock embedder configured to fail")
	}

	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = embedding
	}

	return embeddings, nil
}

// Dimension returns the embedding dimension
func (m *MockEmbedder) Dimension() int {
	return m.dimension
}

// Model returns the model identifier
func (m *MockEmbedder) Model() string {
	return "mock-model"
}

// Provider returns the provider name
func (m *MockEmbedder) Provider() string {
	return "mock"
}
