package embeddings

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// Chain consults a priority-ordered list of embedders and falls back to the
// next on provider failure. The provider that actually served a call is
// recorded so consumers can detect dimension mismatch against stored vectors.
type Chain struct {
	providers []Embedder
}

// NewChain creates a provider chain. Providers are tried in the given order.
func NewChain(providers ...Embedder) *Chain {
	return &Chain{providers: providers}
}

// NewChainFromConfig builds the chain from a provider-priority config list.
func NewChainFromConfig(cfg *Config) (*Chain, error) {
	var providers []Embedder
	for _, name := range cfg.Providers {
		switch name {
		case "local":
			providers = append(providers, NewLocalEmbedder(cfg.LocalEndpoint, cfg.Model, cfg.Dimension, cfg.Timeout))
		case "voyage":
			if cfg.APIKey == "" {
				log.Printf("Warning: voyage provider configured without API key, skipping")
				continue
			}
			providers = append(providers, NewVoyageEmbedder(cfg.APIKey, cfg.Model, cfg.Timeout))
		case "mock":
			providers = append(providers, NewMockEmbedder(cfg.Dimension))
		default:
			return nil, fmt.Errorf("unknown embedding provider: %s", name)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no embedding providers configured")
	}
	return &Chain{providers: providers}, nil
}

// Result carries a vector together with the provider that produced it.
type Result struct {
	Vector    []float32
	Model     string
	Provider  string
	Dimension int
}

// EmbedText preprocesses and embeds a single text, returning the vector and
// the serving provider's identity.
func (c *Chain) EmbedText(ctx context.Context, text string) (*Result, error) {
	cleaned, err := CleanText(text)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, p := range c.providers {
		vec, err := p.Embed(ctx, cleaned)
		if err != nil {
			log.Printf("Warning: embedding provider %s failed: %v", p.Provider(), err)
			lastErr = err
			continue
		}
		return &Result{Vector: vec, Model: p.Model(), Provider: p.Provider(), Dimension: p.Dimension()}, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
	}
	return nil, ErrProviderUnavailable
}

// EmbedBatchText preprocesses and embeds several texts with one provider.
// The whole batch is served by a single provider so the vectors share a
// dimension.
func (c *Chain) EmbedBatchText(ctx context.Context, texts []string) ([]*Result, error) {
	cleaned := make([]string, len(texts))
	for i, t := range texts {
		ct, err := CleanText(t)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		cleaned[i] = ct
	}

	var lastErr error
	for _, p := range c.providers {
		vecs, err := p.EmbedBatch(ctx, cleaned)
		if err != nil {
			log.Printf("Warning: embedding provider %s failed: %v", p.Provider(), err)
			lastErr = err
			continue
		}
		results := make([]*Result, len(vecs))
		for i, vec := range vecs {
			results[i] = &Result{Vector: vec, Model: p.Model(), Provider: p.Provider(), Dimension: p.Dimension()}
		}
		return results, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
	}
	return nil, ErrProviderUnavailable
}

// Dimension returns the dimension of the highest-priority provider.
func (c *Chain) Dimension() int {
	if len(c.providers) == 0 {
		return 0
	}
	return c.providers[0].Dimension()
}

// Candidate is a scored search candidate.
type Candidate struct {
	ID     string
	Vector []float32
}

// Match is one ranked search result.
type Match struct {
	ID    string
	Score float64
}

// Search ranks candidates against a query vector by cosine similarity and
// returns the top k. Candidates with a mismatched dimension are skipped.
func Search(query []float32, candidates []Candidate, k int) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		if len(c.Vector) != len(query) {
			continue
		}
		matches = append(matches, Match{ID: c.ID, Score: CosineSimilarity(query, c.Vector)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})

	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
