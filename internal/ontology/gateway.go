// Package ontology mediates between the extraction pipeline and the external
// ontology service. All network I/O for ontology operations goes through the
// Gateway; the pipeline can continue in degraded mode when the service is
// unreachable.
package ontology

import (
	"context"
	"errors"
	"time"
)

// Class is a published ontology class record.
type Class struct {
	URI        string `json:"uri"`
	Label      string `json:"label"`
	Definition string `json:"definition"`
	ParentURI  string `json:"parent_uri,omitempty"`
}

// Candidate describes a class proposal submitted when no existing class
// matches an extracted individual.
type Candidate struct {
	Category   string `json:"category"`
	Label      string `json:"label"`
	Definition string `json:"definition"`
	ParentURI  string `json:"parent_uri,omitempty"`
	Provenance string `json:"provenance,omitempty"`
}

// Gateway is the client interface to the ontology service.
type Gateway interface {
	// GetClasses returns current published classes for one of the nine
	// concept categories.
	GetClasses(ctx context.Context, category string) ([]Class, error)

	// SearchClasses performs a string/semantic search, optionally scoped to
	// a category.
	SearchClasses(ctx context.Context, query, category string) ([]Class, error)

	// GetClass retrieves a full class definition record.
	GetClass(ctx context.Context, uri string) (*Class, error)

	// ProposeClass submits a candidate class. The external service decides
	// acceptance; the returned candidate URI is usable immediately.
	ProposeClass(ctx context.Context, candidate Candidate) (string, error)
}

// Errors returned by gateway operations. ErrUnavailable is soft: the pipeline
// may continue with an empty category listing but must flag the session as
// ontology_degraded.
var (
	ErrUnavailable      = errors.New("ontology: service unavailable")
	ErrInvalidCandidate = errors.New("ontology: candidate rejected")
	ErrNotFound         = errors.New("ontology: not found")
)

// Config holds ontology service connection settings.
type Config struct {
	Endpoint   string        `json:"endpoint"`
	Timeout    time.Duration `json:"timeout"`
	CacheTTL   time.Duration `json:"cache_ttl"`
	MaxRetries int           `json:"max_retries"`
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:   "http://localhost:8082/rpc",
		Timeout:    15 * time.Second,
		CacheTTL:   5 * time.Minute,
		MaxRetries: 3,
	}
}
