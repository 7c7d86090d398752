package ontology

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"proethica/internal/embeddings"
	"proethica/internal/types"
)

// Matcher resolves an individual's class reference to an ontology URI using
// the ordered strategy: exact label match, embedding similarity above a
// threshold, then class proposal through the gateway. Class labels and
// definitions are indexed in per-category chromem collections.
//
// Assignment is deterministic for a fixed class snapshot and input: exact
// matching scans classes in sorted label order and the vector index is
// queried with a deterministic embedder.
type Matcher struct {
	gateway   Gateway
	chain     *embeddings.Chain
	threshold float64

	mu          sync.RWMutex
	db          *chromem.DB
	classes     map[string][]Class // category -> sorted class snapshot
	collections map[string]*chromem.Collection
}

// NewMatcher creates a matcher over the given gateway and embedding chain.
// threshold is the minimum embedding similarity for a class match (default
// 0.75 when zero).
func NewMatcher(gateway Gateway, chain *embeddings.Chain, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = 0.75
	}
	return &Matcher{
		gateway:     gateway,
		chain:       chain,
		threshold:   threshold,
		db:          chromem.NewDB(),
		classes:     make(map[string][]Class),
		collections: make(map[string]*chromem.Collection),
	}
}

// LoadCategory fetches the category's published classes through the gateway
// and indexes them. Returns the snapshot; an ErrUnavailable from the gateway
// propagates so the caller can mark the session degraded and proceed with an
// empty snapshot.
func (m *Matcher) LoadCategory(ctx context.Context, category string) ([]Class, error) {
	classes, err := m.gateway.GetClasses(ctx, category)
	if err != nil {
		return nil, err
	}
	if err := m.SetClasses(ctx, category, classes); err != nil {
		return nil, err
	}
	return classes, nil
}

// SetClasses replaces the indexed snapshot for a category.
func (m *Matcher) SetClasses(ctx context.Context, category string, classes []Class) error {
	sorted := make([]Class, len(classes))
	copy(sorted, classes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Label < sorted[j].Label })

	name := "classes-" + category
	m.mu.Lock()
	defer m.mu.Unlock()

	m.db.DeleteCollection(name)
	collection, err := m.db.CreateCollection(name, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	for _, class := range sorted {
		text := class.Label
		if class.Definition != "" {
			text += ": " + class.Definition
		}
		result, err := m.chain.EmbedText(ctx, text)
		if err != nil {
			log.Printf("Warning: failed to embed class %s: %v", class.URI, err)
			continue
		}
		err = collection.AddDocument(ctx, chromem.Document{
			ID:        class.URI,
			Content:   text,
			Metadata:  map[string]string{"label": class.Label},
			Embedding: result.Vector,
		})
		if err != nil {
			return fmt.Errorf("failed to index class %s: %w", class.URI, err)
		}
	}

	m.classes[category] = sorted
	m.collections[name] = collection
	return nil
}

// Assignment is the result of resolving one class reference.
type Assignment struct {
	URI        string
	Method     types.MatchMethod
	Confidence float64
}

// Assign resolves a class reference for an individual. label is the class
// reference from the LLM response (an existing label or a proposed new class
// label); definition seeds a proposal when no match is found.
func (m *Matcher) Assign(ctx context.Context, category, label, definition string) (*Assignment, error) {
	// 1. Exact label match against the current snapshot.
	m.mu.RLock()
	classes := m.classes[category]
	collection := m.collections["classes-"+category]
	m.mu.RUnlock()

	normalized := types.NormalizeLabel(label)
	for _, class := range classes {
		if types.NormalizeLabel(class.Label) == normalized {
			return &Assignment{URI: class.URI, Method: types.MatchExactLabel, Confidence: 1.0}, nil
		}
	}

	// 2. Embedding similarity against class labels+definitions.
	if collection != nil && collection.Count() > 0 {
		text := label
		if definition != "" {
			text += ": " + definition
		}
		queryResult, err := m.chain.EmbedText(ctx, text)
		if err == nil {
			limit := 1
			results, qerr := collection.QueryEmbedding(ctx, queryResult.Vector, limit, nil, nil)
			if qerr == nil && len(results) > 0 && float64(results[0].Similarity) >= m.threshold {
				return &Assignment{
					URI:        results[0].ID,
					Method:     types.MatchEmbedding,
					Confidence: float64(results[0].Similarity),
				}, nil
			}
		} else {
			log.Printf("Warning: failed to embed class reference %q: %v", label, err)
		}
	}

	// 3. Propose a candidate class. A gateway failure degrades to a
	// provisional URI so extraction can continue offline.
	candidate := Candidate{
		Category:   category,
		Label:      label,
		Definition: definition,
		Provenance: "proethica-extraction",
	}
	uri, err := m.gateway.ProposeClass(ctx, candidate)
	if err != nil {
		if errors.Is(err, ErrInvalidCandidate) {
			return nil, err
		}
		uri = ProvisionalURI(category, label)
		log.Printf("Warning: class proposal failed, using provisional URI %s: %v", uri, err)
	}
	return &Assignment{URI: uri, Method: types.MatchNewCandidate, Confidence: 0.5}, nil
}

// ProvisionalURI builds the offline candidate URI for a label.
func ProvisionalURI(category, label string) string {
	slug := strings.ReplaceAll(types.NormalizeLabel(label), " ", "-")
	return fmt.Sprintf("urn:proethica:candidate:%s:%s", category, slug)
}

// IsProvisional reports whether a URI was minted offline by ProvisionalURI.
func IsProvisional(uri string) bool {
	return strings.HasPrefix(uri, "urn:proethica:candidate:")
}
