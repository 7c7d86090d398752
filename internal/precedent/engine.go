package precedent

import (
	"context"
	"log"
	"sort"
	"time"

	"proethica/internal/embeddings"
	"proethica/internal/metrics"
	"proethica/internal/staging"
	"proethica/internal/types"
)

// tieBreakOrder is the per-component comparison order for equal overall
// scores: principles, obligations, actions, roles, events, states,
// resources, capabilities, constraints.
var tieBreakOrder = []types.ConceptType{
	types.ConceptPrinciple,
	types.ConceptObligation,
	types.ConceptAction,
	types.ConceptRole,
	types.ConceptEvent,
	types.ConceptState,
	types.ConceptResource,
	types.ConceptCapability,
	types.ConceptConstraint,
}

// Engine computes and caches weighted case similarity.
type Engine struct {
	store   staging.Store
	weights Weights
	hash    string
}

// NewEngine creates an engine with normalized weights.
func NewEngine(store staging.Store, weights Weights) (*Engine, error) {
	normalized, err := weights.Normalize()
	if err != nil {
		return nil, err
	}
	return &Engine{store: store, weights: normalized, hash: normalized.Hash()}, nil
}

// Neighbor is one ranked precedent.
type Neighbor struct {
	CaseID     string                         `json:"case_id"`
	Overall    float64                        `json:"overall_score"`
	Components map[types.ConceptType]*float64 `json:"per_component_scores"`
}

// Filter narrows neighbor queries.
type Filter struct {
	MinScore       float64
	Outcomes       []types.Outcome
	Provision      string
	Transformation types.TransformationType
}

func (f *Filter) matches(features *types.CaseFeatures, overall float64) bool {
	if f == nil {
		return true
	}
	if overall < f.MinScore {
		return false
	}
	if len(f.Outcomes) > 0 {
		found := false
		for _, o := range f.Outcomes {
			if features.Outcome.Outcome == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Provision != "" {
		found := false
		normalized := types.NormalizeProvision(f.Provision)
		for _, p := range features.Provisions {
			if p == normalized {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Transformation != "" {
		if features.Transformation == nil || features.Transformation.Type != f.Transformation {
			return false
		}
	}
	return true
}

// Neighbors returns the top-k most similar cases. Sorting is deterministic:
// overall score descending, per-component scores in tie-break order, then
// case id ascending.
func (e *Engine) Neighbors(ctx context.Context, caseID string, k int, filter *Filter) ([]Neighbor, error) {
	source, err := e.store.GetFeatures(caseID)
	if err != nil {
		return nil, err
	}

	all, err := e.store.ListFeatures()
	if err != nil {
		return nil, err
	}

	var neighbors []Neighbor
	for _, target := range all {
		if target.CaseID == caseID {
			continue
		}
		rec, err := e.pairScore(source, target)
		if err != nil {
			log.Printf("Warning: scoring %s vs %s failed: %v", caseID, target.CaseID, err)
			continue
		}
		if !filter.matches(target, rec.Overall) {
			continue
		}
		neighbors = append(neighbors, Neighbor{
			CaseID:     target.CaseID,
			Overall:    rec.Overall,
			Components: rec.Components,
		})
	}

	sort.Slice(neighbors, func(i, j int) bool {
		return lessNeighbor(neighbors[j], neighbors[i])
	})

	if k > 0 && len(neighbors) > k {
		neighbors = neighbors[:k]
	}
	return neighbors, nil
}

// lessNeighbor reports whether a ranks strictly below b.
func lessNeighbor(a, b Neighbor) bool {
	if a.Overall != b.Overall {
		return a.Overall < b.Overall
	}
	for _, concept := range tieBreakOrder {
		as, bs := derefScore(a.Components[concept]), derefScore(b.Components[concept])
		if as != bs {
			return as < bs
		}
	}
	// Remaining ties: case id ascending ranks first, so "less" is greater id.
	return a.CaseID > b.CaseID
}

func derefScore(s *float64) float64 {
	if s == nil {
		return 0
	}
	return *s
}

// pairScore returns the cached record or computes and caches it.
func (e *Engine) pairScore(a, b *types.CaseFeatures) (*types.SimilarityRecord, error) {
	if rec, err := e.store.GetSimilarity(a.CaseID, b.CaseID, e.hash); err == nil {
		metrics.SimilarityCacheHits.Inc()
		return rec, nil
	}
	metrics.SimilarityCacheMisses.Inc()

	rec := e.Score(a, b)
	if err := e.store.SaveSimilarity(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecomputePair bypasses and refreshes the cache for one pair.
func (e *Engine) RecomputePair(ctx context.Context, caseA, caseB string) (*types.SimilarityRecord, error) {
	a, err := e.store.GetFeatures(caseA)
	if err != nil {
		return nil, err
	}
	b, err := e.store.GetFeatures(caseB)
	if err != nil {
		return nil, err
	}
	rec := e.Score(a, b)
	if err := e.store.SaveSimilarity(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Invalidate drops all cache entries touching a case.
func (e *Engine) Invalidate(caseID string) error {
	return e.store.InvalidateSimilarity(caseID)
}

// Score computes the weighted similarity of two feature records:
//
//	overall = sum_k w_k * cos(e_a,k, e_b,k)
//	        + w_prov * J(provisions) + w_out * align(outcomes)
//	        + w_tag * J(tags) + w_cite * J(cited)
//
// A component embedding missing on either side contributes nothing and its
// weight is redistributed proportionally across the present embedding
// components, keeping the embedding-weight budget intact. Negative cosines
// clamp to zero so any non-negative weights yield scores in [0,1].
func (e *Engine) Score(a, b *types.CaseFeatures) *types.SimilarityRecord {
	componentScores := make(map[types.ConceptType]*float64, len(tieBreakOrder))

	var budgetTotal, budgetPresent float64
	type presentComponent struct {
		concept types.ConceptType
		weight  float64
		score   float64
	}
	var present []presentComponent

	for _, c := range e.weights.components() {
		budgetTotal += c.Weight
		ea, eb := a.Components[c.Concept], b.Components[c.Concept]
		if ea == nil || eb == nil || len(ea.Vector) == 0 || len(eb.Vector) == 0 {
			componentScores[c.Concept] = nil
			continue
		}
		if len(ea.Vector) != len(eb.Vector) {
			log.Printf("Warning: dimension mismatch for %s between %s and %s", c.Concept, a.CaseID, b.CaseID)
			componentScores[c.Concept] = nil
			continue
		}
		score := embeddings.CosineSimilarity(ea.Vector, eb.Vector)
		if score < 0 {
			score = 0
		}
		s := score
		componentScores[c.Concept] = &s
		budgetPresent += c.Weight
		present = append(present, presentComponent{concept: c.Concept, weight: c.Weight, score: score})
	}

	overall := 0.0
	if budgetPresent > 0 {
		// Redistribute the absent components' weight proportionally.
		scale := budgetTotal / budgetPresent
		for _, pc := range present {
			overall += pc.weight * scale * pc.score
		}
	}

	overall += e.weights.ProvisionOverlap * jaccard(a.Provisions, b.Provisions)
	overall += e.weights.OutcomeAlignment * outcomeAlignment(a.Outcome.Outcome, b.Outcome.Outcome)
	overall += e.weights.TagOverlap * jaccard(a.SubjectTags, b.SubjectTags)
	overall += e.weights.CitedCaseOverlap * jaccard(a.CitedCases, b.CitedCases)

	caseA, caseB := types.CanonicalPair(a.CaseID, b.CaseID)
	return &types.SimilarityRecord{
		CaseA:       caseA,
		CaseB:       caseB,
		Components:  componentScores,
		Overall:     overall,
		WeightsHash: e.hash,
		ComputedAt:  time.Now(),
	}
}

// jaccard is the Jaccard index of two string sets; two empty sets score 0.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, v := range a {
		setA[v] = true
	}
	intersection := 0
	setB := make(map[string]bool, len(b))
	for _, v := range b {
		if setB[v] {
			continue
		}
		setB[v] = true
		if setA[v] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// outcomeAlignment maps outcome agreement: same outcome 1.0, opposite
// ethical/unethical 0.0, anything else 0.5.
func outcomeAlignment(a, b types.Outcome) float64 {
	if a == b {
		return 1.0
	}
	if (a == types.OutcomeEthical && b == types.OutcomeUnethical) ||
		(a == types.OutcomeUnethical && b == types.OutcomeEthical) {
		return 0.0
	}
	return 0.5
}

// Weights returns the engine's normalized weights snapshot.
func (e *Engine) Weights() Weights {
	return e.weights
}
