// Package precedent ranks case-to-case similarity over the
// component-decomposed feature records.
package precedent

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"proethica/internal/types"
)

// Weights is the similarity weight configuration. Embedding-component
// weights cover the nine concept channels; the scalar weights cover
// provision, outcome, tag and cited-case agreement. Defaults sum to 1.0;
// overrides are normalized.
type Weights struct {
	Role       float64 `json:"role_weight" toml:"role_weight"`
	Principle  float64 `json:"principle_weight" toml:"principle_weight"`
	Obligation float64 `json:"obligation_weight" toml:"obligation_weight"`
	State      float64 `json:"state_weight" toml:"state_weight"`
	Resource   float64 `json:"resource_weight" toml:"resource_weight"`
	Action     float64 `json:"action_weight" toml:"action_weight"`
	Event      float64 `json:"event_weight" toml:"event_weight"`
	Capability float64 `json:"capability_weight" toml:"capability_weight"`
	Constraint float64 `json:"constraint_weight" toml:"constraint_weight"`

	ProvisionOverlap float64 `json:"provision_overlap_weight" toml:"provision_overlap_weight"`
	OutcomeAlignment float64 `json:"outcome_alignment_weight" toml:"outcome_alignment_weight"`
	TagOverlap       float64 `json:"tag_overlap_weight" toml:"tag_overlap_weight"`
	CitedCaseOverlap float64 `json:"cited_case_overlap_weight" toml:"cited_case_overlap_weight"`
}

// DefaultWeights returns the default configuration (sums to 1.0).
func DefaultWeights() Weights {
	return Weights{
		Role:       0.08,
		Principle:  0.12,
		Obligation: 0.12,
		State:      0.06,
		Resource:   0.04,
		Action:     0.10,
		Event:      0.06,
		Capability: 0.04,
		Constraint: 0.04,

		ProvisionOverlap: 0.14,
		OutcomeAlignment: 0.08,
		TagOverlap:       0.06,
		CitedCaseOverlap: 0.06,
	}
}

// ErrZeroWeights rejects an all-zero weights struct.
var ErrZeroWeights = errors.New("precedent: weights sum to zero")

// components lists the embedding channels with their weight accessor, in the
// canonical D-tuple order.
func (w Weights) components() []struct {
	Concept types.ConceptType
	Weight  float64
} {
	return []struct {
		Concept types.ConceptType
		Weight  float64
	}{
		{types.ConceptRole, w.Role},
		{types.ConceptPrinciple, w.Principle},
		{types.ConceptObligation, w.Obligation},
		{types.ConceptState, w.State},
		{types.ConceptResource, w.Resource},
		{types.ConceptAction, w.Action},
		{types.ConceptEvent, w.Event},
		{types.ConceptCapability, w.Capability},
		{types.ConceptConstraint, w.Constraint},
	}
}

func (w Weights) sum() float64 {
	total := w.ProvisionOverlap + w.OutcomeAlignment + w.TagOverlap + w.CitedCaseOverlap
	for _, c := range w.components() {
		total += c.Weight
	}
	return total
}

// Normalize validates the struct and scales it to sum to 1.0. Negative
// weights and an all-zero struct are rejected.
func (w Weights) Normalize() (Weights, error) {
	values := []float64{
		w.Role, w.Principle, w.Obligation, w.State, w.Resource,
		w.Action, w.Event, w.Capability, w.Constraint,
		w.ProvisionOverlap, w.OutcomeAlignment, w.TagOverlap, w.CitedCaseOverlap,
	}
	for _, v := range values {
		if v < 0 {
			return Weights{}, fmt.Errorf("precedent: negative weight %f", v)
		}
	}

	total := w.sum()
	if total == 0 {
		return Weights{}, ErrZeroWeights
	}

	w.Role /= total
	w.Principle /= total
	w.Obligation /= total
	w.State /= total
	w.Resource /= total
	w.Action /= total
	w.Event /= total
	w.Capability /= total
	w.Constraint /= total
	w.ProvisionOverlap /= total
	w.OutcomeAlignment /= total
	w.TagOverlap /= total
	w.CitedCaseOverlap /= total
	return w, nil
}

// Hash fingerprints a weights snapshot for cache keying.
func (w Weights) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f|%.6f",
		w.Role, w.Principle, w.Obligation, w.State, w.Resource,
		w.Action, w.Event, w.Capability, w.Constraint,
		w.ProvisionOverlap, w.OutcomeAlignment, w.TagOverlap, w.CitedCaseOverlap)))
	return hex.EncodeToString(sum[:8])
}
