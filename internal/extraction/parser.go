package extraction

import (
	"encoding/json"
	"fmt"
	"strings"

	"proethica/internal/types"
)

// ParseError marks an LLM response that could not be coerced into the
// required shape. The cell records outcome parse_error after the single
// repair retry is spent.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "extraction: parse error: " + e.Reason
}

// NewClass is one proposed ontology class from a response.
type NewClass struct {
	Label      string `json:"label"`
	Definition string `json:"definition"`
	Rationale  string `json:"rationale"`
}

// Individual is one extracted individual from a response.
type Individual struct {
	Label      string          `json:"label"`
	Definition string          `json:"definition"`
	ClassRef   string          `json:"class_ref"`
	Quote      string          `json:"quote"`
	Start      int             `json:"start"`
	End        int             `json:"end"`
	Relations  []IndividualRel `json:"relations"`

	// Options is populated on decision-point individuals only: each entry
	// becomes a decision_option draft linked back by has_option.
	Options []Option `json:"options,omitempty"`
}

// Option is one enumerated option of a decision point.
type Option struct {
	Label       string `json:"label"`
	Definition  string `json:"definition"`
	BoardChoice bool   `json:"board_choice"`
	Quote       string `json:"quote"`
}

// IndividualRel is a relation entry on an individual.
type IndividualRel struct {
	Predicate string `json:"predicate"`
	Target    string `json:"target"`
}

// EntityResponse is the parsed shape for ordinary entity cells.
type EntityResponse struct {
	NewClasses  []NewClass   `json:"new_classes"`
	Individuals []Individual `json:"individuals"`
}

// Empty reports a validly shaped but empty response, which is a success.
func (r *EntityResponse) Empty() bool {
	return len(r.NewClasses) == 0 && len(r.Individuals) == 0
}

// PairResponse is the parsed shape for tension and conflict cells.
type PairResponse struct {
	Pairs []struct {
		First     string `json:"first"`
		Second    string `json:"second"`
		Rationale string `json:"rationale"`
		Quote     string `json:"quote"`
	} `json:"pairs"`
}

// TransformationResponse is the parsed shape for the classification cell.
type TransformationResponse struct {
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Indicators []string `json:"indicators"`
}

// extractJSON tolerates prose and markdown fences around the JSON object.
func extractJSON(response string) (string, error) {
	trimmed := strings.TrimSpace(response)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found")
	}
	return trimmed[start : end+1], nil
}

// ParseEntityResponse coerces a response into the entity shape.
func ParseEntityResponse(response string) (*EntityResponse, error) {
	raw, err := extractJSON(response)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	var parsed EntityResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	for i, individual := range parsed.Individuals {
		if strings.TrimSpace(individual.Label) == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("individual %d has no label", i)}
		}
		for j, option := range individual.Options {
			if strings.TrimSpace(option.Label) == "" {
				return nil, &ParseError{Reason: fmt.Sprintf("individual %q option %d has no label", individual.Label, j)}
			}
		}
	}
	for i, class := range parsed.NewClasses {
		if strings.TrimSpace(class.Label) == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("new class %d has no label", i)}
		}
		if strings.TrimSpace(class.Definition) == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("new class %q has no definition", class.Label)}
		}
	}
	return &parsed, nil
}

// ParsePairResponse coerces a response into the pair shape, normalizing
// endpoint order and dropping exact duplicates.
func ParsePairResponse(response string) ([]types.ConceptPair, error) {
	raw, err := extractJSON(response)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	var parsed PairResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	seen := make(map[string]bool)
	var pairs []types.ConceptPair
	for i, p := range parsed.Pairs {
		if strings.TrimSpace(p.First) == "" || strings.TrimSpace(p.Second) == "" {
			return nil, &ParseError{Reason: fmt.Sprintf("pair %d has an empty endpoint", i)}
		}
		pair := types.ConceptPair{First: p.First, Second: p.Second, Rationale: p.Rationale}
		if p.Quote != "" {
			pair.Evidence = []types.TextSpan{{Quote: p.Quote}}
		}
		pair = pair.NormalizedPair()
		key := types.NormalizeLabel(pair.First) + "|" + types.NormalizeLabel(pair.Second)
		if seen[key] {
			continue
		}
		seen[key] = true
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// ParseTransformationResponse coerces a response into the transformation
// shape and enforces the closed set. A value outside the enum is a
// ValidationError-kind parse failure eligible for one retry.
func ParseTransformationResponse(response string) (*types.Transformation, error) {
	raw, err := extractJSON(response)
	if err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	var parsed TransformationResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ParseError{Reason: err.Error()}
	}

	transformationType := types.TransformationType(strings.ToLower(strings.TrimSpace(parsed.Type)))
	if !types.ValidTransformationType(transformationType) {
		return nil, &ParseError{Reason: fmt.Sprintf("transformation type %q outside the closed set", parsed.Type)}
	}
	if parsed.Confidence < 0 || parsed.Confidence > 1 {
		return nil, &ParseError{Reason: fmt.Sprintf("confidence %f outside [0,1]", parsed.Confidence)}
	}

	return &types.Transformation{
		Type:       transformationType,
		Confidence: parsed.Confidence,
		Rationale:  parsed.Rationale,
		Indicators: parsed.Indicators,
	}, nil
}
