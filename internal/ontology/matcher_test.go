package ontology

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proethica/internal/embeddings"
	"proethica/internal/types"
)

func newTestMatcher(t *testing.T, classes map[string][]Class) (*Matcher, *MockGateway) {
	t.Helper()
	gateway := NewMockGateway(classes)
	chain := embeddings.NewChain(embeddings.NewMockEmbedder(384))
	matcher := NewMatcher(gateway, chain, 0.75)
	for category := range classes {
		_, err := matcher.LoadCategory(context.Background(), category)
		require.NoError(t, err)
	}
	return matcher, gateway
}

func TestAssignExactLabelMatch(t *testing.T) {
	matcher, _ := newTestMatcher(t, map[string][]Class{
		"role": {
			{URI: "http://onto.example.org/Engineer", Label: "Engineer", Definition: "A licensed professional engineer"},
			{URI: "http://onto.example.org/Client", Label: "Client", Definition: "The purchaser of engineering services"},
		},
	})

	assignment, err := matcher.Assign(context.Background(), "role", "engineer", "")
	require.NoError(t, err)
	assert.Equal(t, "http://onto.example.org/Engineer", assignment.URI)
	assert.Equal(t, types.MatchExactLabel, assignment.Method)
	assert.Equal(t, 1.0, assignment.Confidence)
}

func TestAssignExactMatchNormalizesLabel(t *testing.T) {
	matcher, _ := newTestMatcher(t, map[string][]Class{
		"role": {{URI: "http://onto.example.org/Engineer", Label: "Engineer"}},
	})

	assignment, err := matcher.Assign(context.Background(), "role", "Engineer.", "")
	require.NoError(t, err)
	assert.Equal(t, types.MatchExactLabel, assignment.Method)
}

// keywordEmbedder maps texts onto fixed axes by keyword so tests can control
// similarity exactly: texts mentioning "safety" share one axis, everything
// else another.
type keywordEmbedder struct{}

func (keywordEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	if strings.Contains(strings.ToLower(text), "safety") {
		vec[0] = 1
	} else {
		vec[1] = 1
	}
	return vec, nil
}

func (e keywordEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (keywordEmbedder) Dimension() int   { return 8 }
func (keywordEmbedder) Model() string    { return "keyword-stub" }
func (keywordEmbedder) Provider() string { return "mock" }

func TestAssignEmbeddingMatch(t *testing.T) {
	gateway := NewMockGateway(nil)
	chain := embeddings.NewChain(keywordEmbedder{})
	matcher := NewMatcher(gateway, chain, 0.75)
	require.NoError(t, matcher.SetClasses(context.Background(), "principle", []Class{
		{URI: "http://onto.example.org/PublicSafety", Label: "Public Safety Principle", Definition: "hold paramount the safety of the public"},
	}))

	// Not an exact label match, but lands on the safety axis.
	assignment, err := matcher.Assign(context.Background(), "principle",
		"paramount safety of the public", "the engineer's duty to protect public safety")
	require.NoError(t, err)
	assert.Equal(t, types.MatchEmbedding, assignment.Method)
	assert.GreaterOrEqual(t, assignment.Confidence, 0.75)
	assert.Equal(t, "http://onto.example.org/PublicSafety", assignment.URI)
}

func TestAssignProposesWhenUnmatched(t *testing.T) {
	matcher, gateway := newTestMatcher(t, map[string][]Class{
		"obligation": {{URI: "http://onto.example.org/Disclose", Label: "Disclose Conflicts", Definition: "duty to disclose conflicts of interest"}},
	})

	assignment, err := matcher.Assign(context.Background(), "obligation",
		"verify AI-generated designs", "duty to independently verify machine-produced engineering work")
	require.NoError(t, err)
	assert.Equal(t, types.MatchNewCandidate, assignment.Method)
	assert.NotEmpty(t, assignment.URI)

	proposals := gateway.Proposals()
	require.Len(t, proposals, 1)
	assert.Equal(t, "obligation", proposals[0].Category)
	assert.Equal(t, "verify AI-generated designs", proposals[0].Label)
}

func TestAssignDegradedProvisionalURI(t *testing.T) {
	gateway := NewMockGateway(nil)
	chain := embeddings.NewChain(embeddings.NewMockEmbedder(384))
	matcher := NewMatcher(gateway, chain, 0.75)
	gateway.FailWith(ErrUnavailable)

	assignment, err := matcher.Assign(context.Background(), "role", "Engineer T", "")
	require.NoError(t, err)
	assert.Equal(t, types.MatchNewCandidate, assignment.Method)
	assert.True(t, IsProvisional(assignment.URI), "uri = %s", assignment.URI)
	assert.Equal(t, "urn:proethica:candidate:role:engineer-t", assignment.URI)
}

func TestAssignDeterminism(t *testing.T) {
	classes := map[string][]Class{
		"state": {
			{URI: "http://onto.example.org/TimePressure", Label: "Time Pressure", Definition: "schedule constraints limiting review"},
			{URI: "http://onto.example.org/SafetyHazard", Label: "Safety Hazard Present", Definition: "a condition endangering the public"},
		},
	}

	var first *Assignment
	for i := 0; i < 3; i++ {
		matcher, _ := newTestMatcher(t, classes)
		assignment, err := matcher.Assign(context.Background(), "state", "safety hazard present", "")
		require.NoError(t, err)
		if first == nil {
			first = assignment
			continue
		}
		assert.Equal(t, first.URI, assignment.URI)
		assert.Equal(t, first.Method, assignment.Method)
	}
}
