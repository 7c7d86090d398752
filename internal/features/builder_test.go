package features

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proethica/internal/embeddings"
	"proethica/internal/llm"
	"proethica/internal/staging"
	"proethica/internal/types"
)

const unethicalOutcome = `{"outcome": "unethical", "confidence": 0.9, "rationale": "the board found the conduct not ethical"}`

func seedFeatureCase(t *testing.T, store staging.Store) {
	t.Helper()
	err := store.SaveCase(&types.Case{
		ID:          "case-1",
		Title:       "AI design verification",
		SubjectTags: []string{"AI", "Design Review"},
		RawText:     "raw",
		Sections: map[types.SectionType]*types.Section{
			types.SectionFacts:      {Type: types.SectionFacts, Text: "Engineer T used an AI-generated design without verification."},
			types.SectionDiscussion: {Type: types.SectionDiscussion, Text: "The board weighed the duty to verify designs. See Case 92-6."},
			types.SectionConclusion: {Type: types.SectionConclusion, Text: "The engineer's conduct was not ethical."},
		},
		ParseMethod: types.ParseStructured,
	})
	require.NoError(t, err)
}

func stagePublished(t *testing.T, store staging.Store, drafts ...*types.DraftEntity) {
	t.Helper()
	for _, d := range drafts {
		if _, err := store.Stage(d); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.Publish("case-1", staging.Selector{}); err != nil {
		t.Fatal(err)
	}
}

func draft(label string, concept types.ConceptType, uri string) *types.DraftEntity {
	return &types.DraftEntity{
		CaseID:      "case-1",
		SessionID:   "sess-1",
		ConceptType: concept,
		Kind:        types.KindIndividual,
		Label:       label,
		Definition:  "definition of " + label,
		Step:        1,
		Pass:        1,
		Section:     types.SectionFacts,
		MatchedURI:  uri,
		MatchMethod: types.MatchExactLabel,
	}
}

func newTestBuilder(store staging.Store, responses ...string) *Builder {
	chain := embeddings.NewChain(embeddings.NewMockEmbedder(64))
	client := llm.NewMockClient(responses...)
	return NewBuilder(store, chain, client)
}

func TestBuildNoPublishedContent(t *testing.T) {
	store := staging.NewMemoryStore()
	seedFeatureCase(t, store)

	_, err := newTestBuilder(store).Build(context.Background(), "case-1")
	assert.True(t, errors.Is(err, ErrNoPublishedContent), "got %v", err)
}

func TestBuildFeatureRecord(t *testing.T) {
	store := staging.NewMemoryStore()
	seedFeatureCase(t, store)

	tension := draft("confidentiality / public-safety", types.ConceptPrincipleTension, "")
	tension.Step = 4
	tension.Pair = &types.ConceptPair{First: "public-safety", Second: "confidentiality", Rationale: "duty conflict"}

	transformation := draft("transformation: transfer", types.ConceptTransformation, "")
	transformation.Step = 4
	transformation.Transformation = &types.Transformation{Type: types.TransformationTransfer, Confidence: 0.8, Rationale: "shifted to employer"}

	provision := draft("ii.1.A", types.ConceptProvision, "")
	provision.Step = 4

	stagePublished(t, store,
		draft("Engineer T", types.ConceptRole, "http://onto.example.org/Engineer"),
		draft("verify AI-generated designs", types.ConceptObligation, "http://onto.example.org/VerifyDesigns"),
		draft("worker injury", types.ConceptEvent, "http://onto.example.org/Injury"),
		provision, tension, transformation,
	)

	features, err := newTestBuilder(store, unethicalOutcome).Build(context.Background(), "case-1")
	require.NoError(t, err)

	// Component embeddings exist exactly for the populated concepts.
	assert.Contains(t, features.Components, types.ConceptRole)
	assert.Contains(t, features.Components, types.ConceptObligation)
	assert.Contains(t, features.Components, types.ConceptEvent)
	assert.NotContains(t, features.Components, types.ConceptCapability)
	assert.NotContains(t, features.Components, types.ConceptConstraint)

	// Outcome from the conclusions section, in the closed set.
	assert.Equal(t, types.OutcomeUnethical, features.Outcome.Outcome)
	assert.GreaterOrEqual(t, features.Outcome.Confidence, 0.7)

	// Provision codes canonicalized.
	assert.Equal(t, []string{"II.1.a"}, features.Provisions)

	// Cited case numbers picked up from the discussion.
	assert.Equal(t, []string{"92-6"}, features.CitedCases)

	// Tags normalized.
	assert.Equal(t, []string{"ai", "design review"}, features.SubjectTags)

	// Pairs normalized to sorted endpoint order.
	require.Len(t, features.Tensions, 1)
	assert.Equal(t, "confidentiality", features.Tensions[0].First)

	require.NotNil(t, features.Transformation)
	assert.Equal(t, types.TransformationTransfer, features.Transformation.Type)

	// Combined embedding is the mean over section embeddings.
	require.NotNil(t, features.Combined)
	assert.Len(t, features.Combined.Vector, 64)

	// Entity classes collected per concept.
	assert.Equal(t, []string{"http://onto.example.org/Engineer"}, features.EntityClasses[types.ConceptRole])

	// Record persisted.
	stored, err := store.GetFeatures("case-1")
	require.NoError(t, err)
	assert.Equal(t, types.FeaturesVersion, stored.FeaturesVersion)
}

func TestBuildIdempotent(t *testing.T) {
	store := staging.NewMemoryStore()
	seedFeatureCase(t, store)
	stagePublished(t, store, draft("Engineer T", types.ConceptRole, "http://onto.example.org/Engineer"))

	builder := newTestBuilder(store, unethicalOutcome, unethicalOutcome)

	first, err := builder.Build(context.Background(), "case-1")
	require.NoError(t, err)
	second, err := builder.Build(context.Background(), "case-1")
	require.NoError(t, err)

	first.BuiltAt = second.BuiltAt
	assert.Equal(t, first, second, "rebuild with no intervening writes must be identical")
}

func TestBuildOutcomeDegradesToUnclear(t *testing.T) {
	store := staging.NewMemoryStore()
	seedFeatureCase(t, store)
	stagePublished(t, store, draft("Engineer T", types.ConceptRole, "u"))

	// LLM down: the outcome field degrades, the record is still produced.
	client := llm.NewMockClient()
	client.FailWith(llm.ErrUnavailable)
	builder := NewBuilder(store, embeddings.NewChain(embeddings.NewMockEmbedder(64)), client)

	features, err := builder.Build(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeUnclear, features.Outcome.Outcome)
	assert.Equal(t, 0.0, features.Outcome.Confidence)
}

func TestBuildMissingConclusionsUnclear(t *testing.T) {
	store := staging.NewMemoryStore()
	require.NoError(t, store.SaveCase(&types.Case{
		ID:      "case-1",
		Title:   "no conclusions",
		RawText: "raw",
		Sections: map[types.SectionType]*types.Section{
			types.SectionFacts: {Type: types.SectionFacts, Text: "facts only"},
		},
		ParseMethod: types.ParseUnstructured,
	}))
	stagePublished(t, store, draft("Engineer T", types.ConceptRole, "u"))

	features, err := newTestBuilder(store).Build(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeUnclear, features.Outcome.Outcome)
	assert.Equal(t, 0.0, features.Outcome.Confidence)
}

func TestBuildOutcomeClosedSetRetry(t *testing.T) {
	store := staging.NewMemoryStore()
	seedFeatureCase(t, store)
	stagePublished(t, store, draft("Engineer T", types.ConceptRole, "u"))

	builder := newTestBuilder(store,
		`{"outcome": "bad", "confidence": 0.9, "rationale": "r"}`,
		`{"outcome": "mixed", "confidence": 0.6, "rationale": "partially excused"}`,
	)
	features, err := builder.Build(context.Background(), "case-1")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeMixed, features.Outcome.Outcome)
}

func TestValidateDecisionPoints(t *testing.T) {
	point := draft("notify the client or stay silent", types.ConceptDecisionPoint, "")
	point.ID = "dp-1"
	point.Relations = []types.EntityRelation{
		{Predicate: "has_option", Target: "notify the client"},
		{Predicate: "has_option", Target: "stay silent"},
	}
	optionA := draft("notify the client", types.ConceptDecisionOption, "")
	optionA.ID = "opt-a"
	optionA.BoardChoice = true
	optionB := draft("stay silent", types.ConceptDecisionOption, "")
	optionB.ID = "opt-b"

	drafts := []*types.DraftEntity{point, optionA, optionB}
	assert.Empty(t, ValidateDecisionPoints(drafts))

	eg := BuildEntityGraph(drafts)
	options := eg.Options("dp-1")
	assert.Len(t, options, 2)
	choice := eg.BoardChoice("dp-1")
	require.NotNil(t, choice)
	assert.Equal(t, "notify the client", choice.Label)

	// A lone-option point is flagged.
	lonely := draft("lone decision", types.ConceptDecisionPoint, "")
	lonely.ID = "dp-2"
	lonely.Relations = []types.EntityRelation{{Predicate: "has_option", Target: "notify the client"}}
	problems := ValidateDecisionPoints([]*types.DraftEntity{lonely, optionA})
	assert.Len(t, problems, 1)
}
