package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proethica/internal/document"
	"proethica/internal/embeddings"
	"proethica/internal/features"
	"proethica/internal/llm"
	"proethica/internal/ontology"
	"proethica/internal/staging"
	"proethica/internal/types"
)

const caseText = `Facts:
Engineer T used an AI-generated design without verification. A worker was injured during construction.

Question:
Was it ethical for Engineer T to rely on the unverified design?

Discussion:
The board weighed the duty to verify designs against schedule pressure.

Conclusion:
The engineer's conduct was not ethical.
`

const emptyEntityResponse = `{"new_classes": [], "individuals": []}`

func seedTestCase(t *testing.T, store staging.Store) *types.Case {
	t.Helper()
	result := document.NewParser().Parse(caseText)
	c := &types.Case{
		ID:          "case-1",
		Title:       "AI design verification",
		RawText:     caseText,
		Sections:    result.Sections,
		ParseMethod: result.Method,
	}
	require.NoError(t, store.SaveCase(c))
	return c
}

func newTestOrchestrator(t *testing.T, client *llm.MockClient, gateway ontology.Gateway) (*Orchestrator, staging.Store) {
	t.Helper()
	store := staging.NewMemoryStore()
	chain := embeddings.NewChain(embeddings.NewMockEmbedder(64))
	matcher := ontology.NewMatcher(gateway, chain, 0.75)
	orch := NewOrchestrator(store, client, matcher, &Config{MaxConcurrentCells: 2, RepairRetries: 1})
	return orch, store
}

func TestRunCellStagesEntities(t *testing.T) {
	client := llm.NewMockClient()
	client.RespondWhen("professional or stakeholder position", `{
		"new_classes": [],
		"individuals": [
			{"label": "Engineer T", "definition": "the engineer who used the AI design", "class_ref": "Engineer", "quote": "Engineer T used an AI-generated design", "start": 0, "end": 38}
		]
	}`)

	gateway := ontology.NewMockGateway(map[string][]ontology.Class{
		"role": {{URI: "http://onto.example.org/Engineer", Label: "Engineer", Definition: "a licensed engineer"}},
	})
	orch, store := newTestOrchestrator(t, client, gateway)
	c := seedTestCase(t, store)

	cell := Cell{Step: StepContextual, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	drafts, err := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptRole})
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "Engineer T", drafts[0].Label)
	assert.Equal(t, "http://onto.example.org/Engineer", drafts[0].MatchedURI)
	assert.Equal(t, types.MatchExactLabel, drafts[0].MatchMethod)

	session, err := store.CurrentSession(types.CellKey{
		CaseID: c.ID, Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole,
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeOK, session.Outcome)
	assert.False(t, session.OntologyDegraded)
	assert.NotEmpty(t, session.PromptText)
	assert.NotEmpty(t, session.ResponseText)
}

func TestRunCellEmptyResponseIsSuccess(t *testing.T) {
	client := llm.NewMockClient(emptyEntityResponse)
	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	cell := Cell{Step: StepContextual, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptState}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	session, err := store.CurrentSession(types.CellKey{
		CaseID: c.ID, Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptState,
	})
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeEmpty, session.Outcome)
}

func TestRunCellParseRepairRetry(t *testing.T) {
	client := llm.NewMockClient(
		"I found one role: Engineer T.", // unparseable
		`{"new_classes": [], "individuals": [{"label": "Engineer T", "class_ref": "Engineer"}]}`,
	)
	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	cell := Cell{Step: StepContextual, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	assert.Equal(t, 2, client.CallCount, "expected one repair reprompt")

	session, _ := store.CurrentSession(types.CellKey{
		CaseID: c.ID, Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole,
	})
	assert.Equal(t, types.OutcomeOK, session.Outcome)
}

func TestRunCellParseFailureAfterRetry(t *testing.T) {
	client := llm.NewMockClient("not json", "still not json")
	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	cell := Cell{Step: StepContextual, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	session, _ := store.CurrentSession(types.CellKey{
		CaseID: c.ID, Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole,
	})
	assert.Equal(t, types.OutcomeParseError, session.Outcome)
	assert.NotEmpty(t, session.Error)

	// No drafts staged from a failed parse.
	drafts, _ := store.GetDrafts(c.ID, staging.Filter{})
	assert.Empty(t, drafts)
}

func TestRunCellLLMError(t *testing.T) {
	client := llm.NewMockClient()
	client.FailWith(llm.ErrUnavailable)
	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	cell := Cell{Step: StepContextual, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	session, _ := store.CurrentSession(types.CellKey{
		CaseID: c.ID, Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole,
	})
	assert.Equal(t, types.OutcomeLLMError, session.Outcome)
}

func TestStepBlockedUntilEarlierStepsComplete(t *testing.T) {
	client := llm.NewMockClient()
	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	seedTestCase(t, store)

	err := orch.RunStep(context.Background(), "case-1", StepNormative)
	assert.True(t, errors.Is(err, ErrStepBlocked), "got %v", err)
}

func TestRunCaseFullPipeline(t *testing.T) {
	client := llm.NewMockClient()
	// Specific matchers first: the generic empty-entity response would
	// otherwise swallow the pair and transformation prompts.
	client.RespondWhen("unordered pairs of principles", `{"pairs": [{"first": "confidentiality", "second": "public-safety", "rationale": "cannot honor both"}]}`)
	client.RespondWhen("unordered pairs of duties", `{"pairs": []}`)
	client.RespondWhen("transformation pattern", `{"type": "stalemate", "confidence": 0.8, "rationale": "obligations remain in tension", "indicators": []}`)
	// Entity cells across steps 1-3 and the remaining synthesis cells.
	client.RespondWhen("Respond with a JSON object", emptyEntityResponse)

	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	require.NoError(t, orch.RunCase(context.Background(), c.ID))

	tensions, _ := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptPrincipleTension})
	require.Len(t, tensions, 1)
	require.NotNil(t, tensions[0].Pair)
	assert.Equal(t, "confidentiality", tensions[0].Pair.First)

	transformations, _ := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptTransformation})
	require.Len(t, transformations, 1)
	require.NotNil(t, transformations[0].Transformation)
	assert.Equal(t, types.TransformationStalemate, transformations[0].Transformation.Type)
}

func TestTransformationClosedSetRetry(t *testing.T) {
	client := llm.NewMockClient(
		`{"type": "resolution", "confidence": 0.8, "rationale": "r"}`,
		`{"type": "transfer", "confidence": 0.8, "rationale": "responsibility shifted"}`,
	)
	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	cell := Cell{Step: StepSynthesis, Pass: 1, Section: types.SectionDiscussion, ConceptType: types.ConceptTransformation}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	drafts, _ := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptTransformation})
	require.Len(t, drafts, 1)
	assert.Equal(t, types.TransformationTransfer, drafts[0].Transformation.Type)
}

// Scenario D: pass 1 stages Role "Engineer A."; pass 2 attempts "engineer a".
func TestPassTwoDedupExtendsSpans(t *testing.T) {
	client := llm.NewMockClient()
	client.RespondWhen("## FACTS", `{"new_classes": [], "individuals": [
		{"label": "Engineer A.", "class_ref": "Engineer", "quote": "Engineer A used", "start": 0, "end": 15}
	]}`)
	client.RespondWhen("## DISCUSSION", `{"new_classes": [], "individuals": [
		{"label": "engineer a", "class_ref": "Engineer", "quote": "the board weighed", "start": 4, "end": 21}
	]}`)

	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	pass1 := Cell{Step: StepContextual, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole}
	pass2 := Cell{Step: StepContextual, Pass: 2, Section: types.SectionDiscussion, ConceptType: types.ConceptRole}
	require.NoError(t, orch.RunCell(context.Background(), c, pass1))
	require.NoError(t, orch.RunCell(context.Background(), c, pass2))

	drafts, _ := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptRole})
	require.Len(t, drafts, 1, "normalized duplicate must not create a new draft")
	assert.Len(t, drafts[0].Spans, 2, "spans should cover both occurrences")
}

// Scenario E: extraction with the ontology offline, then reconciliation.
func TestOntologyDegradedAndReconcile(t *testing.T) {
	client := llm.NewMockClient()
	client.RespondWhen("professional or stakeholder position", `{"new_classes": [], "individuals": [
		{"label": "Engineer T", "class_ref": "Engineer T", "quote": "Engineer T used", "start": 0, "end": 15}
	]}`)

	gateway := ontology.NewMockGateway(nil)
	orch, store := newTestOrchestrator(t, client, gateway)
	c := seedTestCase(t, store)

	gateway.FailWith(ontology.ErrUnavailable)

	cell := Cell{Step: StepContextual, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	session, _ := store.CurrentSession(types.CellKey{
		CaseID: c.ID, Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole,
	})
	assert.True(t, session.OntologyDegraded)

	drafts, _ := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptRole})
	require.Len(t, drafts, 1)
	assert.Equal(t, types.MatchNewCandidate, drafts[0].MatchMethod)
	assert.True(t, ontology.IsProvisional(drafts[0].MatchedURI))

	// Service recovers with a canonical class whose label matches exactly.
	gateway.FailWith(nil)
	gateway.AddClass("role", ontology.Class{URI: "http://onto.example.org/EngineerT", Label: "Engineer T", Definition: "the engineer"})

	relinked, err := orch.Reconcile(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, relinked)

	drafts, _ = store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptRole})
	assert.Equal(t, "http://onto.example.org/EngineerT", drafts[0].MatchedURI)
	assert.Equal(t, types.MatchExactLabel, drafts[0].MatchMethod)
}

func TestRunCellStagesDecisionOptions(t *testing.T) {
	client := llm.NewMockClient()
	client.RespondWhen("decision point", `{"new_classes": [], "individuals": [
		{
			"label": "rely on the AI design or verify it",
			"definition": "the choice Engineer T faced before certification",
			"class_ref": "Decision",
			"quote": "used an AI-generated design without verification",
			"options": [
				{"label": "verify the design independently", "definition": "commission an independent check", "board_choice": true},
				{"label": "rely on the unverified design", "definition": "proceed on schedule without review", "board_choice": false}
			]
		}
	]}`)

	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	cell := Cell{Step: StepSynthesis, Pass: 1, Section: types.SectionDiscussion, ConceptType: types.ConceptDecisionPoint}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	points, _ := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptDecisionPoint})
	require.Len(t, points, 1)
	options, _ := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptDecisionOption})
	require.Len(t, options, 2)

	// The point links to its options by has_option.
	var optionTargets []string
	for _, rel := range points[0].Relations {
		if rel.Predicate == "has_option" {
			optionTargets = append(optionTargets, rel.Target)
		}
	}
	assert.Len(t, optionTargets, 2)

	// Exactly the endorsed option carries board_choice.
	choices := 0
	for _, option := range options {
		if option.BoardChoice {
			choices++
			assert.Equal(t, "verify the design independently", option.Label)
		}
	}
	assert.Equal(t, 1, choices)

	// The staged structure satisfies the entity-graph invariant end to end.
	drafts, _ := store.GetDrafts(c.ID, staging.Filter{})
	assert.Empty(t, features.ValidateDecisionPoints(drafts))
	eg := features.BuildEntityGraph(drafts)
	choice := eg.BoardChoice(points[0].ID)
	require.NotNil(t, choice)
	assert.Equal(t, "verify the design independently", choice.Label)
}

// Re-running a cell clears the previous attempt's unpublished drafts.
func TestRerunCellReplacesDrafts(t *testing.T) {
	client := llm.NewMockClient(
		`{"new_classes": [], "individuals": [{"label": "Engineer T", "class_ref": "Engineer"}]}`,
		`{"new_classes": [], "individuals": [{"label": "Engineer W", "class_ref": "Engineer"}]}`,
	)
	orch, store := newTestOrchestrator(t, client, ontology.NewMockGateway(nil))
	c := seedTestCase(t, store)

	cell := Cell{Step: StepContextual, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole}
	require.NoError(t, orch.RunCell(context.Background(), c, cell))
	require.NoError(t, orch.RunCell(context.Background(), c, cell))

	drafts, _ := store.GetDrafts(c.ID, staging.Filter{ConceptType: types.ConceptRole})
	require.Len(t, drafts, 1)
	assert.Equal(t, "Engineer W", drafts[0].Label)

	// Both sessions retained for provenance.
	sessions, _ := store.ListSessions(c.ID)
	assert.Len(t, sessions, 2)
}
