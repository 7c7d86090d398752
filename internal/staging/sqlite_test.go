package staging

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"proethica/internal/types"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 5000)
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return store
}

func seedCase(t *testing.T, store Store, id string) {
	t.Helper()
	err := store.SaveCase(&types.Case{
		ID:      id,
		Title:   "Case " + id,
		RawText: "Facts:\nbody\n",
		Sections: map[types.SectionType]*types.Section{
			types.SectionFacts: {Type: types.SectionFacts, Text: "body", Markup: "body"},
		},
		ParseMethod: types.ParseStructured,
	})
	if err != nil {
		t.Fatalf("seed case: %v", err)
	}
}

func TestSQLiteCaseRoundTrip(t *testing.T) {
	store := newTestSQLite(t)
	seedCase(t, store, "case-1")

	c, err := store.GetCase("case-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Title != "Case case-1" {
		t.Errorf("title = %q", c.Title)
	}
	if c.Sections[types.SectionFacts] == nil || c.Sections[types.SectionFacts].Text != "body" {
		t.Errorf("sections lost in round trip: %+v", c.Sections)
	}

	cases, err := store.ListCases()
	if err != nil || len(cases) != 1 {
		t.Fatalf("list cases: %v, n=%d", err, len(cases))
	}
}

func TestSQLiteDraftLifecycle(t *testing.T) {
	store := newTestSQLite(t)
	seedCase(t, store, "case-1")

	draft := newDraft("case-1", "sess-1", "Engineer A.", types.ConceptRole)
	draft.Definition = "the project engineer"
	draft.MatchedURI = "http://onto.example.org/Engineer"
	draft.MatchMethod = types.MatchExactLabel
	draft.MatchConfidence = 1.0

	id, err := store.Stage(draft)
	if err != nil {
		t.Fatal(err)
	}

	// Idempotent restage with a normalized-duplicate label merges spans.
	dup := newDraft("case-1", "sess-2", "engineer a", types.ConceptRole)
	dup.Spans = []types.TextSpan{{Section: types.SectionDiscussion, Start: 5, End: 9}}
	id2, err := store.Stage(dup)
	if err != nil {
		t.Fatal(err)
	}
	if id != id2 {
		t.Fatalf("dedup failed: %s vs %s", id, id2)
	}

	got, err := store.GetDraft(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Spans) != 2 {
		t.Errorf("spans = %+v", got.Spans)
	}
	if got.MatchedURI != "http://onto.example.org/Engineer" || got.MatchMethod != types.MatchExactLabel {
		t.Errorf("ontology linkage lost: %+v", got)
	}

	// Publish then reject update.
	count, err := store.Publish("case-1", Selector{})
	if err != nil || count != 1 {
		t.Fatalf("publish: %v count=%d", err, count)
	}
	label := "x"
	if err := store.UpdateDraft(id, DraftPatch{Label: &label}); !errors.Is(err, ErrPublishConflict) {
		t.Errorf("expected publish conflict, got %v", err)
	}

	// Unpublished session delete leaves published drafts alone.
	if err := store.DeleteDrafts("case-1", "sess-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetDraft(id); err != nil {
		t.Errorf("published draft deleted: %v", err)
	}

	// Unpublish reverts the draft and invalidates the feature record.
	if err := store.SaveFeatures(&types.CaseFeatures{CaseID: "case-1", FeaturesVersion: types.FeaturesVersion}); err != nil {
		t.Fatal(err)
	}
	if err := store.Unpublish(id); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetDraft(id)
	if err != nil || got.IsPublished {
		t.Errorf("draft still published after unpublish: %+v err=%v", got, err)
	}
	if _, err := store.GetFeatures("case-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("feature record not invalidated on unpublish: %v", err)
	}
}

func TestSQLiteSynthesisPayloads(t *testing.T) {
	store := newTestSQLite(t)
	seedCase(t, store, "case-1")

	tension := newDraft("case-1", "sess-4", "confidentiality vs public safety", types.ConceptPrincipleTension)
	tension.Kind = types.KindIndividual
	tension.Pair = &types.ConceptPair{First: "confidentiality", Second: "public-safety", Rationale: "duty conflict"}

	transformation := newDraft("case-1", "sess-4", "case transformation", types.ConceptTransformation)
	transformation.Transformation = &types.Transformation{
		Type:       types.TransformationStalemate,
		Confidence: 0.8,
		Rationale:  "obligations remain in tension without resolution",
	}

	id1, err := store.Stage(tension)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := store.Stage(transformation)
	if err != nil {
		t.Fatal(err)
	}

	got1, _ := store.GetDraft(id1)
	if got1.Pair == nil || got1.Pair.First != "confidentiality" {
		t.Errorf("pair lost: %+v", got1.Pair)
	}
	got2, _ := store.GetDraft(id2)
	if got2.Transformation == nil || got2.Transformation.Type != types.TransformationStalemate {
		t.Errorf("transformation lost: %+v", got2.Transformation)
	}
}

func TestSQLiteSessionsAndProvenance(t *testing.T) {
	store := newTestSQLite(t)
	seedCase(t, store, "case-1")

	key := types.CellKey{CaseID: "case-1", Step: 2, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptObligation}
	now := time.Now()

	store.LogSession(&types.ExtractionSession{
		CaseID: "case-1", Step: 2, Pass: 1, Section: types.SectionFacts,
		ConceptType: types.ConceptObligation, PromptText: "p1", Outcome: types.OutcomeParseError,
		StartedAt: now, FinishedAt: now,
	})
	store.LogSession(&types.ExtractionSession{
		CaseID: "case-1", Step: 2, Pass: 1, Section: types.SectionFacts,
		ConceptType: types.ConceptObligation, PromptText: "p2", ResponseText: "ok response",
		ModelID: "m1", InputTokens: 100, OutputTokens: 50,
		Outcome: types.OutcomeOK, OntologyDegraded: true,
		StartedAt: now, FinishedAt: now,
	})

	current, err := store.CurrentSession(key)
	if err != nil {
		t.Fatal(err)
	}
	if current.Outcome != types.OutcomeOK || !current.OntologyDegraded {
		t.Errorf("current session: %+v", current)
	}
	if current.InputTokens != 100 || current.OutputTokens != 50 {
		t.Errorf("token telemetry lost: %+v", current)
	}

	sessions, _ := store.ListSessions("case-1")
	if len(sessions) != 2 {
		t.Errorf("retained sessions = %d, want 2", len(sessions))
	}

	// Sessions outlive the case.
	if err := store.DeleteCase("case-1"); err != nil {
		t.Fatal(err)
	}
	sessions, _ = store.ListSessions("case-1")
	if len(sessions) != 2 {
		t.Errorf("sessions lost on case delete: %d", len(sessions))
	}
}

func TestSQLiteSectionEmbeddings(t *testing.T) {
	store := newTestSQLite(t)
	seedCase(t, store, "case-1")

	e := &types.SectionEmbedding{
		CaseID:  "case-1",
		Section: types.SectionFacts,
		Embedding: types.ComponentEmbedding{
			Vector:    []float32{0.25, -0.5, 1.0},
			Model:     "all-MiniLM-L6-v2",
			Provider:  "local",
			Dimension: 3,
		},
		ContentHash: "abc123",
	}
	if err := store.SaveSectionEmbedding(e); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetSectionEmbedding("case-1", types.SectionFacts)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != "abc123" || got.Embedding.Provider != "local" {
		t.Errorf("metadata lost: %+v", got)
	}
	if len(got.Embedding.Vector) != 3 || got.Embedding.Vector[2] != 1.0 {
		t.Errorf("vector lost: %+v", got.Embedding.Vector)
	}
}

func TestSQLiteFeaturesAndSimilarityCache(t *testing.T) {
	store := newTestSQLite(t)

	f := &types.CaseFeatures{
		CaseID:          "case-1",
		FeaturesVersion: types.FeaturesVersion,
		Outcome:         types.OutcomeClassification{Outcome: types.OutcomeUnethical, Confidence: 0.9},
		Provisions:      []string{"II.1.a"},
	}
	if err := store.SaveFeatures(f); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetFeatures("case-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Outcome.Outcome != types.OutcomeUnethical || got.Provisions[0] != "II.1.a" {
		t.Errorf("features round trip: %+v", got)
	}

	rec := &types.SimilarityRecord{CaseA: "case-2", CaseB: "case-1", Overall: 0.7, WeightsHash: "w1"}
	if err := store.SaveSimilarity(rec); err != nil {
		t.Fatal(err)
	}
	// Lookup in either order works.
	if _, err := store.GetSimilarity("case-1", "case-2", "w1"); err != nil {
		t.Fatal(err)
	}

	// Feature rewrite invalidates the cache.
	if err := store.SaveFeatures(f); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSimilarity("case-1", "case-2", "w1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cache not invalidated: %v", err)
	}
}

func TestSQLiteSearchDrafts(t *testing.T) {
	store := newTestSQLite(t)
	seedCase(t, store, "case-1")

	d := newDraft("case-1", "sess-1", "verify AI-generated designs", types.ConceptObligation)
	d.Definition = "duty to independently check machine output"
	if _, err := store.Stage(d); err != nil {
		t.Fatal(err)
	}
	store.Stage(newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole))

	hits, err := store.SearchDrafts("case-1", "verify", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ConceptType != types.ConceptObligation {
		t.Errorf("FTS hits: %+v", hits)
	}
}
