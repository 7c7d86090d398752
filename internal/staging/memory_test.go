package staging

import (
	"errors"
	"testing"

	"proethica/internal/types"
)

func newDraft(caseID, sessionID, label string, concept types.ConceptType) *types.DraftEntity {
	return &types.DraftEntity{
		CaseID:      caseID,
		SessionID:   sessionID,
		ConceptType: concept,
		Kind:        types.KindIndividual,
		Label:       label,
		Step:        1,
		Pass:        1,
		Section:     types.SectionFacts,
		Spans: []types.TextSpan{
			{Section: types.SectionFacts, Start: 0, End: 10},
		},
	}
}

func TestStageIdempotence(t *testing.T) {
	store := NewMemoryStore()
	draft := newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole)

	id1, err := store.Stage(draft)
	if err != nil {
		t.Fatalf("first stage: %v", err)
	}

	again := newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole)
	id2, err := store.Stage(again)
	if err != nil {
		t.Fatalf("second stage: %v", err)
	}
	if id1 != id2 {
		t.Errorf("idempotent stage returned different ids: %s vs %s", id1, id2)
	}

	drafts, _ := store.GetDrafts("case-1", Filter{})
	if len(drafts) != 1 {
		t.Errorf("expected 1 draft, got %d", len(drafts))
	}
}

func TestStageDedupOnNormalizedLabel(t *testing.T) {
	store := NewMemoryStore()

	pass1 := newDraft("case-1", "sess-1", "Engineer A.", types.ConceptRole)
	id1, err := store.Stage(pass1)
	if err != nil {
		t.Fatal(err)
	}

	pass2 := newDraft("case-1", "sess-2", "engineer a", types.ConceptRole)
	pass2.Spans = []types.TextSpan{{Section: types.SectionDiscussion, Start: 40, End: 55}}
	id2, err := store.Stage(pass2)
	if err != nil {
		t.Fatal(err)
	}

	if id1 != id2 {
		t.Fatalf("normalized-label duplicate created new draft")
	}

	merged, err := store.GetDraft(id1)
	if err != nil {
		t.Fatal(err)
	}
	if len(merged.Spans) != 2 {
		t.Errorf("spans not merged: %+v", merged.Spans)
	}
}

func TestStageKeepsLongerDefinition(t *testing.T) {
	store := NewMemoryStore()

	first := newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole)
	first.Definition = "an engineer"
	id, _ := store.Stage(first)

	refined := newDraft("case-1", "sess-2", "Engineer A", types.ConceptRole)
	refined.Definition = "the engineer responsible for the structural design"
	if _, err := store.Stage(refined); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetDraft(id)
	if got.Definition != refined.Definition {
		t.Errorf("definition = %q, want refined", got.Definition)
	}

	// A shorter definition never replaces a longer one.
	shorter := newDraft("case-1", "sess-3", "Engineer A", types.ConceptRole)
	shorter.Definition = "engineer"
	if _, err := store.Stage(shorter); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetDraft(id)
	if got.Definition != refined.Definition {
		t.Errorf("shorter definition replaced longer one")
	}
}

func TestPublishMonotonicity(t *testing.T) {
	store := NewMemoryStore()
	id, _ := store.Stage(newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole))

	count, err := store.Publish("case-1", Selector{})
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("published %d drafts, want 1", count)
	}

	// Publish is idempotent.
	count, _ = store.Publish("case-1", Selector{})
	if count != 0 {
		t.Errorf("re-publish affected %d drafts, want 0", count)
	}

	d, _ := store.GetDraft(id)
	if !d.IsPublished || d.PublishedAt == nil {
		t.Error("draft not observed as published")
	}

	// Updates against a published draft are rejected with no state change.
	label := "changed"
	err = store.UpdateDraft(id, DraftPatch{Label: &label})
	if !errors.Is(err, ErrPublishConflict) {
		t.Fatalf("expected ErrPublishConflict, got %v", err)
	}
	d, _ = store.GetDraft(id)
	if d.Label != "Engineer A" {
		t.Errorf("published label mutated to %q", d.Label)
	}
}

func TestUnpublishAllowsEdit(t *testing.T) {
	store := NewMemoryStore()
	id, _ := store.Stage(newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole))
	store.Publish("case-1", Selector{})
	store.SaveFeatures(&types.CaseFeatures{CaseID: "case-1", FeaturesVersion: types.FeaturesVersion})

	if err := store.Unpublish(id); err != nil {
		t.Fatal(err)
	}
	label := "Engineer B"
	if err := store.UpdateDraft(id, DraftPatch{Label: &label}); err != nil {
		t.Fatalf("update after unpublish: %v", err)
	}

	// The derived feature record no longer reflects the published set.
	if _, err := store.GetFeatures("case-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("feature record not invalidated on unpublish: %v", err)
	}
}

func TestPublishSelector(t *testing.T) {
	store := NewMemoryStore()
	store.Stage(newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole))
	obligation := newDraft("case-1", "sess-1", "verify designs", types.ConceptObligation)
	obligation.Step = 2
	store.Stage(obligation)

	count, _ := store.Publish("case-1", Selector{ConceptTypes: []types.ConceptType{types.ConceptRole}})
	if count != 1 {
		t.Fatalf("selector published %d, want 1", count)
	}

	published := true
	drafts, _ := store.GetDrafts("case-1", Filter{Published: &published})
	if len(drafts) != 1 || drafts[0].ConceptType != types.ConceptRole {
		t.Errorf("unexpected published set: %+v", drafts)
	}
}

func TestDeleteDraftsBySession(t *testing.T) {
	store := NewMemoryStore()
	store.Stage(newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole))
	store.Stage(newDraft("case-1", "sess-2", "Client W", types.ConceptRole))

	// Published drafts survive a session delete.
	store.Publish("case-1", Selector{DraftIDs: nil, ConceptTypes: nil})
	store.Stage(newDraft("case-1", "sess-1", "Inspector K", types.ConceptRole))

	if err := store.DeleteDrafts("case-1", "sess-1"); err != nil {
		t.Fatal(err)
	}

	drafts, _ := store.GetDrafts("case-1", Filter{})
	if len(drafts) != 2 {
		t.Fatalf("expected 2 drafts after delete, got %d", len(drafts))
	}
	for _, d := range drafts {
		if d.Label == "Inspector K" {
			t.Error("unpublished session draft survived delete")
		}
	}

	// The dedup slot is free again after the delete.
	id, err := store.Stage(newDraft("case-1", "sess-3", "Inspector K", types.ConceptRole))
	if err != nil || id == "" {
		t.Fatalf("restage after delete: %v", err)
	}
}

func TestGetDraftsFilters(t *testing.T) {
	store := NewMemoryStore()
	role := newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole)
	store.Stage(role)
	action := newDraft("case-1", "sess-1", "certified the plans", types.ConceptAction)
	action.Step = 3
	action.Pass = 2
	action.Section = types.SectionDiscussion
	store.Stage(action)

	byType, _ := store.GetDrafts("case-1", Filter{ConceptType: types.ConceptAction})
	if len(byType) != 1 || byType[0].Label != "certified the plans" {
		t.Errorf("concept filter: %+v", byType)
	}

	byStep, _ := store.GetDrafts("case-1", Filter{Step: 3, Pass: 2, Section: types.SectionDiscussion})
	if len(byStep) != 1 {
		t.Errorf("step filter returned %d", len(byStep))
	}

	other, _ := store.GetDrafts("case-2", Filter{})
	if len(other) != 0 {
		t.Errorf("cross-case leak: %+v", other)
	}
}

func TestSessionLogAndCurrent(t *testing.T) {
	store := NewMemoryStore()
	key := types.CellKey{CaseID: "case-1", Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole}

	first := &types.ExtractionSession{CaseID: "case-1", Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole, Outcome: types.OutcomeLLMError}
	store.LogSession(first)
	second := &types.ExtractionSession{CaseID: "case-1", Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole, Outcome: types.OutcomeOK}
	store.LogSession(second)

	current, err := store.CurrentSession(key)
	if err != nil {
		t.Fatal(err)
	}
	if current.Outcome != types.OutcomeOK {
		t.Errorf("current session outcome = %s, want ok", current.Outcome)
	}

	// Historical sessions are retained.
	sessions, _ := store.ListSessions("case-1")
	if len(sessions) != 2 {
		t.Errorf("expected 2 retained sessions, got %d", len(sessions))
	}
}

func TestSaveFeaturesInvalidatesSimilarity(t *testing.T) {
	store := NewMemoryStore()

	rec := &types.SimilarityRecord{CaseA: "case-1", CaseB: "case-2", Overall: 0.8, WeightsHash: "w1"}
	store.SaveSimilarity(rec)

	if _, err := store.GetSimilarity("case-2", "case-1", "w1"); err != nil {
		t.Fatalf("symmetric cache lookup failed: %v", err)
	}

	store.SaveFeatures(&types.CaseFeatures{CaseID: "case-1", FeaturesVersion: types.FeaturesVersion})

	if _, err := store.GetSimilarity("case-1", "case-2", "w1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cache not invalidated on feature save: %v", err)
	}
}

func TestCaseCascadeDelete(t *testing.T) {
	store := NewMemoryStore()
	store.SaveCase(&types.Case{ID: "case-1", Title: "t", RawText: "raw"})
	store.Stage(newDraft("case-1", "sess-1", "Engineer A", types.ConceptRole))
	store.LogSession(&types.ExtractionSession{CaseID: "case-1", Step: 1, Pass: 1, Section: types.SectionFacts, ConceptType: types.ConceptRole, Outcome: types.OutcomeOK})

	if err := store.DeleteCase("case-1"); err != nil {
		t.Fatal(err)
	}

	if _, err := store.GetCase("case-1"); !errors.Is(err, ErrNotFound) {
		t.Error("case not deleted")
	}
	drafts, _ := store.GetDrafts("case-1", Filter{})
	if len(drafts) != 0 {
		t.Error("drafts not cascaded")
	}

	// Provenance outlives the drafts.
	sessions, _ := store.ListSessions("case-1")
	if len(sessions) != 1 {
		t.Error("sessions should be retained after case delete")
	}
}
