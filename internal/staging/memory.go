// Package staging - in-memory store implementation.
//
// All methods take the store mutex and all reads return deep copies so
// callers can never mutate internal state.
package staging

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"proethica/internal/types"
)

// MemoryStore implements Store with map-backed state. Suitable for tests and
// single-run extraction; the SQLite store persists across runs.
type MemoryStore struct {
	mu         sync.RWMutex
	cases      map[string]*types.Case
	embeddings map[string]*types.SectionEmbedding // caseID|section
	drafts     map[string]*types.DraftEntity
	// dedupIndex maps case|concept|normalized_label -> draft id.
	dedupIndex map[string]string
	sessions   []*types.ExtractionSession
	features   map[string]*types.CaseFeatures
	similarity map[string]*types.SimilarityRecord // a|b|weightsHash
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:      make(map[string]*types.Case),
		embeddings: make(map[string]*types.SectionEmbedding),
		drafts:     make(map[string]*types.DraftEntity),
		dedupIndex: make(map[string]string),
		features:   make(map[string]*types.CaseFeatures),
		similarity: make(map[string]*types.SimilarityRecord),
	}
}

func dedupKey(caseID string, concept types.ConceptType, label string) string {
	return caseID + "|" + string(concept) + "|" + types.NormalizeLabel(label)
}

func embeddingKey(caseID string, section types.SectionType) string {
	return caseID + "|" + string(section)
}

func similarityKey(a, b, weightsHash string) string {
	a, b = types.CanonicalPair(a, b)
	return a + "|" + b + "|" + weightsHash
}

// SaveCase stores a case, generating an id when absent.
func (s *MemoryStore) SaveCase(c *types.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.cases[c.ID] = copyCase(c)
	return nil
}

// GetCase retrieves a case by id.
func (s *MemoryStore) GetCase(id string) (*types.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.cases[id]
	if !ok {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	return copyCase(c), nil
}

// ListCases returns all cases ordered by creation time then id.
func (s *MemoryStore) ListCases() ([]*types.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, copyCase(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// DeleteCase removes a case and its owned state. Sessions are retained.
func (s *MemoryStore) DeleteCase(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cases[id]; !ok {
		return fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	delete(s.cases, id)
	delete(s.features, id)
	for key, d := range s.drafts {
		if d.CaseID == id {
			delete(s.drafts, key)
		}
	}
	for key := range s.dedupIndex {
		if d, ok := s.drafts[s.dedupIndex[key]]; !ok || d.CaseID == id {
			delete(s.dedupIndex, key)
		}
	}
	for key, e := range s.embeddings {
		if e.CaseID == id {
			delete(s.embeddings, key)
		}
	}
	s.invalidateSimilarityLocked(id)
	return nil
}

// SaveSectionEmbedding stores a per-section vector.
func (s *MemoryStore) SaveSectionEmbedding(e *types.SectionEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	copied := *e
	copied.Embedding.Vector = append([]float32(nil), e.Embedding.Vector...)
	s.embeddings[embeddingKey(e.CaseID, e.Section)] = &copied
	return nil
}

// GetSectionEmbedding retrieves a per-section vector.
func (s *MemoryStore) GetSectionEmbedding(caseID string, section types.SectionType) (*types.SectionEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.embeddings[embeddingKey(caseID, section)]
	if !ok {
		return nil, fmt.Errorf("%w: embedding %s/%s", ErrNotFound, caseID, section)
	}
	copied := *e
	copied.Embedding.Vector = append([]float32(nil), e.Embedding.Vector...)
	return &copied, nil
}

// Stage inserts a draft, collapsing duplicates on the deduplication key.
func (s *MemoryStore) Stage(draft *types.DraftEntity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(draft.CaseID, draft.ConceptType, draft.Label)
	if existingID, ok := s.dedupIndex[key]; ok {
		existing := s.drafts[existingID]
		if existing != nil {
			if !existing.IsPublished {
				existing.Spans = mergeSpans(existing.Spans, draft.Spans)
				// Pass-2 refinement keeps the longer definition.
				if len(draft.Definition) > len(existing.Definition) {
					existing.Definition = draft.Definition
				}
			}
			return existingID, nil
		}
	}

	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}
	s.drafts[draft.ID] = copyDraft(draft)
	s.dedupIndex[key] = draft.ID
	return draft.ID, nil
}

// GetDraft retrieves one draft.
func (s *MemoryStore) GetDraft(id string) (*types.DraftEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.drafts[id]
	if !ok {
		return nil, fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}
	return copyDraft(d), nil
}

// GetDrafts returns the case's drafts matching the filter, ordered by
// creation time then id for deterministic iteration.
func (s *MemoryStore) GetDrafts(caseID string, filter Filter) ([]*types.DraftEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.DraftEntity, 0)
	for _, d := range s.drafts {
		if d.CaseID != caseID || !filter.Matches(d) {
			continue
		}
		out = append(out, copyDraft(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// UpdateDraft patches an unpublished draft.
func (s *MemoryStore) UpdateDraft(id string, patch DraftPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[id]
	if !ok {
		return fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}
	if d.IsPublished {
		return fmt.Errorf("%w: draft %s", ErrPublishConflict, id)
	}

	if patch.Label != nil {
		delete(s.dedupIndex, dedupKey(d.CaseID, d.ConceptType, d.Label))
		d.Label = *patch.Label
		s.dedupIndex[dedupKey(d.CaseID, d.ConceptType, d.Label)] = d.ID
	}
	if patch.Definition != nil {
		d.Definition = *patch.Definition
	}
	if patch.MatchedURI != nil {
		d.MatchedURI = *patch.MatchedURI
	}
	if patch.MatchMethod != nil {
		d.MatchMethod = *patch.MatchMethod
	}
	if patch.MatchConfidence != nil {
		d.MatchConfidence = *patch.MatchConfidence
	}
	return nil
}

// Publish marks matching unpublished drafts as published. Idempotent.
func (s *MemoryStore) Publish(caseID string, selector Selector) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := 0
	for _, d := range s.drafts {
		if d.CaseID != caseID || d.IsPublished || !selector.Matches(d) {
			continue
		}
		d.IsPublished = true
		published := now
		d.PublishedAt = &published
		count++
	}
	return count, nil
}

// Unpublish reverts one draft to draft state and invalidates the case's
// derived feature record, since the record may no longer reflect the
// published set.
func (s *MemoryStore) Unpublish(draftID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.drafts[draftID]
	if !ok {
		return fmt.Errorf("%w: draft %s", ErrNotFound, draftID)
	}
	d.IsPublished = false
	d.PublishedAt = nil

	delete(s.features, d.CaseID)
	s.invalidateSimilarityLocked(d.CaseID)
	return nil
}

// DeleteDrafts removes the unpublished drafts of one session.
func (s *MemoryStore) DeleteDrafts(caseID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, d := range s.drafts {
		if d.CaseID == caseID && d.SessionID == sessionID && !d.IsPublished {
			delete(s.dedupIndex, dedupKey(d.CaseID, d.ConceptType, d.Label))
			delete(s.drafts, id)
		}
	}
	return nil
}

// LogSession appends a provenance record.
func (s *MemoryStore) LogSession(session *types.ExtractionSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	copied := *session
	s.sessions = append(s.sessions, &copied)
	return nil
}

// CurrentSession returns the latest session for a cell.
func (s *MemoryStore) CurrentSession(key types.CellKey) (*types.ExtractionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.sessions) - 1; i >= 0; i-- {
		sess := s.sessions[i]
		if sess.CaseID == key.CaseID && sess.Step == key.Step && sess.Pass == key.Pass &&
			sess.Section == key.Section && sess.ConceptType == key.ConceptType {
			copied := *sess
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: session for cell %+v", ErrNotFound, key)
}

// ListSessions returns all sessions of a case in log order.
func (s *MemoryStore) ListSessions(caseID string) ([]*types.ExtractionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.ExtractionSession, 0)
	for _, sess := range s.sessions {
		if sess.CaseID == caseID {
			copied := *sess
			out = append(out, &copied)
		}
	}
	return out, nil
}

// SaveFeatures stores a case's feature record, replacing any prior one.
func (s *MemoryStore) SaveFeatures(f *types.CaseFeatures) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.features[f.CaseID] = copyFeatures(f)
	s.invalidateSimilarityLocked(f.CaseID)
	return nil
}

// GetFeatures retrieves a case's feature record.
func (s *MemoryStore) GetFeatures(caseID string) (*types.CaseFeatures, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.features[caseID]
	if !ok {
		return nil, fmt.Errorf("%w: features for case %s", ErrNotFound, caseID)
	}
	return copyFeatures(f), nil
}

// DeleteFeatures drops a case's feature record and its cache entries.
func (s *MemoryStore) DeleteFeatures(caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.features, caseID)
	s.invalidateSimilarityLocked(caseID)
	return nil
}

// ListFeatures returns every feature record ordered by case id.
func (s *MemoryStore) ListFeatures() ([]*types.CaseFeatures, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.CaseFeatures, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, copyFeatures(f))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

// SaveSimilarity caches a pairwise score.
func (s *MemoryStore) SaveSimilarity(rec *types.SimilarityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *rec
	copied.Components = make(map[types.ConceptType]*float64, len(rec.Components))
	for k, v := range rec.Components {
		if v != nil {
			score := *v
			v = &score
		}
		copied.Components[k] = v
	}
	copied.CaseA, copied.CaseB = types.CanonicalPair(rec.CaseA, rec.CaseB)
	s.similarity[similarityKey(rec.CaseA, rec.CaseB, rec.WeightsHash)] = &copied
	return nil
}

// GetSimilarity returns a cached pairwise score.
func (s *MemoryStore) GetSimilarity(a, b, weightsHash string) (*types.SimilarityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.similarity[similarityKey(a, b, weightsHash)]
	if !ok {
		return nil, fmt.Errorf("%w: similarity %s/%s", ErrNotFound, a, b)
	}
	copied := *rec
	copied.Components = make(map[types.ConceptType]*float64, len(rec.Components))
	for k, v := range rec.Components {
		if v != nil {
			score := *v
			v = &score
		}
		copied.Components[k] = v
	}
	return &copied, nil
}

// InvalidateSimilarity drops all cache entries touching a case.
func (s *MemoryStore) InvalidateSimilarity(caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidateSimilarityLocked(caseID)
	return nil
}

func (s *MemoryStore) invalidateSimilarityLocked(caseID string) {
	for key, rec := range s.similarity {
		if rec.CaseA == caseID || rec.CaseB == caseID {
			delete(s.similarity, key)
		}
	}
}

// mergeSpans appends spans not already present, keyed by section and offsets.
func mergeSpans(existing, incoming []types.TextSpan) []types.TextSpan {
	seen := make(map[string]bool, len(existing))
	for _, span := range existing {
		seen[spanKey(span)] = true
	}
	for _, span := range incoming {
		if !seen[spanKey(span)] {
			existing = append(existing, span)
			seen[spanKey(span)] = true
		}
	}
	return existing
}

func spanKey(span types.TextSpan) string {
	return fmt.Sprintf("%s:%d:%d", span.Section, span.Start, span.End)
}

func copyCase(c *types.Case) *types.Case {
	copied := *c
	copied.SubjectTags = append([]string(nil), c.SubjectTags...)
	copied.Sections = make(map[types.SectionType]*types.Section, len(c.Sections))
	for k, v := range c.Sections {
		section := *v
		copied.Sections[k] = &section
	}
	return &copied
}

func copyDraft(d *types.DraftEntity) *types.DraftEntity {
	copied := *d
	copied.Spans = append([]types.TextSpan(nil), d.Spans...)
	copied.Relations = append([]types.EntityRelation(nil), d.Relations...)
	if d.Pair != nil {
		pair := *d.Pair
		pair.Evidence = append([]types.TextSpan(nil), d.Pair.Evidence...)
		copied.Pair = &pair
	}
	if d.Transformation != nil {
		tr := *d.Transformation
		tr.Indicators = append([]string(nil), d.Transformation.Indicators...)
		copied.Transformation = &tr
	}
	if d.PublishedAt != nil {
		published := *d.PublishedAt
		copied.PublishedAt = &published
	}
	return &copied
}

func copyFeatures(f *types.CaseFeatures) *types.CaseFeatures {
	copied := *f
	copied.Provisions = append([]string(nil), f.Provisions...)
	copied.CitedCases = append([]string(nil), f.CitedCases...)
	copied.SubjectTags = append([]string(nil), f.SubjectTags...)
	copied.Tensions = append([]types.ConceptPair(nil), f.Tensions...)
	copied.Conflicts = append([]types.ConceptPair(nil), f.Conflicts...)
	copied.EntityClasses = make(map[types.ConceptType][]string, len(f.EntityClasses))
	for k, v := range f.EntityClasses {
		copied.EntityClasses[k] = append([]string(nil), v...)
	}
	copied.Components = make(map[types.ConceptType]*types.ComponentEmbedding, len(f.Components))
	for k, v := range f.Components {
		if v == nil {
			copied.Components[k] = nil
			continue
		}
		emb := *v
		emb.Vector = append([]float32(nil), v.Vector...)
		copied.Components[k] = &emb
	}
	if f.Combined != nil {
		emb := *f.Combined
		emb.Vector = append([]float32(nil), f.Combined.Vector...)
		copied.Combined = &emb
	}
	if f.Transformation != nil {
		tr := *f.Transformation
		tr.Indicators = append([]string(nil), f.Transformation.Indicators...)
		copied.Transformation = &tr
	}
	return &copied
}
