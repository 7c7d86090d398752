// Package staging provides the durable draft-and-publish repository for
// extracted entities plus the append-only provenance log.
//
// Two backends implement the Store interface: a thread-safe in-memory store
// and a SQLite store for persistence. Published drafts are immutable except
// for publish-state fields; any recompute of features must read only
// published drafts.
package staging

import (
	"errors"

	"proethica/internal/types"
)

// Errors returned by store operations.
var (
	// ErrNotFound marks a missing case, draft or record.
	ErrNotFound = errors.New("staging: not found")

	// ErrPublishConflict marks an attempt to update a published draft.
	ErrPublishConflict = errors.New("staging: draft is published")
)

// Filter narrows GetDrafts results. Zero values match everything.
type Filter struct {
	ConceptType types.ConceptType
	Kind        types.EntityKind
	Published   *bool
	Step        int
	Pass        int
	Section     types.SectionType
	SessionID   string
}

// Matches reports whether a draft satisfies the filter.
func (f Filter) Matches(d *types.DraftEntity) bool {
	if f.ConceptType != "" && d.ConceptType != f.ConceptType {
		return false
	}
	if f.Kind != "" && d.Kind != f.Kind {
		return false
	}
	if f.Published != nil && d.IsPublished != *f.Published {
		return false
	}
	if f.Step != 0 && d.Step != f.Step {
		return false
	}
	if f.Pass != 0 && d.Pass != f.Pass {
		return false
	}
	if f.Section != "" && d.Section != f.Section {
		return false
	}
	if f.SessionID != "" && d.SessionID != f.SessionID {
		return false
	}
	return true
}

// Selector chooses drafts for a publish operation. Zero values match all
// unpublished drafts of the case.
type Selector struct {
	ConceptTypes []types.ConceptType
	DraftIDs     []string
	Step         int
}

// Matches reports whether a draft satisfies the selector.
func (s Selector) Matches(d *types.DraftEntity) bool {
	if s.Step != 0 && d.Step != s.Step {
		return false
	}
	if len(s.ConceptTypes) > 0 {
		found := false
		for _, ct := range s.ConceptTypes {
			if d.ConceptType == ct {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.DraftIDs) > 0 {
		found := false
		for _, id := range s.DraftIDs {
			if d.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// DraftPatch carries the fields editable on an unpublished draft.
type DraftPatch struct {
	Label           *string
	Definition      *string
	MatchedURI      *string
	MatchMethod     *types.MatchMethod
	MatchConfidence *float64
}

// CaseRepository manages case persistence.
type CaseRepository interface {
	SaveCase(c *types.Case) error
	GetCase(id string) (*types.Case, error)
	ListCases() ([]*types.Case, error)
	// DeleteCase removes a case and cascades to its drafts, section
	// embeddings and feature record. Extraction sessions are retained for
	// provenance.
	DeleteCase(id string) error
}

// EmbeddingRepository manages per-section vectors.
type EmbeddingRepository interface {
	SaveSectionEmbedding(e *types.SectionEmbedding) error
	GetSectionEmbedding(caseID string, section types.SectionType) (*types.SectionEmbedding, error)
}

// DraftRepository manages the draft lifecycle.
type DraftRepository interface {
	// Stage inserts a draft. Inserts collapse on the deduplication key
	// (case_id, concept_type, normalized_label): a duplicate returns the
	// existing draft's id, merging source-text spans when the existing
	// draft is unpublished.
	Stage(draft *types.DraftEntity) (string, error)
	GetDraft(id string) (*types.DraftEntity, error)
	GetDrafts(caseID string, filter Filter) ([]*types.DraftEntity, error)
	// UpdateDraft patches an unpublished draft; returns ErrPublishConflict
	// for published drafts.
	UpdateDraft(id string, patch DraftPatch) error
	// Publish marks matching drafts published. Idempotent.
	Publish(caseID string, selector Selector) (int, error)
	// Unpublish reverts one draft to draft state and invalidates the
	// case's derived feature record.
	Unpublish(draftID string) error
	// DeleteDrafts removes the unpublished drafts of one session, used for
	// re-extracting a cell.
	DeleteDrafts(caseID, sessionID string) error
}

// SessionRepository is the append-only provenance log.
type SessionRepository interface {
	LogSession(s *types.ExtractionSession) error
	// CurrentSession returns the latest session for a cell.
	CurrentSession(key types.CellKey) (*types.ExtractionSession, error)
	ListSessions(caseID string) ([]*types.ExtractionSession, error)
}

// FeatureRepository manages case feature records.
type FeatureRepository interface {
	SaveFeatures(f *types.CaseFeatures) error
	GetFeatures(caseID string) (*types.CaseFeatures, error)
	DeleteFeatures(caseID string) error
	ListFeatures() ([]*types.CaseFeatures, error)
}

// SimilarityRepository caches pairwise scores.
type SimilarityRepository interface {
	SaveSimilarity(rec *types.SimilarityRecord) error
	GetSimilarity(a, b, weightsHash string) (*types.SimilarityRecord, error)
	// InvalidateSimilarity drops all cache entries touching a case.
	InvalidateSimilarity(caseID string) error
}

// Store combines all repository interfaces for unified access.
type Store interface {
	CaseRepository
	EmbeddingRepository
	DraftRepository
	SessionRepository
	FeatureRepository
	SimilarityRepository
}

// Verify MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
