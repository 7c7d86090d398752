// Package staging - SQLite persistent store implementation.
package staging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"proethica/internal/embeddings"
	"proethica/internal/types"
)

// SQLiteStore implements Store with SQLite persistence.
type SQLiteStore struct {
	db *sql.DB

	// Prepared statements for the hot staging path
	stmtDedupLookup *sql.Stmt
	stmtInsertDraft *sql.Stmt
	stmtGetDraft    *sql.Stmt
	stmtSearchFTS   *sql.Stmt
}

// NewSQLiteStore creates a new SQLite store backend.
func NewSQLiteStore(dbPath string, busyTimeoutMs int) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}

	dsn := dbPath + fmt.Sprintf("?_busy_timeout=%d", busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with limited connections
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure SQLite: %w", err)
	}
	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	log.Printf("SQLite staging store initialized at %s", dbPath)
	return s, nil
}

const draftColumns = `id, case_id, session_id, concept_type, kind, label, definition,
       step, pass, section, spans, matched_uri, match_confidence, match_method,
       relations, pair, transformation, board_choice, is_published, published_at, created_at`

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.stmtDedupLookup, err = s.db.Prepare(`
		SELECT id, is_published, spans, definition FROM draft_entities
		WHERE case_id = ? AND concept_type = ? AND normalized_label = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare dedup lookup: %w", err)
	}

	s.stmtInsertDraft, err = s.db.Prepare(`
		INSERT INTO draft_entities (
			id, case_id, session_id, concept_type, kind, label, normalized_label,
			definition, step, pass, section, spans, matched_uri, match_confidence,
			match_method, relations, pair, transformation, board_choice,
			is_published, published_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert draft: %w", err)
	}

	s.stmtGetDraft, err = s.db.Prepare(`SELECT ` + draftColumns + ` FROM draft_entities WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare get draft: %w", err)
	}

	s.stmtSearchFTS, err = s.db.Prepare(`
		SELECT d.id
		FROM drafts_fts fts
		JOIN draft_entities d ON d.rowid = fts.rowid
		WHERE drafts_fts MATCH ? AND d.case_id = ?
		ORDER BY rank
		LIMIT ?
	`)
	if err != nil {
		return fmt.Errorf("prepare FTS search: %w", err)
	}

	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCase stores a case, generating an id when absent.
func (s *SQLiteStore) SaveCase(c *types.Case) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	sectionsJSON, err := json.Marshal(c.Sections)
	if err != nil {
		return fmt.Errorf("failed to marshal sections: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO cases (id, title, source, case_number, year, raw_text, parse_method, sections, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title,
			source=excluded.source,
			case_number=excluded.case_number,
			year=excluded.year,
			raw_text=excluded.raw_text,
			parse_method=excluded.parse_method,
			sections=excluded.sections
	`, c.ID, c.Title, c.Source, c.CaseNumber, c.Year, c.RawText, string(c.ParseMethod), string(sectionsJSON), c.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save case: %w", err)
	}
	return nil
}

// GetCase retrieves a case by id.
func (s *SQLiteStore) GetCase(id string) (*types.Case, error) {
	row := s.db.QueryRow(`
		SELECT id, title, source, case_number, year, raw_text, parse_method, sections, created_at
		FROM cases WHERE id = ?
	`, id)
	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	return c, err
}

// ListCases returns all cases ordered by creation time.
func (s *SQLiteStore) ListCases() ([]*types.Case, error) {
	rows, err := s.db.Query(`
		SELECT id, title, source, case_number, year, raw_text, parse_method, sections, created_at
		FROM cases ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cases: %w", err)
	}
	defer rows.Close()

	var out []*types.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(row rowScanner) (*types.Case, error) {
	var c types.Case
	var source, caseNumber, parseMethod, sectionsJSON string
	var year int
	var createdAt int64
	err := row.Scan(&c.ID, &c.Title, &source, &caseNumber, &year, &c.RawText, &parseMethod, &sectionsJSON, &createdAt)
	if err != nil {
		return nil, err
	}
	c.Source = source
	c.CaseNumber = caseNumber
	c.Year = year
	c.ParseMethod = types.ParseMethod(parseMethod)
	c.CreatedAt = time.Unix(createdAt, 0)
	if err := json.Unmarshal([]byte(sectionsJSON), &c.Sections); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sections: %w", err)
	}
	return &c, nil
}

// DeleteCase removes a case; drafts, embeddings and features cascade.
// Extraction sessions are retained for provenance.
func (s *SQLiteStore) DeleteCase(id string) error {
	result, err := s.db.Exec(`DELETE FROM cases WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete case: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: case %s", ErrNotFound, id)
	}
	if _, err := s.db.Exec(`DELETE FROM case_features WHERE case_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete features: %w", err)
	}
	return s.InvalidateSimilarity(id)
}

// SaveSectionEmbedding stores a per-section vector.
func (s *SQLiteStore) SaveSectionEmbedding(e *types.SectionEmbedding) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO section_embeddings (case_id, section_type, vector, model, provider, dimension, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, section_type) DO UPDATE SET
			vector=excluded.vector,
			model=excluded.model,
			provider=excluded.provider,
			dimension=excluded.dimension,
			content_hash=excluded.content_hash,
			created_at=excluded.created_at
	`, e.CaseID, string(e.Section), embeddings.SerializeFloat32(e.Embedding.Vector),
		e.Embedding.Model, e.Embedding.Provider, e.Embedding.Dimension, e.ContentHash, e.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save section embedding: %w", err)
	}
	return nil
}

// GetSectionEmbedding retrieves a per-section vector.
func (s *SQLiteStore) GetSectionEmbedding(caseID string, section types.SectionType) (*types.SectionEmbedding, error) {
	var e types.SectionEmbedding
	var vector []byte
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT case_id, section_type, vector, model, provider, dimension, content_hash, created_at
		FROM section_embeddings WHERE case_id = ? AND section_type = ?
	`, caseID, string(section)).Scan(&e.CaseID, &e.Section, &vector, &e.Embedding.Model,
		&e.Embedding.Provider, &e.Embedding.Dimension, &e.ContentHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: embedding %s/%s", ErrNotFound, caseID, section)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get section embedding: %w", err)
	}
	e.Embedding.Vector = embeddings.DeserializeFloat32(vector)
	e.CreatedAt = time.Unix(createdAt, 0)
	return &e, nil
}

// Stage inserts a draft, collapsing duplicates on the deduplication key.
func (s *SQLiteStore) Stage(draft *types.DraftEntity) (string, error) {
	normalized := types.NormalizeLabel(draft.Label)

	var existingID, spansJSON, definition string
	var isPublished bool
	err := s.stmtDedupLookup.QueryRow(draft.CaseID, string(draft.ConceptType), normalized).
		Scan(&existingID, &isPublished, &spansJSON, &definition)
	if err == nil {
		if !isPublished {
			var existingSpans []types.TextSpan
			if spansJSON != "" {
				_ = json.Unmarshal([]byte(spansJSON), &existingSpans)
			}
			merged := mergeSpans(existingSpans, draft.Spans)
			mergedJSON, _ := json.Marshal(merged)
			newDefinition := definition
			if len(draft.Definition) > len(definition) {
				newDefinition = draft.Definition
			}
			if _, uerr := s.db.Exec(`UPDATE draft_entities SET spans = ?, definition = ? WHERE id = ?`,
				string(mergedJSON), newDefinition, existingID); uerr != nil {
				return "", fmt.Errorf("failed to merge draft: %w", uerr)
			}
		}
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed dedup lookup: %w", err)
	}

	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}

	spans, _ := json.Marshal(draft.Spans)
	relations, _ := json.Marshal(draft.Relations)
	pair := marshalOrNull(draft.Pair)
	transformation := marshalOrNull(draft.Transformation)
	var publishedAt interface{}
	if draft.PublishedAt != nil {
		publishedAt = draft.PublishedAt.Unix()
	}

	_, err = s.stmtInsertDraft.Exec(
		draft.ID, draft.CaseID, draft.SessionID, string(draft.ConceptType), string(draft.Kind),
		draft.Label, normalized, draft.Definition, draft.Step, draft.Pass, string(draft.Section),
		string(spans), draft.MatchedURI, draft.MatchConfidence, string(draft.MatchMethod),
		string(relations), pair, transformation, draft.BoardChoice,
		draft.IsPublished, publishedAt, draft.CreatedAt.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert draft: %w", err)
	}
	return draft.ID, nil
}

func marshalOrNull(v interface{}) interface{} {
	switch val := v.(type) {
	case *types.ConceptPair:
		if val == nil {
			return nil
		}
	case *types.Transformation:
		if val == nil {
			return nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

// GetDraft retrieves one draft.
func (s *SQLiteStore) GetDraft(id string) (*types.DraftEntity, error) {
	d, err := scanDraft(s.stmtGetDraft.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: draft %s", ErrNotFound, id)
	}
	return d, err
}

func scanDraft(row rowScanner) (*types.DraftEntity, error) {
	var d types.DraftEntity
	var conceptType, kind, section, matchMethod string
	var definition, spansJSON, matchedURI, relationsJSON sql.NullString
	var pairJSON, transformationJSON sql.NullString
	var matchConfidence sql.NullFloat64
	var publishedAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&d.ID, &d.CaseID, &d.SessionID, &conceptType, &kind, &d.Label, &definition,
		&d.Step, &d.Pass, &section, &spansJSON, &matchedURI, &matchConfidence, &matchMethod,
		&relationsJSON, &pairJSON, &transformationJSON, &d.BoardChoice, &d.IsPublished,
		&publishedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	d.ConceptType = types.ConceptType(conceptType)
	d.Kind = types.EntityKind(kind)
	d.Section = types.SectionType(section)
	d.MatchMethod = types.MatchMethod(matchMethod)
	d.Definition = definition.String
	d.MatchedURI = matchedURI.String
	d.MatchConfidence = matchConfidence.Float64
	d.CreatedAt = time.Unix(createdAt, 0)
	if publishedAt.Valid {
		t := time.Unix(publishedAt.Int64, 0)
		d.PublishedAt = &t
	}
	if spansJSON.Valid && spansJSON.String != "" {
		if err := json.Unmarshal([]byte(spansJSON.String), &d.Spans); err != nil {
			return nil, fmt.Errorf("failed to unmarshal spans: %w", err)
		}
	}
	if relationsJSON.Valid && relationsJSON.String != "" {
		if err := json.Unmarshal([]byte(relationsJSON.String), &d.Relations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal relations: %w", err)
		}
	}
	if pairJSON.Valid && pairJSON.String != "" && pairJSON.String != "null" {
		d.Pair = &types.ConceptPair{}
		if err := json.Unmarshal([]byte(pairJSON.String), d.Pair); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pair: %w", err)
		}
	}
	if transformationJSON.Valid && transformationJSON.String != "" && transformationJSON.String != "null" {
		d.Transformation = &types.Transformation{}
		if err := json.Unmarshal([]byte(transformationJSON.String), d.Transformation); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transformation: %w", err)
		}
	}
	return &d, nil
}

// GetDrafts returns the case's drafts matching the filter.
func (s *SQLiteStore) GetDrafts(caseID string, filter Filter) ([]*types.DraftEntity, error) {
	rows, err := s.db.Query(`SELECT `+draftColumns+` FROM draft_entities WHERE case_id = ? ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query drafts: %w", err)
	}
	defer rows.Close()

	var out []*types.DraftEntity
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		if filter.Matches(d) {
			out = append(out, d)
		}
	}
	return out, rows.Err()
}

// SearchDrafts performs full-text search over draft labels and definitions.
func (s *SQLiteStore) SearchDrafts(caseID, query string, limit int) ([]*types.DraftEntity, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.stmtSearchFTS.Query(query, caseID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed FTS search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*types.DraftEntity, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDraft(id)
		if err != nil {
			log.Printf("Warning: FTS hit %s vanished: %v", id, err)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// UpdateDraft patches an unpublished draft.
func (s *SQLiteStore) UpdateDraft(id string, patch DraftPatch) error {
	d, err := s.GetDraft(id)
	if err != nil {
		return err
	}
	if d.IsPublished {
		return fmt.Errorf("%w: draft %s", ErrPublishConflict, id)
	}

	if patch.Label != nil {
		d.Label = *patch.Label
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

	// The publish check above and this write race only with a concurrent
	// publish; the WHERE clause makes the conflict lose.
	result, err := s.db.Exec(`
		UPDATE draft_entities
		SET label = ?, normalized_label = ?, definition = ?, matched_uri = ?, match_method = ?, match_confidence = ?
		WHERE id = ? AND is_published = 0
	`, d.Label, types.NormalizeLabel(d.Label), d.Definition, d.MatchedURI, string(d.MatchMethod), d.MatchConfidence, id)
	if err != nil {
		return fmt.Errorf("failed to update draft: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: draft %s", ErrPublishConflict, id)
	}
	return nil
}

// Publish marks matching unpublished drafts as published. Idempotent.
func (s *SQLiteStore) Publish(caseID string, selector Selector) (int, error) {
	drafts, err := s.GetDrafts(caseID, Filter{})
	if err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	count := 0
	for _, d := range drafts {
		if d.IsPublished || !selector.Matches(d) {
			continue
		}
		result, err := s.db.Exec(`
			UPDATE draft_entities SET is_published = 1, published_at = ? WHERE id = ? AND is_published = 0
		`, now, d.ID)
		if err != nil {
			return count, fmt.Errorf("failed to publish draft %s: %w", d.ID, err)
		}
		affected, _ := result.RowsAffected()
		count += int(affected)
	}
	return count, nil
}

// Unpublish reverts one draft to draft state and invalidates the case's
// derived feature record, since the record may no longer reflect the
// published set.
func (s *SQLiteStore) Unpublish(draftID string) error {
	var caseID string
	err := s.db.QueryRow(`SELECT case_id FROM draft_entities WHERE id = ?`, draftID).Scan(&caseID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: draft %s", ErrNotFound, draftID)
	}
	if err != nil {
		return fmt.Errorf("failed to look up draft: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE draft_entities SET is_published = 0, published_at = NULL WHERE id = ?`, draftID); err != nil {
		return fmt.Errorf("failed to unpublish draft: %w", err)
	}
	return s.DeleteFeatures(caseID)
}

// DeleteDrafts removes the unpublished drafts of one session.
func (s *SQLiteStore) DeleteDrafts(caseID, sessionID string) error {
	_, err := s.db.Exec(`
		DELETE FROM draft_entities WHERE case_id = ? AND session_id = ? AND is_published = 0
	`, caseID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session drafts: %w", err)
	}
	return nil
}

// LogSession appends a provenance record.
func (s *SQLiteStore) LogSession(session *types.ExtractionSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}

	var seq int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM extraction_sessions`).Scan(&seq); err != nil {
		return fmt.Errorf("failed to sequence session: %w", err)
	}

	_, err := s.db.Exec(`
		INSERT INTO extraction_sessions (
			id, case_id, step, pass, section, concept_type, prompt_text, response_text,
			model_id, input_tokens, output_tokens, started_at, finished_at, outcome, error,
			ontology_degraded, seq
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.CaseID, session.Step, session.Pass, string(session.Section),
		string(session.ConceptType), session.PromptText, session.ResponseText, session.ModelID,
		session.InputTokens, session.OutputTokens, session.StartedAt.Unix(), session.FinishedAt.Unix(),
		string(session.Outcome), session.Error, session.OntologyDegraded, seq)
	if err != nil {
		return fmt.Errorf("failed to log session: %w", err)
	}
	return nil
}

const sessionColumns = `id, case_id, step, pass, section, concept_type, prompt_text,
       response_text, model_id, input_tokens, output_tokens, started_at, finished_at,
       outcome, error, ontology_degraded`

func scanSession(row rowScanner) (*types.ExtractionSession, error) {
	var sess types.ExtractionSession
	var section, conceptType, outcome string
	var responseText, modelID, errText sql.NullString
	var startedAt, finishedAt int64

	err := row.Scan(&sess.ID, &sess.CaseID, &sess.Step, &sess.Pass, &section, &conceptType,
		&sess.PromptText, &responseText, &modelID, &sess.InputTokens, &sess.OutputTokens,
		&startedAt, &finishedAt, &outcome, &errText, &sess.OntologyDegraded)
	if err != nil {
		return nil, err
	}
	sess.Section = types.SectionType(section)
	sess.ConceptType = types.ConceptType(conceptType)
	sess.Outcome = types.SessionOutcome(outcome)
	sess.ResponseText = responseText.String
	sess.ModelID = modelID.String
	sess.Error = errText.String
	sess.StartedAt = time.Unix(startedAt, 0)
	sess.FinishedAt = time.Unix(finishedAt, 0)
	return &sess, nil
}

// CurrentSession returns the latest session for a cell.
func (s *SQLiteStore) CurrentSession(key types.CellKey) (*types.ExtractionSession, error) {
	row := s.db.QueryRow(`
		SELECT `+sessionColumns+` FROM extraction_sessions
		WHERE case_id = ? AND step = ? AND pass = ? AND section = ? AND concept_type = ?
		ORDER BY seq DESC LIMIT 1
	`, key.CaseID, key.Step, key.Pass, string(key.Section), string(key.ConceptType))
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: session for cell %+v", ErrNotFound, key)
	}
	return sess, err
}

// ListSessions returns all sessions of a case in log order.
func (s *SQLiteStore) ListSessions(caseID string) ([]*types.ExtractionSession, error) {
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM extraction_sessions WHERE case_id = ? ORDER BY seq`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []*types.ExtractionSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SaveFeatures stores a case's feature record, replacing any prior one and
// invalidating cached similarities.
func (s *SQLiteStore) SaveFeatures(f *types.CaseFeatures) error {
	record, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	if f.BuiltAt.IsZero() {
		f.BuiltAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO case_features (case_id, features_version, record, built_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			features_version=excluded.features_version,
			record=excluded.record,
			built_at=excluded.built_at
	`, f.CaseID, f.FeaturesVersion, string(record), f.BuiltAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save features: %w", err)
	}
	return s.InvalidateSimilarity(f.CaseID)
}

// GetFeatures retrieves a case's feature record.
func (s *SQLiteStore) GetFeatures(caseID string) (*types.CaseFeatures, error) {
	var record string
	err := s.db.QueryRow(`SELECT record FROM case_features WHERE case_id = ?`, caseID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: features for case %s", ErrNotFound, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get features: %w", err)
	}
	var f types.CaseFeatures
	if err := json.Unmarshal([]byte(record), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	return &f, nil
}

// DeleteFeatures drops a case's feature record and its cache entries.
func (s *SQLiteStore) DeleteFeatures(caseID string) error {
	if _, err := s.db.Exec(`DELETE FROM case_features WHERE case_id = ?`, caseID); err != nil {
		return fmt.Errorf("failed to delete features: %w", err)
	}
	return s.InvalidateSimilarity(caseID)
}

// ListFeatures returns every feature record ordered by case id.
func (s *SQLiteStore) ListFeatures() ([]*types.CaseFeatures, error) {
	rows, err := s.db.Query(`SELECT record FROM case_features ORDER BY case_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query features: %w", err)
	}
	defer rows.Close()

	var out []*types.CaseFeatures
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, err
		}
		var f types.CaseFeatures
		if err := json.Unmarshal([]byte(record), &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal features: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

// SaveSimilarity caches a pairwise score.
func (s *SQLiteStore) SaveSimilarity(rec *types.SimilarityRecord) error {
	a, b := types.CanonicalPair(rec.CaseA, rec.CaseB)
	stored := *rec
	stored.CaseA, stored.CaseB = a, b
	record, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal similarity: %w", err)
	}
	if stored.ComputedAt.IsZero() {
		stored.ComputedAt = time.Now()
	}
	_, err = s.db.Exec(`
		INSERT INTO similarity_cache (case_a, case_b, weights_hash, record, computed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(case_a, case_b, weights_hash) DO UPDATE SET
			record=excluded.record,
			computed_at=excluded.computed_at
	`, a, b, stored.WeightsHash, string(record), stored.ComputedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save similarity: %w", err)
	}
	return nil
}

// GetSimilarity returns a cached pairwise score.
func (s *SQLiteStore) GetSimilarity(a, b, weightsHash string) (*types.SimilarityRecord, error) {
	ca, cb := types.CanonicalPair(a, b)
	var record string
	err := s.db.QueryRow(`
		SELECT record FROM similarity_cache WHERE case_a = ? AND case_b = ? AND weights_hash = ?
	`, ca, cb, weightsHash).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: similarity %s/%s", ErrNotFound, a, b)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get similarity: %w", err)
	}
	var rec types.SimilarityRecord
	if err := json.Unmarshal([]byte(record), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal similarity: %w", err)
	}
	return &rec, nil
}

// InvalidateSimilarity drops all cache entries touching a case.
func (s *SQLiteStore) InvalidateSimilarity(caseID string) error {
	_, err := s.db.Exec(`DELETE FROM similarity_cache WHERE case_a = ? OR case_b = ?`, caseID, caseID)
	if err != nil {
		return fmt.Errorf("failed to invalidate similarity: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
