// Package staging - SQLite schema definitions and migrations.
package staging

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// Schema defines the complete database schema
const schema = `
-- Schema metadata for versioning
CREATE TABLE IF NOT EXISTS schema_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Cases table (MUST be created BEFORE draft_entities due to foreign key constraint)
CREATE TABLE IF NOT EXISTS cases (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    source TEXT,
    case_number TEXT,
    year INTEGER,
    raw_text TEXT NOT NULL,
    parse_method TEXT NOT NULL,
    sections TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

-- Per-section vectors, recomputed only when the content hash changes
CREATE TABLE IF NOT EXISTS section_embeddings (
    case_id TEXT NOT NULL,
    section_type TEXT NOT NULL,
    vector BLOB NOT NULL,
    model TEXT NOT NULL,
    provider TEXT NOT NULL,
    dimension INTEGER NOT NULL,
    content_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (case_id, section_type),
    FOREIGN KEY (case_id) REFERENCES cases(id) ON DELETE CASCADE
);

-- The staging store: draft entities with the draft/publish lifecycle
CREATE TABLE IF NOT EXISTS draft_entities (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    concept_type TEXT NOT NULL,
    kind TEXT NOT NULL,
    label TEXT NOT NULL,
    normalized_label TEXT NOT NULL,
    definition TEXT,
    step INTEGER NOT NULL,
    pass INTEGER NOT NULL,
    section TEXT NOT NULL,
    spans TEXT,
    matched_uri TEXT,
    match_confidence REAL,
    match_method TEXT,
    relations TEXT,
    pair TEXT,
    transformation TEXT,
    board_choice INTEGER NOT NULL DEFAULT 0,
    is_published INTEGER NOT NULL DEFAULT 0,
    published_at INTEGER,
    created_at INTEGER NOT NULL,
    UNIQUE (case_id, concept_type, normalized_label),
    FOREIGN KEY (case_id) REFERENCES cases(id) ON DELETE CASCADE
);

-- Append-only provenance log; retained after case deletion
CREATE TABLE IF NOT EXISTS extraction_sessions (
    id TEXT PRIMARY KEY,
    case_id TEXT NOT NULL,
    step INTEGER NOT NULL,
    pass INTEGER NOT NULL,
    section TEXT NOT NULL,
    concept_type TEXT NOT NULL,
    prompt_text TEXT NOT NULL,
    response_text TEXT,
    model_id TEXT,
    input_tokens INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    error TEXT,
    ontology_degraded INTEGER NOT NULL DEFAULT 0,
    seq INTEGER NOT NULL
);

-- One feature record per case
CREATE TABLE IF NOT EXISTS case_features (
    case_id TEXT PRIMARY KEY,
    features_version INTEGER NOT NULL,
    record TEXT NOT NULL,
    built_at INTEGER NOT NULL
);

-- Pairwise similarity cache, canonical (case_a <= case_b) order
CREATE TABLE IF NOT EXISTS similarity_cache (
    case_a TEXT NOT NULL,
    case_b TEXT NOT NULL,
    weights_hash TEXT NOT NULL,
    record TEXT NOT NULL,
    computed_at INTEGER NOT NULL,
    PRIMARY KEY (case_a, case_b, weights_hash)
);

-- Full-text search index over draft labels and definitions
CREATE VIRTUAL TABLE IF NOT EXISTS drafts_fts USING fts5(
    id UNINDEXED,
    label,
    definition,
    content='draft_entities',
    content_rowid='rowid'
);

-- Triggers to keep FTS index synchronized
CREATE TRIGGER IF NOT EXISTS drafts_fts_insert AFTER INSERT ON draft_entities BEGIN
    INSERT INTO drafts_fts(rowid, id, label, definition) VALUES (new.rowid, new.id, new.label, new.definition);
END;

CREATE TRIGGER IF NOT EXISTS drafts_fts_update AFTER UPDATE ON draft_entities BEGIN
    UPDATE drafts_fts SET label = new.label, definition = new.definition WHERE rowid = old.rowid;
END;

CREATE TRIGGER IF NOT EXISTS drafts_fts_delete AFTER DELETE ON draft_entities BEGIN
    DELETE FROM drafts_fts WHERE rowid = old.rowid;
END;

-- Performance indexes
CREATE INDEX IF NOT EXISTS idx_drafts_case ON draft_entities(case_id);
CREATE INDEX IF NOT EXISTS idx_drafts_case_concept ON draft_entities(case_id, concept_type);
CREATE INDEX IF NOT EXISTS idx_drafts_published ON draft_entities(case_id, is_published);
CREATE INDEX IF NOT EXISTS idx_drafts_session ON draft_entities(case_id, session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_case ON extraction_sessions(case_id);
CREATE INDEX IF NOT EXISTS idx_sessions_cell ON extraction_sessions(case_id, step, pass, section, concept_type, seq DESC);
CREATE INDEX IF NOT EXISTS idx_similarity_a ON similarity_cache(case_a);
CREATE INDEX IF NOT EXISTS idx_similarity_b ON similarity_cache(case_b);
`

// initializeSchema creates all tables and indexes
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT value FROM schema_metadata WHERE key = 'version'").Scan(&currentVersion)
	if err == sql.ErrNoRows {
		_, err = db.Exec("INSERT INTO schema_metadata (key, value) VALUES ('version', ?)", schemaVersion)
		if err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	} else if currentVersion != schemaVersion {
		// Future: run migrations here
		return fmt.Errorf("schema version mismatch: expected %d, got %d", schemaVersion, currentVersion)
	}

	return nil
}

// configureSQLite sets optimal pragmas for performance and safety
func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",        // Write-Ahead Logging for concurrent reads
		"PRAGMA synchronous = NORMAL",      // Balance safety vs performance
		"PRAGMA cache_size = -64000",       // 64MB cache
		"PRAGMA foreign_keys = ON",         // Enforce referential integrity
		"PRAGMA temp_store = MEMORY",       // Keep temp tables in memory
		"PRAGMA auto_vacuum = INCREMENTAL", // Incremental vacuum mode
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}
