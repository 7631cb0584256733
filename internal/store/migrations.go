package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SchemaVersion is recorded in the meta table at bootstrap.
const SchemaVersion = "1"

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	// Seed metadata (outside bootstrap transaction, the meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: review-queue index on signature status.
	if err := s.migrateStatusIndex(); err != nil {
		return fmt.Errorf("migrating status index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		// Imported documents; modified_at is unix nanoseconds
		`CREATE TABLE IF NOT EXISTS documents (
			id          INTEGER PRIMARY KEY,
			title       TEXT NOT NULL DEFAULT '',
			modified_at INTEGER NOT NULL,
			deleted     INTEGER NOT NULL DEFAULT 0
		)`,

		// Author mentions as currently reported by extraction
		`CREATE TABLE IF NOT EXISTS mentions (
			doc_id   INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			kind     INTEGER NOT NULL,
			ref      INTEGER NOT NULL,
			name     TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (doc_id, kind, ref)
		)`,

		`CREATE TABLE IF NOT EXISTS mention_external_ids (
			doc_id      INTEGER NOT NULL,
			kind        INTEGER NOT NULL,
			ref         INTEGER NOT NULL,
			external_id TEXT NOT NULL,
			PRIMARY KEY (doc_id, kind, ref, external_id),
			FOREIGN KEY (doc_id, kind, ref) REFERENCES mentions(doc_id, kind, ref) ON DELETE CASCADE
		)`,

		// Resolved identities
		`CREATE TABLE IF NOT EXISTS persons (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			canonical_name TEXT NOT NULL DEFAULT '',
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS person_external_ids (
			person_id   INTEGER NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
			external_id TEXT NOT NULL,
			PRIMARY KEY (person_id, external_id)
		)`,

		// Signatures survive re-import of their mention; reconciliation
		// re-points or detaches them.
		`CREATE TABLE IF NOT EXISTS signatures (
			doc_id    INTEGER NOT NULL,
			kind      INTEGER NOT NULL,
			ref       INTEGER NOT NULL,
			person_id INTEGER NOT NULL REFERENCES persons(id),
			name      TEXT NOT NULL,
			status    TEXT NOT NULL DEFAULT 'undecided',
			bucket    TEXT NOT NULL,
			PRIMARY KEY (doc_id, kind, ref)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_person_external_ids_value ON person_external_ids(external_id)`,
		`CREATE INDEX IF NOT EXISTS idx_signatures_person ON signatures(person_id)`,
		`CREATE INDEX IF NOT EXISTS idx_signatures_bucket ON signatures(bucket)`,
		`CREATE INDEX IF NOT EXISTS idx_signatures_name ON signatures(name)`,
		`CREATE INDEX IF NOT EXISTS idx_persons_name ON persons(canonical_name)`,

		// Metadata
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration %q: %w", truncate(stmt, 80), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func (s *SQLiteStore) getMetaValue(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version": SchemaVersion,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

// migrateStatusIndex adds the index behind review listings by status.
func (s *SQLiteStore) migrateStatusIndex() error {
	done, err := s.isMetaFlagEnabled("status_index_v1")
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_signatures_status ON signatures(status, bucket)`); err != nil {
		return fmt.Errorf("creating status index: %w", err)
	}
	return s.setMetaFlag("status_index_v1")
}

// truncate shortens a string for error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
