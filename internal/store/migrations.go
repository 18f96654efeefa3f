package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion is recorded in the meta table on first open.
const SchemaVersion = "2"

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

	// Seed metadata (outside bootstrap transaction, meta table now exists)
	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: circuits gained run_id after schema version 1.
	if err := s.migrateCircuitRunColumn(); err != nil {
		return fmt.Errorf("migrating run_id column: %w", err)
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			content_hash TEXT UNIQUE NOT NULL,
			source_file  TEXT,
			state        INTEGER NOT NULL DEFAULT 0,
			column_count INTEGER NOT NULL,
			view_count   INTEGER NOT NULL,
			row_count    INTEGER NOT NULL,
			metadata     BLOB NOT NULL,
			imported_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS circuits (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			model_id     INTEGER NOT NULL REFERENCES models(id) ON DELETE CASCADE,
			indicators   INTEGER NOT NULL CHECK(indicators IN (0, 1)),
			content_hash TEXT NOT NULL,
			sums         INTEGER NOT NULL,
			products     INTEGER NOT NULL,
			leaves       INTEGER NOT NULL,
			depth        INTEGER NOT NULL,
			artifact     BLOB NOT NULL,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(model_id, indicators)
		)`,

		`CREATE TABLE IF NOT EXISTS compile_runs (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL CHECK(status IN ('running','succeeded','failed')),
			inputs      INTEGER NOT NULL DEFAULT 0,
			compiled    INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			error       TEXT NOT NULL DEFAULT '',
			started_at  DATETIME NOT NULL,
			finished_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		)`,

		`CREATE INDEX IF NOT EXISTS idx_models_source ON models(source_file)`,
		`CREATE INDEX IF NOT EXISTS idx_circuits_model ON circuits(model_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON compile_runs(started_at)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning bootstrap transaction: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration: %w\nSQL: %s", err, truncate(stmt, 100))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bootstrap transaction: %w", err)
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

	value, err := s.getMetaValue(key)
	if err != nil {
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
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

// migrateCircuitRunColumn adds circuits.run_id if it doesn't exist.
func (s *SQLiteStore) migrateCircuitRunColumn() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('circuits') WHERE name='run_id'",
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking for run_id column: %w", err)
	}
	if count > 0 {
		return nil // Already migrated
	}

	_, err = s.db.Exec("ALTER TABLE circuits ADD COLUMN run_id TEXT NOT NULL DEFAULT ''")
	if err != nil && !isDuplicateColumnError(err) {
		return fmt.Errorf("adding run_id column: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_circuits_run ON circuits(run_id)"); err != nil {
		return fmt.Errorf("creating run_id index: %w", err)
	}
	return nil
}

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

// truncate shortens a string for error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
