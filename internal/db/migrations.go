// ABOUTME: Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_core_tables",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS worker_tasks (
				id TEXT PRIMARY KEY,
				site_name TEXT NOT NULL,
				required_caps TEXT NOT NULL,
				payload_type TEXT NOT NULL,
				payload_json TEXT,
				idempotency_key TEXT NOT NULL,
				status TEXT NOT NULL,
				claimed_by TEXT,
				lease_expires_at TEXT,
				created_at TEXT NOT NULL,
				claimed_at TEXT,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_worker_tasks_status_site
				ON worker_tasks(status, site_name, created_at)`,
			`CREATE TABLE IF NOT EXISTS workers (
				worker_id TEXT PRIMARY KEY,
				site_name TEXT NOT NULL,
				capabilities TEXT NOT NULL,
				registered_at TEXT NOT NULL,
				last_seen TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS worker_results (
				idempotency_key TEXT PRIMARY KEY,
				task_id TEXT NOT NULL,
				worker_id TEXT NOT NULL,
				payload_type TEXT NOT NULL,
				result_json TEXT,
				error TEXT,
				submitted_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_worker_results_task
				ON worker_results(task_id)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				ts TEXT NOT NULL,
				kind TEXT NOT NULL,
				task_id TEXT,
				worker_id TEXT,
				msg TEXT,
				json TEXT
			)`,
		},
	},
	{
		version: 2,
		name:    "audit_chain",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS audit_entries (
				sequence_num INTEGER PRIMARY KEY,
				prev_hash TEXT NOT NULL,
				entry_hash TEXT NOT NULL,
				actor TEXT NOT NULL,
				action_type TEXT NOT NULL,
				target_resource TEXT,
				ts TEXT NOT NULL,
				result_summary TEXT,
				checkpoint_kind TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_entries_ts ON audit_entries(ts)`,
			`CREATE INDEX IF NOT EXISTS idx_audit_entries_checkpoint
				ON audit_entries(checkpoint_kind) WHERE checkpoint_kind != ''`,
		},
	},
}

// Migrate runs any pending migrations against the provided database.
//
// Migrations are applied in version order. Each migration runs in a
// separate transaction for atomicity. Returns an error if any step fails.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

func validateMigrations() error {
	seen := make(map[int]struct{}, len(migrations))
	last := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive, got %d", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d has no name", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version <= last {
			return fmt.Errorf("migration versions out of order at %d", m.version)
		}
		seen[m.version] = struct{}{}
		last = m.version
	}
	return nil
}

// ensureSchemaMigrations creates the schema_migrations tracking table if it doesn't exist.
func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// loadAppliedVersions returns a set of migration versions that have been applied.
func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations ensures all applied migrations still exist in the codebase.
//
// This prevents a scenario where a migration was applied but then removed
// from the code, which would cause database schema drift.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration executes a single migration within a transaction.
func applyMigration(db *sql.DB, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Format(timeLayout)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}
