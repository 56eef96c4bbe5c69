package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaVersion is the version this build expects. Migrations are
// forward-only; a table from a newer version is never read.
const schemaVersion = 1

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

// migrate initializes the schema_version guard and applies any pending
// migrations, each inside its own transaction.
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var current int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if current > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", current, schemaVersion)
	}

	migrations := []migration{
		{version: 1, name: "jobs_table", up: migrateV1},
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
		s.logger.Info().Int("version", m.version).Str("name", m.name).Msg("Applied schema migration")
	}

	return nil
}

// runMigration applies one migration and bumps the version atomically
func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
		return err
	}

	return tx.Commit()
}

// migrateV1 creates the jobs table
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id           TEXT PRIMARY KEY,
			status           TEXT NOT NULL DEFAULT 'drafted',
			progress         REAL DEFAULT 0.0,
			cancel_requested INTEGER DEFAULT 0,
			created_at       TEXT NOT NULL,
			started_at       TEXT,
			completed_at     TEXT,
			error_code       TEXT,
			error_message    TEXT,
			config_json      TEXT,
			steps_json       TEXT,
			metadata_json    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}
