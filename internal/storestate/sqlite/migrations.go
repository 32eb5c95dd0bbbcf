package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate runs database migrations.
func (s *DB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "control_plane_schema", up: migrateV1},
		{version: 2, name: "job_request_indexes", up: migrateV2},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *DB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *DB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil // Already applied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// migrateV1 creates the control-plane tables.
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS controllers (
			id TEXT PRIMARY KEY,
			start_time INTEGER NOT NULL,
			host TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			controller_id TEXT NOT NULL,
			parent_id TEXT,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			extended_state TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			params JSON,
			FOREIGN KEY (controller_id) REFERENCES controllers(id)
		)`,

		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			worker TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			finished_at INTEGER,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
	}

	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 adds lookup indexes on the jobs and requests tables.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	queries := []string{
		`CREATE INDEX IF NOT EXISTS idx_jobs_controller ON jobs(controller_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_parent ON jobs(parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_job ON requests(job_id, state)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_worker ON requests(worker)`,
	}
	for _, query := range queries {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}
