package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all job history tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		identifier   TEXT NOT NULL,
		namespace    TEXT NOT NULL,
		state        TEXT NOT NULL DEFAULT 'CREATED',
		message      TEXT NOT NULL DEFAULT '',
		catalog_uri  TEXT NOT NULL DEFAULT '',
		collection   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS transitions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id     TEXT NOT NULL REFERENCES jobs(id),
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transitions_job_id ON transitions(job_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
