package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order on startup. Statements are idempotent so
// repeated runs against an existing database are safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id           TEXT PRIMARY KEY,
		catalog_id   TEXT,
		job_type     TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		parameters   JSONB,
		progress     JSONB,
		result       JSONB,
		error        TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_catalog ON jobs (catalog_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs (job_type)`,

	`CREATE TABLE IF NOT EXISTS job_batches (
		id              TEXT PRIMARY KEY,
		parent_job_id   TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		catalog_id      TEXT,
		job_type        TEXT NOT NULL,
		batch_number    INTEGER NOT NULL,
		total_batches   INTEGER NOT NULL,
		status          TEXT NOT NULL DEFAULT 'PENDING',
		work_items      JSONB,
		items_count     INTEGER NOT NULL DEFAULT 0,
		worker_id       TEXT,
		processed_count INTEGER NOT NULL DEFAULT 0,
		success_count   INTEGER NOT NULL DEFAULT 0,
		error_count     INTEGER NOT NULL DEFAULT 0,
		results         JSONB,
		error_message   TEXT,
		started_at      TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_job_batches_parent ON job_batches (parent_job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_job_batches_status ON job_batches (parent_job_id, status)`,

	`CREATE TABLE IF NOT EXISTS job_progress (
		job_id        TEXT PRIMARY KEY,
		progress_data JSONB NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS catalogs (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		source_paths JSONB NOT NULL DEFAULT '[]',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS images (
		id              TEXT PRIMARY KEY,
		catalog_id      TEXT NOT NULL REFERENCES catalogs(id) ON DELETE CASCADE,
		file_path       TEXT NOT NULL,
		file_name       TEXT NOT NULL,
		file_type       TEXT NOT NULL DEFAULT 'image',
		file_size_bytes BIGINT NOT NULL DEFAULT 0,
		checksum        TEXT,
		dhash           TEXT,
		ahash           TEXT,
		whash           TEXT,
		captured_at     TIMESTAMPTZ,
		camera_make     TEXT,
		camera_model    TEXT,
		burst_id        TEXT,
		burst_sequence  INTEGER,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (catalog_id, file_path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_images_catalog ON images (catalog_id)`,
	`CREATE INDEX IF NOT EXISTS idx_images_captured ON images (catalog_id, captured_at)`,

	`CREATE TABLE IF NOT EXISTS image_tags (
		image_id   TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
		tag        TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		source     TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (image_id, tag, source)
	)`,

	`CREATE TABLE IF NOT EXISTS bursts (
		id         TEXT PRIMARY KEY,
		catalog_id TEXT NOT NULL REFERENCES catalogs(id) ON DELETE CASCADE,
		camera     TEXT NOT NULL DEFAULT '',
		start_time TIMESTAMPTZ NOT NULL,
		end_time   TIMESTAMPTZ NOT NULL,
		image_ids  JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bursts_catalog ON bursts (catalog_id)`,

	`CREATE TABLE IF NOT EXISTS duplicate_groups (
		id         TEXT PRIMARY KEY,
		catalog_id TEXT NOT NULL REFERENCES catalogs(id) ON DELETE CASCADE,
		kind       TEXT NOT NULL,
		image_ids  JSONB NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_duplicate_groups_catalog ON duplicate_groups (catalog_id)`,
}

// Migrate applies the schema to the connected database
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
