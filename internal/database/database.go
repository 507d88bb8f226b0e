package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Schema is the intake schema. The UNIQUE constraint on archives.content_hash
// is what settles concurrent uploads of identical bytes.
const Schema = `
CREATE TABLE IF NOT EXISTS archives (
	id BIGSERIAL PRIMARY KEY,
	filename TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT archives_content_hash_key UNIQUE (content_hash)
);

CREATE TABLE IF NOT EXISTS encounters (
	id BIGSERIAL PRIMARY KEY,
	archive_id BIGINT NOT NULL UNIQUE REFERENCES archives(id),
	name TEXT NOT NULL,
	patient_id TEXT NOT NULL,
	capture_date TEXT NOT NULL,
	capture_date_dt DATE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS encounter_files (
	id BIGSERIAL PRIMARY KEY,
	encounter_id BIGINT NOT NULL REFERENCES encounters(id),
	uuid TEXT NOT NULL UNIQUE,
	filename TEXT NOT NULL,
	file_type TEXT NOT NULL,
	ocr_processed BOOLEAN NOT NULL DEFAULT FALSE,
	eye_side TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_encounter_files_pending ON encounter_files(file_type, ocr_processed);

CREATE TABLE IF NOT EXISTS dr_reports (
	id BIGSERIAL PRIMARY KEY,
	encounter_id BIGINT NOT NULL REFERENCES encounters(id),
	uuid TEXT NOT NULL UNIQUE,
	result TEXT NOT NULL,
	qualitative_result TEXT,
	report_file_name TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dr_reports_encounter ON dr_reports(encounter_id);

CREATE TABLE IF NOT EXISTS glaucoma_reports (
	id BIGSERIAL PRIMARY KEY,
	encounter_id BIGINT NOT NULL REFERENCES encounters(id),
	uuid TEXT NOT NULL UNIQUE,
	vcdr_right TEXT,
	vcdr_left TEXT,
	result TEXT NOT NULL,
	qualitative_result TEXT,
	report_file_name TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_glaucoma_reports_encounter ON glaucoma_reports(encounter_id);

CREATE TABLE IF NOT EXISTS jobs (
	id BIGSERIAL PRIMARY KEY,
	token TEXT NOT NULL UNIQUE,
	status TEXT NOT NULL,
	error TEXT,
	rejected_summary TEXT,
	uploader_id TEXT,
	uploader_username TEXT,
	uploader_ip TEXT,
	user_agent TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS job_items (
	id BIGSERIAL PRIMARY KEY,
	job_id BIGINT NOT NULL REFERENCES jobs(id),
	filename TEXT NOT NULL,
	state TEXT NOT NULL,
	detail TEXT,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_job_items_job ON job_items(job_id);`

// EnsureSchema creates the intake tables if needed. Keeping the migration in
// code lets docker-compose and `intakectl migrate` bootstrap everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
