package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dharsanguruparan/retina-intake/internal/model"
)

const uniqueViolation = "23505"

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore wraps all SQL used by the API, the worker and the CLI.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

// FindArchiveByHash looks up a previously ingested archive.
func (s *PostgresStore) FindArchiveByHash(ctx context.Context, hash string) (*model.Archive, error) {
	var a model.Archive
	err := s.pool.QueryRow(ctx, `
		SELECT id, filename, content_hash, state, created_at, updated_at
		FROM archives WHERE content_hash=$1
	`, hash).Scan(&a.ID, &a.Filename, &a.ContentHash, &a.State, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select archive: %w", err)
	}
	return &a, nil
}

// CreateIngest inserts the archive, encounter and files in one transaction.
func (s *PostgresStore) CreateIngest(ctx context.Context, rec *model.IngestRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := insertIngest(ctx, tx, rec); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && strings.Contains(pgErr.ConstraintName, "content_hash") {
			return ErrDuplicateHash
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit ingest: %w", err)
	}
	return nil
}

func insertIngest(ctx context.Context, q queryable, rec *model.IngestRecord) error {
	now := time.Now().UTC()
	a := &rec.Archive
	a.CreatedAt, a.UpdatedAt = now, now
	if a.State == "" {
		a.State = model.ArchiveUploaded
	}
	if err := q.QueryRow(ctx, `
		INSERT INTO archives (filename, content_hash, state, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id
	`, a.Filename, a.ContentHash, a.State, a.CreatedAt, a.UpdatedAt).Scan(&a.ID); err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}

	e := &rec.Encounter
	e.ArchiveID = a.ID
	e.CreatedAt = now
	if err := q.QueryRow(ctx, `
		INSERT INTO encounters (archive_id, name, patient_id, capture_date, capture_date_dt, created_at)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id
	`, e.ArchiveID, e.Name, e.PatientID, e.CaptureDate, e.CaptureDateDT, e.CreatedAt).Scan(&e.ID); err != nil {
		return fmt.Errorf("insert encounter: %w", err)
	}

	for i := range e.Files {
		f := &e.Files[i]
		f.EncounterID = e.ID
		f.CreatedAt = now
		if f.UUID == "" {
			f.UUID = uuid.NewString()
		}
		if err := q.QueryRow(ctx, `
			INSERT INTO encounter_files (encounter_id, uuid, filename, file_type, ocr_processed, created_at)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING id
		`, f.EncounterID, f.UUID, f.Filename, f.Type, f.OCRProcessed, f.CreatedAt).Scan(&f.ID); err != nil {
			return fmt.Errorf("insert file %s: %w", f.Filename, err)
		}
	}
	return nil
}

// SetArchiveState records where the archive file ended up.
func (s *PostgresStore) SetArchiveState(ctx context.Context, archiveID int64, state model.ArchiveState) error {
	_, err := s.pool.Exec(ctx, `UPDATE archives SET state=$1, updated_at=$2 WHERE id=$3`,
		state, time.Now().UTC(), archiveID)
	if err != nil {
		return fmt.Errorf("update archive state: %w", err)
	}
	return nil
}

// ListPendingPDFs returns pdf files awaiting OCR, oldest first.
func (s *PostgresStore) ListPendingPDFs(ctx context.Context, only []string) ([]model.PendingPDF, error) {
	query := `
		SELECT f.id, f.encounter_id, f.uuid, f.filename, f.file_type, f.ocr_processed, f.eye_side, f.created_at,
			e.id, e.archive_id, e.name, e.patient_id, e.capture_date, e.capture_date_dt, e.created_at
		FROM encounter_files f
		JOIN encounters e ON e.id = f.encounter_id
		WHERE f.file_type = 'pdf' AND NOT f.ocr_processed`
	args := []any{}
	if len(only) > 0 {
		query += ` AND f.filename = ANY($1)`
		args = append(args, only)
	}
	query += ` ORDER BY f.id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select pending pdfs: %w", err)
	}
	defer rows.Close()

	var out []model.PendingPDF
	for rows.Next() {
		var p model.PendingPDF
		f, e := &p.File, &p.Encounter
		if err := rows.Scan(&f.ID, &f.EncounterID, &f.UUID, &f.Filename, &f.Type, &f.OCRProcessed, &f.EyeSide, &f.CreatedAt,
			&e.ID, &e.ArchiveID, &e.Name, &e.PatientID, &e.CaptureDate, &e.CaptureDateDT, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending pdf: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasReports reports whether any DR or glaucoma report exists for the encounter.
func (s *PostgresStore) HasReports(ctx context.Context, encounterID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dr_reports WHERE encounter_id=$1)
			OR EXISTS (SELECT 1 FROM glaucoma_reports WHERE encounter_id=$1)
	`, encounterID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reports: %w", err)
	}
	return exists, nil
}

// MarkOCRProcessed flips the file's OCR flag.
func (s *PostgresStore) MarkOCRProcessed(ctx context.Context, fileID int64) error {
	return markOCRProcessed(ctx, s.pool, fileID)
}

func markOCRProcessed(ctx context.Context, q queryable, fileID int64) error {
	if _, err := q.Exec(ctx, `UPDATE encounter_files SET ocr_processed=TRUE WHERE id=$1`, fileID); err != nil {
		return fmt.Errorf("mark ocr processed: %w", err)
	}
	return nil
}

// SaveReports inserts the located reports and marks the source pdf processed.
func (s *PostgresStore) SaveReports(ctx context.Context, fileID int64, dr *model.DRReport, gl *model.GlaucomaReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reports: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	if dr != nil {
		if dr.UUID == "" {
			dr.UUID = uuid.NewString()
		}
		dr.CreatedAt = now
		if err := tx.QueryRow(ctx, `
			INSERT INTO dr_reports (encounter_id, uuid, result, qualitative_result, report_file_name, created_at)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING id
		`, dr.EncounterID, dr.UUID, dr.Result, dr.QualitativeResult, dr.ReportFileName, dr.CreatedAt).Scan(&dr.ID); err != nil {
			return fmt.Errorf("insert dr report: %w", err)
		}
	}
	if gl != nil {
		if gl.UUID == "" {
			gl.UUID = uuid.NewString()
		}
		gl.CreatedAt = now
		if err := tx.QueryRow(ctx, `
			INSERT INTO glaucoma_reports (encounter_id, uuid, vcdr_right, vcdr_left, result, qualitative_result, report_file_name, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id
		`, gl.EncounterID, gl.UUID, gl.VCDRRight, gl.VCDRLeft, gl.Result, gl.QualitativeResult, gl.ReportFileName, gl.CreatedAt).Scan(&gl.ID); err != nil {
			return fmt.Errorf("insert glaucoma report: %w", err)
		}
	}
	if err := markOCRProcessed(ctx, tx, fileID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reports: %w", err)
	}
	return nil
}

// CreateJob inserts a queued job and its items.
func (s *PostgresStore) CreateJob(ctx context.Context, filenames, rejected []string, up model.Uploader) (string, error) {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var jobID int64
	if err := tx.QueryRow(ctx, `
		INSERT INTO jobs (token, status, rejected_summary, uploader_id, uploader_username, uploader_ip, user_agent, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8) RETURNING id
	`, token, model.StatusQueued, strPtr(strings.Join(rejected, "; ")),
		strPtr(up.UserID), strPtr(up.Username), strPtr(up.IP), strPtr(up.UserAgent), now).Scan(&jobID); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	for _, name := range filenames {
		if _, err := tx.Exec(ctx, `INSERT INTO job_items (job_id, filename, state) VALUES ($1,$2,$3)`,
			jobID, name, model.StatusQueued); err != nil {
			return "", fmt.Errorf("insert job item: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit job: %w", err)
	}
	return token, nil
}

// SetJobStatus updates the overall job status.
func (s *PostgresStore) SetJobStatus(ctx context.Context, token string, status model.Status, errMsg *string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE jobs SET status=$1, error=$2, updated_at=$3 WHERE token=$4`,
		status, errMsg, time.Now().UTC(), token)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetItemState transitions a job item. Entering processing stamps started_at;
// a terminal state stamps finished_at.
func (s *PostgresStore) SetItemState(ctx context.Context, token, filename string, state model.Status, detail *string) error {
	now := time.Now().UTC()
	var started, finished *time.Time
	switch state {
	case model.StatusProcessing:
		started = &now
	case model.StatusCompleted, model.StatusError:
		finished = &now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_items
		SET state=$1,
			detail=$2,
			started_at=COALESCE($3, started_at),
			finished_at=COALESCE($4, finished_at)
		WHERE filename=$5 AND job_id=(SELECT id FROM jobs WHERE token=$6)
	`, state, detail, started, finished, filename, token)
	if err != nil {
		return fmt.Errorf("update job item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AnyItemError reports whether any item of the job ended in error.
func (s *PostgresStore) AnyItemError(ctx context.Context, token string) (bool, error) {
	var failed bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_items i JOIN jobs j ON j.id=i.job_id
			WHERE j.token=$1 AND i.state=$2
		)
	`, token, model.StatusError).Scan(&failed)
	if err != nil {
		return false, fmt.Errorf("check job items: %w", err)
	}
	return failed, nil
}

const jobCols = `id, token, status, error, rejected_summary,
	COALESCE(uploader_id,''), COALESCE(uploader_username,''), COALESCE(uploader_ip,''), COALESCE(user_agent,''),
	created_at, updated_at`

func scanJob(row pgx.Row, j *model.Job, extra ...any) error {
	dest := []any{&j.ID, &j.Token, &j.Status, &j.Error, &j.RejectedSummary,
		&j.Uploader.UserID, &j.Uploader.Username, &j.Uploader.IP, &j.Uploader.UserAgent,
		&j.CreatedAt, &j.UpdatedAt}
	return row.Scan(append(dest, extra...)...)
}

// GetJob returns a job with all of its items.
func (s *PostgresStore) GetJob(ctx context.Context, token string) (*model.Job, error) {
	var j model.Job
	if err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE token=$1`, token), &j); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, job_id, filename, state, detail, started_at, finished_at
		FROM job_items WHERE job_id=$1 ORDER BY id
	`, j.ID)
	if err != nil {
		return nil, fmt.Errorf("select job items: %w", err)
	}
	defer rows.Close()
	j.Items = []model.JobItem{}
	for rows.Next() {
		var it model.JobItem
		if err := rows.Scan(&it.ID, &it.JobID, &it.Filename, &it.State, &it.Detail, &it.StartedAt, &it.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan job item: %w", err)
		}
		j.Items = append(j.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns the most recent jobs with their failed item counts.
func (s *PostgresStore) ListJobs(ctx context.Context, limit int) ([]model.JobSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobCols+`,
			(SELECT COUNT(*) FROM job_items i WHERE i.job_id = jobs.id AND i.state = $2)
		FROM jobs ORDER BY created_at DESC, id DESC LIMIT $1
	`, limit, model.StatusError)
	if err != nil {
		return nil, fmt.Errorf("select jobs: %w", err)
	}
	defer rows.Close()

	var out []model.JobSummary
	for rows.Next() {
		var js model.JobSummary
		if err := scanJob(rows, &js.Job, &js.Rejected); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, js)
	}
	return out, rows.Err()
}
