// Package repository persists archives, encounters, OCR reports and upload
// jobs. PostgresStore backs production; MemoryStore serves development runs
// and tests.
package repository

import (
	"context"
	"errors"

	"github.com/dharsanguruparan/retina-intake/internal/model"
)

var (
	// ErrNotFound is returned by lookups that match no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateHash is returned when an archive with the same content hash
	// was committed first.
	ErrDuplicateHash = errors.New("archive content hash already exists")
)

// IngestStore is what the ingest orchestrator needs.
type IngestStore interface {
	// FindArchiveByHash returns ErrNotFound when no archive has the hash.
	FindArchiveByHash(ctx context.Context, hash string) (*model.Archive, error)
	// CreateIngest commits the archive, its encounter and all files in one
	// transaction, filling in generated ids.
	CreateIngest(ctx context.Context, rec *model.IngestRecord) error
	SetArchiveState(ctx context.Context, archiveID int64, state model.ArchiveState) error
}

// ReportStore is what the OCR runner needs.
type ReportStore interface {
	// ListPendingPDFs returns pdf files not yet OCR processed. When only is
	// non-empty the result is limited to those filenames.
	ListPendingPDFs(ctx context.Context, only []string) ([]model.PendingPDF, error)
	HasReports(ctx context.Context, encounterID int64) (bool, error)
	MarkOCRProcessed(ctx context.Context, fileID int64) error
	// SaveReports inserts whichever reports are non-nil and flips the file's
	// OCR flag in the same transaction.
	SaveReports(ctx context.Context, fileID int64, dr *model.DRReport, gl *model.GlaucomaReport) error
}

// JobStore implements job tracking for upload batches.
type JobStore interface {
	// CreateJob records a queued job with one queued item per filename and
	// returns its token.
	CreateJob(ctx context.Context, filenames, rejected []string, uploader model.Uploader) (string, error)
	SetJobStatus(ctx context.Context, token string, status model.Status, errMsg *string) error
	SetItemState(ctx context.Context, token, filename string, state model.Status, detail *string) error
	AnyItemError(ctx context.Context, token string) (bool, error)
	GetJob(ctx context.Context, token string) (*model.Job, error)
	ListJobs(ctx context.Context, limit int) ([]model.JobSummary, error)
}

// Store bundles every store interface.
type Store interface {
	IngestStore
	ReportStore
	JobStore
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
