package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/auditlog"
	"github.com/dharsanguruparan/retina-intake/internal/model"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
)

// Outcome is the terminal state of one archive.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeMalicious  Outcome = "malicious-deleted"
	OutcomeStructural Outcome = "structural-error"
)

// Dirs are the filesystem roots the orchestrator writes to.
type Dirs struct {
	ImageDir     string
	PDFDir       string
	ProcessedDir string
	ErrorDir     string
	DupRootDir   string
	MetaDir      string
}

// Result describes what happened to one archive.
type Result struct {
	Archive  string
	Outcome  Outcome
	Detail   string
	Original string
	PDFs     []string
}

// Orchestrator runs one archive at a time through hashing, validation,
// extraction, commit and relocation.
type Orchestrator struct {
	store     repository.IngestStore
	hasher    *Hasher
	mover     *Mover
	status    *auditlog.Log
	incidents *auditlog.Log
	dirs      Dirs
	logger    zerolog.Logger
	now       func() time.Time
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(store repository.IngestStore, hasher *Hasher, mover *Mover, status, incidents *auditlog.Log, dirs Dirs, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		hasher:    hasher,
		mover:     mover,
		status:    status,
		incidents: incidents,
		dirs:      dirs,
		logger:    logger.With().Str("component", "ingest").Logger(),
		now:       time.Now,
	}
}

// Process ingests the archive at zipPath. Duplicates and resource-fork
// artifacts return a nil error; malicious, structural and move failures
// return an *Error alongside the Result.
func (o *Orchestrator) Process(ctx context.Context, zipPath string) (*Result, error) {
	name := filepath.Base(zipPath)
	res := &Result{Archive: name}
	log := o.logger.With().Str("archive", name).Logger()

	if strings.HasPrefix(name, "._") {
		o.status.Status(name, auditlog.StatusSkippedFork, "")
		res.Outcome, res.Detail = OutcomeSkipped, "Skipped resource-fork file"
		return res, nil
	}

	hash, err := o.hasher.HashFile(zipPath)
	if err != nil {
		return o.fail(res, zipPath, structural("hash archive", err))
	}
	existing, err := o.store.FindArchiveByHash(ctx, hash)
	switch {
	case err == nil:
		return o.duplicate(res, zipPath, existing.Filename), nil
	case !errors.Is(err, repository.ErrNotFound):
		return o.fail(res, zipPath, structural("lookup content hash", err))
	}

	log.Info().Str("hash", hash).Msg("processing archive")

	// Everything that reads from the archive happens inside readArchive so the
	// handle is closed before the file is moved.
	x, err := o.readArchive(res, zipPath)
	if err != nil {
		return res, err
	}

	rec := &model.IngestRecord{
		Archive: model.Archive{Filename: CleanFilename(name), ContentHash: hash, State: model.ArchiveUploaded},
		Encounter: model.Encounter{
			Name:          x.Folder.Name,
			PatientID:     x.Folder.PatientID,
			CaptureDate:   x.Folder.CaptureDate,
			CaptureDateDT: ParseCaptureDate(x.Folder.CaptureDate),
			Files:         x.Files,
		},
	}
	if err := o.store.CreateIngest(ctx, rec); err != nil {
		x.Cleanup()
		if errors.Is(err, repository.ErrDuplicateHash) {
			original := rec.Archive.Filename
			if a, ferr := o.store.FindArchiveByHash(ctx, hash); ferr == nil {
				original = a.Filename
			}
			return o.duplicate(res, zipPath, original), nil
		}
		return o.fail(res, zipPath, structural("commit ingest", err))
	}
	log.Info().
		Str("name", rec.Encounter.Name).
		Str("patient_id", rec.Encounter.PatientID).
		Str("capture_date", rec.Encounter.CaptureDate).
		Int("files", len(x.Files)).
		Msg("encounter recorded")

	if _, err := o.mover.Move(zipPath, o.dirs.ProcessedDir); err != nil {
		o.setState(ctx, rec.Archive.ID, model.ArchiveError)
		o.status.Status(name, auditlog.StatusError, err.Error())
		res.Outcome, res.Detail, res.PDFs = OutcomeStructural, err.Error(), x.PDFs
		return res, err
	}
	o.setState(ctx, rec.Archive.ID, model.ArchiveProcessed)
	o.status.Status(name, auditlog.StatusSuccess, "")
	res.Outcome, res.PDFs = OutcomeSuccess, x.PDFs
	if len(x.PDFs) > 0 {
		res.Detail = fmt.Sprintf("Ingested %d file(s), %d PDF(s)", len(x.Files), len(x.PDFs))
	} else {
		res.Detail = fmt.Sprintf("Ingested %d file(s)", len(x.Files))
	}
	return res, nil
}

// readArchive opens, validates and extracts the archive. On failure it has
// already applied the terminal handling and filled in res.
func (o *Orchestrator) readArchive(res *Result, zipPath string) (*Extraction, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		ie := structural("not a zip file", err)
		o.moveToError(zipPath)
		o.status.Status(res.Archive, auditlog.StatusErrorBadZip, "not a zip file")
		res.Outcome, res.Detail = OutcomeStructural, "Not a valid ZIP file"
		return nil, ie
	}

	if err := Validate(&zr.Reader); err != nil {
		zr.Close()
		var ie *Error
		if errors.As(err, &ie) && ie.Kind == KindMalicious {
			o.reject(res, zipPath, ie)
			return nil, ie
		}
		_, ferr := o.fail(res, zipPath, structural("validate", err))
		return nil, ferr
	}

	x, err := Extract(&zr.Reader, Roots{ImageDir: o.dirs.ImageDir, PDFDir: o.dirs.PDFDir})
	zr.Close()
	if err != nil {
		var ie *Error
		if !errors.As(err, &ie) {
			ie = structural("extract", err)
		}
		_, ferr := o.fail(res, zipPath, ie)
		return nil, ferr
	}
	return x, nil
}

// reject deletes a malicious archive and its sidecar and records the incident.
func (o *Orchestrator) reject(res *Result, zipPath string, ie *Error) {
	meta := auditlog.ReadSidecar(o.dirs.MetaDir, res.Archive)
	o.incidents.Incident(auditlog.Incident{
		Zip:      res.Archive,
		User:     meta.UploaderUsername,
		IP:       meta.IP,
		Reason:   ie.Reason,
		Expected: ie.Expected,
		Detected: ie.Detected,
		Entry:    ie.Entry,
	})
	if err := os.Remove(zipPath); err != nil {
		o.logger.Error().Err(err).Str("archive", res.Archive).Msg("delete rejected archive")
	}
	if err := auditlog.RemoveSidecar(o.dirs.MetaDir, res.Archive); err != nil {
		o.logger.Warn().Err(err).Str("archive", res.Archive).Msg("remove sidecar")
	}
	o.status.Status(res.Archive, auditlog.StatusDeletedBadZip, fmt.Sprintf("%s (%s)", ie.Msg, ie.Entry))
	res.Outcome, res.Detail = OutcomeMalicious, ie.Detail()
}

// fail moves the archive to the error directory.
func (o *Orchestrator) fail(res *Result, zipPath string, ie *Error) (*Result, error) {
	o.moveToError(zipPath)
	o.status.Status(res.Archive, auditlog.StatusError, ie.Error())
	res.Outcome, res.Detail = OutcomeStructural, ie.Error()
	return res, ie
}

func (o *Orchestrator) moveToError(zipPath string) {
	if _, err := o.mover.Move(zipPath, o.dirs.ErrorDir); err != nil {
		o.logger.Error().Err(err).Str("archive", filepath.Base(zipPath)).Msg("move to error directory")
	}
}

// duplicate parks the archive in today's duplicate directory.
func (o *Orchestrator) duplicate(res *Result, zipPath, original string) *Result {
	dupDir := filepath.Join(o.dirs.DupRootDir, "dupmd5_"+o.now().Format("2006-01-02"))
	if _, err := o.mover.Move(zipPath, dupDir); err != nil {
		o.logger.Error().Err(err).Str("archive", res.Archive).Msg("move duplicate")
	}
	o.status.Status(res.Archive, auditlog.StatusSkippedDup, "original="+original)
	res.Outcome, res.Original = OutcomeDuplicate, original
	res.Detail = "Duplicate file (original=" + original + ")"
	return res
}

func (o *Orchestrator) setState(ctx context.Context, id int64, state model.ArchiveState) {
	if err := o.store.SetArchiveState(ctx, id, state); err != nil {
		o.logger.Error().Err(err).Int64("archive_id", id).Msg("update archive state")
	}
}
