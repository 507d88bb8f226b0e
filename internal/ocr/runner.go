package ocr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/auditlog"
	"github.com/dharsanguruparan/retina-intake/internal/model"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
)

// Report kinds, used in split filenames and storage keys.
const (
	KindDR       = model.ReportDR
	KindGlaucoma = model.ReportGlaucoma
)

// Splitter extracts one page of a PDF into a new file.
type Splitter interface {
	ExtractPage(src, dst string, page int) error
}

// Mirror copies split reports to secondary storage.
type Mirror interface {
	PutReport(ctx context.Context, kind, path string) error
}

// Dirs are the roots the runner reads from and writes to.
type Dirs struct {
	PDFDir string
	DRDir  string
	GLDir  string
}

// Summary counts runner outcomes.
type Summary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Runner OCRs pending pdf files one at a time, committing each file
// separately.
type Runner struct {
	store    repository.ReportStore
	raster   Rasterizer
	locator  *Locator
	splitter Splitter
	mirror   Mirror
	dirs     Dirs
	success  *auditlog.Log
	failures *auditlog.Log
	throttle time.Duration
	logger   zerolog.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithMirror uploads every split report through m.
func WithMirror(m Mirror) Option {
	return func(r *Runner) { r.mirror = m }
}

// WithThrottle sets the pause between files.
func WithThrottle(d time.Duration) Option {
	return func(r *Runner) { r.throttle = d }
}

// NewRunner wires a Runner.
func NewRunner(store repository.ReportStore, raster Rasterizer, locator *Locator, splitter Splitter, dirs Dirs, success, failures *auditlog.Log, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:    store,
		raster:   raster,
		locator:  locator,
		splitter: splitter,
		dirs:     dirs,
		success:  success,
		failures: failures,
		throttle: time.Second,
		logger:   logger.With().Str("component", "ocr").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run processes every pending pdf, or only those named in only when it is
// non-empty. A failure on one file never stops the batch.
func (r *Runner) Run(ctx context.Context, only []string) (Summary, error) {
	var sum Summary
	defer r.success.Outcome(auditlog.StatusSuccess, "(workflow)", "PDF OCR processing workflow finished.")

	pending, err := r.store.ListPendingPDFs(ctx, only)
	if err != nil {
		r.failures.Outcome(auditlog.StatusError, "UNKNOWN", err.Error())
		return sum, fmt.Errorf("list pending pdfs: %w", err)
	}
	if len(pending) == 0 {
		r.logger.Info().Msg("no unprocessed pdfs")
		return sum, nil
	}

	for i, p := range pending {
		if i > 0 && r.throttle > 0 {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-time.After(r.throttle):
			}
		}
		switch r.processOne(ctx, p) {
		case outcomeProcessed:
			sum.Processed++
		case outcomeSkipped:
			sum.Skipped++
		default:
			sum.Failed++
		}
	}
	r.logger.Info().Int("processed", sum.Processed).Int("skipped", sum.Skipped).Int("failed", sum.Failed).Msg("ocr batch done")
	return sum, nil
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (r *Runner) processOne(ctx context.Context, p model.PendingPDF) outcome {
	name := p.File.Filename
	src := filepath.Join(r.dirs.PDFDir, name)
	log := r.logger.With().Str("file", name).Logger()

	if _, err := os.Stat(src); err != nil {
		r.failures.Outcome(auditlog.StatusError, name, "PDF file missing on disk; skipping")
		return outcomeSkipped
	}

	has, err := r.store.HasReports(ctx, p.Encounter.ID)
	if err != nil {
		r.failures.Outcome(auditlog.StatusError, name, err.Error())
		return outcomeFailed
	}
	if has {
		r.failures.Outcome(auditlog.StatusError, name, fmt.Sprintf("Reports for patient ID %s already exist. Skipping OCR", p.Encounter.PatientID))
		if err := r.store.MarkOCRProcessed(ctx, p.File.ID); err != nil {
			log.Error().Err(err).Msg("mark ocr processed")
		}
		return outcomeSkipped
	}

	scan, err := r.scan(src)
	if err != nil {
		// The flag stays false so the file is picked up again after a fix.
		r.failures.Outcome(auditlog.StatusError, name, "An error occurred during PDF OCR processing: "+err.Error())
		return outcomeFailed
	}

	for _, fe := range scan.Unread {
		r.failures.Outcome(auditlog.StatusError, name, "OCR "+fe.Error())
	}

	dr, gl := r.buildReports(ctx, p, src, scan)
	if err := r.store.SaveReports(ctx, p.File.ID, dr, gl); err != nil {
		r.failures.Outcome(auditlog.StatusError, name, "save reports: "+err.Error())
		return outcomeFailed
	}

	var found []string
	if dr != nil {
		found = append(found, fmt.Sprintf("DR page %d", scan.DR.Page))
	}
	if gl != nil {
		found = append(found, fmt.Sprintf("GL page %d", scan.GL.Page))
	}
	msg := "OCR and split pages completed"
	if len(found) == 0 {
		msg += " (no report pages found)"
	} else {
		msg += " (" + strings.Join(found, ", ") + ")"
	}
	r.success.Outcome(auditlog.StatusSuccess, name, msg)
	return outcomeProcessed
}

func (r *Runner) scan(src string) (*Scan, error) {
	doc, err := r.raster.Open(src)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	return r.locator.Locate(doc)
}

// buildReports splits each located page and returns the report rows. DR and
// glaucoma are independent: a failed split only clears that report's filename.
func (r *Runner) buildReports(ctx context.Context, p model.PendingPDF, src string, scan *Scan) (*model.DRReport, *model.GlaucomaReport) {
	var (
		dr *model.DRReport
		gl *model.GlaucomaReport
	)
	if scan.DR != nil {
		dr = &model.DRReport{
			EncounterID:       p.Encounter.ID,
			Result:            scan.DR.Result,
			QualitativeResult: optional(scan.DR.Qualitative),
			ReportFileName:    r.split(ctx, p, src, KindDR, scan.DR.Page),
		}
	}
	if scan.GL != nil {
		gl = &model.GlaucomaReport{
			EncounterID:       p.Encounter.ID,
			VCDRRight:         optional(scan.GL.VCDRRight),
			VCDRLeft:          optional(scan.GL.VCDRLeft),
			Result:            scan.GL.Result,
			QualitativeResult: optional(scan.GL.Qualitative),
			ReportFileName:    r.split(ctx, p, src, KindGlaucoma, scan.GL.Page),
		}
	}
	return dr, gl
}

// SplitFilename names the single-page PDF for a located report.
func SplitFilename(enc model.Encounter, kind string, page int) string {
	tag := "DR"
	if kind == KindGlaucoma {
		tag = "GL"
	}
	return fmt.Sprintf("%s_%s_%s_%s_Page%d.pdf",
		enc.PatientID, strings.ReplaceAll(enc.Name, " ", "_"), enc.CaptureDate, tag, page)
}

func (r *Runner) split(ctx context.Context, p model.PendingPDF, src, kind string, page int) *string {
	dir, label := r.dirs.DRDir, "DR"
	if kind == KindGlaucoma {
		dir, label = r.dirs.GLDir, "Glaucoma"
	}
	name := SplitFilename(p.Encounter, kind, page)
	dst := filepath.Join(dir, name)
	if err := r.splitter.ExtractPage(src, dst, page); err != nil {
		r.failures.Outcome(auditlog.StatusError, p.File.Filename, fmt.Sprintf("Error saving %s report page %d: %v", label, page, err))
		return nil
	}
	if r.mirror != nil {
		if err := r.mirror.PutReport(ctx, kind, dst); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Str("report", name).Msg("mirror split report")
		}
	}
	return &name
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
