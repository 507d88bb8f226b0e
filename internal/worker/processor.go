package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/ingest"
	"github.com/dharsanguruparan/retina-intake/internal/model"
	"github.com/dharsanguruparan/retina-intake/internal/ocr"
	"github.com/dharsanguruparan/retina-intake/internal/queue"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
)

// ArchiveProcessor ingests one archive.
type ArchiveProcessor interface {
	Process(ctx context.Context, zipPath string) (*ingest.Result, error)
}

// OCRRunner OCRs pending pdfs, optionally restricted to the named files.
type OCRRunner interface {
	Run(ctx context.Context, only []string) (ocr.Summary, error)
}

const jobFailedMessage = "One or more files failed"

// Processor runs upload batches: each archive is ingested and its PDFs are
// OCRed before the next archive starts. It is plugged into both the asynq
// worker loop and the in-process pool.
type Processor struct {
	jobs   repository.JobStore
	ingest ArchiveProcessor
	ocr    OCRRunner
	logger zerolog.Logger
}

// NewProcessor constructs a worker processor.
func NewProcessor(jobs repository.JobStore, ingest ArchiveProcessor, ocr OCRRunner, logger zerolog.Logger) *Processor {
	return &Processor{
		jobs:   jobs,
		ingest: ingest,
		ocr:    ocr,
		logger: logger.With().Str("component", "worker").Logger(),
	}
}

// Handler registers the ingest job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.IngestArchivesTask, p.handleIngest)
	return mux
}

// handleIngest detaches the job from the server's shutdown cancellation: an
// archive cannot be resumed halfway, so a started job runs to its terminal
// state.
func (p *Processor) handleIngest(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.DecodeIngest(task)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return p.RunJob(context.WithoutCancel(ctx), payload.Token, payload.Paths)
}

// RunJob processes every archive of the job in order and records item and
// job transitions. Per-archive failures are recorded on the item and never
// stop the batch; the returned error only reports tracking failures.
func (p *Processor) RunJob(ctx context.Context, token string, paths []string) error {
	log := p.logger.With().Str("job", token).Logger()
	if err := p.jobs.SetJobStatus(ctx, token, model.StatusProcessing, nil); err != nil {
		return fmt.Errorf("start job %s: %w", token, err)
	}
	log.Info().Int("archives", len(paths)).Msg("job started")

	for _, path := range paths {
		p.runItem(ctx, token, path)
	}

	failed, err := p.jobs.AnyItemError(ctx, token)
	if err != nil {
		return fmt.Errorf("check job %s: %w", token, err)
	}
	status, msg := model.StatusCompleted, (*string)(nil)
	if failed {
		m := jobFailedMessage
		status, msg = model.StatusError, &m
	}
	if err := p.jobs.SetJobStatus(ctx, token, status, msg); err != nil {
		return fmt.Errorf("finish job %s: %w", token, err)
	}
	log.Info().Str("status", string(status)).Msg("job finished")
	return nil
}

func (p *Processor) runItem(ctx context.Context, token, path string) {
	name := filepath.Base(path)
	log := p.logger.With().Str("job", token).Str("archive", name).Logger()
	p.setItem(ctx, token, name, model.StatusProcessing, "")

	state, detail := p.processArchive(ctx, path)
	if state == model.StatusError {
		log.Warn().Str("detail", detail).Msg("archive failed")
	}
	p.setItem(ctx, token, name, state, detail)
}

// processArchive maps the ingest outcome to an item state and detail.
func (p *Processor) processArchive(ctx context.Context, path string) (model.Status, string) {
	res, err := p.ingest.Process(ctx, path)
	if res == nil {
		if err == nil {
			err = errors.New("no result")
		}
		return model.StatusError, err.Error()
	}
	switch res.Outcome {
	case ingest.OutcomeSuccess:
	case ingest.OutcomeDuplicate, ingest.OutcomeSkipped:
		return model.StatusCompleted, res.Detail
	default:
		return model.StatusError, res.Detail
	}

	if len(res.PDFs) == 0 {
		return model.StatusCompleted, "Ingested (no PDFs to OCR)"
	}
	if _, err := p.ocr.Run(ctx, res.PDFs); err != nil {
		return model.StatusError, "Ingested, OCR failed: " + err.Error()
	}
	return model.StatusCompleted, fmt.Sprintf("Ingested + OCR for %d PDF(s)", len(res.PDFs))
}

func (p *Processor) setItem(ctx context.Context, token, name string, state model.Status, detail string) {
	var d *string
	if detail != "" {
		d = &detail
	}
	if err := p.jobs.SetItemState(ctx, token, name, state, d); err != nil {
		p.logger.Error().Err(err).Str("job", token).Str("archive", name).Msg("update job item")
	}
}
