// Package pipeline wires configuration into the ingest, OCR and job
// components so every binary assembles them the same way.
package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/auditlog"
	"github.com/dharsanguruparan/retina-intake/internal/config"
	"github.com/dharsanguruparan/retina-intake/internal/database"
	"github.com/dharsanguruparan/retina-intake/internal/ingest"
	"github.com/dharsanguruparan/retina-intake/internal/ocr"
	pdfutil "github.com/dharsanguruparan/retina-intake/internal/pdf"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
	"github.com/dharsanguruparan/retina-intake/internal/s3storage"
	"github.com/dharsanguruparan/retina-intake/internal/worker"
)

// OpenStore connects to Postgres and bootstraps the schema. In development
// without a DATABASE_URL it falls back to the in-memory store.
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (repository.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store")
		return repository.NewMemoryStore(), func() {}, nil
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return repository.NewPostgresStore(pool), pool.Close, nil
}

// OpenObjects returns the report bucket client, or nil when object storage is
// not configured.
func OpenObjects(ctx context.Context, cfg *config.Config) (*s3storage.Storage, error) {
	if !cfg.ObjectStorageEnabled() {
		return nil, nil
	}
	objects, err := s3storage.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return objects, nil
}

// Pipeline holds the assembled components.
type Pipeline struct {
	Ingest *ingest.Orchestrator
	OCR    *ocr.Runner
	Jobs   *worker.Processor

	hasher *ingest.Hasher
}

// New assembles the pipeline on top of store. objects may be nil.
func New(cfg *config.Config, store repository.Store, objects *s3storage.Storage, logger zerolog.Logger) *Pipeline {
	hasher := ingest.NewHasher()
	status := auditlog.New(cfg.IngestLog, logger)
	incidents := auditlog.New(cfg.MaliciousLog, logger)

	orch := ingest.NewOrchestrator(store, hasher, ingest.NewMover(cfg.MoveAttempts, cfg.MoveBackoff), status, incidents, ingest.Dirs{
		ImageDir:     cfg.ImageDir,
		PDFDir:       cfg.PDFDir,
		ProcessedDir: cfg.ProcessedDir,
		ErrorDir:     cfg.ProcessingErrorDir,
		DupRootDir:   cfg.DupRootDir,
		MetaDir:      cfg.UploadMetaDir,
	}, logger)

	opts := []ocr.Option{ocr.WithThrottle(cfg.OCRThrottle)}
	if objects != nil {
		opts = append(opts, ocr.WithMirror(objects))
	}
	runner := ocr.NewRunner(
		store,
		ocr.FitzRasterizer{DPI: cfg.OCRDPI},
		ocr.NewLocator(ocr.TesseractRecognizer{Language: cfg.OCRLanguage}),
		pdfutil.NewSplitter(),
		ocr.Dirs{PDFDir: cfg.PDFDir, DRDir: cfg.DRPDFDir, GLDir: cfg.GlaucomaPDFDir},
		auditlog.New(cfg.OCRSuccessLog, logger),
		auditlog.New(cfg.OCRErrorLog, logger),
		logger,
		opts...,
	)

	return &Pipeline{
		Ingest: orch,
		OCR:    runner,
		Jobs:   worker.NewProcessor(store, orch, runner, logger),
		hasher: hasher,
	}
}

// Close releases the hashing server.
func (p *Pipeline) Close() {
	p.hasher.Close()
}
