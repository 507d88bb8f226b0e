package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/config"
	"github.com/dharsanguruparan/retina-intake/internal/model"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	dir := func(name string) string { return filepath.Join(root, name) }
	cfg := &config.Config{
		Env:                "development",
		UploadDir:          dir("uploaded"),
		UploadMetaDir:      dir("upload_meta"),
		ImageDir:           dir("images"),
		PDFDir:             dir("pdfs"),
		ProcessedDir:       dir("processed"),
		ProcessingErrorDir: dir("processing_error"),
		DupRootDir:         root,
		DRPDFDir:           dir("dr_pdfs"),
		GlaucomaPDFDir:     dir("glaucoma_pdfs"),
		IngestLog:          filepath.Join(root, "logs", "zip_ingest.txt"),
		MaliciousLog:       filepath.Join(root, "logs", "malicious_uploads.txt"),
		OCRSuccessLog:      filepath.Join(root, "logs", "ocr_success.txt"),
		OCRErrorLog:        filepath.Join(root, "logs", "ocr_error.txt"),
		OCRDPI:             300,
		MoveAttempts:       1,
		MoveBackoff:        time.Millisecond,
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func writeImageZip(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("Jane Doe_42_20250131/left eye.jpg")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F'})
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenStoreFallsBackToMemory(t *testing.T) {
	store, closeFn, err := OpenStore(context.Background(), &config.Config{Env: "development"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()
	if _, ok := store.(*repository.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestPipelineRunsJob(t *testing.T) {
	cfg := testConfig(t)
	store := repository.NewMemoryStore()
	p := New(cfg, store, nil, zerolog.Nop())
	defer p.Close()

	zipPath := filepath.Join(cfg.UploadDir, "visit.zip")
	writeImageZip(t, zipPath)
	ctx := context.Background()
	token, err := store.CreateJob(ctx, []string{"visit.zip"}, nil, model.Uploader{})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Jobs.RunJob(ctx, token, []string{zipPath}); err != nil {
		t.Fatal(err)
	}
	job, _ := store.GetJob(ctx, token)
	if job.Status != model.StatusCompleted || job.Items[0].Detail == nil || *job.Items[0].Detail != "Ingested (no PDFs to OCR)" {
		t.Fatalf("unexpected job %+v", job)
	}
	encs := store.Encounters()
	if len(encs) != 1 || encs[0].Name != "Jane Doe" || len(encs[0].Files) != 1 {
		t.Fatalf("unexpected encounters %+v", encs)
	}
	if _, err := os.Stat(filepath.Join(cfg.ProcessedDir, "visit.zip")); err != nil {
		t.Fatalf("archive should be in processed: %v", err)
	}
	log, _ := os.ReadFile(cfg.IngestLog)
	if !strings.Contains(string(log), "visit.zip -> SUCCESS") {
		t.Fatalf("status log missing success: %s", log)
	}
}
