package ocr

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/auditlog"
	"github.com/dharsanguruparan/retina-intake/internal/model"
	pdfutil "github.com/dharsanguruparan/retina-intake/internal/pdf"
	"github.com/dharsanguruparan/retina-intake/internal/pdf/pdftest"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
)

// pageImage is a fake rendered page that remembers its page number, so the
// fake recognizer can answer by page and crop region.
type pageImage struct {
	page int
	rect image.Rectangle
}

func (p pageImage) ColorModel() color.Model { return color.GrayModel }
func (p pageImage) Bounds() image.Rectangle { return p.rect }
func (p pageImage) At(int, int) color.Color  { return color.Gray{} }
func (p pageImage) SubImage(r image.Rectangle) image.Image {
	return pageImage{page: p.page, rect: r.Intersect(p.rect)}
}

type fakeDoc struct {
	pages    int
	renders  int
	failPage int
}

func (d *fakeDoc) NumPage() int { return d.pages }
func (d *fakeDoc) Close() error { return nil }
func (d *fakeDoc) RenderPage(i int) (image.Image, error) {
	d.renders++
	if d.failPage == i+1 {
		return nil, errors.New("render failed")
	}
	return pageImage{page: i + 1, rect: image.Rect(0, 0, 2480, 3508)}, nil
}

type fakeRaster struct {
	doc     *fakeDoc
	openErr error
}

func (r fakeRaster) Open(string) (Document, error) {
	if r.openErr != nil {
		return nil, r.openErr
	}
	return r.doc, nil
}

type regionKey struct {
	page int
	rect image.Rectangle
}

type fakeRecognizer struct {
	mu    sync.Mutex
	texts map[regionKey]string
	fail  map[regionKey]error
	calls int
}

func (f *fakeRecognizer) Text(img image.Image) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	p := img.(pageImage)
	key := regionKey{p.page, p.rect}
	if err := f.fail[key]; err != nil {
		return "", err
	}
	return f.texts[key], nil
}

// reportPages puts a DR report on drPage and a glaucoma report on glPage.
func reportPages(drPage, glPage int) *fakeRecognizer {
	t := map[regionKey]string{}
	if drPage > 0 {
		t[regionKey{drPage, RegionDRHeading}] = "DIABETIC RETINOPATHY\nREPORT"
		t[regionKey{drPage, RegionDRResult}] = " No  apparent\n DR "
		t[regionKey{drPage, RegionDRQualitative}] = "Image quality\ngood"
	}
	if glPage > 0 {
		t[regionKey{glPage, RegionGLHeading}] = "Glaucoma Screening"
		t[regionKey{glPage, RegionGLResult}] = "Low risk"
		t[regionKey{glPage, RegionGLVCDRRight}] = "VCDR RE: 0.45\n"
		t[regionKey{glPage, RegionGLVCDRLeft}] = "VCDR LE:\t0.50"
		t[regionKey{glPage, RegionGLQualitative}] = ""
	}
	return &fakeRecognizer{texts: t}
}

func TestLocateFindsBothReports(t *testing.T) {
	doc := &fakeDoc{pages: 5}
	scan, err := NewLocator(reportPages(1, 3)).Locate(doc)
	if err != nil {
		t.Fatal(err)
	}
	if scan.DR == nil || scan.DR.Page != 1 || scan.DR.Result != "No apparent DR" || scan.DR.Qualitative != "Image quality good" {
		t.Fatalf("unexpected dr %+v", scan.DR)
	}
	if scan.GL == nil || scan.GL.Page != 3 || scan.GL.VCDRRight != "VCDR RE: 0.45" || scan.GL.VCDRLeft != "VCDR LE: 0.50" || scan.GL.Qualitative != "" {
		t.Fatalf("unexpected gl %+v", scan.GL)
	}
	if doc.renders != 3 {
		t.Fatalf("expected scan to stop after page 3, rendered %d pages", doc.renders)
	}
}

func TestLocateNoReports(t *testing.T) {
	doc := &fakeDoc{pages: 2}
	scan, err := NewLocator(reportPages(0, 0)).Locate(doc)
	if err != nil {
		t.Fatal(err)
	}
	if scan.DR != nil || scan.GL != nil {
		t.Fatalf("expected no reports, got %+v", scan)
	}
}

func TestLocateSamePageBothKeywords(t *testing.T) {
	scan, err := NewLocator(reportPages(2, 2)).Locate(&fakeDoc{pages: 4})
	if err != nil {
		t.Fatal(err)
	}
	if scan.DR.Page != 2 || scan.GL.Page != 2 {
		t.Fatalf("unexpected pages %d %d", scan.DR.Page, scan.GL.Page)
	}
}

func TestCropClipsToImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	got := crop(img, image.Rect(50, 50, 500, 500))
	if got.Bounds() != image.Rect(50, 50, 100, 100) {
		t.Fatalf("unexpected bounds %v", got.Bounds())
	}
	if !crop(img, RegionDRQualitative).Bounds().Empty() {
		t.Fatal("expected empty crop outside the page")
	}
}

func TestCleanText(t *testing.T) {
	if got := CleanText("  a\n\nb \t c  "); got != "a b c" {
		t.Fatalf("got %q", got)
	}
}

// fakeSplitter records calls and writes a placeholder file.
type fakeSplitter struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (s *fakeSplitter) ExtractPage(_, dst string, page int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, filepath.Base(dst))
	for frag := range s.fail {
		if strings.Contains(dst, frag) {
			return errors.New("disk full")
		}
	}
	return os.WriteFile(dst, []byte("%PDF-1.4"), 0o600)
}

type runnerEnv struct {
	store   *repository.MemoryStore
	dirs    Dirs
	enc     model.Encounter
	okLog   string
	errLog  string
	success *auditlog.Log
	failure *auditlog.Log
}

func newRunnerEnv(t *testing.T, pdfName string, pages int) *runnerEnv {
	t.Helper()
	root := t.TempDir()
	e := &runnerEnv{
		store: repository.NewMemoryStore(),
		dirs: Dirs{
			PDFDir: filepath.Join(root, "pdfs"),
			DRDir:  filepath.Join(root, "dr_pdfs"),
			GLDir:  filepath.Join(root, "glaucoma_pdfs"),
		},
		okLog:  filepath.Join(root, "logs", "ok.txt"),
		errLog: filepath.Join(root, "logs", "err.txt"),
	}
	for _, d := range []string{e.dirs.PDFDir, e.dirs.DRDir, e.dirs.GLDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			t.Fatal(err)
		}
	}
	e.success = auditlog.New(e.okLog, zerolog.Nop())
	e.failure = auditlog.New(e.errLog, zerolog.Nop())

	rec := &model.IngestRecord{
		Archive: model.Archive{Filename: "scan.zip", ContentHash: "h"},
		Encounter: model.Encounter{
			Name: "Jane Doe", PatientID: "42", CaptureDate: "20250131",
			Files: []model.File{{Filename: pdfName, Type: model.FilePDF}},
		},
	}
	if err := e.store.CreateIngest(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	e.enc = rec.Encounter
	if pages > 0 {
		pdftest.Write(t, e.dirs.PDFDir, pdfName, pages)
	}
	return e
}

func (e *runnerEnv) runner(raster Rasterizer, rec Recognizer, sp Splitter) *Runner {
	return NewRunner(e.store, raster, NewLocator(rec), sp, e.dirs, e.success, e.failure, zerolog.Nop(), WithThrottle(0))
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, _ := os.ReadFile(p)
	return string(b)
}

func TestRunnerSplitsGlaucomaPageThree(t *testing.T) {
	e := newRunnerEnv(t, "42_Jane_Doe_20250131_report.pdf", 4)
	r := e.runner(fakeRaster{doc: &fakeDoc{pages: 4}}, reportPages(0, 3), pdfutil.NewSplitter())

	sum, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	_, gls := e.store.Reports()
	if len(gls) != 1 || gls[0].ReportFileName == nil {
		t.Fatalf("expected one glaucoma report with a split file, got %+v", gls)
	}
	want := "42_Jane_Doe_20250131_GL_Page3.pdf"
	if *gls[0].ReportFileName != want {
		t.Fatalf("report filename = %q, want %q", *gls[0].ReportFileName, want)
	}
	split := filepath.Join(e.dirs.GLDir, want)
	if n, err := pdfutil.PageCount(split); err != nil || n != 1 {
		t.Fatalf("expected a one page split, got %d (%v)", n, err)
	}
	if gls[0].Result != "Low risk" || *gls[0].VCDRRight != "VCDR RE: 0.45" || gls[0].QualitativeResult != nil {
		t.Fatalf("unexpected glaucoma fields %+v", gls[0])
	}
	if pending, _ := e.store.ListPendingPDFs(context.Background(), nil); len(pending) != 0 {
		t.Fatal("file should be marked processed")
	}
	if !strings.Contains(readFile(t, e.okLog), "SUCCESS 42_Jane_Doe_20250131_report.pdf | OCR and split pages completed (GL page 3)") {
		t.Fatalf("success log missing entry: %s", readFile(t, e.okLog))
	}
}

func TestRunnerSplitFailureIsIsolated(t *testing.T) {
	e := newRunnerEnv(t, "a.pdf", 3)
	sp := &fakeSplitter{fail: map[string]bool{"_DR_": true}}
	r := e.runner(fakeRaster{doc: &fakeDoc{pages: 3}}, reportPages(1, 2), sp)

	if _, err := r.Run(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	drs, gls := e.store.Reports()
	if len(drs) != 1 || drs[0].ReportFileName != nil {
		t.Fatalf("dr report should exist without a split file: %+v", drs)
	}
	if len(gls) != 1 || gls[0].ReportFileName == nil || *gls[0].ReportFileName != "42_Jane_Doe_20250131_GL_Page2.pdf" {
		t.Fatalf("glaucoma split should still succeed: %+v", gls)
	}
	if pending, _ := e.store.ListPendingPDFs(context.Background(), nil); len(pending) != 0 {
		t.Fatal("file should be marked processed despite the dr split failure")
	}
	if !strings.Contains(readFile(t, e.errLog), "Error saving DR report page 1: disk full") {
		t.Fatalf("error log missing split failure: %s", readFile(t, e.errLog))
	}
}

func TestRunnerRenderFailureLeavesFlag(t *testing.T) {
	e := newRunnerEnv(t, "a.pdf", 2)
	r := e.runner(fakeRaster{doc: &fakeDoc{pages: 2, failPage: 1}}, reportPages(1, 2), &fakeSplitter{})

	sum, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Failed != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if pending, _ := e.store.ListPendingPDFs(context.Background(), nil); len(pending) != 1 {
		t.Fatal("render failure must leave the file pending")
	}
}

func TestRunnerReportsAreScopedToEncounter(t *testing.T) {
	e := newRunnerEnv(t, "a.pdf", 1)
	ctx := context.Background()
	pending, _ := e.store.ListPendingPDFs(ctx, nil)
	if err := e.store.SaveReports(ctx, pending[0].File.ID, &model.DRReport{EncounterID: e.enc.ID, Result: "x"}, nil); err != nil {
		t.Fatal(err)
	}
	other := &model.IngestRecord{
		Archive:   model.Archive{Filename: "b.zip", ContentHash: "h2"},
		Encounter: model.Encounter{PatientID: "42", Files: []model.File{{Filename: "b.pdf", Type: model.FilePDF}}},
	}
	if err := e.store.CreateIngest(ctx, other); err != nil {
		t.Fatal(err)
	}
	pdftest.Write(t, e.dirs.PDFDir, "b.pdf", 1)

	r := e.runner(fakeRaster{doc: &fakeDoc{pages: 1}}, reportPages(1, 1), &fakeSplitter{})
	sum, err := r.Run(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 1 || sum.Skipped != 0 {
		t.Fatalf("another encounter's reports must not block OCR, got %+v", sum)
	}
}

func TestRunnerDuplicateReportGuard(t *testing.T) {
	e := newRunnerEnv(t, "a.pdf", 1)
	ctx := context.Background()
	// A second pdf of the same encounter arrives after reports were saved.
	extra := &model.IngestRecord{
		Archive:   model.Archive{Filename: "c.zip", ContentHash: "h3"},
		Encounter: model.Encounter{PatientID: "42", Files: []model.File{{Filename: "c.pdf", Type: model.FilePDF}}},
	}
	if err := e.store.CreateIngest(ctx, extra); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SaveReports(ctx, extra.Encounter.Files[0].ID, nil, &model.GlaucomaReport{EncounterID: e.enc.ID}); err != nil {
		t.Fatal(err)
	}

	rec := reportPages(1, 1)
	r := e.runner(fakeRaster{doc: &fakeDoc{pages: 1}}, rec, &fakeSplitter{})
	sum, err := r.Run(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 || rec.calls != 0 {
		t.Fatalf("expected skip without OCR, got %+v after %d calls", sum, rec.calls)
	}
	if pending, _ := e.store.ListPendingPDFs(ctx, nil); len(pending) != 0 {
		t.Fatal("skipped file should be marked processed")
	}
	if !strings.Contains(readFile(t, e.errLog), "Reports for patient ID 42 already exist. Skipping OCR") {
		t.Fatalf("error log missing skip: %s", readFile(t, e.errLog))
	}
}

func TestRunnerScopedAndMissingFiles(t *testing.T) {
	e := newRunnerEnv(t, "missing.pdf", 0)
	r := e.runner(fakeRaster{doc: &fakeDoc{pages: 1}}, reportPages(1, 0), &fakeSplitter{})

	sum, _ := r.Run(context.Background(), []string{"other.pdf"})
	if sum != (Summary{}) {
		t.Fatalf("scoped run should touch nothing, got %+v", sum)
	}
	sum, _ = r.Run(context.Background(), nil)
	if sum.Skipped != 1 {
		t.Fatalf("missing file should be skipped, got %+v", sum)
	}
	if !strings.Contains(readFile(t, e.errLog), "ERROR missing.pdf | PDF file missing on disk; skipping") {
		t.Fatalf("error log missing entry: %s", readFile(t, e.errLog))
	}
	if !strings.Contains(readFile(t, e.okLog), "(workflow) | PDF OCR processing workflow finished.") {
		t.Fatal("workflow line missing")
	}
}

func TestRunnerCancelledBetweenFiles(t *testing.T) {
	e := newRunnerEnv(t, "a.pdf", 1)
	second := &model.IngestRecord{
		Archive:   model.Archive{Filename: "b.zip", ContentHash: "h2"},
		Encounter: model.Encounter{PatientID: "7", Files: []model.File{{Filename: "b.pdf", Type: model.FilePDF}}},
	}
	if err := e.store.CreateIngest(context.Background(), second); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(e.store, fakeRaster{doc: &fakeDoc{pages: 1}}, NewLocator(reportPages(0, 0)), &fakeSplitter{}, e.dirs, e.success, e.failure, zerolog.Nop())
	sum, err := r.Run(ctx, nil)
	if !errors.Is(err, context.Canceled) || sum.Processed != 1 {
		t.Fatalf("expected cancellation after first file, got %+v %v", sum, err)
	}
}

func TestRunnerLogsUnreadableField(t *testing.T) {
	e := newRunnerEnv(t, "a.pdf", 3)
	rec := reportPages(0, 3)
	rec.fail = map[regionKey]error{{3, RegionGLVCDRRight}: errors.New("tesseract: empty page")}
	r := e.runner(fakeRaster{doc: &fakeDoc{pages: 3}}, rec, &fakeSplitter{})

	sum, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Processed != 1 {
		t.Fatalf("report should still be recorded: %+v", sum)
	}
	_, gls := e.store.Reports()
	if len(gls) != 1 || gls[0].VCDRRight != nil || *gls[0].VCDRLeft != "VCDR LE: 0.50" {
		t.Fatalf("unexpected glaucoma report %+v", gls)
	}
	want := "ERROR a.pdf | OCR could not read glaucoma right eye VCDR on page 3: tesseract: empty page"
	if !strings.Contains(readFile(t, e.errLog), want) {
		t.Fatalf("error log missing field failure: %s", readFile(t, e.errLog))
	}
}
