package pdfutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/dharsanguruparan/retina-intake/internal/pdf/pdftest"
)

func writePDF(t *testing.T, pages int) string {
	t.Helper()
	return pdftest.Write(t, t.TempDir(), "source.pdf", pages)
}

func TestPageCount(t *testing.T) {
	n, err := PageCount(writePDF(t, 4))
	if err != nil {
		t.Fatalf("page count: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 pages, got %d", n)
	}
	if _, err := PageCountBytes([]byte("not a pdf")); err == nil {
		t.Fatal("expected error for garbage input")
	}
}

func TestExtractPage(t *testing.T) {
	src := writePDF(t, 4)
	dst := filepath.Join(t.TempDir(), "gl", "42_Jane_Doe_20250131_GL_Page3.pdf")

	if err := NewSplitter().ExtractPage(src, dst, 3); err != nil {
		t.Fatalf("extract: %v", err)
	}
	n, err := PageCount(dst)
	if err != nil || n != 1 {
		t.Fatalf("expected one page, got %d (%v)", n, err)
	}
	dims, err := api.PageDimsFile(dst)
	if err != nil {
		t.Fatalf("page dims: %v", err)
	}
	if len(dims) != 1 || dims[0].Width != pdftest.PageWidth(3) {
		t.Fatalf("expected page 3 (width 630), got %+v", dims)
	}
	if _, err := os.Stat(dst + ".part"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}
}

func TestExtractPageOutOfRange(t *testing.T) {
	src := writePDF(t, 2)
	dst := filepath.Join(t.TempDir(), "out.pdf")
	if err := NewSplitter().ExtractPage(src, dst, 0); err == nil {
		t.Fatal("expected error for page 0")
	}
	if err := NewSplitter().ExtractPage(src, dst, 9); err == nil {
		t.Fatal("expected error for missing page")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatal("no output expected on failure")
	}
}
