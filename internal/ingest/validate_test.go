package ingest

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

var (
	jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}
	pdfBytes  = []byte("%PDF-1.4\n%fake report\n")
	exeBytes  = []byte("MZ\x90\x00\x03\x00\x00\x00")
)

type entry struct {
	name string
	data []byte
}

func zipBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("create %s: %v", e.name, err)
		}
		if e.data != nil {
			if _, err := w.Write(e.data); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func writeZip(t *testing.T, dir, name string, entries []entry) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, zipBytes(t, entries), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func readerFor(t *testing.T, entries []entry) *zip.Reader {
	t.Helper()
	b := zipBytes(t, entries)
	zr, err := zip.NewReader(bytes.NewReader(b), int64(len(b)))
	if err != nil {
		t.Fatal(err)
	}
	return zr
}

func validEntries() []entry {
	return []entry{
		{"Rihanna_17116353_31-01-2025/", nil},
		{"Rihanna_17116353_31-01-2025/img1.jpg", jpegBytes},
		{"Rihanna_17116353_31-01-2025/img2.JPEG", jpegBytes},
		{"Rihanna_17116353_31-01-2025/report.pdf", pdfBytes},
	}
}

func TestValidateAcceptsCleanArchive(t *testing.T) {
	entries := append(validEntries(),
		entry{"__MACOSX/Rihanna_17116353_31-01-2025/._img1.jpg", []byte("junk")},
		entry{"Rihanna_17116353_31-01-2025/._report.pdf", []byte("junk")},
	)
	if err := Validate(readerFor(t, entries)); err != nil {
		t.Fatalf("expected valid archive, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name     string
		entry    entry
		reason   string
		detected string
	}{
		{"parent traversal", entry{"../../etc/passwd", []byte("root")}, ReasonPathTraversal, ""},
		{"absolute", entry{"/etc/passwd", []byte("root")}, ReasonPathTraversal, ""},
		{"backslash traversal", entry{`Dir_1_2025\..\..\evil.pdf`, pdfBytes}, ReasonPathTraversal, ""},
		{"hidden traversal", entry{"../._x.jpg", jpegBytes}, ReasonPathTraversal, ""},
		{"disallowed", entry{"Rihanna_17116353_31-01-2025/run.exe", exeBytes}, ReasonDisallowedFile, ""},
		{"no extension", entry{"Rihanna_17116353_31-01-2025/README", []byte("hi")}, ReasonDisallowedFile, ""},
		{"pe disguised as pdf", entry{"Rihanna_17116353_31-01-2025/report2.pdf", exeBytes}, ReasonTypeMismatch, "pe"},
		{"pdf disguised as jpg", entry{"Rihanna_17116353_31-01-2025/img3.jpg", pdfBytes}, ReasonTypeMismatch, "pdf"},
		{"empty jpg", entry{"Rihanna_17116353_31-01-2025/img4.jpg", nil}, ReasonTypeMismatch, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(readerFor(t, append(validEntries(), tc.entry)))
			var ie *Error
			if !errors.As(err, &ie) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if ie.Kind != KindMalicious || ie.Reason != tc.reason || ie.Entry != tc.entry.name {
				t.Fatalf("unexpected error %+v", ie)
			}
			if tc.detected != "" && ie.Detected != tc.detected {
				t.Fatalf("detected = %q, want %q", ie.Detected, tc.detected)
			}
		})
	}
}
