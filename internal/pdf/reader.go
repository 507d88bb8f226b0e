package pdfutil

import (
	"bytes"
	"fmt"
	"os"

	pdf "github.com/ledongthuc/pdf"
)

// PageCount opens the PDF at path and returns its number of pages.
func PageCount(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pdf: %w", err)
	}
	return PageCountBytes(data)
}

// PageCountBytes parses PDF bytes with ledongthuc/pdf and counts pages.
func PageCountBytes(data []byte) (n int, err error) {
	// The parser panics on some malformed xref tables.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("new pdf reader: %w", err)
	}
	return doc.NumPage(), nil
}
