// Package pdfutil extracts single report pages into standalone PDFs and reads
// page counts.
package pdfutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

func init() {
	// Keep pdfcpu from creating a config directory under $HOME.
	api.DisableConfigDir()
}

// Splitter writes one page of a PDF to a new document.
type Splitter struct {
	conf *model.Configuration
}

// NewSplitter returns a Splitter with relaxed validation, since scanner
// exports are rarely strictly conformant.
func NewSplitter() *Splitter {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	// Classic xref tables keep the output readable by simpler parsers.
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false
	return &Splitter{conf: conf}
}

// ExtractPage writes page (1-based) of src to dst. The output is checked to
// hold exactly one page before it is moved into place.
func (s *Splitter) ExtractPage(src, dst string, page int) error {
	if page < 1 {
		return fmt.Errorf("invalid page %d", page)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp := dst + ".part"
	defer os.Remove(tmp)

	if err := api.TrimFile(src, tmp, []string{strconv.Itoa(page)}, s.conf); err != nil {
		return fmt.Errorf("extract page %d of %s: %w", page, filepath.Base(src), err)
	}
	n, err := PageCount(tmp)
	if err != nil {
		return fmt.Errorf("verify split: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("split of page %d produced %d pages", page, n)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("save split: %w", err)
	}
	return nil
}
