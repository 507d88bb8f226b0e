// Package ocr locates diabetic retinopathy and glaucoma report pages inside
// screening PDFs and reads their result fields from fixed page regions.
package ocr

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/otiai10/gosseract/v2"
)

// Document is an opened PDF whose pages can be rendered.
type Document interface {
	NumPage() int
	// RenderPage renders the zero-based page index.
	RenderPage(index int) (image.Image, error)
	Close() error
}

// Rasterizer opens PDFs for rendering.
type Rasterizer interface {
	Open(path string) (Document, error)
}

// Recognizer turns an image into text.
type Recognizer interface {
	Text(img image.Image) (string, error)
}

// FitzRasterizer renders pages with MuPDF.
type FitzRasterizer struct {
	DPI float64
}

// Open implements Rasterizer.
func (r FitzRasterizer) Open(path string) (Document, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	dpi := r.DPI
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &fitzDocument{doc: doc, dpi: dpi}, nil
}

type fitzDocument struct {
	doc *fitz.Document
	dpi float64
}

func (d *fitzDocument) NumPage() int { return d.doc.NumPage() }

func (d *fitzDocument) RenderPage(index int) (image.Image, error) {
	img, err := d.doc.ImageDPI(index, d.dpi)
	if err != nil {
		return nil, fmt.Errorf("render page %d: %w", index+1, err)
	}
	return img, nil
}

func (d *fitzDocument) Close() error { return d.doc.Close() }

// TesseractRecognizer runs Tesseract on PNG-encoded crops. A client is
// created per call because gosseract clients are not safe for concurrent use.
type TesseractRecognizer struct {
	Language string
}

// Text implements Recognizer.
func (r TesseractRecognizer) Text(img image.Image) (string, error) {
	if img.Bounds().Empty() {
		return "", nil
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode crop: %w", err)
	}

	client := gosseract.NewClient()
	defer client.Close()
	if r.Language != "" {
		if err := client.SetLanguage(r.Language); err != nil {
			return "", fmt.Errorf("set language: %w", err)
		}
	}
	if err := client.SetImageFromBytes(buf.Bytes()); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return text, nil
}

// crop returns the part of img inside r, clipped to the image bounds.
func crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Add(img.Bounds().Min).Intersect(img.Bounds())
	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// CleanText collapses all whitespace runs to single spaces.
func CleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
