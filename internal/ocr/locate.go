package ocr

import (
	"fmt"
	"image"
	"strings"
)

// DefaultDPI is the resolution the region map below was measured at.
const DefaultDPI = 300

// Pixel regions on a page rendered at DefaultDPI.
var (
	RegionDRHeading     = image.Rect(0, 200, 1200, 400)
	RegionDRResult      = image.Rect(350, 650, 2000, 800)
	RegionDRQualitative = image.Rect(50, 3100, 1600, 3200)

	RegionGLHeading     = image.Rect(0, 400, 1200, 600)
	RegionGLResult      = image.Rect(0, 1550, 2000, 1650)
	RegionGLVCDRRight   = image.Rect(0, 1300, 1000, 1500)
	RegionGLVCDRLeft    = image.Rect(1300, 1300, 2200, 1500)
	RegionGLQualitative = image.Rect(50, 3100, 1700, 3200)
)

const (
	keywordDiabetic = "diabetic"
	keywordGlaucoma = "glaucoma"
)

// DRFields is the raw OCR text of a diabetic retinopathy report page.
type DRFields struct {
	Page        int
	Result      string
	Qualitative string
}

// GLFields is the raw OCR text of a glaucoma report page.
type GLFields struct {
	Page        int
	Result      string
	VCDRRight   string
	VCDRLeft    string
	Qualitative string
}

// FieldError records a field region that could not be recognized on a
// report page that was otherwise located.
type FieldError struct {
	Page  int
	Field string
	Err   error
}

func (e FieldError) Error() string {
	return fmt.Sprintf("could not read %s on page %d: %v", e.Field, e.Page, e.Err)
}

// Scan is what Locate found. Either report may be nil. Unread lists fields
// left empty because recognition failed.
type Scan struct {
	DR     *DRFields
	GL     *GLFields
	Unread []FieldError
}

// Locator finds report pages and reads their fields.
type Locator struct {
	rec Recognizer
}

// NewLocator returns a Locator using rec for all text recognition.
func NewLocator(rec Recognizer) *Locator {
	return &Locator{rec: rec}
}

// Locate renders pages in order and checks the heading regions. The first
// page matching each keyword wins and its fields are read from the same
// render. Scanning stops once both reports are found. Errors are returned
// only when a page cannot be rendered or recognized.
func (l *Locator) Locate(doc Document) (*Scan, error) {
	scan := &Scan{}
	for i := 0; i < doc.NumPage(); i++ {
		if scan.DR != nil && scan.GL != nil {
			break
		}
		img, err := doc.RenderPage(i)
		if err != nil {
			return nil, err
		}
		page := i + 1

		if scan.DR == nil {
			ok, err := l.matches(img, RegionDRHeading, keywordDiabetic)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", page, err)
			}
			if ok {
				scan.DR = l.readDR(scan, img, page)
			}
		}
		if scan.GL == nil {
			ok, err := l.matches(img, RegionGLHeading, keywordGlaucoma)
			if err != nil {
				return nil, fmt.Errorf("page %d: %w", page, err)
			}
			if ok {
				scan.GL = l.readGL(scan, img, page)
			}
		}
	}
	return scan, nil
}

func (l *Locator) matches(img image.Image, region image.Rectangle, keyword string) (bool, error) {
	text, err := l.rec.Text(crop(img, region))
	if err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(text), keyword), nil
}

// field reads one region. A recognition failure on a field leaves it empty
// and is noted on the scan; the page was already identified, so the report
// is still recorded.
func (l *Locator) field(scan *Scan, img image.Image, page int, name string, region image.Rectangle) string {
	text, err := l.rec.Text(crop(img, region))
	if err != nil {
		scan.Unread = append(scan.Unread, FieldError{Page: page, Field: name, Err: err})
		return ""
	}
	return CleanText(text)
}

func (l *Locator) readDR(scan *Scan, img image.Image, page int) *DRFields {
	return &DRFields{
		Page:        page,
		Result:      l.field(scan, img, page, "DR result", RegionDRResult),
		Qualitative: l.field(scan, img, page, "DR remarks", RegionDRQualitative),
	}
}

func (l *Locator) readGL(scan *Scan, img image.Image, page int) *GLFields {
	return &GLFields{
		Page:        page,
		Result:      l.field(scan, img, page, "glaucoma result", RegionGLResult),
		VCDRRight:   l.field(scan, img, page, "glaucoma right eye VCDR", RegionGLVCDRRight),
		VCDRLeft:    l.field(scan, img, page, "glaucoma left eye VCDR", RegionGLVCDRLeft),
		Qualitative: l.field(scan, img, page, "glaucoma remarks", RegionGLQualitative),
	}
}
