package ingest

import (
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

var dupSuffixRe = regexp.MustCompile(`\s\(\d+\)`)

// CleanFilename strips OS duplicate decorations such as " (1)".
func CleanFilename(name string) string {
	return dupSuffixRe.ReplaceAllString(name, "")
}

// Capture date layouts, tried in order. Go layouts accept unpadded day and
// month numbers, matching strptime.
var captureDateLayouts = []string{
	"2006-1-2",
	"2006/1/2",
	"2-1-2006",
	"2/1/2006",
	"1/2/2006",
	"1-2-2006",
	"20060102",
}

// ParseCaptureDate returns the first layout match, or nil.
func ParseCaptureDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range captureDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// Folder is the parsed Name_PatientID_CaptureDate directory.
type Folder struct {
	Path        string
	Name        string
	PatientID   string
	CaptureDate string
}

// SlugName is the name with spaces replaced by underscores.
func (f Folder) SlugName() string {
	return strings.ReplaceAll(f.Name, " ", "_")
}

// MemberFilename builds the stored filename for a member at rel (its path
// below the canonical folder).
func (f Folder) MemberFilename(rel string) string {
	return f.PatientID + "_" + f.SlugName() + "_" + f.CaptureDate + "_" + strings.ReplaceAll(rel, "/", "_")
}

// ParseFolderName splits a directory name into name, patient id and date.
func ParseFolderName(dir string) (Folder, bool) {
	base := path.Base(strings.TrimRight(dir, "/"))
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return Folder{}, false
	}
	return Folder{
		Path:        dir,
		Name:        strings.Join(parts[:len(parts)-2], " "),
		PatientID:   parts[len(parts)-2],
		CaptureDate: parts[len(parts)-1],
	}, true
}

// FindCanonicalFolder returns the first directory prefix, shallowest first
// within each member's parent and lexically across parents, whose last
// component has at least three underscore separated parts.
func FindCanonicalFolder(names []string) (Folder, bool) {
	parents := map[string]struct{}{}
	for _, n := range names {
		if isNoise(n) {
			continue
		}
		dir := path.Dir(strings.TrimRight(n, "/"))
		if strings.HasSuffix(n, "/") {
			dir = strings.TrimRight(n, "/")
		}
		if dir == "." || dir == "" {
			continue
		}
		parents[dir] = struct{}{}
	}
	sorted := make([]string, 0, len(parents))
	for d := range parents {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	for _, d := range sorted {
		parts := strings.Split(d, "/")
		for i := range parts {
			if f, ok := ParseFolderName(strings.Join(parts[:i+1], "/")); ok {
				return f, true
			}
		}
	}
	return Folder{}, false
}

// isNoise reports OS metadata entries that are skipped everywhere.
func isNoise(name string) bool {
	return strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._")
}
