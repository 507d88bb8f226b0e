package ingest

import (
	"path"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/dharsanguruparan/retina-intake/internal/sniff"
)

// allowedKinds maps each permitted extension to the signature it must carry.
var allowedKinds = map[string]sniff.Kind{
	".pdf":  sniff.PDF,
	".jpg":  sniff.JPG,
	".jpeg": sniff.JPG,
}

// Validate checks every entry of the archive before anything is extracted.
// The first offending entry aborts with a KindMalicious *Error. Directories
// and OS metadata noise are skipped, though noise names still get the path
// check.
func Validate(zr *zip.Reader) error {
	for _, f := range zr.File {
		name := f.Name
		if f.FileInfo().IsDir() || strings.HasSuffix(name, "/") {
			continue
		}
		if unsafePath(name) {
			return &Error{
				Kind:   KindMalicious,
				Reason: ReasonPathTraversal,
				Entry:  name,
				Msg:    "path traversal or absolute path detected",
			}
		}
		if isNoise(name) {
			continue
		}
		ext := strings.ToLower(path.Ext(name))
		want, ok := allowedKinds[ext]
		if !ok {
			return &Error{
				Kind:   KindMalicious,
				Reason: ReasonDisallowedFile,
				Entry:  name,
				Msg:    "disallowed file type",
			}
		}
		if got := sniffEntry(f); got != want {
			return &Error{
				Kind:     KindMalicious,
				Reason:   ReasonTypeMismatch,
				Entry:    name,
				Expected: string(want),
				Detected: string(got),
				Msg:      "type mismatch: expected " + string(want) + ", detected " + string(got),
			}
		}
	}
	return nil
}

func sniffEntry(f *zip.File) sniff.Kind {
	rc, err := f.Open()
	if err != nil {
		return sniff.Unknown
	}
	defer rc.Close()
	return sniff.Reader(rc)
}

// unsafePath rejects absolute names, drive letters and any ".." segment.
// Backslashes count as separators since some archivers emit them.
func unsafePath(name string) bool {
	norm := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(norm, "/") {
		return true
	}
	if len(norm) >= 2 && norm[1] == ':' {
		return true
	}
	for _, part := range strings.Split(norm, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}
