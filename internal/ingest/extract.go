package ingest

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/dharsanguruparan/retina-intake/internal/model"
)

// Roots are the destination directories for extracted members.
type Roots struct {
	ImageDir string
	PDFDir   string
}

// Extraction is the output of Extract.
type Extraction struct {
	Folder  Folder
	Files   []model.File
	PDFs    []string
	written []string
}

// Cleanup removes every file this extraction created. Files that already
// existed are never recorded, so another encounter's output is left alone.
func (x *Extraction) Cleanup() {
	for _, p := range x.written {
		_ = os.Remove(p)
	}
	x.written = nil
}

// Extract copies every member under the canonical folder into the image or
// pdf root using the canonical filename, suffixed _N when that name is
// already taken. On error all copied files are removed. The reader must already have passed Validate.
func Extract(zr *zip.Reader, roots Roots) (*Extraction, error) {
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	folder, ok := FindCanonicalFolder(names)
	if !ok {
		return nil, structural("extract", ErrNoCanonicalFolder)
	}

	x := &Extraction{Folder: folder}
	prefix := folder.Path + "/"
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") || isNoise(f.Name) {
			continue
		}
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		rel := strings.TrimPrefix(f.Name, prefix)

		var (
			dir      string
			fileType model.FileType
		)
		switch strings.ToLower(path.Ext(rel)) {
		case ".jpg", ".jpeg":
			dir, fileType = roots.ImageDir, model.FileImage
		case ".pdf":
			dir, fileType = roots.PDFDir, model.FilePDF
		default:
			continue
		}

		newName, err := copyMember(f, dir, folder.MemberFilename(rel))
		if err != nil {
			x.Cleanup()
			return nil, structural("extract "+f.Name, err)
		}
		x.written = append(x.written, filepath.Join(dir, newName))
		x.Files = append(x.Files, model.File{
			UUID:     uuid.NewString(),
			Filename: newName,
			Type:     fileType,
		})
		if fileType == model.FilePDF {
			x.PDFs = append(x.PDFs, newName)
		}
	}
	return x, nil
}

// maxNameAttempts bounds the search for a free name when a member's canonical
// filename is already taken.
const maxNameAttempts = 100

// copyMember streams one member into dir under name, or under name_N when an
// earlier archive already owns that filename. It returns the name it created;
// on failure nothing is left behind. Both handles are closed before it returns.
func copyMember(f *zip.File, dir, name string) (string, error) {
	src, err := f.Open()
	if err != nil {
		return "", fmt.Errorf("open member: %w", err)
	}
	defer src.Close()

	dst, created, err := createExclusive(dir, name)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, created)
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(target)
		return "", fmt.Errorf("copy to %s: %w", target, err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("close %s: %w", target, err)
	}
	return created, nil
}

func createExclusive(dir, name string) (*os.File, string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 2; i <= maxNameAttempts+1; i++ {
		dst, err := os.OpenFile(filepath.Join(dir, candidate), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			return dst, candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("create %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
	}
	return nil, "", fmt.Errorf("create %s: no free name after %d attempts", name, maxNameAttempts)
}
