package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/labstack/echo/v4"

	"github.com/dharsanguruparan/retina-intake/internal/auditlog"
	"github.com/dharsanguruparan/retina-intake/internal/model"
)

// UploadResponse is returned when at least one archive was queued.
type UploadResponse struct {
	Token     string   `json:"token"`
	Message   string   `json:"message"`
	Queued    []string `json:"queued"`
	Rejected  []string `json:"rejected"`
	StatusURL string   `json:"statusUrl"`
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeFilename reduces a client supplied name to a plain basename.
func safeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = filepath.Base(name)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	return strings.Trim(name, "._")
}

func (s *Server) handleUpload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expecting multipart form")
	}
	files := form.File["files"]
	if len(files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "No files uploaded.")
	}
	if len(files) > s.cfg.MaxFilesPerUpload {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Too many files. Max allowed is %d.", s.cfg.MaxFilesPerUpload))
	}

	id := identityOf(c)
	up := model.Uploader{
		UserID:    id.UserID,
		Username:  id.Username,
		IP:        c.RealIP(),
		UserAgent: c.Request().UserAgent(),
	}

	var (
		names    []string
		paths    []string
		rejected = []string{}
	)
	for _, fh := range files {
		path, reason := s.saveUpload(fh)
		if reason != "" {
			rejected = append(rejected, reason)
			continue
		}
		saved := filepath.Base(path)
		s.writeSidecar(saved, up)
		names = append(names, saved)
		paths = append(paths, path)
	}
	if len(paths) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]any{
			"error":    "All files were rejected (not ZIP or too large).",
			"rejected": rejected,
		})
	}

	ctx := c.Request().Context()
	token, err := s.deps.Jobs.CreateJob(ctx, names, rejected, up)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if err := s.deps.Dispatcher.Dispatch(ctx, token, paths); err != nil {
		s.logger.Error().Err(err).Str("job", token).Msg("dispatch job")
		msg := "failed to queue job"
		_ = s.deps.Jobs.SetJobStatus(ctx, token, model.StatusError, &msg)
		return echo.NewHTTPError(http.StatusServiceUnavailable, msg)
	}
	s.logger.Info().Str("job", token).Int("queued", len(paths)).Int("rejected", len(rejected)).Str("user", up.Username).Msg("upload queued")

	return c.JSON(http.StatusAccepted, UploadResponse{
		Token:     token,
		Message:   fmt.Sprintf("Queued %d file(s) for processing. Rejected: %d", len(paths), len(rejected)),
		Queued:    names,
		Rejected:  rejected,
		StatusURL: "/jobs/" + token,
	})
}

// saveUpload checks one part and stores it in the inbox. It returns either
// the saved path or a rejection reason.
func (s *Server) saveUpload(fh *multipart.FileHeader) (string, string) {
	raw := strings.TrimSpace(fh.Filename)
	switch {
	case raw == "":
		return "", "(empty filename)"
	case strings.HasPrefix(filepath.Base(raw), "._"):
		return "", raw + " (resource-fork file)"
	case !strings.EqualFold(filepath.Ext(raw), ".zip"):
		return "", raw + " (not a .zip)"
	case fh.Size > s.cfg.PerFileMaxBytes:
		return "", fmt.Sprintf("%s (> %d MB)", raw, s.cfg.PerFileMaxBytes>>20)
	}
	name := safeFilename(raw)
	if name == "" || !strings.EqualFold(filepath.Ext(name), ".zip") {
		return "", raw + " (not a .zip)"
	}

	src, err := fh.Open()
	if err != nil {
		return "", fmt.Sprintf("%s (save failed: %v)", raw, err)
	}
	defer src.Close()
	mt, err := mimetype.DetectReader(src)
	if err != nil || !isZip(mt) {
		return "", raw + " (not a zip archive)"
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Sprintf("%s (save failed: %v)", raw, err)
	}

	dst, path, err := createUnique(s.cfg.UploadDir, name)
	if err != nil {
		return "", fmt.Sprintf("%s (save failed: %v)", raw, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(path)
		return "", fmt.Sprintf("%s (save failed: %v)", raw, err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Sprintf("%s (save failed: %v)", raw, err)
	}
	return path, ""
}

func isZip(mt *mimetype.MIME) bool {
	for ; mt != nil; mt = mt.Parent() {
		if mt.Is("application/zip") {
			return true
		}
	}
	return false
}

// createUnique opens dir/name exclusively, falling back to "stem (N).ext".
func createUnique(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", err
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
}

func (s *Server) writeSidecar(saved string, up model.Uploader) {
	meta := auditlog.UploadMeta{
		Filename:         saved,
		UploadedAt:       time.Now().UTC().Format("2006-01-02T15:04:05.000000Z"),
		UploaderUsername: orDash(up.Username),
		UploaderID:       up.UserID,
		IP:               orDash(up.IP),
		UserAgent:        orDash(up.UserAgent),
	}
	if err := auditlog.WriteSidecar(s.cfg.UploadMetaDir, saved, meta); err != nil {
		s.logger.Warn().Err(err).Str("archive", saved).Msg("write upload metadata")
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
