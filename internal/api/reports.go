package api

import (
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dharsanguruparan/retina-intake/internal/model"
	"github.com/dharsanguruparan/retina-intake/internal/signing"
)

// LinkResponse points at a split report download.
type LinkResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// reportPath resolves a kind and filename to a file under the split report
// roots. Anything that is not a plain filename is refused.
func (s *Server) reportPath(c echo.Context) (kind, name, path string, err error) {
	kind = c.Param("kind")
	name, uerr := url.PathUnescape(c.Param("filename"))
	if uerr != nil || name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", "", "", echo.NewHTTPError(http.StatusBadRequest, "invalid report name")
	}
	var dir string
	switch kind {
	case model.ReportDR:
		dir = s.cfg.DRPDFDir
	case model.ReportGlaucoma:
		dir = s.cfg.GlaucomaPDFDir
	default:
		return "", "", "", echo.NewHTTPError(http.StatusNotFound, "unknown report kind")
	}
	return kind, name, filepath.Join(dir, name), nil
}

func (s *Server) handleReportLink(c echo.Context) error {
	kind, name, path, err := s.reportPath(c)
	if err != nil {
		return err
	}
	ttl := s.cfg.SignedURLTTL
	if s.deps.Presigner != nil {
		u, err := s.deps.Presigner.PresignReportURL(c.Request().Context(), kind, name, ttl)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, LinkResponse{URL: u, ExpiresAt: time.Now().Add(ttl).UTC()})
	}
	if _, err := os.Stat(path); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	link, exp := s.deps.Signer.SignURL("/reports/"+kind+"/"+url.PathEscape(name), kind+"/"+name)
	return c.JSON(http.StatusOK, LinkResponse{URL: link, ExpiresAt: exp.UTC()})
}

func (s *Server) handleReportDownload(c echo.Context) error {
	kind, name, path, err := s.reportPath(c)
	if err != nil {
		return err
	}
	if !s.deps.Signer.Validate(kind+"/"+name, c.QueryParam(signing.ParamExpires), c.QueryParam(signing.ParamSignature)) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid or expired link")
	}
	if _, err := os.Stat(path); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/pdf")
	return c.Inline(path, name)
}
