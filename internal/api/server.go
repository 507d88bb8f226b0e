// Package api exposes the HTTP surface of the intake service: archive
// uploads, job polling, the security incident report and split report links.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/dharsanguruparan/retina-intake/internal/config"
	"github.com/dharsanguruparan/retina-intake/internal/queue"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
	"github.com/dharsanguruparan/retina-intake/internal/signing"
)

// Presigner returns object storage links for split reports.
type Presigner interface {
	PresignReportURL(ctx context.Context, kind, filename string, ttl time.Duration) (string, error)
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Jobs       repository.JobStore
	Dispatcher queue.Dispatcher
	Signer     *signing.Signer
	// Presigner is optional; without it report links are signed locally.
	Presigner Presigner
	Logger    zerolog.Logger
}

// Server exposes HTTP endpoints for uploads and job visibility.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger zerolog.Logger
	echo   *echo.Echo
}

// New constructs a Server and registers its routes.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With().Str("component", "api").Logger(),
	}
	s.echo = s.routes()
	return s
}

// Handler returns the routed echo instance.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(requestID())
	e.Use(recovery(s.logger))
	e.Use(requestLogger(s.logger))

	e.GET("/healthz", s.handleHealth)
	// Signed links carry their own authorization.
	e.GET("/reports/:kind/:filename", s.handleReportDownload)

	auth := e.Group("", s.identity())
	auth.POST("/uploads", s.handleUpload, requireRole(s.authEnabled(), roleAdmin, roleUploader))
	auth.GET("/jobs", s.handleListJobs)
	auth.GET("/jobs/:token", s.handleGetJob)
	auth.GET("/reports/:kind/:filename/link", s.handleReportLink)
	auth.GET("/admin/incidents", s.handleIncidents, requireRole(s.authEnabled(), roleAdmin))
	return e
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutdownCtx)
	}()
	s.logger.Info().Str("address", s.cfg.Address).Msg("api listening")
	if err := s.echo.Start(s.cfg.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// errorHandler renders every error as {"error": "..."}.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := http.StatusInternalServerError, "internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}
