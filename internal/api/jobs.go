package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dharsanguruparan/retina-intake/internal/auditlog"
	"github.com/dharsanguruparan/retina-intake/internal/repository"
)

const jobListLimit = 100

func (s *Server) handleListJobs(c echo.Context) error {
	jobs, err := s.deps.Jobs.ListJobs(c.Request().Context(), jobListLimit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(c echo.Context) error {
	job, err := s.deps.Jobs.GetJob(c.Request().Context(), c.Param("token"))
	if errors.Is(err, repository.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleIncidents(c echo.Context) error {
	report, err := auditlog.ReadIncidentReport(s.cfg.MaliciousLog)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}
