package report

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chartaudit/chartaudit/pkg/pagination"
)

// Enqueuer schedules a pipeline run for a report. The asynq-backed queue
// implements it; tests use a recording stub.
type Enqueuer interface {
	EnqueueReport(ctx context.Context, encounterID, reportID uuid.UUID) error
}

type Handler struct {
	svc      *Service
	enqueuer Enqueuer
}

func NewHandler(svc *Service, enqueuer Enqueuer) *Handler {
	return &Handler{svc: svc, enqueuer: enqueuer}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/reports", h.ListReports)
	g.GET("/reports/:id", h.GetReport)
	g.GET("/reports/:id/status", h.GetReportStatus)
	g.POST("/reports/:id/retry", h.RetryReport)
}

// ListReports handles GET /reports.
func (h *Handler) ListReports(c echo.Context) error {
	p := pagination.FromContext(c)
	reports, total, err := h.svc.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(reports, total, p.Limit, p.Offset))
}

// GetReport handles GET /reports/:id. The full result is only served once
// the report is COMPLETE; earlier requests get a 409 pointing at the status
// endpoint.
func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}

	rep, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rep.Status != StatusComplete {
		return echo.NewHTTPError(http.StatusConflict, "report not complete; poll /status")
	}
	return c.JSON(http.StatusOK, rep)
}

// GetReportStatus handles GET /reports/:id/status, the polling twin of the
// websocket push channel, reading the same authoritative row.
func (h *Handler) GetReportStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}

	view, err := h.svc.Status(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

// RetryReport handles POST /reports/:id/retry for user-initiated retries of a
// FAILED report with remaining budget.
func (h *Handler) RetryReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}

	rep, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "report not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if rep.Status != StatusFailed {
		return echo.NewHTTPError(http.StatusConflict, "only failed reports can be retried")
	}
	if rep.AttemptsRemaining() == 0 {
		return echo.NewHTTPError(http.StatusConflict,
			"retry budget exhausted; resubmit the encounter as a new request")
	}

	if err := h.enqueuer.EnqueueReport(c.Request().Context(), rep.EncounterID, rep.ID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"report_id":     rep.ID,
		"attempts_left": rep.AttemptsRemaining(),
	})
}
