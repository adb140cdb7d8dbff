package encounter

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chartaudit/chartaudit/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/encounters", h.SubmitEncounter)
	g.POST("/encounters/batch", h.SubmitBatch)
	g.GET("/encounters", h.ListEncounters)
	g.GET("/encounters/:id", h.GetEncounter)
	g.POST("/encounters/:id/cancel", h.CancelEncounter)
	g.DELETE("/encounters/:id", h.DeleteEncounter)
}

type submitResponse struct {
	EncounterID uuid.UUID `json:"encounter_id"`
	ReportID    uuid.UUID `json:"report_id"`
	Status      Status    `json:"status"`
}

// SubmitEncounter handles POST /encounters.
func (h *Handler) SubmitEncounter(c echo.Context) error {
	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	enc, rep, err := h.svc.Submit(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, submitResponse{
		EncounterID: enc.ID,
		ReportID:    rep.ID,
		Status:      enc.Status,
	})
}

// SubmitBatch handles POST /encounters/batch.
func (h *Handler) SubmitBatch(c echo.Context) error {
	var reqs []SubmitRequest
	if err := c.Bind(&reqs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(reqs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "empty batch")
	}

	batchID, encounters, err := h.svc.SubmitBatch(c.Request().Context(), reqs)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"batch_id":   batchID,
		"encounters": encounters,
	})
}

// ListEncounters handles GET /encounters?owner_id=...
func (h *Handler) ListEncounters(c echo.Context) error {
	ownerID, err := uuid.Parse(c.QueryParam("owner_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id is required")
	}

	p := pagination.FromContext(c)
	encounters, total, err := h.svc.ListByOwner(c.Request().Context(), ownerID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(encounters, total, p.Limit, p.Offset))
}

// GetEncounter handles GET /encounters/:id.
func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid encounter id")
	}

	enc, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, enc)
}

// CancelEncounter handles POST /encounters/:id/cancel.
func (h *Handler) CancelEncounter(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid encounter id")
	}

	if err := h.svc.Cancel(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// DeleteEncounter handles DELETE /encounters/:id. Deletion cascades to the
// phi mapping, extracted codes, billed codes and report.
func (h *Handler) DeleteEncounter(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid encounter id")
	}

	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "encounter not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
