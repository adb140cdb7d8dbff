package webhook

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/chartaudit/chartaudit/pkg/pagination"
)

// Handler exposes webhook endpoint management over HTTP.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("", h.RegisterEndpoint)
	g.GET("", h.ListEndpoints)
	g.GET("/:id", h.GetEndpoint)
	g.PUT("/:id", h.UpdateEndpoint)
	g.DELETE("/:id", h.DeleteEndpoint)
	g.GET("/:id/deliveries", h.ListDeliveries)
	g.POST("/:id/test", h.TestEndpoint)
	g.POST("/deliveries/:delivery_id/retry", h.RetryDelivery)
}

type registerRequest struct {
	OwnerID uuid.UUID `json:"owner_id"`
	URL     string    `json:"url"`
	Secret  string    `json:"secret"`
	Events  []string  `json:"events"`
}

// RegisterEndpoint handles POST /webhooks. The generated secret is returned
// in this response only; subsequent reads redact it.
func (h *Handler) RegisterEndpoint(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ep, err := h.manager.RegisterEndpoint(c.Request().Context(), req.OwnerID, req.URL, req.Secret, req.Events)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, ep)
}

// ListEndpoints handles GET /webhooks?owner_id=...
func (h *Handler) ListEndpoints(c echo.Context) error {
	ownerID, err := uuid.Parse(c.QueryParam("owner_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "owner_id is required")
	}

	p := pagination.FromContext(c)
	eps, total, err := h.manager.Store().ListEndpoints(c.Request().Context(), ownerID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for _, ep := range eps {
		ep.Secret = ""
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(eps, total, p.Limit, p.Offset))
}

// GetEndpoint handles GET /webhooks/:id.
func (h *Handler) GetEndpoint(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	ep, err := h.manager.Store().GetEndpoint(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

type updateRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active *bool    `json:"active"`
}

// UpdateEndpoint handles PUT /webhooks/:id.
func (h *Handler) UpdateEndpoint(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	ep, err := h.manager.Store().GetEndpoint(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.URL != "" {
		if err := validateURL(req.URL); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		ep.URL = req.URL
	}
	if len(req.Events) > 0 {
		ep.Events = req.Events
	}
	if req.Active != nil {
		ep.Active = *req.Active
	}
	if err := h.manager.Store().UpdateEndpoint(c.Request().Context(), ep); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	ep.Secret = ""
	return c.JSON(http.StatusOK, ep)
}

// DeleteEndpoint handles DELETE /webhooks/:id.
func (h *Handler) DeleteEndpoint(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	if err := h.manager.Store().DeleteEndpoint(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// ListDeliveries handles GET /webhooks/:id/deliveries, the auditable
// delivery history for one endpoint.
func (h *Handler) ListDeliveries(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	p := pagination.FromContext(c)
	deliveries, total, err := h.manager.Store().ListDeliveries(c.Request().Context(), id, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(deliveries, total, p.Limit, p.Offset))
}

// TestEndpoint handles POST /webhooks/:id/test by enqueueing a ping delivery.
func (h *Handler) TestEndpoint(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid endpoint id")
	}
	d, err := h.manager.TestEndpoint(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "endpoint not found")
	}
	return c.JSON(http.StatusAccepted, d)
}

// RetryDelivery handles POST /webhooks/deliveries/:delivery_id/retry for
// manual requeue of a failed delivery.
func (h *Handler) RetryDelivery(c echo.Context) error {
	id, err := uuid.Parse(c.Param("delivery_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid delivery id")
	}
	d, err := h.manager.RetryDelivery(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusAccepted, d)
}
