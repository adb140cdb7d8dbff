package crosswalk

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chartaudit/chartaudit/pkg/pagination"
)

type Handler struct {
	repo     Repository
	resolver *Resolver
}

func NewHandler(repo Repository, resolver *Resolver) *Handler {
	return &Handler{repo: repo, resolver: resolver}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/crosswalk/entries", h.ListEntries)
	g.GET("/crosswalk/resolve/:code", h.ResolveCode)
	g.POST("/crosswalk/reload", h.ReloadCache)
}

// ListEntries handles GET /crosswalk/entries.
func (h *Handler) ListEntries(c echo.Context) error {
	p := pagination.FromContext(c)
	entries, total, err := h.repo.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, p.Limit, p.Offset))
}

// ResolveCode handles GET /crosswalk/resolve/:code. An unmapped code returns
// an empty list, not a 404.
func (h *Handler) ResolveCode(c echo.Context) error {
	code := c.Param("code")
	resolved, err := h.resolver.Resolve(c.Request().Context(), []string{code})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	matches := resolved[code]
	if matches == nil {
		matches = []Match{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"source_code": code,
		"matches":     matches,
	})
}

// ReloadCache handles POST /crosswalk/reload, re-warming the resolver after
// an out-of-band batch import.
func (h *Handler) ReloadCache(c echo.Context) error {
	if err := h.resolver.Warm(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reloaded"})
}
