package auditlog

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tmc/casebooking/internal/platform/auth"
	"github.com/tmc/casebooking/pkg/pagination"
)

type Handler struct {
	log *Logger
}

func NewHandler(l *Logger) *Handler {
	return &Handler{log: l}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/audit-logs", auth.RequireRole(auth.RoleAdmin, auth.RoleIT))
	g.GET("", h.List)
}

func (h *Handler) List(c echo.Context) error {
	f := Filter{
		Actor:      c.QueryParam("actor"),
		Action:     c.QueryParam("action"),
		EntityType: c.QueryParam("entity_type"),
		EntityID:   c.QueryParam("entity_id"),
	}
	var err error
	if f.Since, err = parseTime(c.QueryParam("since")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "since must be RFC 3339")
	}
	if f.Until, err = parseTime(c.QueryParam("until")); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "until must be RFC 3339")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.log.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
