package settings

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tmc/casebooking/internal/platform/auth"
	"github.com/tmc/casebooking/internal/platform/validate"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleOperationsManager, auth.RoleIT))
	read.GET("/settings", h.ListSettings)
	read.GET("/settings/:key", h.GetSetting)
	read.GET("/notification-rules", h.ListRules)
	read.GET("/notification-rules/:id", h.GetRule)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PUT("/settings/:key", h.UpsertSetting)
	admin.POST("/notification-rules", h.CreateRule)
	admin.PUT("/notification-rules/:id", h.UpdateRule)
	admin.DELETE("/notification-rules/:id", h.DeleteRule)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

// -- Settings --

func (h *Handler) ListSettings(c echo.Context) error {
	items, err := h.svc.ListSettings(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) GetSetting(c echo.Context) error {
	st, err := h.svc.GetSetting(c.Request().Context(), c.Param("key"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

type settingRequest struct {
	Value       json.RawMessage `json:"value" validate:"required"`
	Description *string         `json:"description" validate:"omitempty,max=1000"`
}

func (h *Handler) UpsertSetting(c echo.Context) error {
	var req settingRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	st := &Setting{
		Key:         c.Param("key"),
		Value:       req.Value,
		Description: req.Description,
		UpdatedBy:   auth.ActorFromContext(ctx).DisplayName(),
	}
	if err := h.svc.UpsertSetting(ctx, st); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// -- Notification rules --

type ruleRequest struct {
	Country         string   `json:"country" validate:"required,country"`
	Status          string   `json:"status" validate:"required"`
	Recipients      []string `json:"recipients" validate:"required,min=1,dive,email"`
	SubjectTemplate *string  `json:"subject_template" validate:"omitempty,max=500"`
	BodyTemplate    *string  `json:"body_template"`
	Enabled         *bool    `json:"enabled"`
}

func (r ruleRequest) rule() *NotificationRule {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return &NotificationRule{
		Country:         r.Country,
		Status:          r.Status,
		Recipients:      r.Recipients,
		SubjectTemplate: r.SubjectTemplate,
		BodyTemplate:    r.BodyTemplate,
		Enabled:         enabled,
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) ListRules(c echo.Context) error {
	country := c.QueryParam("country")
	if scope := auth.CountryScope(auth.ActorFromContext(c.Request().Context())); scope != "" {
		country = scope
	}
	items, err := h.svc.ListRules(c.Request().Context(), country)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	r, err := h.svc.GetRule(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if !auth.CanAccessCountry(auth.ActorFromContext(ctx), r.Country) {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) CreateRule(c echo.Context) error {
	var req ruleRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	r := req.rule()
	if err := h.svc.CreateRule(c.Request().Context(), r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req ruleRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	r := req.rule()
	r.ID = id
	if err := h.svc.UpdateRule(c.Request().Context(), r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRule(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
