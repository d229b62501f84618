package casebooking

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tmc/casebooking/internal/platform/auth"
	"github.com/tmc/casebooking/internal/platform/blobstore"
	"github.com/tmc/casebooking/internal/platform/validate"
	"github.com/tmc/casebooking/pkg/pagination"
)

// StatusTag is the validator tag accepting the workflow statuses.
const StatusTag = "case_status"

// RegisterValidators adds the tags used by this package's request bodies.
func RegisterValidators(v *validate.Validator) error {
	return v.RegisterOneOf(StatusTag, Statuses)
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – every role
	read := api.Group("", auth.RequireRole(auth.RoleSales, auth.RoleOperations, auth.RoleOperationsManager, auth.RoleIT))
	read.GET("/case-statuses", h.ListStatuses)
	read.GET("/cases", h.Search)
	read.GET("/cases/:id", h.Get)
	read.GET("/cases/:id/status-history", h.StatusHistory)
	read.GET("/cases/:id/amendment-history", h.AmendmentHistory)
	read.GET("/cases/:id/quantities", h.Quantities)
	read.GET("/cases/:id/attachments", h.ListAttachments)
	read.GET("/cases/:id/attachments/:name", h.DownloadAttachment)

	// Booking and amendments – sales
	book := api.Group("", auth.RequireRole(auth.RoleSales, auth.RoleOperationsManager))
	book.POST("/cases", h.Submit)
	book.PATCH("/cases/:id", h.Amend)

	// Workflow – sales and operations
	work := api.Group("", auth.RequireRole(auth.RoleSales, auth.RoleOperations, auth.RoleOperationsManager))
	work.POST("/cases/:id/status", h.UpdateStatus)
	work.POST("/cases/:id/attachments", h.UploadAttachment)
	work.PUT("/cases/:id/quantities", h.SetQuantity)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/cases/:id", h.Delete)
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, blobstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "case booking not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, blobstore.ErrExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, blobstore.ErrUnsupported):
		return echo.NewHTTPError(http.StatusNotImplemented, "attachments are not configured")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

// loadCase resolves :id and hides cases outside the caller's country.
func (h *Handler) loadCase(c echo.Context) (*CaseBooking, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctx := c.Request().Context()
	cb, err := h.svc.Get(ctx, id)
	if err != nil {
		return nil, httpError(err)
	}
	if !auth.CanAccessCountry(auth.ActorFromContext(ctx), cb.Country) {
		return nil, echo.NewHTTPError(http.StatusNotFound, "case booking not found")
	}
	return cb, nil
}

func (h *Handler) ListStatuses(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"statuses": Statuses})
}

// -- Booking --

type submitRequest struct {
	Country             string     `json:"country" validate:"required,country"`
	Hospital            string     `json:"hospital" validate:"required,max=255"`
	Department          string     `json:"department" validate:"required,max=255"`
	DateOfSurgery       string     `json:"date_of_surgery" validate:"required,datetime=2006-01-02"`
	TimeOfProcedure     *string    `json:"time_of_procedure" validate:"omitempty,max=32"`
	ProcedureType       string     `json:"procedure_type" validate:"required,max=255"`
	ProcedureName       string     `json:"procedure_name" validate:"max=255"`
	DoctorID            *uuid.UUID `json:"doctor_id"`
	DoctorName          string     `json:"doctor_name" validate:"required,max=255"`
	SurgerySetSelection []string   `json:"surgery_set_selection" validate:"dive,required"`
	ImplantBox          []string   `json:"implant_box" validate:"dive,required"`
	SpecialInstruction  *string    `json:"special_instruction"`
}

func (h *Handler) Submit(c echo.Context) error {
	var req submitRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	actor := auth.ActorFromContext(ctx)
	if !auth.CanAccessCountry(actor, req.Country) {
		return echo.NewHTTPError(http.StatusForbidden, "cannot book cases for country "+req.Country)
	}
	date, _ := time.Parse(dateLayout, req.DateOfSurgery)

	cb := &CaseBooking{
		Country:             req.Country,
		Hospital:            req.Hospital,
		Department:          req.Department,
		DateOfSurgery:       date,
		TimeOfProcedure:     req.TimeOfProcedure,
		ProcedureType:       req.ProcedureType,
		ProcedureName:       req.ProcedureName,
		DoctorID:            req.DoctorID,
		DoctorName:          req.DoctorName,
		SurgerySetSelection: req.SurgerySetSelection,
		ImplantBox:          req.ImplantBox,
		SpecialInstruction:  req.SpecialInstruction,
	}
	if err := h.svc.Submit(ctx, cb, actor.DisplayName()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cb)
}

func (h *Handler) Get(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cb)
}

func (h *Handler) Search(c echo.Context) error {
	params := make(map[string]string)
	for k, v := range c.QueryParams() {
		if len(v) > 0 && k != "limit" && k != "offset" && k != "page" {
			params[k] = v[0]
		}
	}
	if scope := auth.CountryScope(auth.ActorFromContext(c.Request().Context())); scope != "" {
		params["country"] = scope
	} else if cc := params["country"]; cc != "" {
		params["country"] = strings.ToUpper(cc)
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.Search(c.Request().Context(), params, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Delete(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.svc.Delete(ctx, cb.ID, auth.ActorFromContext(ctx).DisplayName()); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Status --

type statusRequest struct {
	Status      string   `json:"status" validate:"required,case_status"`
	Details     *string  `json:"details" validate:"omitempty,max=4000"`
	Attachments []string `json:"attachments" validate:"dive,required"`
}

func (h *Handler) UpdateStatus(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.svc.UpdateStatus(ctx, StatusUpdate{
		CaseID:      cb.ID,
		Status:      req.Status,
		ProcessedBy: auth.ActorFromContext(ctx).DisplayName(),
		Details:     req.Details,
		Attachments: req.Attachments,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) StatusHistory(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	items, err := h.svc.StatusHistory(c.Request().Context(), cb.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

// -- Amendments --

type amendRequest struct {
	Hospital            *string    `json:"hospital" validate:"omitempty,max=255"`
	Department          *string    `json:"department" validate:"omitempty,max=255"`
	DateOfSurgery       *string    `json:"date_of_surgery" validate:"omitempty,datetime=2006-01-02"`
	ProcedureType       *string    `json:"procedure_type" validate:"omitempty,max=255"`
	ProcedureName       *string    `json:"procedure_name" validate:"omitempty,max=255"`
	DoctorID            *uuid.UUID `json:"doctor_id"`
	DoctorName          *string    `json:"doctor_name" validate:"omitempty,max=255"`
	TimeOfProcedure     *string    `json:"time_of_procedure" validate:"omitempty,max=32"`
	SurgerySetSelection *[]string  `json:"surgery_set_selection"`
	ImplantBox          *[]string  `json:"implant_box"`
	SpecialInstruction  *string    `json:"special_instruction"`
	Reason              *string    `json:"reason" validate:"omitempty,max=1000"`
}

func (r amendRequest) amendment() CaseAmendment {
	a := CaseAmendment{
		Hospital:           r.Hospital,
		Department:         r.Department,
		ProcedureType:      r.ProcedureType,
		ProcedureName:      r.ProcedureName,
		DoctorID:           r.DoctorID,
		DoctorName:         r.DoctorName,
		TimeOfProcedure:    r.TimeOfProcedure,
		SpecialInstruction: r.SpecialInstruction,
	}
	if r.DateOfSurgery != nil {
		if d, err := time.Parse(dateLayout, *r.DateOfSurgery); err == nil {
			a.DateOfSurgery = &d
		}
	}
	if r.SurgerySetSelection != nil {
		a.SetSurgerySets = true
		a.SurgerySetSelection = *r.SurgerySetSelection
	}
	if r.ImplantBox != nil {
		a.SetImplantBoxes = true
		a.ImplantBox = *r.ImplantBox
	}
	return a
}

func (h *Handler) Amend(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	var req amendRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	res, err := h.svc.Amend(ctx, cb.ID, req.amendment(), auth.ActorFromContext(ctx).DisplayName(), req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) AmendmentHistory(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	items, err := h.svc.AmendmentHistory(c.Request().Context(), cb.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

// -- Quantities --

func (h *Handler) Quantities(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Quantities(c.Request().Context(), cb.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

type quantityRequest struct {
	ItemType string `json:"item_type" validate:"required,oneof=surgery_set implant_box"`
	ItemName string `json:"item_name" validate:"required"`
	Quantity int    `json:"quantity" validate:"required,min=1,max=999"`
}

func (h *Handler) SetQuantity(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	var req quantityRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.svc.SetQuantity(c.Request().Context(), cb.ID, req.ItemType, req.ItemName, req.Quantity); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Attachments --

func (h *Handler) UploadAttachment(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" required")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	ctx := c.Request().Context()
	info, err := h.svc.AttachFile(ctx, cb.ID, fh.Filename, fh.Header.Get(echo.HeaderContentType), src, auth.ActorFromContext(ctx).DisplayName())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, info)
}

func (h *Handler) ListAttachments(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Attachments(c.Request().Context(), cb.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) DownloadAttachment(c echo.Context) error {
	cb, err := h.loadCase(c)
	if err != nil {
		return err
	}
	key := attachmentPrefix(cb.ID) + c.Param("name")
	info, rc, err := h.svc.OpenAttachment(c.Request().Context(), cb.ID, key)
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()

	contentType := info.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename=\""+c.Param("name")+"\"")
	c.Response().Header().Set(echo.HeaderContentType, contentType)
	c.Response().WriteHeader(http.StatusOK)
	_, err = io.Copy(c.Response(), rc)
	return err
}
