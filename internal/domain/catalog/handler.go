package catalog

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tmc/casebooking/internal/platform/auth"
	"github.com/tmc/casebooking/internal/platform/validate"
	"github.com/tmc/casebooking/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleSales, auth.RoleOperations, auth.RoleOperationsManager, auth.RoleIT))
	read.GET("/doctors", h.SearchDoctors)
	read.GET("/doctors/:id", h.GetDoctor)
	read.GET("/doctors/:id/procedure-items", h.ListProcedureItems)
	read.GET("/doctors/:id/suggestions", h.Suggest)
	read.GET("/procedure-types", h.SearchProcedureTypes)
	read.GET("/procedure-types/:id", h.GetProcedureType)
	read.GET("/surgery-sets", h.searchItems(KindSurgerySet))
	read.GET("/surgery-sets/:id", h.getItem(KindSurgerySet))
	read.GET("/implant-boxes", h.searchItems(KindImplantBox))
	read.GET("/implant-boxes/:id", h.getItem(KindImplantBox))

	write := api.Group("", auth.RequireRole(auth.RoleOperationsManager))
	write.POST("/doctors", h.CreateDoctor)
	write.PUT("/doctors/:id", h.UpdateDoctor)
	write.DELETE("/doctors/:id", h.DeleteDoctor)
	write.POST("/doctors/:id/procedure-items", h.AddProcedureItem)
	write.DELETE("/doctors/:id/procedure-items/:item", h.RemoveProcedureItem)
	write.POST("/procedure-types", h.CreateProcedureType)
	write.PUT("/procedure-types/:id", h.UpdateProcedureType)
	write.DELETE("/procedure-types/:id", h.DeleteProcedureType)
	for _, r := range []struct{ path, kind string }{
		{"/surgery-sets", KindSurgerySet},
		{"/implant-boxes", KindImplantBox},
	} {
		write.POST(r.path, h.createItem(r.kind))
		write.PUT(r.path+"/:id", h.updateItem(r.kind))
		write.DELETE(r.path+"/:id", h.deleteItem(r.kind))
	}

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/catalog/recalculate-usage", h.RecalculateUsage)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "catalog entry not found")
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// visible hides records of other countries behind a 404.
func visible(c echo.Context, country string) error {
	if !auth.CanAccessCountry(auth.ActorFromContext(c.Request().Context()), country) {
		return echo.NewHTTPError(http.StatusNotFound, "catalog entry not found")
	}
	return nil
}

// searchParams copies query parameters and pins country to the caller's scope.
func searchParams(c echo.Context) map[string]string {
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
	return params
}

// -- Doctor --

type doctorRequest struct {
	Name       string  `json:"name" validate:"required,max=255"`
	Country    string  `json:"country" validate:"required,country"`
	Department string  `json:"department" validate:"required,max=255"`
	Specialty  *string `json:"specialty" validate:"omitempty,max=255"`
	IsActive   *bool   `json:"is_active"`
}

func (h *Handler) loadDoctor(c echo.Context) (*Doctor, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return nil, err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if err := visible(c, d.Country); err != nil {
		return nil, err
	}
	return d, nil
}

func (h *Handler) CreateDoctor(c echo.Context) error {
	var req doctorRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	if err := visible(c, req.Country); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "cannot manage doctors for country "+req.Country)
	}
	d := &Doctor{Name: req.Name, Country: req.Country, Department: req.Department, Specialty: req.Specialty}
	if err := h.svc.CreateDoctor(c.Request().Context(), d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	d, err := h.loadDoctor(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) UpdateDoctor(c echo.Context) error {
	d, err := h.loadDoctor(c)
	if err != nil {
		return err
	}
	var req doctorRequest
	req.Country = d.Country
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	d.Name, d.Department, d.Specialty = req.Name, req.Department, req.Specialty
	if req.IsActive != nil {
		d.IsActive = *req.IsActive
	}
	if err := h.svc.UpdateDoctor(c.Request().Context(), d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDoctor(c echo.Context) error {
	d, err := h.loadDoctor(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteDoctor(c.Request().Context(), d.ID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SearchDoctors(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchDoctors(c.Request().Context(), searchParams(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Procedure Type --

type procedureTypeRequest struct {
	Name       string  `json:"name" validate:"required,max=255"`
	Country    string  `json:"country" validate:"required,country"`
	Department *string `json:"department" validate:"omitempty,max=255"`
	IsActive   *bool   `json:"is_active"`
}

func (h *Handler) loadProcedureType(c echo.Context) (*ProcedureType, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return nil, err
	}
	p, err := h.svc.GetProcedureType(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if err := visible(c, p.Country); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *Handler) CreateProcedureType(c echo.Context) error {
	var req procedureTypeRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	if err := visible(c, req.Country); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "cannot manage procedure types for country "+req.Country)
	}
	p := &ProcedureType{Name: req.Name, Country: req.Country, Department: req.Department}
	if err := h.svc.CreateProcedureType(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetProcedureType(c echo.Context) error {
	p, err := h.loadProcedureType(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdateProcedureType(c echo.Context) error {
	p, err := h.loadProcedureType(c)
	if err != nil {
		return err
	}
	var req procedureTypeRequest
	req.Country = p.Country
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	p.Name, p.Department = req.Name, req.Department
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	if err := h.svc.UpdateProcedureType(c.Request().Context(), p); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeleteProcedureType(c echo.Context) error {
	p, err := h.loadProcedureType(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteProcedureType(c.Request().Context(), p.ID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SearchProcedureTypes(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchProcedureTypes(c.Request().Context(), searchParams(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Surgery sets and implant boxes --

type itemRequest struct {
	Name        string  `json:"name" validate:"required,max=255"`
	Country     string  `json:"country" validate:"required,country"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
	IsActive    *bool   `json:"is_active"`
}

func (h *Handler) loadItem(c echo.Context, kind string) (*InventoryItem, error) {
	id, err := parseID(c, "id")
	if err != nil {
		return nil, err
	}
	it, err := h.svc.GetItem(c.Request().Context(), kind, id)
	if err != nil {
		return nil, httpError(err)
	}
	if err := visible(c, it.Country); err != nil {
		return nil, err
	}
	return it, nil
}

func (h *Handler) createItem(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req itemRequest
		if err := validate.BindAndValidate(c, &req); err != nil {
			return err
		}
		if err := visible(c, req.Country); err != nil {
			return echo.NewHTTPError(http.StatusForbidden, "cannot manage inventory for country "+req.Country)
		}
		it := &InventoryItem{Kind: kind, Name: req.Name, Country: req.Country, Description: req.Description}
		if err := h.svc.CreateItem(c.Request().Context(), it); err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, it)
	}
}

func (h *Handler) getItem(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		it, err := h.loadItem(c, kind)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, it)
	}
}

func (h *Handler) updateItem(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		it, err := h.loadItem(c, kind)
		if err != nil {
			return err
		}
		var req itemRequest
		req.Country = it.Country
		if err := validate.BindAndValidate(c, &req); err != nil {
			return err
		}
		it.Name, it.Description = req.Name, req.Description
		if req.IsActive != nil {
			it.IsActive = *req.IsActive
		}
		if err := h.svc.UpdateItem(c.Request().Context(), it); err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, it)
	}
}

func (h *Handler) deleteItem(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		it, err := h.loadItem(c, kind)
		if err != nil {
			return err
		}
		if err := h.svc.DeleteItem(c.Request().Context(), kind, it.ID); err != nil {
			return httpError(err)
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func (h *Handler) searchItems(kind string) echo.HandlerFunc {
	return func(c echo.Context) error {
		pg := pagination.FromContext(c)
		items, total, err := h.svc.SearchItems(c.Request().Context(), kind, searchParams(c), pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
}

type recalculateRequest struct {
	Country string `json:"country" validate:"required,country"`
}

func (h *Handler) RecalculateUsage(c echo.Context) error {
	var req recalculateRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	if err := h.svc.RecalculateUsage(c.Request().Context(), req.Country); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Doctor procedure items --

type procedureItemRequest struct {
	ProcedureType string `json:"procedure_type" validate:"required,max=255"`
	ItemType      string `json:"item_type" validate:"required,oneof=surgery_set implant_box"`
	ItemName      string `json:"item_name" validate:"required,max=255"`
}

func (h *Handler) AddProcedureItem(c echo.Context) error {
	d, err := h.loadDoctor(c)
	if err != nil {
		return err
	}
	var req procedureItemRequest
	if err := validate.BindAndValidate(c, &req); err != nil {
		return err
	}
	it := &DoctorProcedureItem{DoctorID: d.ID, ProcedureType: req.ProcedureType, ItemType: req.ItemType, ItemName: req.ItemName}
	if err := h.svc.AddDoctorProcedureItem(c.Request().Context(), it); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, it)
}

func (h *Handler) RemoveProcedureItem(c echo.Context) error {
	d, err := h.loadDoctor(c)
	if err != nil {
		return err
	}
	itemID, err := parseID(c, "item")
	if err != nil {
		return err
	}
	if err := h.svc.RemoveDoctorProcedureItem(c.Request().Context(), d.ID, itemID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ListProcedureItems(c echo.Context) error {
	d, err := h.loadDoctor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListDoctorProcedureItems(c.Request().Context(), d.ID, c.QueryParam("procedure_type"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items})
}

func (h *Handler) Suggest(c echo.Context) error {
	d, err := h.loadDoctor(c)
	if err != nil {
		return err
	}
	s, err := h.svc.Suggest(c.Request().Context(), d.ID, c.QueryParam("procedure_type"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, s)
}
