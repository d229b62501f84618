package casebooking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tmc/casebooking/internal/platform/auth"
	"github.com/tmc/casebooking/internal/platform/validate"
)

func newTestHandler(t *testing.T) (*Handler, *testEnv, *echo.Echo) {
	t.Helper()
	env := newTestEnv()
	e := echo.New()
	v := validate.New()
	if err := RegisterValidators(v); err != nil {
		t.Fatalf("RegisterValidators: %v", err)
	}
	e.Validator = v
	return NewHandler(env.svc), env, e
}

func withActor(req *http.Request, a auth.Actor) *http.Request {
	return req.WithContext(auth.WithActor(req.Context(), a))
}

var sgSales = auth.Actor{ID: "u-1", Name: "alice", Country: "SG", Roles: []string{auth.RoleSales}}

func expectHTTPStatus(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected status %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestHandler_Submit(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"country":"sg","hospital":"General Hospital","department":"Ortho","date_of_surgery":"2024-03-10",
		"procedure_type":"Knee","doctor_name":"Dr Tan","surgery_set_selection":["Knee Set A"]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(withActor(jsonRequest(http.MethodPost, body), sgSales), rec)

	if err := h.Submit(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got CaseBooking
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.CaseReferenceNumber != "TMC-SG-2024-001" || got.SubmittedBy != "alice" {
		t.Errorf("unexpected case %+v", got)
	}
}

func TestHandler_Submit_ValidationError(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"country":"Singapore","hospital":"","date_of_surgery":"10/03/2024"}`
	c := e.NewContext(withActor(jsonRequest(http.MethodPost, body), sgSales), httptest.NewRecorder())

	expectHTTPStatus(t, h.Submit(c), http.StatusBadRequest)
}

func TestHandler_Submit_OtherCountryForbidden(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"country":"MY","hospital":"KL Hospital","department":"Ortho","date_of_surgery":"2024-03-10",
		"procedure_type":"Knee","doctor_name":"Dr Lee"}`
	c := e.NewContext(withActor(jsonRequest(http.MethodPost, body), sgSales), httptest.NewRecorder())

	expectHTTPStatus(t, h.Submit(c), http.StatusForbidden)
}

func caseContext(e *echo.Echo, req *http.Request, id string) (echo.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func TestHandler_Get(t *testing.T) {
	h, env, e := newTestHandler(t)
	cb := env.submit(t)

	c, rec := caseContext(e, withActor(httptest.NewRequest(http.MethodGet, "/", nil), sgSales), cb.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_Get_HiddenAcrossCountries(t *testing.T) {
	h, env, e := newTestHandler(t)
	cb := env.submit(t)
	my := auth.Actor{ID: "u-2", Country: "MY", Roles: []string{auth.RoleSales}}

	c, _ := caseContext(e, withActor(httptest.NewRequest(http.MethodGet, "/", nil), my), cb.ID.String())
	expectHTTPStatus(t, h.Get(c), http.StatusNotFound)
}

func TestHandler_Get_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := caseContext(e, withActor(httptest.NewRequest(http.MethodGet, "/", nil), sgSales), "not-a-uuid")
	expectHTTPStatus(t, h.Get(c), http.StatusBadRequest)
}

func TestHandler_Get_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := caseContext(e, withActor(httptest.NewRequest(http.MethodGet, "/", nil), sgSales), uuid.NewString())
	expectHTTPStatus(t, h.Get(c), http.StatusNotFound)
}

func TestHandler_UpdateStatus(t *testing.T) {
	h, env, e := newTestHandler(t)
	cb := env.submit(t)
	ops := auth.Actor{ID: "u-3", Name: "olga", Country: "SG", Roles: []string{auth.RoleOperations}}

	c, rec := caseContext(e, withActor(jsonRequest(http.MethodPost, `{"status":"Order Prepared","details":"3 sets"}`), ops), cb.ID.String())
	if err := h.UpdateStatus(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res StatusResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Changed || !res.HistoryRecorded || res.Case.Status != StatusOrderPrepared {
		t.Errorf("unexpected result %+v", res)
	}
	history, _ := env.history.ListStatus(context.Background(), cb.ID)
	if last := history[len(history)-1]; last.ProcessedBy != "olga" {
		t.Errorf("expected processed_by olga, got %s", last.ProcessedBy)
	}
}

func TestHandler_UpdateStatus_UnknownStatus(t *testing.T) {
	h, env, e := newTestHandler(t)
	cb := env.submit(t)
	c, _ := caseContext(e, withActor(jsonRequest(http.MethodPost, `{"status":"Shipped"}`), sgSales), cb.ID.String())
	expectHTTPStatus(t, h.UpdateStatus(c), http.StatusBadRequest)
}

func TestHandler_Amend(t *testing.T) {
	h, env, e := newTestHandler(t)
	cb := env.submit(t)

	body := `{"hospital":"City Hospital","surgery_set_selection":[],"reason":"moved"}`
	c, rec := caseContext(e, withActor(jsonRequest(http.MethodPatch, body), sgSales), cb.ID.String())
	if err := h.Amend(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res AmendResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Changed || len(res.Entry.Changes) != 2 {
		t.Errorf("expected hospital and surgery set changes, got %+v", res.Entry)
	}
	if res.Entry.Changes[1].NewValue != "Added: -" {
		t.Errorf("unexpected list change %+v", res.Entry.Changes[1])
	}
}

func TestHandler_Amend_Noop(t *testing.T) {
	h, env, e := newTestHandler(t)
	cb := env.submit(t)

	c, rec := caseContext(e, withActor(jsonRequest(http.MethodPatch, `{"hospital":"General Hospital"}`), sgSales), cb.ID.String())
	if err := h.Amend(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"changed":false`) {
		t.Errorf("expected changed=false, got %s", rec.Body.String())
	}
}

func TestHandler_Search_ScopedToCountry(t *testing.T) {
	h, env, e := newTestHandler(t)
	env.submit(t)
	my := sampleCase()
	my.Country = "MY"
	if err := env.svc.Submit(context.Background(), my, "lee"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req := withActor(httptest.NewRequest(http.MethodGet, "/?country=MY", nil), sgSales)
	rec := httptest.NewRecorder()
	if err := h.Search(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data  []CaseBooking `json:"data"`
		Total int           `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 1 || page.Data[0].Country != "SG" {
		t.Errorf("expected only the SG case, got %+v", page)
	}
}

func TestHandler_Delete(t *testing.T) {
	h, env, e := newTestHandler(t)
	cb := env.submit(t)
	admin := auth.Actor{ID: "root", Roles: []string{auth.RoleAdmin}}

	c, rec := caseContext(e, withActor(httptest.NewRequest(http.MethodDelete, "/", nil), admin), cb.ID.String())
	if err := h.Delete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_UploadAndDownloadAttachment(t *testing.T) {
	h, env, e := newTestHandler(t)
	cb := env.submit(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="note.pdf"`)
	hdr.Set("Content-Type", "application/pdf")
	part, _ := mw.CreatePart(hdr)
	part.Write([]byte("%PDF-1.4"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	c, rec := caseContext(e, withActor(req, sgSales), cb.ID.String())
	if err := h.UploadAttachment(c); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var info struct {
		Key string `json:"key"`
	}
	json.Unmarshal(rec.Body.Bytes(), &info)
	name := strings.TrimPrefix(info.Key, attachmentPrefix(cb.ID))

	rec = httptest.NewRecorder()
	c = e.NewContext(withActor(httptest.NewRequest(http.MethodGet, "/", nil), sgSales), rec)
	c.SetParamNames("id", "name")
	c.SetParamValues(cb.ID.String(), name)
	if err := h.DownloadAttachment(c); err != nil {
		t.Fatalf("download: %v", err)
	}
	if rec.Body.String() != "%PDF-1.4" || rec.Header().Get(echo.HeaderContentType) != "application/pdf" {
		t.Errorf("unexpected download %q %s", rec.Body.String(), rec.Header().Get(echo.HeaderContentType))
	}
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrNotFound, http.StatusNotFound},
		{validationError("bad"), http.StatusBadRequest},
		{ErrConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		expectHTTPStatus(t, httpError(tt.err), tt.code)
	}
}
