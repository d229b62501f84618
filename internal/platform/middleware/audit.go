package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/tmc/casebooking/internal/platform/auth"
)

// AuditEntry describes one mutating API request.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	Resource   string
	EntityID   string
	Action     string // create, update, delete
	IPAddress  string
	UserAgent  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit records every POST, PUT, PATCH and DELETE under /api/v1/ after the
// handler ran. Reads are not audited. A nil recorder only logs.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action := httpMethodToAction(req.Method)
			if action == "" || !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				Action:     action,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       req.URL.Path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: c.Response().Status,
			}
			entry.Resource, entry.EntityID = splitResourcePath(req.URL.Path)
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(ctx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "api_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("entity_id", entry.EntityID).
				Str("action", entry.Action).
				Str("path", entry.Path).
				Int("status", entry.StatusCode).
				Msg("api_mutation")

			return err
		}
	}
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	return ""
}

// splitResourcePath turns /api/v1/cases/<uuid>/status into ("cases", "<uuid>").
func splitResourcePath(path string) (resource, id string) {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	resource = segments[0]
	if resource == "" {
		resource = "unknown"
	}
	for _, s := range segments[1:] {
		if _, err := uuid.Parse(s); err == nil {
			return resource, s
		}
	}
	if len(segments) > 1 && segments[1] != "" {
		return resource + "/" + segments[1], ""
	}
	return resource, ""
}
