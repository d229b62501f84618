// Package auditlog writes who-did-what records to the audit_logs table.
// Writes are best-effort from the caller's point of view: a failed audit
// write never undoes the change being audited.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/tmc/casebooking/internal/platform/db"
	"github.com/tmc/casebooking/internal/platform/middleware"
)

// Actions written by the domain services.
const (
	ActionCaseSubmitted = "case_submitted"
	ActionStatusChanged = "status_changed"
	ActionCaseAmended   = "case_amended"
	ActionCaseDeleted   = "case_deleted"
)

type Entry struct {
	ID         uuid.UUID              `json:"id"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Details    map[string]interface{} `json:"details,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Filter narrows Search. Zero values are ignored.
type Filter struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Since      *time.Time
	Until      *time.Time
}

type Logger struct {
	conn db.Querier
}

// New returns a Logger writing through q (normally the pgx pool).
func New(q db.Querier) *Logger {
	return &Logger{conn: q}
}

// LogEvent inserts e. ID and CreatedAt are filled in when empty.
func (l *Logger) LogEvent(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var details []byte
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("audit log: marshal details: %w", err)
		}
	}

	_, err := l.conn.Exec(ctx, `
		INSERT INTO audit_logs (id, actor, action, entity_type, entity_id, details, ip_address, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)`,
		e.ID, e.Actor, e.Action, e.EntityType, e.EntityID, details, e.IPAddress, e.RequestID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit log: insert: %w", err)
	}
	return nil
}

// RecordAccess stores an API mutation captured by the audit middleware.
func (l *Logger) RecordAccess(ctx context.Context, a middleware.AuditEntry) error {
	return l.LogEvent(ctx, FromRequest(a))
}

// FromRequest converts a middleware audit entry into a stored Entry.
func FromRequest(a middleware.AuditEntry) *Entry {
	entityID := a.EntityID
	if entityID == "" {
		entityID = a.Path
	}
	return &Entry{
		Actor:      a.UserID,
		Action:     "api_" + a.Action,
		EntityType: a.Resource,
		EntityID:   entityID,
		Details: map[string]interface{}{
			"method":     a.Method,
			"path":       a.Path,
			"status":     a.StatusCode,
			"roles":      a.UserRoles,
			"user_agent": a.UserAgent,
		},
		IPAddress: a.IPAddress,
		RequestID: a.RequestID,
		CreatedAt: a.Timestamp,
	}
}

func (f Filter) apply(q *db.SearchQuery) {
	if f.Actor != "" {
		q.Add(fmt.Sprintf("actor = $%d", q.Idx()), f.Actor)
	}
	if f.Action != "" {
		q.Add(fmt.Sprintf("action = $%d", q.Idx()), f.Action)
	}
	if f.EntityType != "" {
		q.Add(fmt.Sprintf("entity_type = $%d", q.Idx()), f.EntityType)
	}
	if f.EntityID != "" {
		q.Add(fmt.Sprintf("entity_id = $%d", q.Idx()), f.EntityID)
	}
	if f.Since != nil {
		q.Add(fmt.Sprintf("created_at >= $%d", q.Idx()), *f.Since)
	}
	if f.Until != nil {
		q.Add(fmt.Sprintf("created_at <= $%d", q.Idx()), *f.Until)
	}
}

const entryCols = `id, actor, action, entity_type, entity_id, details, COALESCE(ip_address, ''), COALESCE(request_id, ''), created_at`

// Search lists entries newest first.
func (l *Logger) Search(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	q := db.NewSearchQuery("audit_logs", entryCols)
	f.apply(q)
	q.OrderBy("created_at DESC")

	var total int
	if err := l.conn.QueryRow(ctx, q.CountSQL(), q.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit log: count: %w", err)
	}

	rows, err := l.conn.Query(ctx, q.DataSQL(), q.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit log: search: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var details []byte
	if err := row.Scan(&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID, &details,
		&e.IPAddress, &e.RequestID, &e.CreatedAt); err != nil {
		return nil, fmt.Errorf("audit log: scan: %w", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, fmt.Errorf("audit log: decode details: %w", err)
		}
	}
	return &e, nil
}
