package settings

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("setting not found")
	ErrValidation = errors.New("validation failed")
)

// Setting maps to the system_settings table. Value is stored as jsonb.
type Setting struct {
	Key         string          `db:"key" json:"key"`
	Value       json.RawMessage `db:"value" json:"value"`
	Description *string         `db:"description" json:"description,omitempty"`
	UpdatedBy   string          `db:"updated_by" json:"updated_by"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// NotificationRule maps to email_notification_rules. Status is a case
// status, or "Case Amended" to subscribe to amendments.
type NotificationRule struct {
	ID              uuid.UUID `db:"id" json:"id"`
	Country         string    `db:"country" json:"country"`
	Status          string    `db:"status" json:"status"`
	Recipients      []string  `db:"recipients" json:"recipients"`
	SubjectTemplate *string   `db:"subject_template" json:"subject_template,omitempty"`
	BodyTemplate    *string   `db:"body_template" json:"body_template,omitempty"`
	Enabled         bool      `db:"enabled" json:"enabled"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}
