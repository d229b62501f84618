package settings

import (
	"context"

	"github.com/google/uuid"
)

type SettingRepository interface {
	List(ctx context.Context) ([]*Setting, error)
	Get(ctx context.Context, key string) (*Setting, error)
	Upsert(ctx context.Context, s *Setting) error
}

type RuleRepository interface {
	Create(ctx context.Context, r *NotificationRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*NotificationRule, error)
	Update(ctx context.Context, r *NotificationRule) error
	Delete(ctx context.Context, id uuid.UUID) error
	// List returns the rules of country, or of every country when it is empty.
	List(ctx context.Context, country string) ([]*NotificationRule, error)
	// ListEnabled returns the enabled rules for a country and status.
	ListEnabled(ctx context.Context, country, status string) ([]*NotificationRule, error)
}
