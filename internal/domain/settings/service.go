package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/tmc/casebooking/internal/domain/casebooking"
	"github.com/tmc/casebooking/internal/platform/notification"
)

type Service struct {
	settings SettingRepository
	rules    RuleRepository
}

func NewService(settings SettingRepository, rules RuleRepository) *Service {
	return &Service{settings: settings, rules: rules}
}

// ruleStatuses are the statuses a rule may subscribe to.
var ruleStatuses = append(append([]string(nil), casebooking.Statuses...), notification.AmendedRuleStatus)

func validRuleStatus(status string) bool {
	for _, s := range ruleStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// -- Settings --

func (s *Service) ListSettings(ctx context.Context) ([]*Setting, error) {
	return s.settings.List(ctx)
}

func (s *Service) GetSetting(ctx context.Context, key string) (*Setting, error) {
	return s.settings.Get(ctx, key)
}

func (s *Service) UpsertSetting(ctx context.Context, st *Setting) error {
	st.Key = strings.TrimSpace(st.Key)
	if st.Key == "" {
		return fmt.Errorf("%w: key is required", ErrValidation)
	}
	if len(st.Value) == 0 || !json.Valid(st.Value) {
		return fmt.Errorf("%w: value must be valid JSON", ErrValidation)
	}
	if st.UpdatedBy == "" {
		return fmt.Errorf("%w: updated_by is required", ErrValidation)
	}
	return s.settings.Upsert(ctx, st)
}

// -- Notification rules --

func (s *Service) validateRule(r *NotificationRule) error {
	r.Country = strings.ToUpper(strings.TrimSpace(r.Country))
	if r.Country == "" {
		return fmt.Errorf("%w: country is required", ErrValidation)
	}
	if !validRuleStatus(r.Status) {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, r.Status)
	}
	recipients := r.Recipients[:0]
	for _, addr := range r.Recipients {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrValidation)
	}
	r.Recipients = recipients
	return nil
}

func (s *Service) CreateRule(ctx context.Context, r *NotificationRule) error {
	if err := s.validateRule(r); err != nil {
		return err
	}
	return s.rules.Create(ctx, r)
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*NotificationRule, error) {
	return s.rules.GetByID(ctx, id)
}

// UpdateRule replaces the status, recipients, templates and enabled flag of
// an existing rule. The country of a rule never changes.
func (s *Service) UpdateRule(ctx context.Context, r *NotificationRule) error {
	existing, err := s.rules.GetByID(ctx, r.ID)
	if err != nil {
		return err
	}
	r.Country = existing.Country
	r.CreatedAt = existing.CreatedAt
	if err := s.validateRule(r); err != nil {
		return err
	}
	return s.rules.Update(ctx, r)
}

func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return s.rules.Delete(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, country string) ([]*NotificationRule, error) {
	return s.rules.List(ctx, strings.ToUpper(country))
}

// MatchRules returns the enabled rules for country and status in the form
// the notification dispatcher consumes.
func (s *Service) MatchRules(ctx context.Context, country, status string) ([]notification.Rule, error) {
	rules, err := s.rules.ListEnabled(ctx, strings.ToUpper(country), status)
	if err != nil {
		return nil, fmt.Errorf("match notification rules: %w", err)
	}
	out := make([]notification.Rule, 0, len(rules))
	for _, r := range rules {
		nr := notification.Rule{ID: r.ID.String(), Recipients: r.Recipients}
		if r.SubjectTemplate != nil {
			nr.SubjectTemplate = *r.SubjectTemplate
		}
		if r.BodyTemplate != nil {
			nr.BodyTemplate = *r.BodyTemplate
		}
		out = append(out, nr)
	}
	return out, nil
}
