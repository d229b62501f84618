package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tmc/casebooking/internal/platform/metrics"
)

// Dispatcher turns case events into emails for every recipient of every
// matching rule.
type Dispatcher struct {
	rules     RuleSource
	templates *TemplateEngine
	sender    EmailSender
	from      string
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

type DispatcherOption func(*Dispatcher)

func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithFrom(addr string) DispatcherOption {
	return func(d *Dispatcher) { d.from = addr }
}

func NewDispatcher(rules RuleSource, templates *TemplateEngine, sender EmailSender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		rules:     rules,
		templates: templates,
		sender:    sender,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NotifyStatusChanged emails the recipients of rules matching the new status.
func (d *Dispatcher) NotifyStatusChanged(ctx context.Context, ev StatusEvent) error {
	previous := ev.FromStatus
	if previous == "" {
		previous = "-"
	}
	data := map[string]string{
		"case_id":         ev.CaseID,
		"case_reference":  ev.CaseReference,
		"country":         ev.Country,
		"hospital":        ev.Hospital,
		"doctor":          ev.Doctor,
		"date_of_surgery": formatDate(ev.DateOfSurgery),
		"previous_status": previous,
		"status":          ev.ToStatus,
		"processed_by":    ev.ProcessedBy,
		"details":         ev.Details,
		"timestamp":       ev.Timestamp.UTC().Format(time.RFC3339),
	}
	return d.dispatch(ctx, EventStatusChanged, ev.CaseID, ev.Country, ev.ToStatus, data)
}

// NotifyCaseAmended emails the recipients of "Case Amended" rules.
func (d *Dispatcher) NotifyCaseAmended(ctx context.Context, ev AmendmentEvent) error {
	lines := make([]string, 0, len(ev.Changes))
	for _, c := range ev.Changes {
		lines = append(lines, fmt.Sprintf("- %s: %s -> %s", c.Field, c.OldValue, c.NewValue))
	}
	reason := ev.Reason
	if reason == "" {
		reason = "-"
	}
	data := map[string]string{
		"case_id":        ev.CaseID,
		"case_reference": ev.CaseReference,
		"country":        ev.Country,
		"hospital":       ev.Hospital,
		"status":         ev.Status,
		"amended_by":     ev.AmendedBy,
		"reason":         reason,
		"changes":        strings.Join(lines, "\n"),
		"timestamp":      ev.Timestamp.UTC().Format(time.RFC3339),
	}
	return d.dispatch(ctx, EventCaseAmended, ev.CaseID, ev.Country, AmendedRuleStatus, data)
}

func (d *Dispatcher) dispatch(ctx context.Context, event, caseID, country, status string, data map[string]string) error {
	rules, err := d.rules.MatchRules(ctx, country, status)
	if err != nil {
		return fmt.Errorf("match notification rules: %w", err)
	}
	if len(rules) == 0 {
		d.logger.Debug().Str("event", event).Str("country", country).Str("status", status).
			Msg("no notification rules matched")
		return nil
	}

	defSubject, defBody, err := d.templates.Render(event, data)
	if err != nil {
		return err
	}

	var errs []error
	for _, rule := range rules {
		subject, body := defSubject, defBody
		if rule.SubjectTemplate != "" {
			subject = Fill(rule.SubjectTemplate, data)
		}
		if rule.BodyTemplate != "" {
			body = Fill(rule.BodyTemplate, data)
		}
		for _, to := range rule.Recipients {
			email := &Email{
				ID:        uuid.NewString(),
				From:      d.from,
				To:        to,
				Subject:   subject,
				Body:      body,
				Event:     event,
				CaseID:    caseID,
				Metadata:  map[string]string{"rule_id": rule.ID, "country": country, "status": status},
				CreatedAt: time.Now().UTC(),
			}
			sendErr := d.sender.SendEmail(ctx, email)
			d.metrics.Notification(event, sendErr)
			if sendErr != nil {
				d.logger.Warn().Err(sendErr).
					Str("event", event).Str("case_id", caseID).Str("to", to).Str("rule_id", rule.ID).
					Msg("notification send failed")
				errs = append(errs, fmt.Errorf("send to %s: %w", to, sendErr))
			}
		}
	}
	return errors.Join(errs...)
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02")
}
