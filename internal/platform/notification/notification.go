// Package notification renders case emails and hands them to a sender.
// Delivery itself (SMTP, provider APIs) lives behind the sender: the log
// sender writes the email to the process log, the Kafka and SQS senders
// publish it for an external mailer.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event names. They double as built-in template ids and as the metric label.
const (
	EventStatusChanged = "case-status-changed"
	EventCaseAmended   = "case-amended"
)

// AmendedRuleStatus is the pseudo-status notification rules use to subscribe
// to amendments.
const AmendedRuleStatus = "Case Amended"

// Email is one rendered message for one recipient.
type Email struct {
	ID        string            `json:"id"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Event     string            `json:"event"`
	CaseID    string            `json:"case_id"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// EmailSender delivers (or hands off) one email.
type EmailSender interface {
	SendEmail(ctx context.Context, email *Email) error
}

// Rule is a recipient list with optional templates, as configured per
// country and status.
type Rule struct {
	ID              string
	Recipients      []string
	SubjectTemplate string
	BodyTemplate    string
}

// RuleSource finds the enabled rules for a country and status.
type RuleSource interface {
	MatchRules(ctx context.Context, country, status string) ([]Rule, error)
}

// StatusEvent describes a committed status change, or a new booking when
// FromStatus is empty.
type StatusEvent struct {
	CaseID        string
	CaseReference string
	Country       string
	Hospital      string
	Doctor        string
	DateOfSurgery time.Time
	FromStatus    string
	ToStatus      string
	ProcessedBy   string
	Details       string
	Timestamp     time.Time
}

// Change is one amended field.
type Change struct {
	Field    string
	OldValue string
	NewValue string
}

// AmendmentEvent describes a committed amendment.
type AmendmentEvent struct {
	CaseID        string
	CaseReference string
	Country       string
	Hospital      string
	Status        string
	AmendedBy     string
	Reason        string
	Changes       []Change
	Timestamp     time.Time
}

// MockEmailSender records emails in memory. Tests use it as a sender double.
type MockEmailSender struct {
	mu         sync.Mutex
	sent       []*Email
	ShouldFail bool
	FailError  string
}

func (m *MockEmailSender) SendEmail(_ context.Context, email *Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Sent returns a copy of the recorded emails.
func (m *MockEmailSender) Sent() []*Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Email, len(m.sent))
	copy(out, m.sent)
	return out
}
