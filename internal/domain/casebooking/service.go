package casebooking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tmc/casebooking/internal/platform/auditlog"
	"github.com/tmc/casebooking/internal/platform/blobstore"
	"github.com/tmc/casebooking/internal/platform/db"
	"github.com/tmc/casebooking/internal/platform/metrics"
	"github.com/tmc/casebooking/internal/platform/notification"
)

// DefaultDuplicateWindow is how long a repeated status is considered the same
// transition and gets no second history entry.
const DefaultDuplicateWindow = 60 * time.Second

// Notifier dispatches emails for committed changes.
type Notifier interface {
	NotifyStatusChanged(ctx context.Context, ev notification.StatusEvent) error
	NotifyCaseAmended(ctx context.Context, ev notification.AmendmentEvent) error
}

// AuditWriter stores audit records.
type AuditWriter interface {
	LogEvent(ctx context.Context, e *auditlog.Entry) error
}

// UsageRecalculator refreshes the catalog usage counters of a country.
type UsageRecalculator interface {
	RecalculateUsage(ctx context.Context, country string) error
}

type Service struct {
	tx         db.Transactor
	cases      CaseRepository
	history    HistoryRepository
	counters   CounterRepository
	quantities QuantityRepository

	notifier Notifier
	audit    AuditWriter
	usage    UsageRecalculator
	blobs    blobstore.Store
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
	window   time.Duration
}

type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithAuditWriter(a AuditWriter) Option { return func(s *Service) { s.audit = a } }

func WithUsageRecalculator(u UsageRecalculator) Option { return func(s *Service) { s.usage = u } }

func WithBlobStore(b blobstore.Store) Option { return func(s *Service) { s.blobs = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithDuplicateWindow sets the status duplicate window. Zero keeps the default.
func WithDuplicateWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.window = d
		}
	}
}

func NewService(tx db.Transactor, cases CaseRepository, history HistoryRepository, counters CounterRepository, quantities QuantityRepository, opts ...Option) *Service {
	s := &Service{
		tx:         tx,
		cases:      cases,
		history:    history,
		counters:   counters,
		quantities: quantities,
		logger:     zerolog.Nop(),
		now:        func() time.Time { return time.Now().UTC() },
		window:     DefaultDuplicateWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// -- Reference numbers --

// NextReference allocates the next reference number for country in the
// current year.
func (s *Service) NextReference(ctx context.Context, country string) (string, error) {
	cc, err := NormalizeCountry(country)
	if err != nil {
		return "", err
	}
	year := s.now().Year()
	seq, err := s.counters.Next(ctx, cc, year)
	if err != nil {
		return "", fmt.Errorf("increment case counter %s/%d: %w", cc, year, err)
	}
	s.metrics.ReferenceIssued(cc)
	return FormatReference(cc, year, seq), nil
}

// -- Submission --

func (s *Service) Submit(ctx context.Context, c *CaseBooking, submittedBy string) error {
	if err := validateNewCase(c, submittedBy); err != nil {
		return err
	}
	cc, err := NormalizeCountry(c.Country)
	if err != nil {
		return err
	}
	c.Country = cc
	c.SurgerySetSelection = normalizeList(c.SurgerySetSelection)
	c.ImplantBox = normalizeList(c.ImplantBox)

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ref, err := s.NextReference(ctx, c.Country)
		if err != nil {
			return err
		}
		now := s.now()
		c.ID = uuid.New()
		c.CaseReferenceNumber = ref
		c.Status = StatusCaseBooked
		c.SubmittedBy = submittedBy
		c.SubmittedAt = now
		c.IsAmended = false
		c.CreatedAt = now
		c.UpdatedAt = now
		if err := s.cases.Create(ctx, c); err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		if _, err := s.history.AddStatus(ctx, &StatusHistoryEntry{
			ID:          uuid.New(),
			CaseID:      c.ID,
			Status:      StatusCaseBooked,
			ProcessedBy: submittedBy,
			Timestamp:   now,
		}); err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
		if err := s.quantities.Sync(ctx, c.ID, quantitiesFor(c)); err != nil {
			return fmt.Errorf("seed quantities: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.metrics.StatusChanged(StatusCaseBooked)
	s.writeAudit(ctx, &auditlog.Entry{
		Actor:      submittedBy,
		Action:     auditlog.ActionCaseSubmitted,
		EntityType: "case_booking",
		EntityID:   c.ID.String(),
		Details:    map[string]interface{}{"reference": c.CaseReferenceNumber, "country": c.Country},
	})
	s.notifyStatus(ctx, c, "", nil)
	s.recalculateUsage(ctx, c.Country)
	return nil
}

func validateNewCase(c *CaseBooking, submittedBy string) error {
	var missing []string
	for _, f := range []struct {
		name, value string
	}{
		{"country", c.Country},
		{"hospital", c.Hospital},
		{"department", c.Department},
		{"procedure_type", c.ProcedureType},
		{"doctor_name", c.DoctorName},
		{"submitted_by", submittedBy},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if c.DateOfSurgery.IsZero() {
		missing = append(missing, "date_of_surgery")
	}
	if len(missing) > 0 {
		return validationError("%s required", strings.Join(missing, ", "))
	}
	return nil
}

// -- Status writer --

// UpdateStatus moves a case to u.Status. Requesting the current status is a
// no-op. The row update and history append commit together; audit and email
// run afterwards and never fail the call.
func (s *Service) UpdateStatus(ctx context.Context, u StatusUpdate) (*StatusResult, error) {
	if !IsValidStatus(u.Status) {
		return nil, validationError("unknown status %q", u.Status)
	}
	if strings.TrimSpace(u.ProcessedBy) == "" {
		return nil, validationError("processed_by required")
	}
	prefix := attachmentPrefix(u.CaseID)
	for _, key := range u.Attachments {
		if !strings.HasPrefix(key, prefix) {
			return nil, validationError("attachment %q does not belong to case %s", key, u.CaseID)
		}
	}

	res := &StatusResult{}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.cases.GetForUpdate(ctx, u.CaseID)
		if err != nil {
			return fmt.Errorf("read case %s: %w", u.CaseID, err)
		}
		res.Case = c
		res.PreviousStatus = c.Status
		if c.Status == u.Status {
			return nil
		}

		now := s.now()
		c.Status = u.Status
		c.ProcessedBy = &u.ProcessedBy
		c.ProcessedAt = &now
		if u.Details != nil {
			c.ProcessOrderDetails = u.Details
		}
		c.UpdatedAt = now
		if err := s.cases.UpdateStatus(ctx, c); err != nil {
			return fmt.Errorf("update case status: %w", err)
		}
		res.Changed = true

		record, reason, err := s.shouldRecordStatus(ctx, c.ID, u.Status, now)
		if err != nil {
			return fmt.Errorf("read status history: %w", err)
		}
		if !record {
			s.metrics.HistorySuppressed(reason)
			return nil
		}
		inserted, err := s.history.AddStatus(ctx, &StatusHistoryEntry{
			ID:          uuid.New(),
			CaseID:      c.ID,
			Status:      u.Status,
			ProcessedBy: u.ProcessedBy,
			Timestamp:   now,
			Details:     u.Details,
			Attachments: u.Attachments,
		})
		if err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
		if !inserted {
			s.metrics.HistorySuppressed(metrics.SuppressedInitialBooked)
		}
		res.HistoryRecorded = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res, nil
	}

	s.metrics.StatusChanged(u.Status)
	details := map[string]interface{}{"from": res.PreviousStatus, "to": u.Status}
	if u.Details != nil {
		details["details"] = *u.Details
	}
	s.writeAudit(ctx, &auditlog.Entry{
		Actor:      u.ProcessedBy,
		Action:     auditlog.ActionStatusChanged,
		EntityType: "case_booking",
		EntityID:   u.CaseID.String(),
		Details:    details,
	})
	s.notifyStatus(ctx, res.Case, res.PreviousStatus, u.Details)
	if u.Status == StatusCaseCancelled || res.PreviousStatus == StatusCaseCancelled {
		s.recalculateUsage(ctx, res.Case.Country)
	}
	return res, nil
}

// shouldRecordStatus applies the history suppression rules: the initial
// booked status is recorded once per case, any other status at most once per
// duplicate window.
func (s *Service) shouldRecordStatus(ctx context.Context, caseID uuid.UUID, status string, now time.Time) (bool, string, error) {
	last, ok, err := s.history.LastStatusAt(ctx, caseID, status)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return true, "", nil
	}
	if status == StatusCaseBooked {
		return false, metrics.SuppressedInitialBooked, nil
	}
	if now.Sub(last) < s.window {
		return false, metrics.SuppressedDuplicate, nil
	}
	return true, "", nil
}

// -- Amendment writer --

// Amend applies the differing fields of a to the case and records them in one
// amendment history entry. Nothing is written when no field differs.
func (s *Service) Amend(ctx context.Context, caseID uuid.UUID, a CaseAmendment, amendedBy string, reason *string) (*AmendResult, error) {
	if strings.TrimSpace(amendedBy) == "" {
		return nil, validationError("amended_by required")
	}
	if err := validateAmendment(a); err != nil {
		return nil, err
	}

	res := &AmendResult{}
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		cur, err := s.cases.GetForUpdate(ctx, caseID)
		if err != nil {
			return fmt.Errorf("read case %s: %w", caseID, err)
		}
		next, changes := applyAmendment(cur, a)
		if len(changes) == 0 {
			res.Case = cur
			return nil
		}

		now := s.now()
		next.IsAmended = true
		next.AmendedBy = &amendedBy
		next.AmendedAt = &now
		next.UpdatedAt = now
		if err := s.cases.UpdateAmended(ctx, next); err != nil {
			return fmt.Errorf("update case: %w", err)
		}
		if selectionChanged(changes) {
			if err := s.quantities.Sync(ctx, caseID, quantitiesFor(next)); err != nil {
				return fmt.Errorf("sync quantities: %w", err)
			}
		}

		entry := &AmendmentHistoryEntry{
			ID:        uuid.New(),
			CaseID:    caseID,
			AmendedBy: amendedBy,
			Timestamp: now,
			Reason:    reason,
			Changes:   changes,
		}
		if err := s.recordAmendment(ctx, entry); err != nil {
			return err
		}
		res.Case = next
		res.Changed = true
		res.Entry = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		s.metrics.Amendment("noop")
		return res, nil
	}

	s.metrics.Amendment("changed")
	s.writeAudit(ctx, &auditlog.Entry{
		Actor:      amendedBy,
		Action:     auditlog.ActionCaseAmended,
		EntityType: "case_booking",
		EntityID:   caseID.String(),
		Details:    map[string]interface{}{"changes": res.Entry.Changes, "reason": deref(reason)},
	})
	s.notifyAmended(ctx, res.Case, res.Entry)
	if selectionChanged(res.Entry.Changes) {
		s.recalculateUsage(ctx, res.Case.Country)
	}
	return res, nil
}

// recordAmendment inserts the history row inside a savepoint. If that fails
// the row is retried once as an upsert under a fresh id.
func (s *Service) recordAmendment(ctx context.Context, e *AmendmentHistoryEntry) error {
	err := db.Savepoint(ctx, func(ctx context.Context) error {
		return s.history.AddAmendment(ctx, e)
	})
	if err == nil {
		return nil
	}
	s.logger.Warn().Err(err).Str("case_id", e.CaseID.String()).Msg("amendment history insert failed, retrying as upsert")
	s.metrics.Amendment("history_retry")

	e.ID = uuid.New()
	if retryErr := s.history.UpsertAmendment(ctx, e); retryErr != nil {
		return fmt.Errorf("insert amendment history: %w", errors.Join(err, retryErr))
	}
	return nil
}

func validateAmendment(a CaseAmendment) error {
	for name, v := range map[string]*string{
		"hospital":       a.Hospital,
		"department":     a.Department,
		"procedure_type": a.ProcedureType,
		"doctor_name":    a.DoctorName,
	} {
		if v != nil && strings.TrimSpace(*v) == "" {
			return validationError("%s cannot be empty", name)
		}
	}
	if a.DateOfSurgery != nil && a.DateOfSurgery.IsZero() {
		return validationError("date_of_surgery cannot be empty")
	}
	return nil
}

// -- Reads --

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*CaseBooking, error) {
	return s.cases.GetByID(ctx, id)
}

func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*CaseBooking, int, error) {
	if from, ok := params["date_from"]; ok && from != "" {
		if _, err := time.Parse(dateLayout, from); err != nil {
			return nil, 0, validationError("date_from must be YYYY-MM-DD")
		}
	}
	if to, ok := params["date_to"]; ok && to != "" {
		if _, err := time.Parse(dateLayout, to); err != nil {
			return nil, 0, validationError("date_to must be YYYY-MM-DD")
		}
	}
	if amended := params["is_amended"]; amended != "" {
		if _, err := strconv.ParseBool(amended); err != nil {
			return nil, 0, validationError("is_amended must be true or false")
		}
	}
	return s.cases.Search(ctx, params, limit, offset)
}

func (s *Service) StatusHistory(ctx context.Context, caseID uuid.UUID) ([]*StatusHistoryEntry, error) {
	if _, err := s.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return s.history.ListStatus(ctx, caseID)
}

func (s *Service) AmendmentHistory(ctx context.Context, caseID uuid.UUID) ([]*AmendmentHistoryEntry, error) {
	if _, err := s.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return s.history.ListAmendments(ctx, caseID)
}

func (s *Service) Quantities(ctx context.Context, caseID uuid.UUID) ([]*CaseQuantity, error) {
	if _, err := s.cases.GetByID(ctx, caseID); err != nil {
		return nil, err
	}
	return s.quantities.List(ctx, caseID)
}

// SetQuantity adjusts how many of a selected item the case needs.
func (s *Service) SetQuantity(ctx context.Context, caseID uuid.UUID, itemType, itemName string, qty int) error {
	if itemType != ItemSurgerySet && itemType != ItemImplantBox {
		return validationError("item_type must be %q or %q", ItemSurgerySet, ItemImplantBox)
	}
	if qty <= 0 {
		return validationError("quantity must be positive")
	}
	return s.quantities.SetQuantity(ctx, caseID, itemType, itemName, qty)
}

// -- Delete --

// Delete removes a case with its quantities and history. Catalog usage for
// the case's country is recalculated afterwards.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor string) error {
	var deleted *CaseBooking
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		c, err := s.cases.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.quantities.DeleteForCase(ctx, id); err != nil {
			return fmt.Errorf("delete quantities: %w", err)
		}
		if err := s.history.DeleteForCase(ctx, id); err != nil {
			return fmt.Errorf("delete history: %w", err)
		}
		if err := s.cases.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete case: %w", err)
		}
		deleted = c
		return nil
	})
	if err != nil {
		return err
	}

	s.writeAudit(ctx, &auditlog.Entry{
		Actor:      actor,
		Action:     auditlog.ActionCaseDeleted,
		EntityType: "case_booking",
		EntityID:   id.String(),
		Details:    map[string]interface{}{"reference": deleted.CaseReferenceNumber},
	})
	s.recalculateUsage(ctx, deleted.Country)
	return nil
}

// -- Attachments --

func attachmentPrefix(caseID uuid.UUID) string {
	return "cases/" + caseID.String() + "/"
}

// AttachFile stores a file for the case and returns its blob info. The key
// is what status updates reference in Attachments.
func (s *Service) AttachFile(ctx context.Context, caseID uuid.UUID, filename, contentType string, r io.Reader, uploadedBy string) (blobstore.Info, error) {
	if s.blobs == nil {
		return blobstore.Info{}, blobstore.ErrUnsupported
	}
	name := sanitizeFilename(filename)
	if name == "" {
		return blobstore.Info{}, validationError("file name required")
	}
	if !blobstore.ContentTypeAllowed(contentType) {
		return blobstore.Info{}, validationError("content type %q not allowed", contentType)
	}
	if _, err := s.cases.GetByID(ctx, caseID); err != nil {
		return blobstore.Info{}, err
	}

	key := attachmentPrefix(caseID) + uuid.NewString() + "-" + name
	info, err := s.blobs.Put(ctx, key, r, blobstore.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"uploaded_by": uploadedBy, "file_name": name},
	})
	if errors.Is(err, blobstore.ErrTooLarge) {
		return blobstore.Info{}, validationError("%v", err)
	}
	if err != nil {
		return blobstore.Info{}, fmt.Errorf("store attachment: %w", err)
	}
	return info, nil
}

func (s *Service) Attachments(ctx context.Context, caseID uuid.UUID) ([]blobstore.Info, error) {
	if s.blobs == nil {
		return nil, blobstore.ErrUnsupported
	}
	return s.blobs.List(ctx, attachmentPrefix(caseID))
}

// OpenAttachment streams one attachment of the case.
func (s *Service) OpenAttachment(ctx context.Context, caseID uuid.UUID, key string) (blobstore.Info, io.ReadCloser, error) {
	if s.blobs == nil {
		return blobstore.Info{}, nil, blobstore.ErrUnsupported
	}
	if !strings.HasPrefix(key, attachmentPrefix(caseID)) {
		return blobstore.Info{}, nil, ErrNotFound
	}
	info, rc, err := s.blobs.Get(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return blobstore.Info{}, nil, ErrNotFound
	}
	return info, rc, err
}

func sanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == "/" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

// -- Best-effort side effects --

func (s *Service) writeAudit(ctx context.Context, e *auditlog.Entry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogEvent(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("action", e.Action).Str("case_id", e.EntityID).Msg("audit log write failed")
		s.metrics.BestEffortFailed("audit")
	}
}

func (s *Service) notifyStatus(ctx context.Context, c *CaseBooking, from string, details *string) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.NotifyStatusChanged(ctx, notification.StatusEvent{
		CaseID:        c.ID.String(),
		CaseReference: c.CaseReferenceNumber,
		Country:       c.Country,
		Hospital:      c.Hospital,
		Doctor:        c.DoctorName,
		DateOfSurgery: c.DateOfSurgery,
		FromStatus:    from,
		ToStatus:      c.Status,
		ProcessedBy:   processedBy(c),
		Details:       deref(details),
		Timestamp:     c.UpdatedAt,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("case_id", c.ID.String()).Str("status", c.Status).Msg("status notification failed")
		s.metrics.BestEffortFailed("notify")
	}
}

func processedBy(c *CaseBooking) string {
	if c.ProcessedBy != nil {
		return *c.ProcessedBy
	}
	return c.SubmittedBy
}

func (s *Service) notifyAmended(ctx context.Context, c *CaseBooking, e *AmendmentHistoryEntry) {
	if s.notifier == nil {
		return
	}
	changes := make([]notification.Change, 0, len(e.Changes))
	for _, ch := range e.Changes {
		changes = append(changes, notification.Change{Field: ch.Field, OldValue: ch.OldValue, NewValue: ch.NewValue})
	}
	err := s.notifier.NotifyCaseAmended(ctx, notification.AmendmentEvent{
		CaseID:        c.ID.String(),
		CaseReference: c.CaseReferenceNumber,
		Country:       c.Country,
		Hospital:      c.Hospital,
		Status:        c.Status,
		AmendedBy:     e.AmendedBy,
		Reason:        deref(e.Reason),
		Changes:       changes,
		Timestamp:     e.Timestamp,
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("amendment notification failed")
		s.metrics.BestEffortFailed("notify")
	}
}

func (s *Service) recalculateUsage(ctx context.Context, country string) {
	if s.usage == nil {
		return
	}
	if err := s.usage.RecalculateUsage(ctx, country); err != nil {
		s.logger.Warn().Err(err).Str("country", country).Msg("usage recalculation failed")
		s.metrics.BestEffortFailed("usage")
	}
}
