package casebooking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tmc/casebooking/internal/platform/auditlog"
	"github.com/tmc/casebooking/internal/platform/blobstore"
	"github.com/tmc/casebooking/internal/platform/db"
	"github.com/tmc/casebooking/internal/platform/notification"
)

// -- Mock Repositories --

type mockCaseRepo struct {
	cases           map[uuid.UUID]*CaseBooking
	statusUpdates   int
	amendUpdates    int
	updateStatusErr error
}

func newMockCaseRepo() *mockCaseRepo {
	return &mockCaseRepo{cases: make(map[uuid.UUID]*CaseBooking)}
}

func copyCase(c *CaseBooking) *CaseBooking {
	cp := *c
	cp.SurgerySetSelection = append([]string(nil), c.SurgerySetSelection...)
	cp.ImplantBox = append([]string(nil), c.ImplantBox...)
	return &cp
}

func (m *mockCaseRepo) Create(_ context.Context, c *CaseBooking) error {
	for _, existing := range m.cases {
		if existing.CaseReferenceNumber == c.CaseReferenceNumber {
			return ErrConflict
		}
	}
	m.cases[c.ID] = copyCase(c)
	return nil
}

func (m *mockCaseRepo) GetByID(_ context.Context, id uuid.UUID) (*CaseBooking, error) {
	c, ok := m.cases[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCase(c), nil
}

func (m *mockCaseRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*CaseBooking, error) {
	return m.GetByID(ctx, id)
}

func (m *mockCaseRepo) UpdateStatus(_ context.Context, c *CaseBooking) error {
	if m.updateStatusErr != nil {
		return m.updateStatusErr
	}
	if _, ok := m.cases[c.ID]; !ok {
		return ErrNotFound
	}
	m.statusUpdates++
	m.cases[c.ID] = copyCase(c)
	return nil
}

func (m *mockCaseRepo) UpdateAmended(_ context.Context, c *CaseBooking) error {
	if _, ok := m.cases[c.ID]; !ok {
		return ErrNotFound
	}
	m.amendUpdates++
	m.cases[c.ID] = copyCase(c)
	return nil
}

func (m *mockCaseRepo) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := m.cases[id]; !ok {
		return ErrNotFound
	}
	delete(m.cases, id)
	return nil
}

func (m *mockCaseRepo) Search(_ context.Context, params map[string]string, limit, offset int) ([]*CaseBooking, int, error) {
	var result []*CaseBooking
	for _, c := range m.cases {
		if cc := params["country"]; cc != "" && c.Country != cc {
			continue
		}
		if st := params["status"]; st != "" && c.Status != st {
			continue
		}
		result = append(result, copyCase(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CaseReferenceNumber < result[j].CaseReferenceNumber })
	return result, len(result), nil
}

type mockHistoryRepo struct {
	status     []*StatusHistoryEntry
	amendments []*AmendmentHistoryEntry

	addStatusErr    error
	deleteErr       error
	addAmendmentErr error
	upsertErr       error
	upserts         int
}

func newMockHistoryRepo() *mockHistoryRepo { return &mockHistoryRepo{} }

// AddStatus mirrors the partial unique index on the initial booked status.
func (m *mockHistoryRepo) AddStatus(_ context.Context, e *StatusHistoryEntry) (bool, error) {
	if m.addStatusErr != nil && e.Status != StatusCaseBooked {
		return false, m.addStatusErr
	}
	if e.Status == StatusCaseBooked {
		for _, s := range m.status {
			if s.CaseID == e.CaseID && s.Status == StatusCaseBooked {
				return false, nil
			}
		}
	}
	cp := *e
	m.status = append(m.status, &cp)
	return true, nil
}

func (m *mockHistoryRepo) LastStatusAt(_ context.Context, caseID uuid.UUID, status string) (time.Time, bool, error) {
	var last time.Time
	found := false
	for _, s := range m.status {
		if s.CaseID == caseID && s.Status == status && (!found || s.Timestamp.After(last)) {
			last, found = s.Timestamp, true
		}
	}
	return last, found, nil
}

func (m *mockHistoryRepo) ListStatus(_ context.Context, caseID uuid.UUID) ([]*StatusHistoryEntry, error) {
	var out []*StatusHistoryEntry
	for _, s := range m.status {
		if s.CaseID == caseID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockHistoryRepo) countStatus(caseID uuid.UUID, status string) int {
	n := 0
	for _, s := range m.status {
		if s.CaseID == caseID && s.Status == status {
			n++
		}
	}
	return n
}

func (m *mockHistoryRepo) AddAmendment(_ context.Context, e *AmendmentHistoryEntry) error {
	if m.addAmendmentErr != nil {
		return m.addAmendmentErr
	}
	cp := *e
	m.amendments = append(m.amendments, &cp)
	return nil
}

func (m *mockHistoryRepo) UpsertAmendment(_ context.Context, e *AmendmentHistoryEntry) error {
	m.upserts++
	if m.upsertErr != nil {
		return m.upsertErr
	}
	cp := *e
	m.amendments = append(m.amendments, &cp)
	return nil
}

func (m *mockHistoryRepo) ListAmendments(_ context.Context, caseID uuid.UUID) ([]*AmendmentHistoryEntry, error) {
	var out []*AmendmentHistoryEntry
	for _, a := range m.amendments {
		if a.CaseID == caseID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockHistoryRepo) DeleteForCase(_ context.Context, caseID uuid.UUID) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	var status []*StatusHistoryEntry
	for _, s := range m.status {
		if s.CaseID != caseID {
			status = append(status, s)
		}
	}
	var amendments []*AmendmentHistoryEntry
	for _, a := range m.amendments {
		if a.CaseID != caseID {
			amendments = append(amendments, a)
		}
	}
	m.status, m.amendments = status, amendments
	return nil
}

type mockCounterRepo struct {
	counters map[string]int
}

func newMockCounterRepo() *mockCounterRepo {
	return &mockCounterRepo{counters: make(map[string]int)}
}

func (m *mockCounterRepo) Next(_ context.Context, country string, year int) (int, error) {
	key := fmt.Sprintf("%s/%d", country, year)
	m.counters[key]++
	return m.counters[key], nil
}

type mockQuantityRepo struct {
	items map[uuid.UUID][]*CaseQuantity
}

func newMockQuantityRepo() *mockQuantityRepo {
	return &mockQuantityRepo{items: make(map[uuid.UUID][]*CaseQuantity)}
}

func (m *mockQuantityRepo) Sync(_ context.Context, caseID uuid.UUID, items []CaseQuantity) error {
	existing := make(map[string]*CaseQuantity)
	for _, q := range m.items[caseID] {
		existing[q.ItemType+":"+q.ItemName] = q
	}
	var out []*CaseQuantity
	for _, it := range items {
		if q, ok := existing[it.ItemType+":"+it.ItemName]; ok {
			out = append(out, q)
			continue
		}
		cp := it
		cp.ID = uuid.New()
		out = append(out, &cp)
	}
	m.items[caseID] = out
	return nil
}

func (m *mockQuantityRepo) SetQuantity(_ context.Context, caseID uuid.UUID, itemType, itemName string, qty int) error {
	for _, q := range m.items[caseID] {
		if q.ItemType == itemType && q.ItemName == itemName {
			q.Quantity = qty
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockQuantityRepo) List(_ context.Context, caseID uuid.UUID) ([]*CaseQuantity, error) {
	return m.items[caseID], nil
}

func (m *mockQuantityRepo) DeleteForCase(_ context.Context, caseID uuid.UUID) error {
	delete(m.items, caseID)
	return nil
}

// -- Mock collaborators --

type mockNotifier struct {
	status     []notification.StatusEvent
	amendments []notification.AmendmentEvent
	err        error
}

func (m *mockNotifier) NotifyStatusChanged(_ context.Context, ev notification.StatusEvent) error {
	m.status = append(m.status, ev)
	return m.err
}

func (m *mockNotifier) NotifyCaseAmended(_ context.Context, ev notification.AmendmentEvent) error {
	m.amendments = append(m.amendments, ev)
	return m.err
}

type mockAudit struct {
	entries []*auditlog.Entry
	err     error
}

func (m *mockAudit) LogEvent(_ context.Context, e *auditlog.Entry) error {
	m.entries = append(m.entries, e)
	return m.err
}

type mockUsage struct {
	countries []string
	err       error
}

func (m *mockUsage) RecalculateUsage(_ context.Context, country string) error {
	m.countries = append(m.countries, country)
	return m.err
}

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func ptr[T any](v T) *T { return &v }

func mustDate(s string) time.Time {
	d, _ := time.Parse(dateLayout, s)
	return d
}

type testEnv struct {
	svc        *Service
	cases      *mockCaseRepo
	history    *mockHistoryRepo
	counters   *mockCounterRepo
	quantities *mockQuantityRepo
	notifier   *mockNotifier
	audit      *mockAudit
	usage      *mockUsage
	blobs      *blobstore.MemoryStore
	clock      *fakeClock
}

func newTestEnv() *testEnv {
	env := &testEnv{
		cases:      newMockCaseRepo(),
		history:    newMockHistoryRepo(),
		counters:   newMockCounterRepo(),
		quantities: newMockQuantityRepo(),
		notifier:   &mockNotifier{},
		audit:      &mockAudit{},
		usage:      &mockUsage{},
		blobs:      blobstore.NewMemoryStore(),
		clock:      newFakeClock(),
	}
	env.svc = NewService(db.NopTransactor{}, env.cases, env.history, env.counters, env.quantities,
		WithNotifier(env.notifier),
		WithAuditWriter(env.audit),
		WithUsageRecalculator(env.usage),
		WithBlobStore(env.blobs),
		WithClock(env.clock.Now),
	)
	return env
}

func newTestService() *Service {
	return newTestEnv().svc
}

func sampleCase() *CaseBooking {
	return &CaseBooking{
		Country:             "sg",
		Hospital:            "General Hospital",
		Department:          "Orthopaedics",
		DateOfSurgery:       mustDate("2024-03-10"),
		ProcedureType:       "Knee",
		ProcedureName:       "Total Knee Replacement",
		DoctorName:          "Dr Tan",
		SurgerySetSelection: []string{"Knee Set A", "Knee Set B"},
		ImplantBox:          []string{"Box 1"},
	}
}

func (env *testEnv) submit(t *testing.T) *CaseBooking {
	t.Helper()
	c := sampleCase()
	if err := env.svc.Submit(context.Background(), c, "bob"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return c
}

// -- Submission --

func TestSubmit_AssignsReferenceAndSeedsHistory(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)

	if c.CaseReferenceNumber != "TMC-SG-2024-001" {
		t.Errorf("expected TMC-SG-2024-001, got %s", c.CaseReferenceNumber)
	}
	if c.Status != StatusCaseBooked || c.Country != "SG" || c.SubmittedBy != "bob" {
		t.Errorf("unexpected case: %+v", c)
	}
	if n := env.history.countStatus(c.ID, StatusCaseBooked); n != 1 {
		t.Errorf("expected 1 booked history entry, got %d", n)
	}
	if q, _ := env.quantities.List(context.Background(), c.ID); len(q) != 3 {
		t.Errorf("expected 3 quantity rows, got %d", len(q))
	}
	if len(env.notifier.status) != 1 || env.notifier.status[0].FromStatus != "" {
		t.Errorf("expected one booking notification, got %+v", env.notifier.status)
	}
	if len(env.audit.entries) != 1 || env.audit.entries[0].Action != auditlog.ActionCaseSubmitted {
		t.Errorf("expected submission audit entry, got %+v", env.audit.entries)
	}
	if len(env.usage.countries) != 1 || env.usage.countries[0] != "SG" {
		t.Errorf("expected usage recalculation for SG, got %v", env.usage.countries)
	}
}

func TestSubmit_MissingFields(t *testing.T) {
	svc := newTestService()
	err := svc.Submit(context.Background(), &CaseBooking{Country: "SG"}, "bob")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	for _, field := range []string{"hospital", "department", "procedure_type", "doctor_name", "date_of_surgery"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("expected %s in %q", field, err)
		}
	}
}

func TestSubmit_InvalidCountry(t *testing.T) {
	svc := newTestService()
	c := sampleCase()
	c.Country = "Singapore"
	if err := svc.Submit(context.Background(), c, "bob"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// -- Reference numbers --

func TestNextReference_IncreasingPerCountryAndYear(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	var refs []string
	for i := 0; i < 3; i++ {
		ref, err := env.svc.NextReference(ctx, "my")
		if err != nil {
			t.Fatalf("NextReference: %v", err)
		}
		refs = append(refs, ref)
	}
	want := []string{"TMC-MY-2024-001", "TMC-MY-2024-002", "TMC-MY-2024-003"}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("ref %d = %s, want %s", i, refs[i], want[i])
		}
	}

	other, _ := env.svc.NextReference(ctx, "SG")
	if other != "TMC-SG-2024-001" {
		t.Errorf("expected independent counter per country, got %s", other)
	}

	env.clock.t = time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	next, _ := env.svc.NextReference(ctx, "MY")
	if next != "TMC-MY-2025-001" {
		t.Errorf("expected counter to restart in a new year, got %s", next)
	}
}

func TestNextReference_InvalidCountry(t *testing.T) {
	svc := newTestService()
	for _, cc := range []string{"", "S", "SING", "S1"} {
		if _, err := svc.NextReference(context.Background(), cc); !errors.Is(err, ErrValidation) {
			t.Errorf("NextReference(%q): expected ErrValidation, got %v", cc, err)
		}
	}
}

// -- Status writer --

func TestUpdateStatus_SameStatusIsNoop(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	before := len(env.history.status)

	res, err := env.svc.UpdateStatus(context.Background(), StatusUpdate{CaseID: c.ID, Status: StatusCaseBooked, ProcessedBy: "alice"})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if res.Changed || res.HistoryRecorded {
		t.Errorf("expected no-op result, got %+v", res)
	}
	if env.cases.statusUpdates != 0 {
		t.Errorf("expected no row update, got %d", env.cases.statusUpdates)
	}
	if len(env.history.status) != before {
		t.Errorf("expected no history row, got %d new", len(env.history.status)-before)
	}
}

func TestUpdateStatus_Scenario(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.submit(t)

	res, err := env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: StatusOrderPrepared, ProcessedBy: "alice"})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !res.Changed || !res.HistoryRecorded || res.PreviousStatus != StatusCaseBooked {
		t.Errorf("unexpected result %+v", res)
	}
	got, _ := env.svc.Get(ctx, c.ID)
	if got.Status != StatusOrderPrepared {
		t.Errorf("expected status %q, got %q", StatusOrderPrepared, got.Status)
	}
	history, _ := env.svc.StatusHistory(ctx, c.ID)
	last := history[len(history)-1]
	if last.Status != StatusOrderPrepared || last.ProcessedBy != "alice" {
		t.Errorf("unexpected last history entry %+v", last)
	}

	env.clock.Advance(10 * time.Second)
	res, err = env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: StatusOrderPrepared, ProcessedBy: "alice"})
	if err != nil {
		t.Fatalf("repeat UpdateStatus: %v", err)
	}
	if res.Changed {
		t.Error("expected repeat to be a no-op")
	}
	if n := env.history.countStatus(c.ID, StatusOrderPrepared); n != 1 {
		t.Errorf("expected 1 history row, got %d", n)
	}
}

func TestUpdateStatus_InitialBookedRecordedOnce(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.submit(t)

	for i := 0; i < 3; i++ {
		env.clock.Advance(2 * time.Minute)
		if _, err := env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: StatusOrderPreparation, ProcessedBy: "alice"}); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		env.clock.Advance(2 * time.Minute)
		res, err := env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: StatusCaseBooked, ProcessedBy: "alice"})
		if err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		if !res.Changed || res.HistoryRecorded {
			t.Errorf("expected status change without history, got %+v", res)
		}
	}
	if n := env.history.countStatus(c.ID, StatusCaseBooked); n != 1 {
		t.Errorf("expected exactly 1 booked entry, got %d", n)
	}
}

func TestUpdateStatus_DuplicateWindow(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()
	c := env.submit(t)

	move := func(status string) *StatusResult {
		t.Helper()
		res, err := env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: status, ProcessedBy: "alice"})
		if err != nil {
			t.Fatalf("UpdateStatus(%s): %v", status, err)
		}
		return res
	}

	move(StatusPendingDeliveryHospital)
	env.clock.Advance(10 * time.Second)
	move(StatusDeliveredHospital)
	env.clock.Advance(10 * time.Second)
	if res := move(StatusPendingDeliveryHospital); res.HistoryRecorded {
		t.Error("expected history to be suppressed inside the window")
	}
	if n := env.history.countStatus(c.ID, StatusPendingDeliveryHospital); n != 1 {
		t.Errorf("expected 1 entry inside window, got %d", n)
	}

	env.clock.Advance(time.Minute)
	move(StatusDeliveredHospital)
	env.clock.Advance(time.Minute)
	if res := move(StatusPendingDeliveryHospital); !res.HistoryRecorded {
		t.Error("expected history after the window elapsed")
	}
	if n := env.history.countStatus(c.ID, StatusPendingDeliveryHospital); n != 2 {
		t.Errorf("expected 2 entries after window, got %d", n)
	}
}

func TestUpdateStatus_CustomWindow(t *testing.T) {
	env := newTestEnv()
	WithDuplicateWindow(5 * time.Minute)(env.svc)
	ctx := context.Background()
	c := env.submit(t)

	env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: StatusOrderPreparation, ProcessedBy: "a"})
	env.clock.Advance(2 * time.Minute)
	env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: StatusOrderPrepared, ProcessedBy: "a"})
	env.clock.Advance(2 * time.Minute)
	env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: StatusOrderPreparation, ProcessedBy: "a"})

	if n := env.history.countStatus(c.ID, StatusOrderPreparation); n != 1 {
		t.Errorf("expected 1 entry inside a 5m window, got %d", n)
	}
}

func TestUpdateStatus_Validation(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	ctx := context.Background()

	tests := []struct {
		name string
		u    StatusUpdate
	}{
		{"unknown status", StatusUpdate{CaseID: c.ID, Status: "Shipped", ProcessedBy: "alice"}},
		{"missing actor", StatusUpdate{CaseID: c.ID, Status: StatusOrderPrepared}},
		{"foreign attachment", StatusUpdate{CaseID: c.ID, Status: StatusOrderPrepared, ProcessedBy: "alice",
			Attachments: []string{"cases/" + uuid.NewString() + "/x.pdf"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.UpdateStatus(ctx, tt.u); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.UpdateStatus(context.Background(), StatusUpdate{CaseID: uuid.New(), Status: StatusOrderPrepared, ProcessedBy: "alice"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateStatus_WriteFailuresAbort(t *testing.T) {
	tests := []struct {
		name    string
		inject  func(env *testEnv, err error)
		wantMsg string
	}{
		{"history insert", func(env *testEnv, err error) { env.history.addStatusErr = err }, "insert status history"},
		{"case update", func(env *testEnv, err error) { env.cases.updateStatusErr = err }, "update case status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			c := env.submit(t)
			audits, notifications := len(env.audit.entries), len(env.notifier.status)
			boom := errors.New("write failed")
			tt.inject(env, boom)

			res, err := env.svc.UpdateStatus(context.Background(), StatusUpdate{
				CaseID: c.ID, Status: StatusOrderPreparation, ProcessedBy: "alice",
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected wrapped write error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected %q in %q", tt.wantMsg, err.Error())
			}
			if res != nil {
				t.Errorf("expected nil result, got %+v", res)
			}
			if len(env.audit.entries) != audits {
				t.Errorf("expected no audit entry, got %d new", len(env.audit.entries)-audits)
			}
			if len(env.notifier.status) != notifications {
				t.Errorf("expected no notification, got %d new", len(env.notifier.status)-notifications)
			}
			if len(env.usage.countries) != 1 {
				t.Errorf("expected only the submit usage recalculation, got %v", env.usage.countries)
			}
		})
	}
}

func TestUpdateStatus_SideEffectFailuresAreSwallowed(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	env.notifier.err = errors.New("mailer down")
	env.audit.err = errors.New("audit table locked")

	res, err := env.svc.UpdateStatus(context.Background(), StatusUpdate{
		CaseID: c.ID, Status: StatusOrderPreparation, ProcessedBy: "alice", Details: ptr("picking started"),
	})
	if err != nil {
		t.Fatalf("expected side effect failures to be ignored, got %v", err)
	}
	if !res.Changed || !res.HistoryRecorded {
		t.Errorf("unexpected result %+v", res)
	}
	last := env.notifier.status[len(env.notifier.status)-1]
	if last.FromStatus != StatusCaseBooked || last.ToStatus != StatusOrderPreparation || last.Details != "picking started" {
		t.Errorf("unexpected notification %+v", last)
	}
	got, _ := env.svc.Get(context.Background(), c.ID)
	if got.ProcessOrderDetails == nil || *got.ProcessOrderDetails != "picking started" {
		t.Errorf("expected process order details to be stored, got %v", got.ProcessOrderDetails)
	}
}

func TestUpdateStatus_CancelRecalculatesUsage(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	env.usage.countries = nil

	if _, err := env.svc.UpdateStatus(context.Background(), StatusUpdate{CaseID: c.ID, Status: StatusCaseCancelled, ProcessedBy: "alice"}); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if len(env.usage.countries) != 1 {
		t.Errorf("expected usage recalculation on cancel, got %v", env.usage.countries)
	}
}

// -- Amendment writer --

func TestAmend_NoDifferenceIsNoop(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)

	res, err := env.svc.Amend(context.Background(), c.ID, CaseAmendment{
		Hospital:            ptr("General Hospital"),
		DateOfSurgery:       ptr(mustDate("2024-03-10")),
		SurgerySetSelection: []string{"Knee Set B", "Knee Set A"},
		SetSurgerySets:      true,
	}, "carol", nil)
	if err != nil {
		t.Fatalf("Amend: %v", err)
	}
	if res.Changed || res.Entry != nil {
		t.Errorf("expected no-op, got %+v", res)
	}
	if env.cases.amendUpdates != 0 {
		t.Errorf("expected no row update, got %d", env.cases.amendUpdates)
	}
	if len(env.history.amendments) != 0 {
		t.Errorf("expected no amendment history, got %d", len(env.history.amendments))
	}
	if len(env.notifier.amendments) != 0 {
		t.Error("expected no amendment notification")
	}
}

func TestAmend_OneEntryWithAllChanges(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	env.clock.Advance(time.Hour)

	res, err := env.svc.Amend(context.Background(), c.ID, CaseAmendment{
		Hospital:           ptr("City Hospital"),
		Department:         ptr("Orthopaedics"),
		DateOfSurgery:      ptr(mustDate("2024-03-12")),
		TimeOfProcedure:    ptr("08:30"),
		ImplantBox:         []string{"Box 2"},
		SetImplantBoxes:    true,
		SpecialInstruction: ptr("Bring spare drill"),
	}, "carol", ptr("hospital moved the case"))
	if err != nil {
		t.Fatalf("Amend: %v", err)
	}
	if !res.Changed {
		t.Fatal("expected a change")
	}
	if len(env.history.amendments) != 1 {
		t.Fatalf("expected 1 amendment row, got %d", len(env.history.amendments))
	}

	changes := env.history.amendments[0].Changes
	want := []Change{
		{Field: FieldHospital, OldValue: "General Hospital", NewValue: "City Hospital"},
		{Field: FieldDateOfSurgery, OldValue: "2024-03-10", NewValue: "2024-03-12"},
		{Field: FieldTimeOfProcedure, OldValue: "", NewValue: "08:30"},
		{Field: FieldImplantBoxes, OldValue: "Removed: Box 1", NewValue: "Added: Box 2"},
		{Field: FieldSpecialInstruction, OldValue: "", NewValue: "Bring spare drill"},
	}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %d: %+v", len(want), len(changes), changes)
	}
	for i := range want {
		if changes[i] != want[i] {
			t.Errorf("change %d = %+v, want %+v", i, changes[i], want[i])
		}
	}

	got, _ := env.svc.Get(context.Background(), c.ID)
	if !got.IsAmended || got.AmendedBy == nil || *got.AmendedBy != "carol" {
		t.Errorf("expected amended flag and actor, got %+v", got)
	}
	if got.AmendedAt == nil || !got.AmendedAt.Equal(got.UpdatedAt) {
		t.Errorf("expected amended_at == updated_at, got %v / %v", got.AmendedAt, got.UpdatedAt)
	}

	q, _ := env.quantities.List(context.Background(), c.ID)
	names := map[string]bool{}
	for _, it := range q {
		names[it.ItemName] = true
	}
	if !names["Box 2"] || names["Box 1"] {
		t.Errorf("expected quantities to follow the new selection, got %v", names)
	}
	if len(env.notifier.amendments) != 1 || env.notifier.amendments[0].Reason != "hospital moved the case" {
		t.Errorf("unexpected amendment notification %+v", env.notifier.amendments)
	}
}

func TestAmend_RetriesWithUpsert(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	env.history.addAmendmentErr = errors.New("duplicate key")

	res, err := env.svc.Amend(context.Background(), c.ID, CaseAmendment{Hospital: ptr("City Hospital")}, "carol", nil)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if env.history.upserts != 1 || len(env.history.amendments) != 1 {
		t.Errorf("expected one upserted row, got upserts=%d rows=%d", env.history.upserts, len(env.history.amendments))
	}
	if res.Entry.ID != env.history.amendments[0].ID {
		t.Error("expected result entry to carry the retried id")
	}
}

func TestAmend_RetryFailurePropagates(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	insertErr := errors.New("insert failed")
	env.history.addAmendmentErr = insertErr
	env.history.upsertErr = errors.New("upsert failed")

	_, err := env.svc.Amend(context.Background(), c.ID, CaseAmendment{Hospital: ptr("City Hospital")}, "carol", nil)
	if !errors.Is(err, insertErr) {
		t.Errorf("expected wrapped insert error, got %v", err)
	}
	if len(env.notifier.amendments) != 0 {
		t.Error("expected no notification for a failed amendment")
	}
}

func TestAmend_Validation(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	if _, err := env.svc.Amend(context.Background(), c.ID, CaseAmendment{Hospital: ptr("  ")}, "carol", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for empty hospital, got %v", err)
	}
	if _, err := env.svc.Amend(context.Background(), c.ID, CaseAmendment{}, "", nil); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for missing actor, got %v", err)
	}
	if _, err := env.svc.Amend(context.Background(), uuid.New(), CaseAmendment{Hospital: ptr("X")}, "carol", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// -- Delete, quantities, attachments --

func TestDelete(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	env.usage.countries = nil

	if err := env.svc.Delete(context.Background(), c.ID, "admin"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := env.svc.Get(context.Background(), c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if len(env.history.status) != 0 || len(env.quantities.items) != 0 {
		t.Error("expected history and quantities to be removed")
	}
	if len(env.usage.countries) != 1 || env.usage.countries[0] != "SG" {
		t.Errorf("expected usage recalculation, got %v", env.usage.countries)
	}
	last := env.audit.entries[len(env.audit.entries)-1]
	if last.Action != auditlog.ActionCaseDeleted {
		t.Errorf("expected delete audit entry, got %s", last.Action)
	}
}

func TestSetQuantity(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	ctx := context.Background()

	if err := env.svc.SetQuantity(ctx, c.ID, ItemSurgerySet, "Knee Set A", 2); err != nil {
		t.Fatalf("SetQuantity: %v", err)
	}
	if err := env.svc.SetQuantity(ctx, c.ID, ItemSurgerySet, "Unknown Set", 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := env.svc.SetQuantity(ctx, c.ID, "bag", "Knee Set A", 2); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for item type, got %v", err)
	}
	if err := env.svc.SetQuantity(ctx, c.ID, ItemSurgerySet, "Knee Set A", 0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for zero quantity, got %v", err)
	}
}

func TestAttachFile(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	ctx := context.Background()

	info, err := env.svc.AttachFile(ctx, c.ID, "../delivery note.pdf", "application/pdf", strings.NewReader("%PDF"), "alice")
	if err != nil {
		t.Fatalf("AttachFile: %v", err)
	}
	if !strings.HasPrefix(info.Key, "cases/"+c.ID.String()+"/") || !strings.HasSuffix(info.Key, "-delivery_note.pdf") {
		t.Errorf("unexpected key %s", info.Key)
	}

	res, err := env.svc.UpdateStatus(ctx, StatusUpdate{CaseID: c.ID, Status: StatusDeliveredHospital, ProcessedBy: "alice", Attachments: []string{info.Key}})
	if err != nil {
		t.Fatalf("UpdateStatus with attachment: %v", err)
	}
	if !res.HistoryRecorded {
		t.Error("expected history entry")
	}

	_, rc, err := env.svc.OpenAttachment(ctx, c.ID, info.Key)
	if err != nil {
		t.Fatalf("OpenAttachment: %v", err)
	}
	rc.Close()
	if _, _, err := env.svc.OpenAttachment(ctx, uuid.New(), info.Key); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for another case, got %v", err)
	}

	if _, err := env.svc.AttachFile(ctx, c.ID, "virus.exe", "application/x-msdownload", strings.NewReader("MZ"), "alice"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for content type, got %v", err)
	}
}

func TestAttachFile_NoStore(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	svc := NewService(db.NopTransactor{}, env.cases, env.history, env.counters, env.quantities)
	if _, err := svc.AttachFile(context.Background(), c.ID, "a.pdf", "application/pdf", strings.NewReader("x"), "alice"); !errors.Is(err, blobstore.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
}

func TestSearch_RejectsBadAmendedFlag(t *testing.T) {
	svc := newTestService()
	if _, _, err := svc.Search(context.Background(), map[string]string{"is_amended": "abc"}, 20, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, _, err := svc.Search(context.Background(), map[string]string{"is_amended": "true"}, 20, 0); err != nil {
		t.Errorf("unexpected error for valid flag: %v", err)
	}
}

func TestDelete_HistoryFailureIsWrapped(t *testing.T) {
	env := newTestEnv()
	c := env.submit(t)
	boom := errors.New("history locked")
	env.history.deleteErr = boom

	err := env.svc.Delete(context.Background(), c.ID, "root")
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "delete history") {
		t.Fatalf("expected wrapped history error, got %v", err)
	}
	if _, getErr := env.svc.Get(context.Background(), c.ID); getErr != nil {
		t.Errorf("expected case to survive a failed delete, got %v", getErr)
	}
}

func TestSearch_RejectsBadDates(t *testing.T) {
	svc := newTestService()
	if _, _, err := svc.Search(context.Background(), map[string]string{"date_from": "10/03/2024"}, 20, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
