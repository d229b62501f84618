package casebooking

import (
	"time"

	"github.com/google/uuid"
)

// Workflow stages in the order a case normally moves through them.
const (
	StatusCaseBooked              = "Case Booked"
	StatusOrderPreparation        = "Order Preparation"
	StatusOrderPrepared           = "Order Prepared"
	StatusPendingDeliveryHospital = "Pending Delivery (Hospital)"
	StatusDeliveredHospital       = "Delivered (Hospital)"
	StatusCaseCompleted           = "Case Completed"
	StatusPendingDeliveryOffice   = "Pending Delivery (Office)"
	StatusDeliveredOffice         = "Delivered (Office)"
	StatusToBeBilled              = "To be billed"
	StatusCaseClosed              = "Case Closed"
	StatusCaseCancelled           = "Case Cancelled"
)

var Statuses = []string{
	StatusCaseBooked,
	StatusOrderPreparation,
	StatusOrderPrepared,
	StatusPendingDeliveryHospital,
	StatusDeliveredHospital,
	StatusCaseCompleted,
	StatusPendingDeliveryOffice,
	StatusDeliveredOffice,
	StatusToBeBilled,
	StatusCaseClosed,
	StatusCaseCancelled,
}

var validStatuses = func() map[string]bool {
	m := make(map[string]bool, len(Statuses))
	for _, s := range Statuses {
		m[s] = true
	}
	return m
}()

func IsValidStatus(s string) bool { return validStatuses[s] }

// Quantity item types.
const (
	ItemSurgerySet = "surgery_set"
	ItemImplantBox = "implant_box"
)

// CaseBooking maps to the case_bookings table.
type CaseBooking struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	CaseReferenceNumber string     `db:"case_reference_number" json:"case_reference_number"`
	Country             string     `db:"country" json:"country"`
	Hospital            string     `db:"hospital" json:"hospital"`
	Department          string     `db:"department" json:"department"`
	DateOfSurgery       time.Time  `db:"date_of_surgery" json:"date_of_surgery"`
	TimeOfProcedure     *string    `db:"time_of_procedure" json:"time_of_procedure,omitempty"`
	ProcedureType       string     `db:"procedure_type" json:"procedure_type"`
	ProcedureName       string     `db:"procedure_name" json:"procedure_name"`
	DoctorID            *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	DoctorName          string     `db:"doctor_name" json:"doctor_name"`
	SurgerySetSelection []string   `db:"surgery_set_selection" json:"surgery_set_selection"`
	ImplantBox          []string   `db:"implant_box" json:"implant_box"`
	SpecialInstruction  *string    `db:"special_instruction" json:"special_instruction,omitempty"`
	Status              string     `db:"status" json:"status"`
	SubmittedBy         string     `db:"submitted_by" json:"submitted_by"`
	SubmittedAt         time.Time  `db:"submitted_at" json:"submitted_at"`
	ProcessedBy         *string    `db:"processed_by" json:"processed_by,omitempty"`
	ProcessedAt         *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	ProcessOrderDetails *string    `db:"process_order_details" json:"process_order_details,omitempty"`
	IsAmended           bool       `db:"is_amended" json:"is_amended"`
	AmendedBy           *string    `db:"amended_by" json:"amended_by,omitempty"`
	AmendedAt           *time.Time `db:"amended_at" json:"amended_at,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// StatusHistoryEntry maps to the status_history table.
type StatusHistoryEntry struct {
	ID          uuid.UUID `db:"id" json:"id"`
	CaseID      uuid.UUID `db:"case_id" json:"case_id"`
	Status      string    `db:"status" json:"status"`
	ProcessedBy string    `db:"processed_by" json:"processed_by"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
	Details     *string   `db:"details" json:"details,omitempty"`
	Attachments []string  `db:"attachments" json:"attachments"`
}

// Change is one amended field as shown to users. List fields carry
// "Removed: ..." and "Added: ..." summaries instead of full values.
type Change struct {
	Field    string `json:"field"`
	OldValue string `json:"oldValue"`
	NewValue string `json:"newValue"`
}

// AmendmentHistoryEntry maps to the amendment_history table.
type AmendmentHistoryEntry struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CaseID    uuid.UUID `db:"case_id" json:"case_id"`
	AmendedBy string    `db:"amended_by" json:"amended_by"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	Reason    *string   `db:"reason" json:"reason,omitempty"`
	Changes   []Change  `db:"changes" json:"changes"`
}

// CaseQuantity maps to the case_booking_quantities table.
type CaseQuantity struct {
	ID       uuid.UUID `db:"id" json:"id"`
	CaseID   uuid.UUID `db:"case_id" json:"case_id"`
	ItemType string    `db:"item_type" json:"item_type"`
	ItemName string    `db:"item_name" json:"item_name"`
	Quantity int       `db:"quantity" json:"quantity"`
}

// StatusUpdate is the input of the status writer.
type StatusUpdate struct {
	CaseID      uuid.UUID
	Status      string
	ProcessedBy string
	Details     *string
	Attachments []string
}

// StatusResult reports what UpdateStatus did. Changed is false when the case
// already had the requested status; HistoryRecorded is false when the history
// entry was suppressed as a duplicate.
type StatusResult struct {
	Case            *CaseBooking `json:"case"`
	Changed         bool         `json:"changed"`
	PreviousStatus  string       `json:"previous_status"`
	HistoryRecorded bool         `json:"history_recorded"`
}

// CaseAmendment holds the proposed values of an amendment. Nil fields are
// left as they are.
type CaseAmendment struct {
	Hospital            *string
	Department          *string
	DateOfSurgery       *time.Time
	ProcedureType       *string
	ProcedureName       *string
	DoctorID            *uuid.UUID
	DoctorName          *string
	TimeOfProcedure     *string
	SurgerySetSelection []string
	ImplantBox          []string
	SpecialInstruction  *string

	// The list fields cannot use nil to mean "unchanged" because clearing a
	// list is a valid amendment.
	SetSurgerySets  bool
	SetImplantBoxes bool
}

type AmendResult struct {
	Case    *CaseBooking           `json:"case"`
	Changed bool                   `json:"changed"`
	Entry   *AmendmentHistoryEntry `json:"entry,omitempty"`
}
