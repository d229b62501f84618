package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Inventory kinds. They match the item types used on case quantities.
const (
	KindSurgerySet = "surgery_set"
	KindImplantBox = "implant_box"
)

// Doctor maps to the doctors table.
type Doctor struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Country    string    `db:"country" json:"country"`
	Department string    `db:"department" json:"department"`
	Specialty  *string   `db:"specialty" json:"specialty,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// ProcedureType maps to the procedure_types table.
type ProcedureType struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Name       string    `db:"name" json:"name"`
	Country    string    `db:"country" json:"country"`
	Department *string   `db:"department" json:"department,omitempty"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// InventoryItem is a surgery set or an implant box. Both live in tables of
// the same shape.
type InventoryItem struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Kind        string    `json:"kind"`
	Name        string    `db:"name" json:"name"`
	Country     string    `db:"country" json:"country"`
	Description *string   `db:"description" json:"description,omitempty"`
	IsActive    bool      `db:"is_active" json:"is_active"`
	UsageCount  int       `db:"usage_count" json:"usage_count"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// DoctorProcedureItem maps to doctor_procedure_items: one inventory item a
// doctor usually needs for a procedure type.
type DoctorProcedureItem struct {
	ID            uuid.UUID `db:"id" json:"id"`
	DoctorID      uuid.UUID `db:"doctor_id" json:"doctor_id"`
	ProcedureType string    `db:"procedure_type" json:"procedure_type"`
	ItemType      string    `db:"item_type" json:"item_type"`
	ItemName      string    `db:"item_name" json:"item_name"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Suggestion is the default selection offered when booking a doctor and
// procedure type.
type Suggestion struct {
	SurgerySets  []string `json:"surgery_sets"`
	ImplantBoxes []string `json:"implant_boxes"`
}
