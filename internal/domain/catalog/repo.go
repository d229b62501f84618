package catalog

import (
	"context"

	"github.com/google/uuid"
)

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	Update(ctx context.Context, d *Doctor) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Doctor, int, error)
}

type ProcedureTypeRepository interface {
	Create(ctx context.Context, p *ProcedureType) error
	GetByID(ctx context.Context, id uuid.UUID) (*ProcedureType, error)
	Update(ctx context.Context, p *ProcedureType) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ProcedureType, int, error)
}

// InventoryRepository stores surgery sets and implant boxes; kind selects
// the table.
type InventoryRepository interface {
	Create(ctx context.Context, it *InventoryItem) error
	GetByID(ctx context.Context, kind string, id uuid.UUID) (*InventoryItem, error)
	Update(ctx context.Context, it *InventoryItem) error
	Delete(ctx context.Context, kind string, id uuid.UUID) error
	Search(ctx context.Context, kind string, params map[string]string, limit, offset int) ([]*InventoryItem, int, error)
	// RecalculateUsage sets usage_count of every item of kind in country to
	// the number of non-cancelled cases selecting it.
	RecalculateUsage(ctx context.Context, kind, country string) error
}

type DoctorProcedureItemRepository interface {
	Add(ctx context.Context, it *DoctorProcedureItem) error
	Remove(ctx context.Context, doctorID, id uuid.UUID) error
	List(ctx context.Context, doctorID uuid.UUID, procedureType string) ([]*DoctorProcedureItem, error)
}
