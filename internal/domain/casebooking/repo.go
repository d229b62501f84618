package casebooking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type CaseRepository interface {
	Create(ctx context.Context, c *CaseBooking) error
	GetByID(ctx context.Context, id uuid.UUID) (*CaseBooking, error)
	// GetForUpdate reads the case and, inside a transaction, locks its row
	// until commit.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*CaseBooking, error)
	UpdateStatus(ctx context.Context, c *CaseBooking) error
	UpdateAmended(ctx context.Context, c *CaseBooking) error
	Delete(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, params map[string]string, limit, offset int) ([]*CaseBooking, int, error)
}

type HistoryRepository interface {
	// AddStatus appends e and reports false when the storage layer refused a
	// second initial booking entry for the case.
	AddStatus(ctx context.Context, e *StatusHistoryEntry) (bool, error)
	// LastStatusAt returns the newest timestamp recorded for status on the case.
	LastStatusAt(ctx context.Context, caseID uuid.UUID, status string) (time.Time, bool, error)
	ListStatus(ctx context.Context, caseID uuid.UUID) ([]*StatusHistoryEntry, error)

	AddAmendment(ctx context.Context, e *AmendmentHistoryEntry) error
	UpsertAmendment(ctx context.Context, e *AmendmentHistoryEntry) error
	ListAmendments(ctx context.Context, caseID uuid.UUID) ([]*AmendmentHistoryEntry, error)

	DeleteForCase(ctx context.Context, caseID uuid.UUID) error
}

type CounterRepository interface {
	// Next increments and returns the counter for (country, year), starting at 1.
	Next(ctx context.Context, country string, year int) (int, error)
}

type QuantityRepository interface {
	// Sync makes the stored rows match items. Rows that already exist keep
	// their quantity.
	Sync(ctx context.Context, caseID uuid.UUID, items []CaseQuantity) error
	SetQuantity(ctx context.Context, caseID uuid.UUID, itemType, itemName string, qty int) error
	List(ctx context.Context, caseID uuid.UUID) ([]*CaseQuantity, error)
	DeleteForCase(ctx context.Context, caseID uuid.UUID) error
}
