package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Service struct {
	doctors    DoctorRepository
	procedures ProcedureTypeRepository
	inventory  InventoryRepository
	items      DoctorProcedureItemRepository
	logger     zerolog.Logger
}

func NewService(doctors DoctorRepository, procedures ProcedureTypeRepository, inventory InventoryRepository, items DoctorProcedureItemRepository, logger zerolog.Logger) *Service {
	return &Service{doctors: doctors, procedures: procedures, inventory: inventory, items: items, logger: logger}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func normalizeCountry(cc string) (string, error) {
	cc = strings.ToUpper(strings.TrimSpace(cc))
	if len(cc) < 2 || len(cc) > 3 {
		return "", invalid("country must be a 2 or 3 letter code")
	}
	for _, r := range cc {
		if r < 'A' || r > 'Z' {
			return "", invalid("country must be a 2 or 3 letter code")
		}
	}
	return cc, nil
}

// -- Doctor --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return invalid("name is required")
	}
	if d.Department == "" {
		return invalid("department is required")
	}
	cc, err := normalizeCountry(d.Country)
	if err != nil {
		return err
	}
	d.Country = cc
	d.IsActive = true
	return s.doctors.Create(ctx, d)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) UpdateDoctor(ctx context.Context, d *Doctor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return invalid("name is required")
	}
	return s.doctors.Update(ctx, d)
}

func (s *Service) DeleteDoctor(ctx context.Context, id uuid.UUID) error {
	return s.doctors.Delete(ctx, id)
}

func (s *Service) SearchDoctors(ctx context.Context, params map[string]string, limit, offset int) ([]*Doctor, int, error) {
	return s.doctors.Search(ctx, params, limit, offset)
}

// -- Procedure Type --

func (s *Service) CreateProcedureType(ctx context.Context, p *ProcedureType) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return invalid("name is required")
	}
	cc, err := normalizeCountry(p.Country)
	if err != nil {
		return err
	}
	p.Country = cc
	p.IsActive = true
	return s.procedures.Create(ctx, p)
}

func (s *Service) GetProcedureType(ctx context.Context, id uuid.UUID) (*ProcedureType, error) {
	return s.procedures.GetByID(ctx, id)
}

func (s *Service) UpdateProcedureType(ctx context.Context, p *ProcedureType) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return invalid("name is required")
	}
	return s.procedures.Update(ctx, p)
}

func (s *Service) DeleteProcedureType(ctx context.Context, id uuid.UUID) error {
	return s.procedures.Delete(ctx, id)
}

func (s *Service) SearchProcedureTypes(ctx context.Context, params map[string]string, limit, offset int) ([]*ProcedureType, int, error) {
	return s.procedures.Search(ctx, params, limit, offset)
}

// -- Surgery sets and implant boxes --

func validKind(kind string) error {
	if kind != KindSurgerySet && kind != KindImplantBox {
		return invalid("unknown inventory kind %q", kind)
	}
	return nil
}

func (s *Service) CreateItem(ctx context.Context, it *InventoryItem) error {
	if err := validKind(it.Kind); err != nil {
		return err
	}
	it.Name = strings.TrimSpace(it.Name)
	if it.Name == "" {
		return invalid("name is required")
	}
	cc, err := normalizeCountry(it.Country)
	if err != nil {
		return err
	}
	it.Country = cc
	it.IsActive = true
	it.UsageCount = 0
	return s.inventory.Create(ctx, it)
}

func (s *Service) GetItem(ctx context.Context, kind string, id uuid.UUID) (*InventoryItem, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	return s.inventory.GetByID(ctx, kind, id)
}

func (s *Service) UpdateItem(ctx context.Context, it *InventoryItem) error {
	if err := validKind(it.Kind); err != nil {
		return err
	}
	it.Name = strings.TrimSpace(it.Name)
	if it.Name == "" {
		return invalid("name is required")
	}
	return s.inventory.Update(ctx, it)
}

func (s *Service) DeleteItem(ctx context.Context, kind string, id uuid.UUID) error {
	if err := validKind(kind); err != nil {
		return err
	}
	return s.inventory.Delete(ctx, kind, id)
}

func (s *Service) SearchItems(ctx context.Context, kind string, params map[string]string, limit, offset int) ([]*InventoryItem, int, error) {
	if err := validKind(kind); err != nil {
		return nil, 0, err
	}
	return s.inventory.Search(ctx, kind, params, limit, offset)
}

// RecalculateUsage refreshes usage_count of both inventory kinds for
// country. Both kinds are attempted even if the first fails.
func (s *Service) RecalculateUsage(ctx context.Context, country string) error {
	cc, err := normalizeCountry(country)
	if err != nil {
		return err
	}
	var errs []error
	for _, kind := range []string{KindSurgerySet, KindImplantBox} {
		if err := s.inventory.RecalculateUsage(ctx, kind, cc); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Debug().Str("country", cc).Msg("catalog usage recalculated")
	return nil
}

// -- Doctor procedure items --

func (s *Service) AddDoctorProcedureItem(ctx context.Context, it *DoctorProcedureItem) error {
	if it.DoctorID == uuid.Nil {
		return invalid("doctor_id is required")
	}
	if strings.TrimSpace(it.ProcedureType) == "" {
		return invalid("procedure_type is required")
	}
	if err := validKind(it.ItemType); err != nil {
		return err
	}
	if strings.TrimSpace(it.ItemName) == "" {
		return invalid("item_name is required")
	}
	if _, err := s.doctors.GetByID(ctx, it.DoctorID); err != nil {
		return err
	}
	return s.items.Add(ctx, it)
}

func (s *Service) RemoveDoctorProcedureItem(ctx context.Context, doctorID, id uuid.UUID) error {
	return s.items.Remove(ctx, doctorID, id)
}

func (s *Service) ListDoctorProcedureItems(ctx context.Context, doctorID uuid.UUID, procedureType string) ([]*DoctorProcedureItem, error) {
	return s.items.List(ctx, doctorID, procedureType)
}

// Suggest returns the usual selection of a doctor for a procedure type.
func (s *Service) Suggest(ctx context.Context, doctorID uuid.UUID, procedureType string) (*Suggestion, error) {
	if strings.TrimSpace(procedureType) == "" {
		return nil, invalid("procedure_type is required")
	}
	items, err := s.items.List(ctx, doctorID, procedureType)
	if err != nil {
		return nil, err
	}
	out := &Suggestion{SurgerySets: []string{}, ImplantBoxes: []string{}}
	for _, it := range items {
		switch it.ItemType {
		case KindSurgerySet:
			out.SurgerySets = append(out.SurgerySets, it.ItemName)
		case KindImplantBox:
			out.ImplantBoxes = append(out.ImplantBoxes, it.ItemName)
		}
	}
	return out, nil
}
