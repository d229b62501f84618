package catalog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tmc/casebooking/internal/platform/db"
)

// cancelledStatus is excluded from usage counts.
const cancelledStatus = "Case Cancelled"

func mapWriteErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s already exists", ErrConflict, what)
	}
	return err
}

func mustAffect(err error, rows int64) error {
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

const doctorCols = `id, name, country, department, specialty, is_active, created_at, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	if err := row.Scan(&d.ID, &d.Name, &d.Country, &d.Department, &d.Specialty, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	d.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctors (id, name, country, department, specialty, is_active)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.Country, d.Department, d.Specialty, d.IsActive).Scan(&d.CreatedAt, &d.UpdatedAt)
	return mapWriteErr(err, "doctor "+d.Name)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctors WHERE id = $1`, id))
}

func (r *doctorRepoPG) Update(ctx context.Context, d *Doctor) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE doctors SET name=$2, department=$3, specialty=$4, is_active=$5, updated_at=NOW()
		WHERE id = $1`,
		d.ID, d.Name, d.Department, d.Specialty, d.IsActive)
	return mustAffect(mapWriteErr(err, "doctor "+d.Name), tag.RowsAffected())
}

func (r *doctorRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM doctors WHERE id = $1`, id)
	return mustAffect(err, tag.RowsAffected())
}

var doctorSearchFilters = map[string]db.Filter{
	"country":    {Kind: db.FilterExact, Column: "country"},
	"name":       {Kind: db.FilterContains, Column: "name"},
	"department": {Kind: db.FilterExact, Column: "department"},
	"specialty":  {Kind: db.FilterContains, Column: "specialty"},
	"is_active":  {Kind: db.FilterBool, Column: "is_active"},
}

func (r *doctorRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Doctor, int, error) {
	qb := db.NewSearchQuery("doctors", doctorCols)
	qb.ApplyParams(params, doctorSearchFilters)
	qb.OrderBy("name")
	return runSearch(ctx, db.Conn(ctx, r.pool), qb, limit, offset, scanDoctor)
}

// =========== Procedure Type Repository ===========

type procedureTypeRepoPG struct{ pool *pgxpool.Pool }

func NewProcedureTypeRepoPG(pool *pgxpool.Pool) ProcedureTypeRepository {
	return &procedureTypeRepoPG{pool: pool}
}

const procedureTypeCols = `id, name, country, department, is_active, created_at, updated_at`

func scanProcedureType(row pgx.Row) (*ProcedureType, error) {
	var p ProcedureType
	if err := row.Scan(&p.ID, &p.Name, &p.Country, &p.Department, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *procedureTypeRepoPG) Create(ctx context.Context, p *ProcedureType) error {
	p.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO procedure_types (id, name, country, department, is_active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Country, p.Department, p.IsActive).Scan(&p.CreatedAt, &p.UpdatedAt)
	return mapWriteErr(err, "procedure type "+p.Name)
}

func (r *procedureTypeRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ProcedureType, error) {
	return scanProcedureType(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+procedureTypeCols+` FROM procedure_types WHERE id = $1`, id))
}

func (r *procedureTypeRepoPG) Update(ctx context.Context, p *ProcedureType) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE procedure_types SET name=$2, department=$3, is_active=$4, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Department, p.IsActive)
	return mustAffect(mapWriteErr(err, "procedure type "+p.Name), tag.RowsAffected())
}

func (r *procedureTypeRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM procedure_types WHERE id = $1`, id)
	return mustAffect(err, tag.RowsAffected())
}

var procedureTypeSearchFilters = map[string]db.Filter{
	"country":    {Kind: db.FilterExact, Column: "country"},
	"name":       {Kind: db.FilterContains, Column: "name"},
	"department": {Kind: db.FilterExact, Column: "department"},
	"is_active":  {Kind: db.FilterBool, Column: "is_active"},
}

func (r *procedureTypeRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*ProcedureType, int, error) {
	qb := db.NewSearchQuery("procedure_types", procedureTypeCols)
	qb.ApplyParams(params, procedureTypeSearchFilters)
	qb.OrderBy("name")
	return runSearch(ctx, db.Conn(ctx, r.pool), qb, limit, offset, scanProcedureType)
}

// =========== Inventory Repository ===========

type inventoryTable struct {
	table string
	// caseColumn is the case_bookings array that selects items of this kind.
	caseColumn string
}

var inventoryTables = map[string]inventoryTable{
	KindSurgerySet: {table: "surgery_sets", caseColumn: "surgery_set_selection"},
	KindImplantBox: {table: "implant_boxes", caseColumn: "implant_box"},
}

func tableFor(kind string) (inventoryTable, error) {
	t, ok := inventoryTables[kind]
	if !ok {
		return inventoryTable{}, fmt.Errorf("%w: unknown inventory kind %q", ErrValidation, kind)
	}
	return t, nil
}

type inventoryRepoPG struct{ pool *pgxpool.Pool }

func NewInventoryRepoPG(pool *pgxpool.Pool) InventoryRepository { return &inventoryRepoPG{pool: pool} }

const inventoryCols = `id, name, country, description, is_active, usage_count, created_at, updated_at`

func scanInventory(kind string) func(pgx.Row) (*InventoryItem, error) {
	return func(row pgx.Row) (*InventoryItem, error) {
		it := InventoryItem{Kind: kind}
		if err := row.Scan(&it.ID, &it.Name, &it.Country, &it.Description, &it.IsActive, &it.UsageCount, &it.CreatedAt, &it.UpdatedAt); err != nil {
			if db.IsNoRows(err) {
				return nil, ErrNotFound
			}
			return nil, err
		}
		return &it, nil
	}
}

func (r *inventoryRepoPG) Create(ctx context.Context, it *InventoryItem) error {
	t, err := tableFor(it.Kind)
	if err != nil {
		return err
	}
	it.ID = uuid.New()
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO `+t.table+` (id, name, country, description, is_active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING usage_count, created_at, updated_at`,
		it.ID, it.Name, it.Country, it.Description, it.IsActive).Scan(&it.UsageCount, &it.CreatedAt, &it.UpdatedAt)
	return mapWriteErr(err, it.Kind+" "+it.Name)
}

func (r *inventoryRepoPG) GetByID(ctx context.Context, kind string, id uuid.UUID) (*InventoryItem, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return scanInventory(kind)(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+inventoryCols+` FROM `+t.table+` WHERE id = $1`, id))
}

func (r *inventoryRepoPG) Update(ctx context.Context, it *InventoryItem) error {
	t, err := tableFor(it.Kind)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE `+t.table+` SET name=$2, description=$3, is_active=$4, updated_at=NOW()
		WHERE id = $1`,
		it.ID, it.Name, it.Description, it.IsActive)
	return mustAffect(mapWriteErr(err, it.Kind+" "+it.Name), tag.RowsAffected())
}

func (r *inventoryRepoPG) Delete(ctx context.Context, kind string, id uuid.UUID) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM `+t.table+` WHERE id = $1`, id)
	return mustAffect(err, tag.RowsAffected())
}

var inventorySearchFilters = map[string]db.Filter{
	"country":   {Kind: db.FilterExact, Column: "country"},
	"name":      {Kind: db.FilterContains, Column: "name"},
	"is_active": {Kind: db.FilterBool, Column: "is_active"},
}

var inventorySortable = map[string]string{
	"name":        "name",
	"usage_count": "usage_count",
	"created_at":  "created_at",
}

func (r *inventoryRepoPG) Search(ctx context.Context, kind string, params map[string]string, limit, offset int) ([]*InventoryItem, int, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, 0, err
	}
	qb := db.NewSearchQuery(t.table, inventoryCols)
	qb.ApplyParams(params, inventorySearchFilters)
	qb.ApplySort(params["_sort"], "name", inventorySortable)
	return runSearch(ctx, db.Conn(ctx, r.pool), qb, limit, offset, scanInventory(kind))
}

func (r *inventoryRepoPG) RecalculateUsage(ctx context.Context, kind, country string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE `+t.table+` i SET usage_count = (
			SELECT COUNT(*) FROM case_bookings cb
			WHERE cb.country = i.country AND cb.status <> $2 AND i.name = ANY(cb.`+t.caseColumn+`)
		), updated_at = NOW()
		WHERE i.country = $1`, country, cancelledStatus)
	if err != nil {
		return fmt.Errorf("recalculate %s usage: %w", t.table, err)
	}
	return nil
}

// =========== Doctor Procedure Item Repository ===========

type doctorProcedureItemRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorProcedureItemRepoPG(pool *pgxpool.Pool) DoctorProcedureItemRepository {
	return &doctorProcedureItemRepoPG{pool: pool}
}

func (r *doctorProcedureItemRepoPG) Add(ctx context.Context, it *DoctorProcedureItem) error {
	it.ID = uuid.New()
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor_procedure_items (id, doctor_id, procedure_type, item_type, item_name)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at`,
		it.ID, it.DoctorID, it.ProcedureType, it.ItemType, it.ItemName).Scan(&it.CreatedAt)
	return mapWriteErr(err, it.ItemType+" "+it.ItemName)
}

func (r *doctorProcedureItemRepoPG) Remove(ctx context.Context, doctorID, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM doctor_procedure_items WHERE id = $1 AND doctor_id = $2`, id, doctorID)
	return mustAffect(err, tag.RowsAffected())
}

func (r *doctorProcedureItemRepoPG) List(ctx context.Context, doctorID uuid.UUID, procedureType string) ([]*DoctorProcedureItem, error) {
	qb := db.NewSearchQuery("doctor_procedure_items", `id, doctor_id, procedure_type, item_type, item_name, created_at`)
	qb.Apply(db.Filter{Kind: db.FilterExact, Column: "doctor_id"}, doctorID.String())
	if procedureType != "" {
		qb.Apply(db.Filter{Kind: db.FilterExact, Column: "procedure_type"}, procedureType)
	}
	qb.OrderBy("procedure_type, item_type, item_name")
	items, _, err := runSearch(ctx, db.Conn(ctx, r.pool), qb, 1000, 0, func(row pgx.Row) (*DoctorProcedureItem, error) {
		var it DoctorProcedureItem
		err := row.Scan(&it.ID, &it.DoctorID, &it.ProcedureType, &it.ItemType, &it.ItemName, &it.CreatedAt)
		return &it, err
	})
	return items, err
}

// runSearch executes the count and data queries of qb.
func runSearch[T any](ctx context.Context, conn db.Querier, qb *db.SearchQuery, limit, offset int, scan func(pgx.Row) (*T, error)) ([]*T, int, error) {
	var total int
	if err := conn.QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	return items, total, rows.Err()
}
