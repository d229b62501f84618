package casebooking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tmc/casebooking/internal/platform/db"
)

// =========== Case Repository ===========

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewCaseRepoPG(pool *pgxpool.Pool) CaseRepository { return &caseRepoPG{pool: pool} }

const caseCols = `id, case_reference_number, country, hospital, department, date_of_surgery,
	time_of_procedure, procedure_type, procedure_name, doctor_id, doctor_name,
	surgery_set_selection, implant_box, special_instruction, status,
	submitted_by, submitted_at, processed_by, processed_at, process_order_details,
	is_amended, amended_by, amended_at, created_at, updated_at`

func scanCase(row pgx.Row) (*CaseBooking, error) {
	var c CaseBooking
	err := row.Scan(&c.ID, &c.CaseReferenceNumber, &c.Country, &c.Hospital, &c.Department, &c.DateOfSurgery,
		&c.TimeOfProcedure, &c.ProcedureType, &c.ProcedureName, &c.DoctorID, &c.DoctorName,
		&c.SurgerySetSelection, &c.ImplantBox, &c.SpecialInstruction, &c.Status,
		&c.SubmittedBy, &c.SubmittedAt, &c.ProcessedBy, &c.ProcessedAt, &c.ProcessOrderDetails,
		&c.IsAmended, &c.AmendedBy, &c.AmendedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *caseRepoPG) Create(ctx context.Context, c *CaseBooking) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO case_bookings (id, case_reference_number, country, hospital, department, date_of_surgery,
			time_of_procedure, procedure_type, procedure_name, doctor_id, doctor_name,
			surgery_set_selection, implant_box, special_instruction, status,
			submitted_by, submitted_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		c.ID, c.CaseReferenceNumber, c.Country, c.Hospital, c.Department, c.DateOfSurgery,
		c.TimeOfProcedure, c.ProcedureType, c.ProcedureName, c.DoctorID, c.DoctorName,
		nonNil(c.SurgerySetSelection), nonNil(c.ImplantBox), c.SpecialInstruction, c.Status,
		c.SubmittedBy, c.SubmittedAt, c.CreatedAt, c.UpdatedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: reference number %s already exists", ErrConflict, c.CaseReferenceNumber)
	}
	return err
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CaseBooking, error) {
	return scanCase(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+caseCols+` FROM case_bookings WHERE id = $1`, id))
}

func (r *caseRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*CaseBooking, error) {
	return scanCase(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+caseCols+` FROM case_bookings WHERE id = $1 FOR UPDATE`, id))
}

func (r *caseRepoPG) UpdateStatus(ctx context.Context, c *CaseBooking) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE case_bookings SET status=$2, processed_by=$3, processed_at=$4,
			process_order_details=COALESCE($5, process_order_details), updated_at=$6
		WHERE id = $1`,
		c.ID, c.Status, c.ProcessedBy, c.ProcessedAt, c.ProcessOrderDetails, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *caseRepoPG) UpdateAmended(ctx context.Context, c *CaseBooking) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE case_bookings SET hospital=$2, department=$3, date_of_surgery=$4, time_of_procedure=$5,
			procedure_type=$6, procedure_name=$7, doctor_id=$8, doctor_name=$9,
			surgery_set_selection=$10, implant_box=$11, special_instruction=$12,
			is_amended=$13, amended_by=$14, amended_at=$15, updated_at=$16
		WHERE id = $1`,
		c.ID, c.Hospital, c.Department, c.DateOfSurgery, c.TimeOfProcedure,
		c.ProcedureType, c.ProcedureName, c.DoctorID, c.DoctorName,
		nonNil(c.SurgerySetSelection), nonNil(c.ImplantBox), c.SpecialInstruction,
		c.IsAmended, c.AmendedBy, c.AmendedAt, c.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *caseRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM case_bookings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var caseSearchFilters = map[string]db.Filter{
	"country":        {Kind: db.FilterExact, Column: "country"},
	"status":         {Kind: db.FilterExact, Column: "status"},
	"hospital":       {Kind: db.FilterContains, Column: "hospital"},
	"department":     {Kind: db.FilterExact, Column: "department"},
	"doctor_name":    {Kind: db.FilterContains, Column: "doctor_name"},
	"procedure_type": {Kind: db.FilterExact, Column: "procedure_type"},
	"submitted_by":   {Kind: db.FilterExact, Column: "submitted_by"},
	"reference":      {Kind: db.FilterContains, Column: "case_reference_number"},
	"date_from":      {Kind: db.FilterFrom, Column: "date_of_surgery"},
	"date_to":        {Kind: db.FilterTo, Column: "date_of_surgery"},
	"surgery_set":    {Kind: db.FilterAny, Column: "surgery_set_selection"},
	"implant_box":    {Kind: db.FilterAny, Column: "implant_box"},
	"is_amended":     {Kind: db.FilterBool, Column: "is_amended"},
}

var caseSortable = map[string]string{
	"date_of_surgery": "date_of_surgery",
	"submitted_at":    "submitted_at",
	"updated_at":      "updated_at",
	"reference":       "case_reference_number",
	"hospital":        "hospital",
	"status":          "status",
}

func (r *caseRepoPG) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*CaseBooking, int, error) {
	qb := db.NewSearchQuery("case_bookings", caseCols)
	qb.ApplyParams(params, caseSearchFilters)
	qb.ApplySort(params["_sort"], "date_of_surgery DESC, submitted_at DESC", caseSortable)

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, qb.DataSQL(), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*CaseBooking
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// =========== History Repository ===========

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewHistoryRepoPG(pool *pgxpool.Pool) HistoryRepository { return &historyRepoPG{pool: pool} }

func (r *historyRepoPG) AddStatus(ctx context.Context, e *StatusHistoryEntry) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	// The partial unique index on (case_id) WHERE status = 'Case Booked' is
	// the only possible conflict.
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO status_history (id, case_id, status, processed_by, timestamp, details, attachments)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT DO NOTHING`,
		e.ID, e.CaseID, e.Status, e.ProcessedBy, e.Timestamp, e.Details, nonNil(e.Attachments))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *historyRepoPG) LastStatusAt(ctx context.Context, caseID uuid.UUID, status string) (time.Time, bool, error) {
	var at *time.Time
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT MAX(timestamp) FROM status_history WHERE case_id = $1 AND status = $2`,
		caseID, status).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	if at == nil {
		return time.Time{}, false, nil
	}
	return *at, true, nil
}

func (r *historyRepoPG) ListStatus(ctx context.Context, caseID uuid.UUID) ([]*StatusHistoryEntry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, case_id, status, processed_by, timestamp, details, attachments
		FROM status_history WHERE case_id = $1 ORDER BY timestamp, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Status, &e.ProcessedBy, &e.Timestamp, &e.Details, &e.Attachments); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *historyRepoPG) AddAmendment(ctx context.Context, e *AmendmentHistoryEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO amendment_history (id, case_id, amended_by, timestamp, reason, changes)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.CaseID, e.AmendedBy, e.Timestamp, e.Reason, changes)
	return err
}

func (r *historyRepoPG) UpsertAmendment(ctx context.Context, e *AmendmentHistoryEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO amendment_history (id, case_id, amended_by, timestamp, reason, changes)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			amended_by = EXCLUDED.amended_by, timestamp = EXCLUDED.timestamp,
			reason = EXCLUDED.reason, changes = EXCLUDED.changes`,
		e.ID, e.CaseID, e.AmendedBy, e.Timestamp, e.Reason, changes)
	return err
}

func (r *historyRepoPG) ListAmendments(ctx context.Context, caseID uuid.UUID) ([]*AmendmentHistoryEntry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, case_id, amended_by, timestamp, reason, changes
		FROM amendment_history WHERE case_id = $1 ORDER BY timestamp, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AmendmentHistoryEntry
	for rows.Next() {
		var e AmendmentHistoryEntry
		var changes []byte
		if err := rows.Scan(&e.ID, &e.CaseID, &e.AmendedBy, &e.Timestamp, &e.Reason, &changes); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(changes, &e.Changes); err != nil {
			return nil, fmt.Errorf("decode changes of %s: %w", e.ID, err)
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *historyRepoPG) DeleteForCase(ctx context.Context, caseID uuid.UUID) error {
	conn := db.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `DELETE FROM status_history WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("delete status history: %w", err)
	}
	if _, err := conn.Exec(ctx, `DELETE FROM amendment_history WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("delete amendment history: %w", err)
	}
	return nil
}

// =========== Counter Repository ===========

type counterRepoPG struct{ pool *pgxpool.Pool }

func NewCounterRepoPG(pool *pgxpool.Pool) CounterRepository { return &counterRepoPG{pool: pool} }

// Next is a single upsert, so two concurrent callers can never read the same
// value.
func (r *counterRepoPG) Next(ctx context.Context, country string, year int) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO case_counters (country, year, current_counter, updated_at)
		VALUES ($1, $2, 1, NOW())
		ON CONFLICT (country, year) DO UPDATE
			SET current_counter = case_counters.current_counter + 1, updated_at = NOW()
		RETURNING current_counter`, country, year).Scan(&n)
	return n, err
}

// =========== Quantity Repository ===========

type quantityRepoPG struct{ pool *pgxpool.Pool }

func NewQuantityRepoPG(pool *pgxpool.Pool) QuantityRepository { return &quantityRepoPG{pool: pool} }

func (r *quantityRepoPG) Sync(ctx context.Context, caseID uuid.UUID, items []CaseQuantity) error {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.ItemType+":"+it.ItemName)
	}
	conn := db.Conn(ctx, r.pool)
	if _, err := conn.Exec(ctx, `
		DELETE FROM case_booking_quantities
		WHERE case_id = $1 AND NOT (item_type || ':' || item_name = ANY($2))`,
		caseID, keys); err != nil {
		return fmt.Errorf("prune quantities: %w", err)
	}
	for _, it := range items {
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		if _, err := conn.Exec(ctx, `
			INSERT INTO case_booking_quantities (id, case_id, item_type, item_name, quantity)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (case_id, item_type, item_name) DO NOTHING`,
			uuid.New(), caseID, it.ItemType, it.ItemName, qty); err != nil {
			return fmt.Errorf("insert quantity %s: %w", it.ItemName, err)
		}
	}
	return nil
}

func (r *quantityRepoPG) SetQuantity(ctx context.Context, caseID uuid.UUID, itemType, itemName string, qty int) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE case_booking_quantities SET quantity = $4
		WHERE case_id = $1 AND item_type = $2 AND item_name = $3`,
		caseID, itemType, itemName, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *quantityRepoPG) List(ctx context.Context, caseID uuid.UUID) ([]*CaseQuantity, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT id, case_id, item_type, item_name, quantity
		FROM case_booking_quantities WHERE case_id = $1 ORDER BY item_type, item_name`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*CaseQuantity
	for rows.Next() {
		var q CaseQuantity
		if err := rows.Scan(&q.ID, &q.CaseID, &q.ItemType, &q.ItemName, &q.Quantity); err != nil {
			return nil, err
		}
		items = append(items, &q)
	}
	return items, rows.Err()
}

func (r *quantityRepoPG) DeleteForCase(ctx context.Context, caseID uuid.UUID) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM case_booking_quantities WHERE case_id = $1`, caseID)
	return err
}

// nonNil keeps pgx from sending NULL into NOT NULL text[] columns.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
