package settings

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tmc/casebooking/internal/platform/db"
)

// =========== Setting Repository ===========

type settingRepoPG struct{ pool *pgxpool.Pool }

func NewSettingRepoPG(pool *pgxpool.Pool) SettingRepository { return &settingRepoPG{pool: pool} }

const settingCols = `key, value, description, updated_by, updated_at`

func scanSetting(row pgx.Row) (*Setting, error) {
	var s Setting
	if err := row.Scan(&s.Key, &s.Value, &s.Description, &s.UpdatedBy, &s.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *settingRepoPG) List(ctx context.Context) ([]*Setting, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+settingCols+` FROM system_settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Setting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *settingRepoPG) Get(ctx context.Context, key string) (*Setting, error) {
	return scanSetting(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+settingCols+` FROM system_settings WHERE key = $1`, key))
}

func (r *settingRepoPG) Upsert(ctx context.Context, s *Setting) error {
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO system_settings (key, value, description, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    description = COALESCE(EXCLUDED.description, system_settings.description),
		    updated_by = EXCLUDED.updated_by,
		    updated_at = EXCLUDED.updated_at
		RETURNING description, updated_at`,
		s.Key, []byte(s.Value), s.Description, s.UpdatedBy).Scan(&s.Description, &s.UpdatedAt)
}

// =========== Notification Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

const ruleCols = `id, country, status, recipients, subject_template, body_template, enabled, created_at, updated_at`

func scanRule(row pgx.Row) (*NotificationRule, error) {
	var r NotificationRule
	if err := row.Scan(&r.ID, &r.Country, &r.Status, &r.Recipients, &r.SubjectTemplate, &r.BodyTemplate,
		&r.Enabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (r *ruleRepoPG) Create(ctx context.Context, rule *NotificationRule) error {
	rule.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO email_notification_rules (id, country, status, recipients, subject_template, body_template, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		rule.ID, rule.Country, rule.Status, rule.Recipients, rule.SubjectTemplate, rule.BodyTemplate, rule.Enabled,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*NotificationRule, error) {
	return scanRule(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+ruleCols+` FROM email_notification_rules WHERE id = $1`, id))
}

func (r *ruleRepoPG) Update(ctx context.Context, rule *NotificationRule) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE email_notification_rules
		SET status=$2, recipients=$3, subject_template=$4, body_template=$5, enabled=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		rule.ID, rule.Status, rule.Recipients, rule.SubjectTemplate, rule.BodyTemplate, rule.Enabled,
	).Scan(&rule.UpdatedAt)
	if db.IsNoRows(err) {
		return ErrNotFound
	}
	return err
}

func (r *ruleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `DELETE FROM email_notification_rules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ruleRepoPG) List(ctx context.Context, country string) ([]*NotificationRule, error) {
	if country == "" {
		return r.query(ctx, `SELECT `+ruleCols+` FROM email_notification_rules ORDER BY country, status`)
	}
	return r.query(ctx, `SELECT `+ruleCols+` FROM email_notification_rules WHERE country = $1 ORDER BY status`, country)
}

func (r *ruleRepoPG) ListEnabled(ctx context.Context, country, status string) ([]*NotificationRule, error) {
	return r.query(ctx, `SELECT `+ruleCols+` FROM email_notification_rules
		WHERE enabled AND country = $1 AND status = $2 ORDER BY created_at`, country, status)
}

func (r *ruleRepoPG) query(ctx context.Context, sql string, args ...any) ([]*NotificationRule, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*NotificationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}
