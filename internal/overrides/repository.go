package overrides

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool     *pgxpool.Pool
	recorder *audit.Recorder
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool, recorder *audit.Recorder) *Repository {
	if recorder == nil {
		recorder = audit.NewRecorder()
	}
	return &Repository{pool: pool, recorder: recorder}
}

// TxRepository exposes the mutations that run inside one transaction.
type TxRepository interface {
	Insert(ctx context.Context, o Override) (Override, error)
	GetForUpdate(ctx context.Context, id int64) (Override, error)
	Update(ctx context.Context, o Override) (Override, error)
	LookupPermission(ctx context.Context, id int64) (rbac.Permission, error)
	UserExists(ctx context.Context, id int64) (bool, error)
	ExpireDue(ctx context.Context, now time.Time, limit int) ([]Override, error)
	RecordAudit(ctx context.Context, entry audit.Entry) error
}

type txRepo struct {
	tx       pgx.Tx
	recorder *audit.Recorder
}

// WithTx wraps callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, recorder: r.recorder})
	})
}

const overrideColumns = `o.id, o.user_id, o.permission_id, p.code, p.risk_level, o.override_type, o.permission_level,
	o.scope, o.effective_from, o.effective_to, o.is_temporary, o.auto_expire, o.requires_mfa,
	o.approval_status, o.priority, o.reason, o.is_active, o.created_by, o.approved_by, o.approved_at,
	o.created_at, o.updated_at`

const overrideFrom = ` FROM user_permission_overrides o JOIN permissions p ON p.id = o.permission_id`

func scanOverride(s rbac.Scanner) (Override, error) {
	var (
		o                          Override
		risk, otype, level, status string
	)
	err := s.Scan(&o.ID, &o.UserID, &o.PermissionID, &o.PermissionCode, &risk, &otype, &level,
		&o.Scope, &o.EffectiveFrom, &o.EffectiveTo, &o.IsTemporary, &o.AutoExpire, &o.RequiresMFA,
		&status, &o.Priority, &o.Reason, &o.IsActive, &o.CreatedBy, &o.ApprovedBy, &o.ApprovedAt,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Override{}, err
	}
	o.RiskLevel = rbac.RiskLevel(risk)
	o.OverrideType = rbac.OverrideType(otype)
	o.Level = rbac.PermissionLevel(level)
	o.ApprovalStatus = rbac.ApprovalStatus(status)
	return o, nil
}

// Get loads one override.
func (r *Repository) Get(ctx context.Context, id int64) (Override, error) {
	o, err := scanOverride(r.pool.QueryRow(ctx, `SELECT `+overrideColumns+overrideFrom+` WHERE o.id = $1`, id))
	if err != nil {
		return Override{}, db.MapError(err)
	}
	return o, nil
}

// List returns one page of overrides, newest first.
func (r *Repository) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Override, int, error) {
	var (
		conds []string
		args  []any
	)
	if filters.UserID > 0 {
		args = append(args, filters.UserID)
		conds = append(conds, fmt.Sprintf("o.user_id = $%d", len(args)))
	}
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		conds = append(conds, fmt.Sprintf("o.approval_status = $%d", len(args)))
	}
	if !filters.IncludeInactive {
		conds = append(conds, "o.is_active")
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*)`+overrideFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s%s%s ORDER BY o.created_at DESC, o.id DESC LIMIT $%d OFFSET $%d`,
		overrideColumns, overrideFrom, where, len(args)+1, len(args)+2), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, o)
	}
	return out, total, rows.Err()
}

func (t *txRepo) Insert(ctx context.Context, o Override) (Override, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO user_permission_overrides
	(user_id, permission_id, override_type, permission_level, scope, effective_from, effective_to,
	 is_temporary, auto_expire, requires_mfa, approval_status, priority, reason, is_active,
	 created_by, approved_by, approved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, TRUE, $14, $15, $16)
RETURNING id`,
		o.UserID, o.PermissionID, string(o.OverrideType), string(o.Level), o.Scope.Normalize(), o.EffectiveFrom, o.EffectiveTo,
		o.IsTemporary, o.AutoExpire, o.RequiresMFA, string(o.ApprovalStatus), o.Priority, o.Reason,
		o.CreatedBy, o.ApprovedBy, o.ApprovedAt).Scan(&id)
	if err != nil {
		return Override{}, db.MapError(err)
	}
	return t.GetForUpdate(ctx, id)
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Override, error) {
	o, err := scanOverride(t.tx.QueryRow(ctx, `SELECT `+overrideColumns+overrideFrom+` WHERE o.id = $1 FOR UPDATE OF o`, id))
	if err != nil {
		return Override{}, db.MapError(err)
	}
	return o, nil
}

func (t *txRepo) Update(ctx context.Context, o Override) (Override, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE user_permission_overrides SET
	permission_level = $2, scope = $3, effective_to = $4, requires_mfa = $5, priority = $6,
	approval_status = $7, approved_by = $8, approved_at = $9, reason = $10, is_active = $11, updated_at = NOW()
WHERE id = $1`,
		o.ID, string(o.Level), o.Scope.Normalize(), o.EffectiveTo, o.RequiresMFA, o.Priority,
		string(o.ApprovalStatus), o.ApprovedBy, o.ApprovedAt, o.Reason, o.IsActive)
	if err != nil {
		return Override{}, db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return Override{}, shared.ErrNotFound
	}
	return t.GetForUpdate(ctx, o.ID)
}

func (t *txRepo) LookupPermission(ctx context.Context, id int64) (rbac.Permission, error) {
	p, err := rbac.ScanPermission(t.tx.QueryRow(ctx, `SELECT `+rbac.PermissionColumns("")+` FROM permissions WHERE id = $1`, id))
	if err != nil {
		return rbac.Permission{}, db.MapError(err)
	}
	return p, nil
}

func (t *txRepo) UserExists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_active)`, id).Scan(&ok)
	return ok, err
}

// ExpireDue marks lapsed auto-expiring overrides as expired and returns them.
func (t *txRepo) ExpireDue(ctx context.Context, now time.Time, limit int) ([]Override, error) {
	rows, err := t.tx.Query(ctx, `WITH due AS (
	SELECT id FROM user_permission_overrides
	WHERE approval_status = 'approved' AND is_active AND is_temporary AND auto_expire
		AND effective_to IS NOT NULL AND effective_to < $1
	ORDER BY effective_to
	LIMIT $2
	FOR UPDATE SKIP LOCKED
), expired AS (
	UPDATE user_permission_overrides o
	SET approval_status = 'expired', is_active = FALSE, updated_at = NOW()
	FROM due WHERE o.id = due.id
	RETURNING o.*
)
SELECT `+overrideColumns+` FROM expired o JOIN permissions p ON p.id = o.permission_id ORDER BY o.id`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (t *txRepo) RecordAudit(ctx context.Context, entry audit.Entry) error {
	_, err := t.recorder.Record(ctx, t.tx, entry)
	return err
}
