package designations

import (
	"context"
	"errors"
	"fmt"
	"strings"

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
	Insert(ctx context.Context, d Designation) (Designation, error)
	GetForUpdate(ctx context.Context, id int64) (Designation, error)
	Update(ctx context.Context, d Designation) (Designation, error)
	Permissions(ctx context.Context, designationID int64) ([]Permission, error)
	LookupPermissions(ctx context.Context, ids []int64) (map[int64]rbac.Permission, error)
	UpsertPermission(ctx context.Context, designationID int64, grant PermissionGrant) (bool, error)
	RemovePermission(ctx context.Context, designationID, permissionID int64) (bool, error)
	UserIDs(ctx context.Context, designationID int64) ([]int64, error)
	ExistingUsers(ctx context.Context, ids []int64) ([]int64, error)
	AssignUser(ctx context.Context, designationID, userID int64, primary bool) (bool, error)
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

const designationColumns = `d.id, d.name, d.description, d.level, d.is_active, d.created_at, d.updated_at,
	(SELECT COUNT(*) FROM designation_permissions dp WHERE dp.designation_id = d.id AND dp.is_active),
	(SELECT COUNT(*) FROM user_designations ud WHERE ud.designation_id = d.id)`

func scanDesignation(s rbac.Scanner) (Designation, error) {
	var d Designation
	err := s.Scan(&d.ID, &d.Name, &d.Description, &d.Level, &d.IsActive, &d.CreatedAt, &d.UpdatedAt,
		&d.PermissionCount, &d.UserCount)
	return d, err
}

// List returns one page of designations ordered by level then name.
func (r *Repository) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Designation, int, error) {
	var (
		conds []string
		args  []any
	)
	if filters.IsActive != nil {
		args = append(args, *filters.IsActive)
		conds = append(conds, fmt.Sprintf("d.is_active = $%d", len(args)))
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		args = append(args, "%"+s+"%")
		conds = append(conds, fmt.Sprintf("(d.name ILIKE $%d OR d.description ILIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM designations d`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM designations d%s ORDER BY d.level DESC, d.name LIMIT $%d OFFSET $%d`,
		designationColumns, where, len(args)+1, len(args)+2), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Designation
	for rows.Next() {
		d, err := scanDesignation(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// Get loads a designation with its permissions and users.
func (r *Repository) Get(ctx context.Context, id int64) (Detail, error) {
	d, err := scanDesignation(r.pool.QueryRow(ctx, `SELECT `+designationColumns+` FROM designations d WHERE d.id = $1`, id))
	if err != nil {
		return Detail{}, db.MapError(err)
	}
	perms, err := listPermissions(ctx, r.pool, id)
	if err != nil {
		return Detail{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT user_id, is_primary FROM user_designations WHERE designation_id = $1 ORDER BY user_id`, id)
	if err != nil {
		return Detail{}, err
	}
	defer rows.Close()
	users := []Assignment{}
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.UserID, &a.IsPrimary); err != nil {
			return Detail{}, err
		}
		users = append(users, a)
	}
	if err := rows.Err(); err != nil {
		return Detail{}, err
	}
	return Detail{Designation: d, Permissions: perms, Users: users}, nil
}

func listPermissions(ctx context.Context, q rbac.Querier, designationID int64) ([]Permission, error) {
	rows, err := q.Query(ctx, `SELECT dp.permission_id, p.code, p.risk_level, dp.scope, dp.is_active, dp.expires_at
FROM designation_permissions dp
JOIN permissions p ON p.id = dp.permission_id
WHERE dp.designation_id = $1
ORDER BY p.code`, designationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Permission{}
	for rows.Next() {
		var (
			p    Permission
			risk string
		)
		if err := rows.Scan(&p.PermissionID, &p.PermissionCode, &risk, &p.Scope, &p.IsActive, &p.ExpiresAt); err != nil {
			return nil, err
		}
		p.RiskLevel = rbac.RiskLevel(risk)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txRepo) Insert(ctx context.Context, d Designation) (Designation, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO designations (name, description, level, is_active)
VALUES ($1, $2, $3, TRUE) RETURNING id`, d.Name, d.Description, d.Level).Scan(&id)
	if err != nil {
		return Designation{}, db.MapError(err)
	}
	return t.GetForUpdate(ctx, id)
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Designation, error) {
	d, err := scanDesignation(t.tx.QueryRow(ctx, `SELECT `+designationColumns+` FROM designations d WHERE d.id = $1 FOR UPDATE`, id))
	if err != nil {
		return Designation{}, db.MapError(err)
	}
	return d, nil
}

func (t *txRepo) Update(ctx context.Context, d Designation) (Designation, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE designations
SET name = $2, description = $3, level = $4, is_active = $5, updated_at = NOW()
WHERE id = $1`, d.ID, d.Name, d.Description, d.Level, d.IsActive)
	if err != nil {
		return Designation{}, db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return Designation{}, shared.ErrNotFound
	}
	return t.GetForUpdate(ctx, d.ID)
}

func (t *txRepo) Permissions(ctx context.Context, designationID int64) ([]Permission, error) {
	return listPermissions(ctx, t.tx, designationID)
}

func (t *txRepo) LookupPermissions(ctx context.Context, ids []int64) (map[int64]rbac.Permission, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+rbac.PermissionColumns("")+` FROM permissions WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[int64]rbac.Permission, len(ids))
	for rows.Next() {
		p, err := rbac.ScanPermission(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// UpsertPermission reports true when the permission was newly attached or
// reactivated.
func (t *txRepo) UpsertPermission(ctx context.Context, designationID int64, grant PermissionGrant) (bool, error) {
	var wasActive *bool
	err := t.tx.QueryRow(ctx, `SELECT is_active FROM designation_permissions WHERE designation_id = $1 AND permission_id = $2`,
		designationID, grant.PermissionID).Scan(&wasActive)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO designation_permissions (designation_id, permission_id, scope, is_active, expires_at)
VALUES ($1, $2, $3, TRUE, $4)
ON CONFLICT (designation_id, permission_id) DO UPDATE
SET scope = EXCLUDED.scope, is_active = TRUE, expires_at = EXCLUDED.expires_at`,
		designationID, grant.PermissionID, grant.Scope.Normalize(), grant.ExpiresAt)
	if err != nil {
		return false, db.MapError(err)
	}
	return wasActive == nil || !*wasActive, nil
}

func (t *txRepo) RemovePermission(ctx context.Context, designationID, permissionID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM designation_permissions WHERE designation_id = $1 AND permission_id = $2`,
		designationID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) UserIDs(ctx context.Context, designationID int64) ([]int64, error) {
	return collectIDs(ctx, t.tx, `SELECT user_id FROM user_designations WHERE designation_id = $1 ORDER BY user_id`, designationID)
}

func (t *txRepo) ExistingUsers(ctx context.Context, ids []int64) ([]int64, error) {
	return collectIDs(ctx, t.tx, `SELECT id FROM users WHERE id = ANY($1) AND is_active ORDER BY id`, ids)
}

// AssignUser links the user; a primary assignment demotes the user's other
// designations. It reports true for a new link.
func (t *txRepo) AssignUser(ctx context.Context, designationID, userID int64, primary bool) (bool, error) {
	if primary {
		if _, err := t.tx.Exec(ctx, `UPDATE user_designations SET is_primary = FALSE
WHERE user_id = $1 AND designation_id <> $2 AND is_primary`, userID, designationID); err != nil {
			return false, err
		}
	}
	var inserted bool
	err := t.tx.QueryRow(ctx, `INSERT INTO user_designations (user_id, designation_id, is_primary)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, designation_id) DO UPDATE SET is_primary = EXCLUDED.is_primary
RETURNING (xmax = 0)`, userID, designationID, primary).Scan(&inserted)
	if err != nil {
		return false, db.MapError(err)
	}
	return inserted, nil
}

func (t *txRepo) RecordAudit(ctx context.Context, entry audit.Entry) error {
	_, err := t.recorder.Record(ctx, t.tx, entry)
	return err
}

func collectIDs(ctx context.Context, q rbac.Querier, sql string, args ...any) ([]int64, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
