package permissions

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Repository provides PostgreSQL backed persistence for the registry.
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
	Insert(ctx context.Context, p rbac.Permission) (rbac.Permission, error)
	GetForUpdate(ctx context.Context, id int64) (rbac.Permission, error)
	Update(ctx context.Context, p rbac.Permission) (rbac.Permission, error)
	AuditReferenced(ctx context.Context, code string) (bool, error)
	AffectedUsers(ctx context.Context, permissionID int64) ([]int64, error)
	DeleteReferences(ctx context.Context, permissionID int64) (References, error)
	Delete(ctx context.Context, id int64) error

	TargetExists(ctx context.Context, target TargetType, id int64) error
	TargetUsers(ctx context.Context, target TargetType, id int64) ([]int64, error)
	GrantTo(ctx context.Context, target TargetType, targetID, permissionID, actorID int64, reason string) (bool, error)
	RevokeFrom(ctx context.Context, target TargetType, targetID, permissionID, actorID int64, reason string) (bool, error)

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

// Get loads a permission by id.
func (r *Repository) Get(ctx context.Context, id int64) (rbac.Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+rbac.PermissionColumns("")+` FROM permissions WHERE id = $1`, id)
	p, err := rbac.ScanPermission(row)
	if err != nil {
		return rbac.Permission{}, db.MapError(err)
	}
	return p, nil
}

// GetByCode loads a permission by code.
func (r *Repository) GetByCode(ctx context.Context, code string) (rbac.Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+rbac.PermissionColumns("")+` FROM permissions WHERE code = $1`, code)
	p, err := rbac.ScanPermission(row)
	if err != nil {
		return rbac.Permission{}, db.MapError(err)
	}
	return p, nil
}

// GetMany loads the permissions with the given ids; unknown ids are omitted.
func (r *Repository) GetMany(ctx context.Context, ids []int64) (map[int64]rbac.Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+rbac.PermissionColumns("")+` FROM permissions WHERE id = ANY($1)`, ids)
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

// List returns one page of the registry ordered by code.
func (r *Repository) List(ctx context.Context, filters ListFilters, limit, offset int) ([]rbac.Permission, int, error) {
	where, args := buildWhere(filters)
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permissions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := fmt.Sprintf(`SELECT %s FROM permissions%s ORDER BY code LIMIT $%d OFFSET $%d`,
		rbac.PermissionColumns(""), where, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []rbac.Permission
	for rows.Next() {
		p, err := rbac.ScanPermission(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func buildWhere(filters ListFilters) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filters.Category != "" {
		add("category = $%d", filters.Category)
	}
	if filters.PermissionType != "" {
		add("permission_type = $%d", string(filters.PermissionType))
	}
	if filters.RiskLevel != "" {
		add("risk_level = $%d", string(filters.RiskLevel))
	}
	if filters.IsActive != nil {
		add("is_active = $%d", *filters.IsActive)
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		args = append(args, "%"+s+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(code ILIKE $%d OR name ILIKE $%d OR description ILIKE $%d)", n, n, n))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (t *txRepo) Insert(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	row := t.tx.QueryRow(ctx, `INSERT INTO permissions
	(code, name, description, category, resource, actions, permission_type, risk_level, effect, business_template, requires_mfa, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE)
RETURNING `+rbac.PermissionColumns(""),
		p.Code, p.Name, p.Description, p.Category, p.Resource, p.Actions, string(p.PermissionType),
		string(p.RiskLevel), string(p.Effect), string(p.BusinessTemplate), p.RequiresMFA)
	out, err := rbac.ScanPermission(row)
	if err != nil {
		return rbac.Permission{}, db.MapError(err)
	}
	return out, nil
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (rbac.Permission, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+rbac.PermissionColumns("")+` FROM permissions WHERE id = $1 FOR UPDATE`, id)
	p, err := rbac.ScanPermission(row)
	if err != nil {
		return rbac.Permission{}, db.MapError(err)
	}
	return p, nil
}

func (t *txRepo) Update(ctx context.Context, p rbac.Permission) (rbac.Permission, error) {
	row := t.tx.QueryRow(ctx, `UPDATE permissions SET
	name = $2, description = $3, category = $4, actions = $5, permission_type = $6, risk_level = $7,
	effect = $8, business_template = $9, requires_mfa = $10, is_active = $11, updated_at = NOW()
WHERE id = $1
RETURNING `+rbac.PermissionColumns(""),
		p.ID, p.Name, p.Description, p.Category, p.Actions, string(p.PermissionType), string(p.RiskLevel),
		string(p.Effect), string(p.BusinessTemplate), p.RequiresMFA, p.IsActive)
	out, err := rbac.ScanPermission(row)
	if err != nil {
		return rbac.Permission{}, db.MapError(err)
	}
	return out, nil
}

func (t *txRepo) AuditReferenced(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM permission_audit_trail WHERE permission_code = $1)`, code).Scan(&exists)
	return exists, err
}

const affectedUsersSQL = `SELECT ud.user_id FROM user_designations ud
	JOIN designation_permissions dp ON dp.designation_id = ud.designation_id
	WHERE dp.permission_id = $1
UNION
SELECT gm.user_id FROM group_memberships gm
	JOIN group_permissions gp ON gp.group_id = gm.group_id
	WHERE gp.permission_id = $1
UNION
SELECT o.user_id FROM user_permission_overrides o WHERE o.permission_id = $1`

func (t *txRepo) AffectedUsers(ctx context.Context, permissionID int64) ([]int64, error) {
	return collectIDs(ctx, t.tx, affectedUsersSQL, permissionID)
}

func (t *txRepo) DeleteReferences(ctx context.Context, permissionID int64) (References, error) {
	var refs References
	var err error
	refs.UserIDs, err = collectIDs(ctx, t.tx, affectedUsersSQL, permissionID)
	if err != nil {
		return References{}, err
	}
	refs.DesignationIDs, err = collectIDs(ctx, t.tx,
		`DELETE FROM designation_permissions WHERE permission_id = $1 RETURNING designation_id`, permissionID)
	if err != nil {
		return References{}, err
	}
	refs.GroupIDs, err = collectIDs(ctx, t.tx,
		`DELETE FROM group_permissions WHERE permission_id = $1 RETURNING group_id`, permissionID)
	if err != nil {
		return References{}, err
	}
	rows, err := t.tx.Query(ctx, `DELETE FROM user_permission_overrides WHERE permission_id = $1 RETURNING id, user_id`, permissionID)
	if err != nil {
		return References{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var ref OverrideRef
		if err := rows.Scan(&ref.ID, &ref.UserID); err != nil {
			return References{}, err
		}
		refs.Overrides = append(refs.Overrides, ref)
	}
	return refs, rows.Err()
}

func (t *txRepo) Delete(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
	if err != nil {
		return db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

func (t *txRepo) TargetExists(ctx context.Context, target TargetType, id int64) error {
	var query string
	switch target {
	case TargetUsers:
		query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_active)`
	case TargetDesignations:
		query = `SELECT EXISTS (SELECT 1 FROM designations WHERE id = $1)`
	case TargetGroups:
		query = `SELECT EXISTS (SELECT 1 FROM permission_groups WHERE id = $1)`
	default:
		return fmt.Errorf("%w: unknown target type %q", shared.ErrValidation, target)
	}
	var exists bool
	if err := t.tx.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %d: %w", strings.TrimSuffix(string(target), "s"), id, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) TargetUsers(ctx context.Context, target TargetType, id int64) ([]int64, error) {
	switch target {
	case TargetUsers:
		return []int64{id}, nil
	case TargetDesignations:
		return collectIDs(ctx, t.tx, `SELECT user_id FROM user_designations WHERE designation_id = $1`, id)
	case TargetGroups:
		return collectIDs(ctx, t.tx, `SELECT user_id FROM group_memberships WHERE group_id = $1`, id)
	}
	return nil, fmt.Errorf("%w: unknown target type %q", shared.ErrValidation, target)
}

// insertUserOverrideSQL adds an approved override unless an identical active
// one already exists.
const insertUserOverrideSQL = `INSERT INTO user_permission_overrides
	(user_id, permission_id, override_type, permission_level, scope, effective_from, approval_status, reason, is_active, created_by, approved_by)
SELECT $1, $2, $3, $4, '{}'::jsonb, NOW(), 'approved', $5, TRUE, $6, $6
WHERE NOT EXISTS (
	SELECT 1 FROM user_permission_overrides
	WHERE user_id = $1 AND permission_id = $2 AND override_type = $3 AND is_active AND approval_status = 'approved'
)`

// GrantTo attaches the permission to a designation or group, or records an
// approved addition override for a user. It reports false when nothing
// changed.
func (t *txRepo) GrantTo(ctx context.Context, target TargetType, targetID, permissionID, actorID int64, reason string) (bool, error) {
	switch target {
	case TargetDesignations:
		return t.affected(ctx, `INSERT INTO designation_permissions (designation_id, permission_id, scope, is_active)
VALUES ($1, $2, '{}'::jsonb, TRUE)
ON CONFLICT (designation_id, permission_id) DO UPDATE SET is_active = TRUE, expires_at = NULL
WHERE NOT designation_permissions.is_active OR designation_permissions.expires_at IS NOT NULL`, targetID, permissionID)
	case TargetGroups:
		return t.affected(ctx, `INSERT INTO group_permissions (group_id, permission_id, scope, is_mandatory)
VALUES ($1, $2, '{}'::jsonb, FALSE)
ON CONFLICT (group_id, permission_id) DO NOTHING`, targetID, permissionID)
	case TargetUsers:
		return t.overrideUser(ctx, targetID, permissionID, actorID, reason, rbac.OverrideAddition, rbac.LevelGranted, rbac.OverrideRestriction)
	}
	return false, fmt.Errorf("%w: unknown target type %q", shared.ErrValidation, target)
}

// RevokeFrom removes the grant from a designation or group, or records an
// approved restriction override for a user. It reports false when there was
// nothing to revoke.
func (t *txRepo) RevokeFrom(ctx context.Context, target TargetType, targetID, permissionID, actorID int64, reason string) (bool, error) {
	switch target {
	case TargetDesignations:
		return t.affected(ctx, `DELETE FROM designation_permissions WHERE designation_id = $1 AND permission_id = $2`, targetID, permissionID)
	case TargetGroups:
		return t.affected(ctx, `DELETE FROM group_permissions WHERE group_id = $1 AND permission_id = $2`, targetID, permissionID)
	case TargetUsers:
		return t.overrideUser(ctx, targetID, permissionID, actorID, reason, rbac.OverrideRestriction, rbac.LevelDenied, rbac.OverrideAddition)
	}
	return false, fmt.Errorf("%w: unknown target type %q", shared.ErrValidation, target)
}

// overrideUser deactivates the user's active overrides of the opposite kind
// and records an approved one of kind. Either step counts as a change.
func (t *txRepo) overrideUser(ctx context.Context, userID, permissionID, actorID int64, reason string, kind rbac.OverrideType, level rbac.PermissionLevel, opposite rbac.OverrideType) (bool, error) {
	deactivated, err := t.affected(ctx, `UPDATE user_permission_overrides SET is_active = FALSE, updated_at = NOW()
WHERE user_id = $1 AND permission_id = $2 AND is_active AND override_type = $3`, userID, permissionID, string(opposite))
	if err != nil {
		return false, err
	}
	inserted, err := t.affected(ctx, insertUserOverrideSQL, userID, permissionID, string(kind), string(level), reason, actorID)
	if err != nil {
		return false, err
	}
	return deactivated || inserted, nil
}

func (t *txRepo) affected(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return false, db.MapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) RecordAudit(ctx context.Context, entry audit.Entry) error {
	_, err := t.recorder.Record(ctx, t.tx, entry)
	return err
}

func collectIDs(ctx context.Context, tx pgx.Tx, sql string, args ...any) ([]int64, error) {
	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
