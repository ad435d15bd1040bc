package groups

import (
	"context"
	"errors"
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
	Insert(ctx context.Context, g Group) (Group, error)
	GetForUpdate(ctx context.Context, id int64) (Group, error)
	Update(ctx context.Context, g Group) (Group, error)
	Permissions(ctx context.Context, groupID int64) ([]Permission, error)
	LookupPermissions(ctx context.Context, ids []int64) (map[int64]rbac.Permission, error)
	UpsertPermission(ctx context.Context, groupID int64, grant PermissionGrant) (bool, error)
	RemovePermission(ctx context.Context, groupID, permissionID int64) (bool, error)
	MemberIDs(ctx context.Context, groupID int64) ([]int64, error)
	ExistingUsers(ctx context.Context, ids []int64) ([]int64, error)
	UpsertMember(ctx context.Context, groupID, userID int64, from time.Time, to *time.Time) (bool, error)
	RemoveMember(ctx context.Context, groupID, userID int64) (bool, error)
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

const groupColumns = `g.id, g.name, g.description, g.group_type, g.is_active, g.created_at, g.updated_at,
	(SELECT COUNT(*) FROM group_permissions gp WHERE gp.group_id = g.id),
	(SELECT COUNT(*) FROM group_memberships gm WHERE gm.group_id = g.id AND gm.is_active)`

func scanGroup(s rbac.Scanner) (Group, error) {
	var (
		g     Group
		gtype string
	)
	if err := s.Scan(&g.ID, &g.Name, &g.Description, &gtype, &g.IsActive, &g.CreatedAt, &g.UpdatedAt,
		&g.PermissionCount, &g.MemberCount); err != nil {
		return Group{}, err
	}
	g.GroupType = rbac.GroupType(gtype)
	return g, nil
}

// List returns one page of groups ordered by name.
func (r *Repository) List(ctx context.Context, filters ListFilters, limit, offset int) ([]Group, int, error) {
	var (
		conds []string
		args  []any
	)
	if filters.GroupType != "" {
		args = append(args, string(filters.GroupType))
		conds = append(conds, fmt.Sprintf("g.group_type = $%d", len(args)))
	}
	if filters.IsActive != nil {
		args = append(args, *filters.IsActive)
		conds = append(conds, fmt.Sprintf("g.is_active = $%d", len(args)))
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		args = append(args, "%"+s+"%")
		conds = append(conds, fmt.Sprintf("(g.name ILIKE $%d OR g.description ILIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permission_groups g`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`SELECT %s FROM permission_groups g%s ORDER BY g.name LIMIT $%d OFFSET $%d`,
		groupColumns, where, len(args)+1, len(args)+2), append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, g)
	}
	return out, total, rows.Err()
}

// Get loads a group with its permissions and members.
func (r *Repository) Get(ctx context.Context, id int64) (Detail, error) {
	g, err := scanGroup(r.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM permission_groups g WHERE g.id = $1`, id))
	if err != nil {
		return Detail{}, db.MapError(err)
	}
	perms, err := listPermissions(ctx, r.pool, id)
	if err != nil {
		return Detail{}, err
	}
	rows, err := r.pool.Query(ctx, `SELECT user_id, valid_from, valid_to, is_active
FROM group_memberships WHERE group_id = $1 ORDER BY user_id`, id)
	if err != nil {
		return Detail{}, err
	}
	defer rows.Close()
	members := []Membership{}
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.ValidFrom, &m.ValidTo, &m.IsActive); err != nil {
			return Detail{}, err
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return Detail{}, err
	}
	return Detail{Group: g, Permissions: perms, Members: members}, nil
}

func listPermissions(ctx context.Context, q rbac.Querier, groupID int64) ([]Permission, error) {
	rows, err := q.Query(ctx, `SELECT gp.permission_id, p.code, p.risk_level, gp.is_mandatory, gp.requires_mfa, gp.scope
FROM group_permissions gp
JOIN permissions p ON p.id = gp.permission_id
WHERE gp.group_id = $1
ORDER BY p.code`, groupID)
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
		if err := rows.Scan(&p.PermissionID, &p.PermissionCode, &risk, &p.IsMandatory, &p.RequiresMFA, &p.Scope); err != nil {
			return nil, err
		}
		p.RiskLevel = rbac.RiskLevel(risk)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *txRepo) Insert(ctx context.Context, g Group) (Group, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO permission_groups (name, description, group_type, is_active)
VALUES ($1, $2, $3, TRUE) RETURNING id`, g.Name, g.Description, string(g.GroupType)).Scan(&id)
	if err != nil {
		return Group{}, db.MapError(err)
	}
	return t.GetForUpdate(ctx, id)
}

func (t *txRepo) GetForUpdate(ctx context.Context, id int64) (Group, error) {
	g, err := scanGroup(t.tx.QueryRow(ctx, `SELECT `+groupColumns+` FROM permission_groups g WHERE g.id = $1 FOR UPDATE`, id))
	if err != nil {
		return Group{}, db.MapError(err)
	}
	return g, nil
}

func (t *txRepo) Update(ctx context.Context, g Group) (Group, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE permission_groups
SET name = $2, description = $3, group_type = $4, is_active = $5, updated_at = NOW()
WHERE id = $1`, g.ID, g.Name, g.Description, string(g.GroupType), g.IsActive)
	if err != nil {
		return Group{}, db.MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return Group{}, shared.ErrNotFound
	}
	return t.GetForUpdate(ctx, g.ID)
}

func (t *txRepo) Permissions(ctx context.Context, groupID int64) ([]Permission, error) {
	return listPermissions(ctx, t.tx, groupID)
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

// UpsertPermission reports true when the permission was newly attached.
func (t *txRepo) UpsertPermission(ctx context.Context, groupID int64, grant PermissionGrant) (bool, error) {
	var inserted bool
	err := t.tx.QueryRow(ctx, `INSERT INTO group_permissions (group_id, permission_id, is_mandatory, requires_mfa, scope)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (group_id, permission_id) DO UPDATE
SET is_mandatory = EXCLUDED.is_mandatory, requires_mfa = EXCLUDED.requires_mfa, scope = EXCLUDED.scope
RETURNING (xmax = 0)`, groupID, grant.PermissionID, grant.IsMandatory, grant.RequiresMFA, grant.Scope.Normalize()).Scan(&inserted)
	if err != nil {
		return false, db.MapError(err)
	}
	return inserted, nil
}

func (t *txRepo) RemovePermission(ctx context.Context, groupID, permissionID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM group_permissions WHERE group_id = $1 AND permission_id = $2`, groupID, permissionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (t *txRepo) MemberIDs(ctx context.Context, groupID int64) ([]int64, error) {
	return collectIDs(ctx, t.tx, `SELECT user_id FROM group_memberships WHERE group_id = $1 AND is_active ORDER BY user_id`, groupID)
}

func (t *txRepo) ExistingUsers(ctx context.Context, ids []int64) ([]int64, error) {
	return collectIDs(ctx, t.tx, `SELECT id FROM users WHERE id = ANY($1) AND is_active ORDER BY id`, ids)
}

// UpsertMember reports true when the user was not an active member before.
func (t *txRepo) UpsertMember(ctx context.Context, groupID, userID int64, from time.Time, to *time.Time) (bool, error) {
	var wasActive *bool
	err := t.tx.QueryRow(ctx, `SELECT is_active FROM group_memberships WHERE group_id = $1 AND user_id = $2`, groupID, userID).Scan(&wasActive)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO group_memberships (group_id, user_id, valid_from, valid_to, is_active)
VALUES ($1, $2, $3, $4, TRUE)
ON CONFLICT (group_id, user_id) DO UPDATE
SET valid_from = EXCLUDED.valid_from, valid_to = EXCLUDED.valid_to, is_active = TRUE`, groupID, userID, from, to)
	if err != nil {
		return false, db.MapError(err)
	}
	return wasActive == nil || !*wasActive, nil
}

func (t *txRepo) RemoveMember(ctx context.Context, groupID, userID int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM group_memberships WHERE group_id = $1 AND user_id = $2`, groupID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
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
