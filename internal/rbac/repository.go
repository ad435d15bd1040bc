package rbac

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Scanner is satisfied by pgx.Row and pgx.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// PermissionColumns lists the permissions columns in ScanPermission order,
// qualified by alias when given.
func PermissionColumns(alias string) string {
	cols := []string{"id", "code", "name", "description", "category", "resource", "actions",
		"permission_type", "risk_level", "effect", "business_template", "requires_mfa", "is_active",
		"created_at", "updated_at"}
	if alias != "" {
		for i, c := range cols {
			cols[i] = alias + "." + c
		}
	}
	return strings.Join(cols, ", ")
}

// ScanPermission reads a row selected with PermissionColumns.
func ScanPermission(s Scanner) (Permission, error) {
	var (
		p                                  Permission
		ptype, risk, effect, businessTempl string
	)
	dest := []any{&p.ID, &p.Code, &p.Name, &p.Description, &p.Category, &p.Resource, &p.Actions,
		&ptype, &risk, &effect, &businessTempl, &p.RequiresMFA, &p.IsActive, &p.CreatedAt, &p.UpdatedAt}
	if err := s.Scan(dest...); err != nil {
		return Permission{}, err
	}
	p.PermissionType = PermissionType(ptype)
	p.RiskLevel = RiskLevel(risk)
	p.Effect = Effect(effect)
	p.BusinessTemplate = BusinessTemplate(businessTempl)
	if p.Actions == nil {
		p.Actions = []string{}
	}
	return p, nil
}

// Repository reads candidate grants from PostgreSQL.
type Repository struct {
	db Querier
}

// NewRepository constructs a source repository.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

const designationGrantsSQL = `SELECT d.id, d.name, ud.is_primary, dp.scope, dp.expires_at, ` + "%s" + `
FROM user_designations ud
JOIN designations d ON d.id = ud.designation_id AND d.is_active
JOIN designation_permissions dp ON dp.designation_id = d.id AND dp.is_active
	AND (dp.expires_at IS NULL OR dp.expires_at > $2)
JOIN permissions p ON p.id = dp.permission_id AND p.is_active
WHERE ud.user_id = $1
ORDER BY p.code, ud.is_primary DESC, d.id`

// DesignationGrants returns grants from the user's active designations.
func (r *Repository) DesignationGrants(ctx context.Context, userID int64, now time.Time) ([]Candidate, error) {
	rows, err := r.db.Query(ctx, withPermissionColumns(designationGrantsSQL), userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var (
			c       Candidate
			scope   Scope
			expires *time.Time
		)
		perm, err := scanWithPrefix(rows, &c.SourceID, &c.SourceName, &c.IsPrimary, &scope, &expires)
		if err != nil {
			return nil, err
		}
		c = withPermission(c, perm)
		c.Scope = scope
		c.ExpiresAt = expires
		out = append(out, c)
	}
	return out, rows.Err()
}

const groupGrantsSQL = `SELECT g.id, g.name, gp.scope, gp.requires_mfa, gm.valid_to, ` + "%s" + `
FROM group_memberships gm
JOIN permission_groups g ON g.id = gm.group_id AND g.is_active
JOIN group_permissions gp ON gp.group_id = g.id
JOIN permissions p ON p.id = gp.permission_id AND p.is_active
WHERE gm.user_id = $1 AND gm.is_active
	AND gm.valid_from <= $2 AND (gm.valid_to IS NULL OR gm.valid_to > $2)
ORDER BY p.code, g.id`

// GroupGrants returns grants from active groups with a current membership.
func (r *Repository) GroupGrants(ctx context.Context, userID int64, now time.Time) ([]Candidate, error) {
	rows, err := r.db.Query(ctx, withPermissionColumns(groupGrantsSQL), userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var (
			c          Candidate
			scope      Scope
			grantMFA   bool
			validUntil *time.Time
		)
		perm, err := scanWithPrefix(rows, &c.SourceID, &c.SourceName, &scope, &grantMFA, &validUntil)
		if err != nil {
			return nil, err
		}
		c = withPermission(c, perm)
		c.Scope = scope
		c.RequiresMFA = c.RequiresMFA || grantMFA
		c.ExpiresAt = validUntil
		out = append(out, c)
	}
	return out, rows.Err()
}

const overrideGrantsSQL = `SELECT o.id, o.override_type, o.permission_level, o.scope, o.effective_from,
	o.effective_to, o.is_temporary, o.auto_expire, o.requires_mfa, o.approval_status, o.is_active,
	o.priority, o.created_at, ` + "%s" + `
FROM user_permission_overrides o
JOIN permissions p ON p.id = o.permission_id AND p.is_active
WHERE o.user_id = $1 AND o.approval_status = 'approved' AND o.is_active
	AND o.effective_from <= $2 AND (o.effective_to IS NULL OR o.effective_to >= $2)
ORDER BY p.code, o.priority DESC, o.created_at DESC, o.id DESC`

// OverrideGrants returns the user's approved overrides in their validity window.
func (r *Repository) OverrideGrants(ctx context.Context, userID int64, now time.Time) ([]Candidate, error) {
	rows, err := r.db.Query(ctx, withPermissionColumns(overrideGrantsSQL), userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var (
			c                    Candidate
			otype, level, status string
			scope                Scope
			overrideMFA          bool
		)
		perm, err := scanWithPrefix(rows, &c.OverrideID, &otype, &level, &scope, &c.EffectiveFrom,
			&c.EffectiveTo, &c.IsTemporary, &c.AutoExpire, &overrideMFA, &status, &c.IsActive,
			&c.Priority, &c.CreatedAt)
		if err != nil {
			return nil, err
		}
		c = withPermission(c, perm)
		c.OverrideType = OverrideType(otype)
		c.Level = PermissionLevel(level)
		c.ApprovalStatus = ApprovalStatus(status)
		c.Scope = scope
		c.RequiresMFA = c.RequiresMFA || overrideMFA
		c.SourceID = c.OverrideID
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecentlyChangedUsers lists users touched by audit entries since the given time.
func (r *Repository) RecentlyChangedUsers(ctx context.Context, since time.Time, limit int) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT DISTINCT entity_id::BIGINT
FROM permission_audit_trail
WHERE entity_type = 'user' AND occurred_at >= $1 AND entity_id ~ '^[0-9]+$'
LIMIT $2`, since, limit)
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
	return ids, rows.Err()
}

func withPermissionColumns(query string) string {
	return strings.Replace(query, "%s", PermissionColumns("p"), 1)
}

// scanWithPrefix scans leading columns into prefix followed by the permission columns.
func scanWithPrefix(s Scanner, prefix ...any) (Permission, error) {
	return ScanPermission(prefixScanner{s: s, prefix: prefix})
}

type prefixScanner struct {
	s      Scanner
	prefix []any
}

func (p prefixScanner) Scan(dest ...any) error {
	return p.s.Scan(append(p.prefix, dest...)...)
}

func withPermission(c Candidate, p Permission) Candidate {
	c.PermissionID = p.ID
	c.Code = p.Code
	c.Name = p.Name
	c.Category = p.Category
	c.Resource = p.Resource
	c.Actions = p.Actions
	c.PermissionType = p.PermissionType
	c.RiskLevel = p.RiskLevel
	c.Effect = p.Effect
	c.BusinessTemplate = p.BusinessTemplate
	c.RequiresMFA = p.RequiresMFA
	return c
}
