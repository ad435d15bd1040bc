package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads the audit trail from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PGRepository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const selectEntries = `SELECT id, action_type, entity_type, entity_id, permission_code,
	COALESCE(old_value::text, ''), COALESCE(new_value::text, ''),
	COALESCE(actor_id, 0), reason, request_id, occurred_at
FROM permission_audit_trail`

// List returns entries matching filters newest first.
func (r *PGRepository) List(ctx context.Context, filters Filters, limit, offset int) ([]Entry, error) {
	where, args := buildWhere(filters)
	query := selectEntries + where + " ORDER BY occurred_at DESC, id DESC"
	if limit > 0 {
		args = append(args, limit, offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		var action, entity, oldValue, newValue string
		if err := rows.Scan(&e.ID, &action, &entity, &e.EntityID, &e.PermissionCode, &oldValue, &newValue,
			&e.ActorID, &e.Reason, &e.RequestID, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.ActionType = ActionType(action)
		e.EntityType = EntityType(entity)
		if oldValue != "" {
			e.OldValue = []byte(oldValue)
		}
		if newValue != "" {
			e.NewValue = []byte(newValue)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the number of entries matching filters.
func (r *PGRepository) Count(ctx context.Context, filters Filters) (int, error) {
	where, args := buildWhere(filters)
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM permission_audit_trail`+where, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func buildWhere(f Filters) (string, []any) {
	var clauses []string
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.EntityType != "" {
		add("entity_type = ?", string(f.EntityType))
	}
	if f.EntityID != "" {
		add("entity_id = ?", f.EntityID)
	}
	if f.ActionType != "" {
		add("action_type = ?", string(f.ActionType))
	}
	if f.PermissionCode != "" {
		add("permission_code = ?", f.PermissionCode)
	}
	if f.PerformedBy > 0 {
		add("actor_id = ?", f.PerformedBy)
	}
	if !f.From.IsZero() {
		add("occurred_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < ?", f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}
