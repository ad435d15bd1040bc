package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
)

// Queryer is the subset of pgx.Tx the recorder writes through, so the audit
// row commits or rolls back together with the mutation it describes.
type Queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ErrInvalidEntry is returned for entries that fail basic checks.
var ErrInvalidEntry = errors.New("audit: invalid entry")

// Recorder appends entries to permission_audit_trail.
type Recorder struct {
	now func() time.Time
}

// NewRecorder constructs a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Validate checks the entry before it is written.
func Validate(e Entry) error {
	switch {
	case !e.ActionType.Valid():
		return fmt.Errorf("%w: action type %q", ErrInvalidEntry, e.ActionType)
	case !e.EntityType.Valid():
		return fmt.Errorf("%w: entity type %q", ErrInvalidEntry, e.EntityType)
	case strings.TrimSpace(e.EntityID) == "":
		return fmt.Errorf("%w: entity id required", ErrInvalidEntry)
	case e.ActorID < 0:
		return fmt.Errorf("%w: actor id", ErrInvalidEntry)
	case e.ActorID == 0 && e.EntityType != EntitySystem && e.ActionType != ActionExpire:
		return fmt.Errorf("%w: actor required", ErrInvalidEntry)
	}
	return nil
}

// Prepare fills defaults derived from context and clock.
func (r *Recorder) Prepare(ctx context.Context, e Entry) Entry {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = middleware.GetReqID(ctx)
	}
	e.Reason = strings.TrimSpace(e.Reason)
	return e
}

// Record appends one row and returns its id.
func (r *Recorder) Record(ctx context.Context, q Queryer, e Entry) (int64, error) {
	if r == nil || q == nil {
		return 0, errors.New("audit: recorder not initialised")
	}
	e = r.Prepare(ctx, e)
	if err := Validate(e); err != nil {
		return 0, err
	}
	var id int64
	err := q.QueryRow(ctx, `INSERT INTO permission_audit_trail
	(action_type, entity_type, entity_id, permission_code, old_value, new_value, actor_id, reason, request_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, 0), $8, $9, $10)
RETURNING id`,
		string(e.ActionType), string(e.EntityType), e.EntityID, e.PermissionCode,
		nullableJSON(e.OldValue), nullableJSON(e.NewValue), e.ActorID, e.Reason, e.RequestID, e.OccurredAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("audit: record: %w", err)
	}
	return id, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
