package overrides

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const expireBatch = 500

// RepositoryPort defines data access methods for overrides.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Override, error)
	List(ctx context.Context, filters ListFilters, limit, offset int) ([]Override, int, error)
}

// Invalidator drops cached effective permissions.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...int64)
}

// AccessChecker resolves one permission for a user.
type AccessChecker interface {
	Check(ctx context.Context, userID int64, code string) (rbac.CheckResult, error)
}

// Service handles the override lifecycle and approval workflow.
type Service struct {
	repo      RepositoryPort
	cache     Invalidator
	checker   AccessChecker
	validator *shared.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cache Invalidator, checker AccessChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, checker: checker, validator: shared.NewValidator(), logger: logger, now: time.Now}
}

// List returns one page of overrides.
func (s *Service) List(ctx context.Context, filters ListFilters, page shared.PageRequest) (shared.Page[Override], error) {
	page = page.Normalize()
	if filters.Status != "" && !filters.Status.Valid() {
		return shared.Page[Override]{}, shared.NewValidationError("approval_status", "unknown approval status")
	}
	items, total, err := s.repo.List(ctx, filters, page.Limit(), page.Offset())
	if err != nil {
		return shared.Page[Override]{}, fmt.Errorf("overrides: list: %w", err)
	}
	return shared.Page[Override]{Request: page, Count: total, Results: items}, nil
}

// Get returns one override.
func (s *Service) Get(ctx context.Context, id int64) (Override, error) {
	o, err := s.repo.Get(ctx, id)
	if err != nil {
		return Override{}, fmt.Errorf("overrides: get %d: %w", id, err)
	}
	return o, nil
}

// Create records an override. Actors allowed to approve overrides get it
// approved immediately; everyone else creates a pending request.
func (s *Service) Create(ctx context.Context, actor shared.Actor, in CreateInput) (Override, error) {
	if err := s.validator.Struct(in); err != nil {
		return Override{}, err
	}
	now := s.now().UTC()
	o := Override{
		UserID:       in.UserID,
		PermissionID: in.PermissionID,
		OverrideType: rbac.ParseOverrideType(in.OverrideType),
		Level:        rbac.PermissionLevel(in.Level),
		Scope:        in.Scope.Normalize(),
		EffectiveTo:  in.EffectiveTo,
		IsTemporary:  in.IsTemporary,
		AutoExpire:   in.AutoExpire,
		RequiresMFA:  in.RequiresMFA,
		Priority:     in.Priority,
		Reason:       strings.TrimSpace(in.Reason),
		IsActive:     true,
		CreatedBy:    actor.UserID,
	}
	o.EffectiveFrom = now
	if in.EffectiveFrom != nil {
		o.EffectiveFrom = in.EffectiveFrom.UTC()
	}
	if o.Level == "" {
		o.Level = defaultLevel(o.OverrideType)
	}
	if err := validateOverride(o, now); err != nil {
		return Override{}, err
	}

	approve, err := s.canApprove(ctx, actor)
	if err != nil {
		return Override{}, fmt.Errorf("overrides: create: %w", err)
	}
	o.ApprovalStatus = rbac.ApprovalPending
	if approve {
		o.ApprovalStatus = rbac.ApprovalApproved
		o.ApprovedBy = &actor.UserID
		o.ApprovedAt = &now
	}

	var created Override
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.UserExists(ctx, o.UserID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %d: %w", o.UserID, shared.ErrNotFound)
		}
		p, err := tx.LookupPermission(ctx, o.PermissionID)
		if err != nil {
			return fmt.Errorf("permission %d: %w", o.PermissionID, err)
		}
		if !p.IsActive {
			return shared.NewValidationError("permission_id", "permission is inactive")
		}
		if p.RiskLevel == rbac.RiskCritical && o.Level.Allows() && o.Reason == "" {
			return shared.NewValidationError("reason", "required for critical-risk permissions")
		}
		if created, err = tx.Insert(ctx, o); err != nil {
			return err
		}
		action := audit.ActionModify
		if created.ApprovalStatus == rbac.ApprovalApproved {
			action = created.grantAction()
		}
		return tx.RecordAudit(ctx, entryFor(created, action, actor.UserID, created.Reason, nil))
	})
	if err != nil {
		return Override{}, fmt.Errorf("overrides: create: %w", err)
	}
	if created.ApprovalStatus == rbac.ApprovalApproved {
		s.invalidate(ctx, created.UserID)
	}
	s.logger.Info("override created",
		slog.Int64("override_id", created.ID),
		slog.Int64("user_id", created.UserID),
		slog.String("permission_code", created.PermissionCode),
		slog.String("status", string(created.ApprovalStatus)))
	return created, nil
}

// Update changes an active override. An approved override edited by an actor
// without approval rights goes back to pending.
func (s *Service) Update(ctx context.Context, actor shared.Actor, id int64, in UpdateInput) (Override, error) {
	if err := s.validator.Struct(in); err != nil {
		return Override{}, err
	}
	approve, err := s.canApprove(ctx, actor)
	if err != nil {
		return Override{}, fmt.Errorf("overrides: update %d: %w", id, err)
	}
	now := s.now().UTC()
	var (
		updated     Override
		wasResolved bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.IsActive || current.ApprovalStatus == rbac.ApprovalRejected || current.ApprovalStatus == rbac.ApprovalExpired {
			return shared.NewValidationError("override", "only pending or approved overrides can be changed")
		}
		wasResolved = current.ApprovalStatus == rbac.ApprovalApproved
		next := current
		if in.Level != nil {
			next.Level = rbac.PermissionLevel(*in.Level)
		}
		if in.Scope != nil {
			next.Scope = in.Scope.Normalize()
		}
		if in.EffectiveTo != nil {
			next.EffectiveTo = in.EffectiveTo
		}
		if in.RequiresMFA != nil {
			next.RequiresMFA = *in.RequiresMFA
		}
		if in.Priority != nil {
			next.Priority = *in.Priority
		}
		if r := strings.TrimSpace(in.Reason); r != "" {
			next.Reason = r
		}
		if err := validateOverride(next, now); err != nil {
			return err
		}
		if next.ApprovalStatus == rbac.ApprovalApproved && !approve {
			next.ApprovalStatus = rbac.ApprovalPending
			next.ApprovedBy = nil
			next.ApprovedAt = nil
		}
		if updated, err = tx.Update(ctx, next); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, entryFor(updated, audit.ActionModify, actor.UserID, in.Reason, &current))
	})
	if err != nil {
		return Override{}, fmt.Errorf("overrides: update %d: %w", id, err)
	}
	if wasResolved || updated.ApprovalStatus == rbac.ApprovalApproved {
		s.invalidate(ctx, updated.UserID)
	}
	return updated, nil
}

// Delete deactivates an override.
func (s *Service) Delete(ctx context.Context, actor shared.Actor, id int64, reason string) error {
	var o Override
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.IsActive {
			o = current
			return nil
		}
		next := current
		next.IsActive = false
		if o, err = tx.Update(ctx, next); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, entryFor(o, audit.ActionRevoke, actor.UserID, reason, &current))
	})
	if err != nil {
		return fmt.Errorf("overrides: delete %d: %w", id, err)
	}
	s.invalidate(ctx, o.UserID)
	return nil
}

// Approve moves a pending override to approved. The creator cannot approve
// their own request unless they are a superuser.
func (s *Service) Approve(ctx context.Context, actor shared.Actor, id int64, reason string) (Override, error) {
	return s.decide(ctx, actor, id, rbac.ApprovalApproved, reason)
}

// Reject moves a pending override to rejected.
func (s *Service) Reject(ctx context.Context, actor shared.Actor, id int64, reason string) (Override, error) {
	return s.decide(ctx, actor, id, rbac.ApprovalRejected, reason)
}

func (s *Service) decide(ctx context.Context, actor shared.Actor, id int64, status rbac.ApprovalStatus, reason string) (Override, error) {
	now := s.now().UTC()
	var out Override
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.ApprovalStatus != rbac.ApprovalPending || !current.IsActive {
			return fmt.Errorf("override %d is %s: %w", id, current.ApprovalStatus, shared.ErrConflict)
		}
		if current.CreatedBy == actor.UserID && !actor.SuperUser {
			return fmt.Errorf("cannot decide on your own override request: %w", shared.ErrForbidden)
		}
		next := current
		next.ApprovalStatus = status
		action := audit.ActionModify
		if status == rbac.ApprovalApproved {
			if current.EffectiveTo != nil && current.EffectiveTo.Before(now) {
				return shared.NewValidationError("effective_to", "override window has already ended")
			}
			next.ApprovedBy = &actor.UserID
			next.ApprovedAt = &now
			action = next.grantAction()
		}
		if out, err = tx.Update(ctx, next); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, entryFor(out, action, actor.UserID, reason, &current))
	})
	if err != nil {
		return Override{}, fmt.Errorf("overrides: %s %d: %w", status, id, err)
	}
	if status == rbac.ApprovalApproved {
		s.invalidate(ctx, out.UserID)
	}
	return out, nil
}

// ExpireDue marks lapsed auto-expiring overrides as expired. Resolution
// already ignores them; this keeps the stored status and the audit trail
// in step.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	var expired []Override
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		if expired, err = tx.ExpireDue(ctx, now, expireBatch); err != nil {
			return err
		}
		for _, o := range expired {
			if err := tx.RecordAudit(ctx, audit.Entry{
				ActionType:     audit.ActionExpire,
				EntityType:     audit.EntityUser,
				EntityID:       strconv.FormatInt(o.UserID, 10),
				PermissionCode: o.PermissionCode,
				OldValue:       audit.Snapshot(map[string]any{"override_id": o.ID, "effective_to": o.EffectiveTo}),
				Reason:         "auto-expired",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("overrides: expire: %w", err)
	}
	users := make([]int64, 0, len(expired))
	for _, o := range expired {
		users = append(users, o.UserID)
	}
	s.invalidate(ctx, users...)
	return len(expired), nil
}

func (s *Service) canApprove(ctx context.Context, actor shared.Actor) (bool, error) {
	if actor.SuperUser {
		return true, nil
	}
	if s.checker == nil {
		return false, nil
	}
	res, err := s.checker.Check(ctx, actor.UserID, shared.PermOverridesApprove)
	if err != nil {
		return false, err
	}
	return res.HasPermission, nil
}

func (s *Service) invalidate(ctx context.Context, userIDs ...int64) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	s.cache.Invalidate(ctx, userIDs...)
}

func defaultLevel(t rbac.OverrideType) rbac.PermissionLevel {
	if t == rbac.OverrideRestriction {
		return rbac.LevelDenied
	}
	return rbac.LevelGranted
}

func validateOverride(o Override, now time.Time) error {
	verr := &shared.ValidationError{}
	if !o.OverrideType.Valid() {
		verr.Add("override_type", "must be one of: addition restriction modification scope_change")
	}
	if !o.Level.Valid() {
		verr.Add("permission_level", "must be one of: granted denied conditional")
	}
	if o.OverrideType == rbac.OverrideRestriction && o.Level.Allows() {
		verr.Add("permission_level", "a restriction must deny")
	}
	if o.OverrideType == rbac.OverrideAddition && o.Level == rbac.LevelDenied {
		verr.Add("permission_level", "an addition cannot deny")
	}
	if o.EffectiveTo != nil {
		if !o.EffectiveTo.After(o.EffectiveFrom) {
			verr.Add("effective_to", "must be after effective_from")
		} else if !o.EffectiveTo.After(now) {
			verr.Add("effective_to", "must be in the future")
		}
	}
	if o.AutoExpire && (o.EffectiveTo == nil || !o.IsTemporary) {
		verr.Add("auto_expire", "requires a temporary override with effective_to")
	}
	return verr.Err()
}

func entryFor(o Override, action audit.ActionType, actorID int64, reason string, before *Override) audit.Entry {
	e := audit.Entry{
		ActionType:     action,
		EntityType:     audit.EntityUser,
		EntityID:       strconv.FormatInt(o.UserID, 10),
		PermissionCode: o.PermissionCode,
		NewValue:       audit.Snapshot(o),
		ActorID:        actorID,
		Reason:         reason,
	}
	if before != nil {
		e.OldValue = audit.Snapshot(*before)
	}
	return e
}
