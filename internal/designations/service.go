package designations

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RepositoryPort defines data access methods for designations.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	List(ctx context.Context, filters ListFilters, limit, offset int) ([]Designation, int, error)
	Get(ctx context.Context, id int64) (Detail, error)
}

// Invalidator drops cached effective permissions.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...int64)
}

// Service handles designation business logic.
type Service struct {
	repo      RepositoryPort
	cache     Invalidator
	validator *shared.Validator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cache Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, validator: shared.NewValidator(), logger: logger, now: time.Now}
}

// List returns one page of designations.
func (s *Service) List(ctx context.Context, filters ListFilters, page shared.PageRequest) (shared.Page[Designation], error) {
	page = page.Normalize()
	items, total, err := s.repo.List(ctx, filters, page.Limit(), page.Offset())
	if err != nil {
		return shared.Page[Designation]{}, fmt.Errorf("designations: list: %w", err)
	}
	return shared.Page[Designation]{Request: page, Count: total, Results: items}, nil
}

// Get returns a designation with its permissions and users.
func (s *Service) Get(ctx context.Context, id int64) (Detail, error) {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return Detail{}, fmt.Errorf("designations: get %d: %w", id, err)
	}
	return d, nil
}

// Create registers a new designation.
func (s *Service) Create(ctx context.Context, in CreateInput) (Designation, error) {
	if err := s.validator.Struct(in); err != nil {
		return Designation{}, err
	}
	var out Designation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		out, err = tx.Insert(ctx, Designation{
			Name:        strings.TrimSpace(in.Name),
			Description: strings.TrimSpace(in.Description),
			Level:       in.Level,
		})
		return err
	})
	if err != nil {
		return Designation{}, fmt.Errorf("designations: create: %w", err)
	}
	return out, nil
}

// Update applies a partial update.
func (s *Service) Update(ctx context.Context, id, actorID int64, in UpdateInput) (Designation, error) {
	if err := s.validator.Struct(in); err != nil {
		return Designation{}, err
	}
	var (
		out      Designation
		affected []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next := current
		if in.Name != nil {
			next.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			next.Description = strings.TrimSpace(*in.Description)
		}
		if in.Level != nil {
			next.Level = *in.Level
		}
		if in.IsActive != nil {
			next.IsActive = *in.IsActive
		}
		if out, err = tx.Update(ctx, next); err != nil {
			return err
		}
		if current.IsActive == next.IsActive {
			return nil
		}
		if affected, err = tx.UserIDs(ctx, id); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, audit.Entry{
			ActionType: audit.ActionModify,
			EntityType: audit.EntityDesignation,
			EntityID:   strconv.FormatInt(id, 10),
			OldValue:   audit.Snapshot(map[string]any{"is_active": current.IsActive}),
			NewValue:   audit.Snapshot(map[string]any{"is_active": next.IsActive}),
			ActorID:    actorID,
			Reason:     in.Reason,
		})
	})
	if err != nil {
		return Designation{}, fmt.Errorf("designations: update %d: %w", id, err)
	}
	s.invalidate(ctx, affected)
	return out, nil
}

// Deactivate soft-deletes a designation.
func (s *Service) Deactivate(ctx context.Context, id, actorID int64, reason string) (Designation, error) {
	inactive := false
	return s.Update(ctx, id, actorID, UpdateInput{IsActive: &inactive, Reason: reason})
}

// AssignPermissions attaches permissions to the designation, one audit row
// per attached or detached permission.
func (s *Service) AssignPermissions(ctx context.Context, id, actorID int64, in AssignPermissionsInput) (ChangeResult, error) {
	if err := s.validator.Struct(in); err != nil {
		return ChangeResult{}, err
	}
	now := s.now()
	ids := make([]int64, 0, len(in.Permissions))
	for _, g := range in.Permissions {
		if slices.Contains(ids, g.PermissionID) {
			return ChangeResult{}, shared.NewValidationError("permissions", fmt.Sprintf("permission %d listed twice", g.PermissionID))
		}
		if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
			return ChangeResult{}, shared.NewValidationError("expires_at", "must be in the future")
		}
		ids = append(ids, g.PermissionID)
	}
	if len(ids) == 0 && !in.Replace {
		return ChangeResult{}, shared.NewValidationError("permissions", "is required")
	}

	res := ChangeResult{Added: []int64{}, Updated: []int64{}, Removed: []int64{}}
	var users []int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetForUpdate(ctx, id); err != nil {
			return err
		}
		perms, err := tx.LookupPermissions(ctx, ids)
		if err != nil {
			return err
		}
		verr := &shared.ValidationError{}
		for _, pid := range ids {
			p, ok := perms[pid]
			switch {
			case !ok:
				verr.Add("permissions", fmt.Sprintf("permission %d does not exist", pid))
			case !p.IsActive:
				verr.Add("permissions", fmt.Sprintf("permission %s is inactive", p.Code))
			case p.RiskLevel == rbac.RiskCritical && strings.TrimSpace(in.Reason) == "":
				verr.Add("reason", fmt.Sprintf("required when granting critical-risk permission %s", p.Code))
			}
		}
		if err := verr.Err(); err != nil {
			return err
		}

		entity := strconv.FormatInt(id, 10)
		for _, grant := range in.Permissions {
			added, err := tx.UpsertPermission(ctx, id, grant)
			if err != nil {
				return err
			}
			action := audit.ActionGrant
			if added {
				res.Added = append(res.Added, grant.PermissionID)
			} else {
				action = audit.ActionModify
				res.Updated = append(res.Updated, grant.PermissionID)
			}
			if err := tx.RecordAudit(ctx, audit.Entry{
				ActionType:     action,
				EntityType:     audit.EntityDesignation,
				EntityID:       entity,
				PermissionCode: perms[grant.PermissionID].Code,
				NewValue:       audit.Snapshot(grant),
				ActorID:        actorID,
				Reason:         in.Reason,
			}); err != nil {
				return err
			}
		}
		if in.Replace {
			current, err := tx.Permissions(ctx, id)
			if err != nil {
				return err
			}
			for _, p := range current {
				if slices.Contains(ids, p.PermissionID) {
					continue
				}
				if _, err := tx.RemovePermission(ctx, id, p.PermissionID); err != nil {
					return err
				}
				res.Removed = append(res.Removed, p.PermissionID)
				if err := tx.RecordAudit(ctx, audit.Entry{
					ActionType:     audit.ActionRevoke,
					EntityType:     audit.EntityDesignation,
					EntityID:       entity,
					PermissionCode: p.PermissionCode,
					OldValue:       audit.Snapshot(p),
					ActorID:        actorID,
					Reason:         in.Reason,
				}); err != nil {
					return err
				}
			}
		}
		users, err = tx.UserIDs(ctx, id)
		return err
	})
	if err != nil {
		return ChangeResult{}, fmt.Errorf("designations: assign permissions %d: %w", id, err)
	}
	res.UsersAffected = len(users)
	s.invalidate(ctx, users)
	return res, nil
}

// AssignUsers links users to the designation.
func (s *Service) AssignUsers(ctx context.Context, id, actorID int64, in AssignUsersInput) (ChangeResult, error) {
	if err := s.validator.Struct(in); err != nil {
		return ChangeResult{}, err
	}
	res := ChangeResult{Added: []int64{}, Updated: []int64{}, Removed: []int64{}}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		d, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !d.IsActive {
			return shared.NewValidationError("designation", "is inactive")
		}
		existing, err := tx.ExistingUsers(ctx, in.UserIDs)
		if err != nil {
			return err
		}
		for _, uid := range in.UserIDs {
			if !slices.Contains(existing, uid) {
				return fmt.Errorf("user %d: %w", uid, shared.ErrNotFound)
			}
		}
		for _, uid := range in.UserIDs {
			added, err := tx.AssignUser(ctx, id, uid, in.IsPrimary)
			if err != nil {
				return err
			}
			action := audit.ActionGrant
			if added {
				res.Added = append(res.Added, uid)
			} else {
				action = audit.ActionModify
				res.Updated = append(res.Updated, uid)
			}
			if err := tx.RecordAudit(ctx, audit.Entry{
				ActionType: action,
				EntityType: audit.EntityUser,
				EntityID:   strconv.FormatInt(uid, 10),
				NewValue:   audit.Snapshot(map[string]any{"designation_id": id, "is_primary": in.IsPrimary}),
				ActorID:    actorID,
				Reason:     in.Reason,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ChangeResult{}, fmt.Errorf("designations: assign users %d: %w", id, err)
	}
	res.UsersAffected = len(in.UserIDs)
	s.invalidate(ctx, in.UserIDs)
	return res, nil
}

func (s *Service) invalidate(ctx context.Context, userIDs []int64) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	s.cache.Invalidate(ctx, userIDs...)
}
