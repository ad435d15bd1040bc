package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const defaultBulkConcurrency = 8

// RepositoryPort defines data access for the registry.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (rbac.Permission, error)
	GetMany(ctx context.Context, ids []int64) (map[int64]rbac.Permission, error)
	List(ctx context.Context, filters ListFilters, limit, offset int) ([]rbac.Permission, int, error)
}

// Invalidator drops cached effective permissions.
type Invalidator interface {
	Invalidate(ctx context.Context, userIDs ...int64)
}

// AccessChecker resolves one permission for a user.
type AccessChecker interface {
	Check(ctx context.Context, userID int64, code string) (rbac.CheckResult, error)
}

// Service manages the permission registry and bulk grant operations.
type Service struct {
	repo            RepositoryPort
	cache           Invalidator
	checker         AccessChecker
	validator       *shared.Validator
	logger          *slog.Logger
	bulkConcurrency int
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cache Invalidator, checker AccessChecker, logger *slog.Logger, bulkConcurrency int) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if bulkConcurrency <= 0 {
		bulkConcurrency = defaultBulkConcurrency
	}
	return &Service{
		repo:            repo,
		cache:           cache,
		checker:         checker,
		validator:       shared.NewValidator(),
		logger:          logger,
		bulkConcurrency: bulkConcurrency,
	}
}

// List returns one page of the registry.
func (s *Service) List(ctx context.Context, filters ListFilters, page shared.PageRequest) (shared.Page[rbac.Permission], error) {
	page = page.Normalize()
	if filters.PermissionType != "" && !filters.PermissionType.Valid() {
		return shared.Page[rbac.Permission]{}, shared.NewValidationError("permission_type", "unknown permission type")
	}
	if filters.RiskLevel != "" && !filters.RiskLevel.Valid() {
		return shared.Page[rbac.Permission]{}, shared.NewValidationError("risk_level", "unknown risk level")
	}
	items, total, err := s.repo.List(ctx, filters, page.Limit(), page.Offset())
	if err != nil {
		return shared.Page[rbac.Permission]{}, fmt.Errorf("permissions: list: %w", err)
	}
	return shared.Page[rbac.Permission]{Request: page, Count: total, Results: items}, nil
}

// Get returns one permission.
func (s *Service) Get(ctx context.Context, id int64) (rbac.Permission, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return rbac.Permission{}, fmt.Errorf("permissions: get %d: %w", id, err)
	}
	return p, nil
}

// Create registers a permission. The business template is stored; when the
// caller omits it a default is suggested from the action set.
func (s *Service) Create(ctx context.Context, in CreateInput) (rbac.Permission, error) {
	if err := s.validator.Struct(in); err != nil {
		return rbac.Permission{}, err
	}
	code := strings.ToLower(strings.TrimSpace(in.Code))
	verr := &shared.ValidationError{}
	if !codePattern.MatchString(code) {
		verr.Add("permission_code", "must be dotted lowercase, e.g. resource.read_create")
	}
	resource, actions := rbac.SplitCode(code)
	if len(in.Actions) > 0 {
		actions = normalizeActions(in.Actions)
	}
	p := rbac.Permission{
		Code:             code,
		Name:             strings.TrimSpace(in.Name),
		Description:      strings.TrimSpace(in.Description),
		Category:         strings.TrimSpace(in.Category),
		Resource:         resource,
		Actions:          actions,
		PermissionType:   rbac.PermissionType(in.PermissionType),
		RiskLevel:        rbac.RiskLevel(in.RiskLevel),
		Effect:           rbac.Effect(in.Effect),
		BusinessTemplate: rbac.BusinessTemplate(in.BusinessTemplate),
		RequiresMFA:      in.RequiresMFA,
		IsActive:         true,
	}
	if p.Effect == "" {
		p.Effect = rbac.EffectAllow
	}
	if p.BusinessTemplate == "" {
		p.BusinessTemplate = rbac.DefaultTemplateForActions(actions)
	}
	checkCriticalDescription(p, verr)
	if err := verr.Err(); err != nil {
		return rbac.Permission{}, err
	}

	var created rbac.Permission
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.Insert(ctx, p)
		return err
	})
	if err != nil {
		if errors.Is(err, shared.ErrConflict) {
			return rbac.Permission{}, fmt.Errorf("permission code %q already exists: %w", code, shared.ErrConflict)
		}
		return rbac.Permission{}, fmt.Errorf("permissions: create: %w", err)
	}
	s.logger.Info("permission created", slog.String("code", created.Code), slog.Int64("id", created.ID))
	return created, nil
}

// Update applies a partial update. Security-relevant fields are frozen once
// the permission appears in the audit trail.
func (s *Service) Update(ctx context.Context, id, actorID int64, in UpdateInput) (rbac.Permission, error) {
	if err := s.validator.Struct(in); err != nil {
		return rbac.Permission{}, err
	}
	var (
		updated  rbac.Permission
		affected []int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		next := applyUpdate(current, in)
		verr := &shared.ValidationError{}
		checkCriticalDescription(next, verr)
		if err := verr.Err(); err != nil {
			return err
		}
		securityChanged := securityFieldsDiffer(current, next)
		if securityChanged {
			referenced, err := tx.AuditReferenced(ctx, current.Code)
			if err != nil {
				return err
			}
			if referenced {
				return shared.NewValidationError("permission", "referenced by the audit trail; only name, description, category and is_active may change")
			}
		}
		updated, err = tx.Update(ctx, next)
		if err != nil {
			return err
		}
		if !securityChanged && current.IsActive == next.IsActive {
			return nil
		}
		if affected, err = tx.AffectedUsers(ctx, id); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, audit.Entry{
			ActionType:     audit.ActionModify,
			EntityType:     audit.EntitySystem,
			EntityID:       strconv.FormatInt(id, 10),
			PermissionCode: current.Code,
			OldValue:       audit.Snapshot(modifySnapshot(current, securityChanged)),
			NewValue:       audit.Snapshot(modifySnapshot(next, securityChanged)),
			ActorID:        actorID,
			Reason:         in.Reason,
		})
	})
	if err != nil {
		return rbac.Permission{}, fmt.Errorf("permissions: update %d: %w", id, err)
	}
	s.invalidate(ctx, affected)
	return updated, nil
}

// Deactivate soft-deletes a permission. It stops resolving for every user but
// its grant rows are kept.
func (s *Service) Deactivate(ctx context.Context, id, actorID int64, reason string) (rbac.Permission, error) {
	inactive := false
	return s.Update(ctx, id, actorID, UpdateInput{IsActive: &inactive, Reason: reason})
}

// CompleteDelete removes a permission together with every designation, group
// and override reference, recording one audit entry per removed grant.
func (s *Service) CompleteDelete(ctx context.Context, id, actorID int64, reason string) (CleanupReport, error) {
	var (
		report CleanupReport
		refs   References
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		refs, err = tx.DeleteReferences(ctx, id)
		if err != nil {
			return err
		}
		entries := cleanupEntries(p, refs, actorID, reason)
		for _, e := range entries {
			if err := tx.RecordAudit(ctx, e); err != nil {
				return err
			}
		}
		if err := tx.Delete(ctx, id); err != nil {
			return err
		}
		report = CleanupReport{
			PermissionID:        p.ID,
			PermissionCode:      p.Code,
			DesignationsCleaned: len(refs.DesignationIDs),
			GroupsCleaned:       len(refs.GroupIDs),
			OverridesCleaned:    len(refs.Overrides),
			UsersAffected:       len(refs.UserIDs),
		}
		return nil
	})
	if err != nil {
		return CleanupReport{}, fmt.Errorf("permissions: complete delete %d: %w", id, err)
	}
	s.invalidate(ctx, refs.UserIDs)
	s.logger.Info("permission deleted",
		slog.String("code", report.PermissionCode),
		slog.Int("designations_cleaned", report.DesignationsCleaned),
		slog.Int("groups_cleaned", report.GroupsCleaned),
		slog.Int("overrides_cleaned", report.OverridesCleaned),
		slog.Int("users_affected", report.UsersAffected))
	return report, nil
}

func cleanupEntries(p rbac.Permission, refs References, actorID int64, reason string) []audit.Entry {
	snapshot := audit.Snapshot(map[string]any{"permission_id": p.ID, "permission_code": p.Code})
	entries := make([]audit.Entry, 0, len(refs.DesignationIDs)+len(refs.GroupIDs)+len(refs.Overrides)+1)
	for _, id := range refs.DesignationIDs {
		entries = append(entries, audit.Entry{ActionType: audit.ActionRevoke, EntityType: audit.EntityDesignation,
			EntityID: strconv.FormatInt(id, 10), PermissionCode: p.Code, OldValue: snapshot, ActorID: actorID, Reason: reason})
	}
	for _, id := range refs.GroupIDs {
		entries = append(entries, audit.Entry{ActionType: audit.ActionRevoke, EntityType: audit.EntityGroup,
			EntityID: strconv.FormatInt(id, 10), PermissionCode: p.Code, OldValue: snapshot, ActorID: actorID, Reason: reason})
	}
	for _, o := range refs.Overrides {
		entries = append(entries, audit.Entry{ActionType: audit.ActionRevoke, EntityType: audit.EntityUser,
			EntityID: strconv.FormatInt(o.UserID, 10), PermissionCode: p.Code,
			OldValue: audit.Snapshot(map[string]any{"override_id": o.ID}), ActorID: actorID, Reason: reason})
	}
	entries = append(entries, audit.Entry{ActionType: audit.ActionRevoke, EntityType: audit.EntitySystem,
		EntityID: strconv.FormatInt(p.ID, 10), PermissionCode: p.Code, OldValue: audit.Snapshot(p), ActorID: actorID, Reason: reason})
	return entries
}

func (s *Service) invalidate(ctx context.Context, userIDs []int64) {
	if s.cache == nil || len(userIDs) == 0 {
		return
	}
	s.cache.Invalidate(ctx, userIDs...)
}

func applyUpdate(p rbac.Permission, in UpdateInput) rbac.Permission {
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.Description != nil {
		p.Description = strings.TrimSpace(*in.Description)
	}
	if in.Category != nil {
		p.Category = strings.TrimSpace(*in.Category)
	}
	if in.Actions != nil {
		p.Actions = normalizeActions(*in.Actions)
	}
	if in.PermissionType != nil {
		p.PermissionType = rbac.PermissionType(*in.PermissionType)
	}
	if in.RiskLevel != nil {
		p.RiskLevel = rbac.RiskLevel(*in.RiskLevel)
	}
	if in.Effect != nil {
		p.Effect = rbac.Effect(*in.Effect)
	}
	if in.BusinessTemplate != nil {
		p.BusinessTemplate = rbac.BusinessTemplate(*in.BusinessTemplate)
	}
	if in.RequiresMFA != nil {
		p.RequiresMFA = *in.RequiresMFA
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	return p
}

func securityFieldsDiffer(a, b rbac.Permission) bool {
	return !slices.Equal(a.Actions, b.Actions) || a.PermissionType != b.PermissionType ||
		a.RiskLevel != b.RiskLevel || a.Effect != b.Effect ||
		a.BusinessTemplate != b.BusinessTemplate || a.RequiresMFA != b.RequiresMFA
}

// modifySnapshot captures is_active and, when they changed, the frozen
// security fields.
func modifySnapshot(p rbac.Permission, security bool) map[string]any {
	out := map[string]any{"is_active": p.IsActive}
	if security {
		out["actions"] = p.Actions
		out["permission_type"] = p.PermissionType
		out["risk_level"] = p.RiskLevel
		out["effect"] = p.Effect
		out["business_template"] = p.BusinessTemplate
		out["requires_mfa"] = p.RequiresMFA
	}
	return out
}

func checkCriticalDescription(p rbac.Permission, verr *shared.ValidationError) {
	if p.RiskLevel == rbac.RiskCritical && p.Effect == rbac.EffectAllow && strings.TrimSpace(p.Description) == "" {
		verr.Add("description", "required for critical-risk permissions that allow access")
	}
}

func normalizeActions(actions []string) []string {
	seen := make(map[string]struct{}, len(actions))
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
