package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SourceRepository loads raw candidate grants for a user.
type SourceRepository interface {
	DesignationGrants(ctx context.Context, userID int64, now time.Time) ([]Candidate, error)
	GroupGrants(ctx context.Context, userID int64, now time.Time) ([]Candidate, error)
	OverrideGrants(ctx context.Context, userID int64, now time.Time) ([]Candidate, error)
}

// Resolver produces candidate grants for one user from a single source.
type Resolver interface {
	Resolve(ctx context.Context, userID int64, now time.Time) ([]Candidate, error)
}

// DesignationResolver returns grants attached to the user's primary and
// secondary designations.
type DesignationResolver struct {
	repo SourceRepository
}

func NewDesignationResolver(repo SourceRepository) *DesignationResolver {
	return &DesignationResolver{repo: repo}
}

func (r *DesignationResolver) Resolve(ctx context.Context, userID int64, now time.Time) ([]Candidate, error) {
	rows, err := r.repo.DesignationGrants(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("designation grants: %w", err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, c := range rows {
		if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			continue
		}
		c.Source = SourceDesignation
		c.Level = baseLevel(c.Scope)
		out = append(out, c)
	}
	return out, nil
}

// GroupResolver returns grants from active groups with a current membership.
type GroupResolver struct {
	repo SourceRepository
}

func NewGroupResolver(repo SourceRepository) *GroupResolver {
	return &GroupResolver{repo: repo}
}

func (r *GroupResolver) Resolve(ctx context.Context, userID int64, now time.Time) ([]Candidate, error) {
	rows, err := r.repo.GroupGrants(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("group grants: %w", err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, c := range rows {
		if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
			continue
		}
		c.Source = SourceGroup
		c.Level = baseLevel(c.Scope)
		out = append(out, c)
	}
	return out, nil
}

// OverrideResolver returns the user's approved, active, in-window overrides.
// Rows that are malformed or lapsed are logged and dropped.
type OverrideResolver struct {
	repo   SourceRepository
	logger *slog.Logger
}

func NewOverrideResolver(repo SourceRepository, logger *slog.Logger) *OverrideResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverrideResolver{repo: repo, logger: logger}
}

func (r *OverrideResolver) Resolve(ctx context.Context, userID int64, now time.Time) ([]Candidate, error) {
	rows, err := r.repo.OverrideGrants(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("override grants: %w", err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, c := range rows {
		c.Source = SourceUserOverride
		if reason := malformedOverride(c); reason != "" {
			r.logger.Warn("rbac: skipping malformed override",
				slog.Int64("override_id", c.OverrideID),
				slog.Int64("user_id", userID),
				slog.String("reason", reason))
			continue
		}
		if !OverrideEligible(c, now) {
			r.logger.Debug("rbac: skipping ineligible override",
				slog.Int64("override_id", c.OverrideID),
				slog.Int64("user_id", userID))
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func malformedOverride(c Candidate) string {
	switch {
	case c.Code == "":
		return "missing permission code"
	case !c.OverrideType.Valid():
		return "unknown override type " + string(c.OverrideType)
	case c.Level != "" && !c.Level.Valid():
		return "unknown permission level " + string(c.Level)
	case !c.ApprovalStatus.Valid():
		return "unknown approval status " + string(c.ApprovalStatus)
	case c.EffectiveTo != nil && !c.EffectiveFrom.IsZero() && c.EffectiveTo.Before(c.EffectiveFrom):
		return "effective_to before effective_from"
	}
	return ""
}

// A time-windowed base grant is conditional; otherwise it is granted.
func baseLevel(scope Scope) PermissionLevel {
	if scope.Temporal != nil {
		return LevelConditional
	}
	return LevelGranted
}
