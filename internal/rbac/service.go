package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

const (
	dashboardHistoryLimit = 10
	defaultResolveTimeout = 10 * time.Second
)

// HistoryReader returns recent audit entries for a user.
type HistoryReader interface {
	UserActivity(ctx context.Context, userID int64, limit int) ([]audit.Entry, error)
}

// Service resolves effective permissions and keeps the per-user cache.
type Service struct {
	designations Resolver
	groups       Resolver
	overrides    Resolver
	cache        Cache
	history      HistoryReader
	logger       *slog.Logger
	now          func() time.Time
	flight       singleflight.Group

	resolveTimeout time.Duration
}

// NewService wires the three source resolvers over repo.
func NewService(repo SourceRepository, cache Cache, history HistoryReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = NopCache{}
	}
	return &Service{
		designations: NewDesignationResolver(repo),
		groups:       NewGroupResolver(repo),
		overrides:    NewOverrideResolver(repo, logger),
		cache:        cache,
		history:      history,
		logger:       logger,
		now:          time.Now,

		resolveTimeout: defaultResolveTimeout,
	}
}

type resolved struct {
	res        Resolution
	candidates []Candidate
}

// Effective returns the user's resolved permission set, from cache unless
// forceRefresh is set. A refresh repopulates the cache.
func (s *Service) Effective(ctx context.Context, userID int64, forceRefresh bool) (Resolution, error) {
	if userID <= 0 {
		return Resolution{}, shared.NewValidationError("user_id", "must be a positive integer")
	}
	if !forceRefresh {
		res, ok, err := s.cache.Get(ctx, userID)
		switch {
		case err != nil:
			recordCacheLookup("error")
			s.logger.Warn("rbac cache get", slog.Int64("user_id", userID), slog.Any("error", err))
		case ok:
			recordCacheLookup("hit")
			res.Cached = true
			return res, nil
		default:
			recordCacheLookup("miss")
		}
	}
	out, err := s.refresh(ctx, userID)
	if err != nil {
		return Resolution{}, err
	}
	return out.res, nil
}

// refresh resolves from the sources and stores the result. Concurrent
// refreshes for one user share a single resolution.
func (s *Service) refresh(ctx context.Context, userID int64) (resolved, error) {
	if err := ctx.Err(); err != nil {
		return resolved{}, err
	}
	// The shared call outlives any single caller; each caller still stops
	// waiting on its own context.
	ch := s.flight.DoChan(userKey(userID), func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.resolveTimeout)
		defer cancel()
		return s.resolve(rctx, userID)
	})
	select {
	case <-ctx.Done():
		return resolved{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return resolved{}, r.Err
		}
		return r.Val.(resolved), nil
	}
}

func (s *Service) resolve(ctx context.Context, userID int64) (resolved, error) {
	if err := ctx.Err(); err != nil {
		return resolved{}, err
	}
	start := time.Now()
	now := s.now().UTC()
	gen, genErr := s.cache.Generation(ctx, userID)
	if genErr != nil {
		s.logger.Warn("rbac cache generation", slog.Int64("user_id", userID), slog.Any("error", genErr))
	}
	var designation, group, override []Candidate
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		designation, err = s.designations.Resolve(gctx, userID, now)
		return err
	})
	g.Go(func() (err error) {
		group, err = s.groups.Resolve(gctx, userID, now)
		return err
	})
	g.Go(func() (err error) {
		override, err = s.overrides.Resolve(gctx, userID, now)
		return err
	})
	if err := g.Wait(); err != nil {
		observeResolution("error", time.Since(start))
		return resolved{}, fmt.Errorf("rbac: resolve user %d: %w", userID, err)
	}

	candidates := make([]Candidate, 0, len(designation)+len(group)+len(override))
	candidates = append(candidates, designation...)
	candidates = append(candidates, group...)
	candidates = append(candidates, override...)

	perms := Resolve(candidates, now)
	res := Resolution{
		UserID:      userID,
		Permissions: perms,
		Resources:   Resources(perms),
		ComputedAt:  now,
	}
	if genErr == nil {
		stored, err := s.cache.Set(ctx, userID, gen, res)
		switch {
		case err != nil:
			s.logger.Warn("rbac cache set", slog.Int64("user_id", userID), slog.Any("error", err))
		case !stored:
			s.logger.Debug("rbac cache set skipped", slog.Int64("user_id", userID))
		}
	}
	observeResolution("ok", time.Since(start))
	return resolved{res: res, candidates: candidates}, nil
}

// EffectivePermissions returns the codes resolved as granted for userID.
func (s *Service) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	res, err := s.Effective(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	return res.GrantedCodes(), nil
}

// CheckResult is the outcome of a single permission point-check.
type CheckResult struct {
	UserID             int64           `json:"user_id"`
	PermissionCode     string          `json:"permission_code"`
	HasPermission      bool            `json:"has_permission"`
	Level              PermissionLevel `json:"permission_level,omitempty"`
	Source             Source          `json:"source,omitempty"`
	RequiresMFA        bool            `json:"requires_mfa"`
	RestrictionApplied bool            `json:"restriction_applied"`
	Scope              *Scope          `json:"scope,omitempty"`
	Reason             string          `json:"reason"`
}

// Check resolves one permission code for a user.
func (s *Service) Check(ctx context.Context, userID int64, code string) (CheckResult, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return CheckResult{}, shared.NewValidationError("permission_code", "required")
	}
	res, err := s.Effective(ctx, userID, false)
	if err != nil {
		return CheckResult{}, err
	}
	out := CheckResult{UserID: userID, PermissionCode: code}
	perm, ok := res.Lookup(code)
	if !ok {
		out.Reason = "permission not assigned"
		return out, nil
	}
	out.HasPermission = perm.Level.Allows()
	out.Level = perm.Level
	out.Source = perm.Source
	out.RequiresMFA = perm.RequiresMFA
	out.RestrictionApplied = perm.RestrictionApplied
	if perm.Scope.Restricted() {
		scope := perm.Scope
		out.Scope = &scope
	}
	switch {
	case perm.RestrictionApplied:
		out.Reason = "restricted by user override"
	case perm.Level == LevelDenied:
		out.Reason = "permission effect is deny"
	case perm.Level == LevelConditional:
		out.Reason = "conditional access via " + string(perm.Source)
	default:
		out.Reason = "granted via " + string(perm.Source)
	}
	return out, nil
}

// SourceRef describes one designation or group contributing grants.
type SourceRef struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	IsPrimary       bool   `json:"is_primary,omitempty"`
	PermissionCount int    `json:"permission_count"`
}

// OverrideRef describes one override taking part in resolution.
type OverrideRef struct {
	ID             int64           `json:"id"`
	PermissionCode string          `json:"permission_code"`
	OverrideType   OverrideType    `json:"override_type"`
	Level          PermissionLevel `json:"permission_level,omitempty"`
	Priority       int             `json:"priority"`
	EffectiveTo    *time.Time      `json:"effective_to,omitempty"`
}

// DashboardSources lists where a user's grants come from.
type DashboardSources struct {
	Designations []SourceRef   `json:"designations"`
	Groups       []SourceRef   `json:"groups"`
	Overrides    []OverrideRef `json:"overrides"`
}

// Statistics holds derived dashboard figures.
type Statistics struct {
	Shares           SourceShare `json:"source_distribution"`
	HighRiskCount    int         `json:"high_risk_count"`
	MFARequiredCount int         `json:"mfa_required_count"`
	RestrictedCount  int         `json:"restricted_count"`
	ResourceCount    int         `json:"resource_count"`
}

// Dashboard is the combined view consumed by the admin UI.
type Dashboard struct {
	UserID        int64                 `json:"user_id"`
	Summary       Summary               `json:"summary"`
	Permissions   []EffectivePermission `json:"permissions"`
	Resources     []ResourceAccess      `json:"resources"`
	Sources       DashboardSources      `json:"sources"`
	RecentHistory []audit.Entry         `json:"recent_history"`
	Statistics    Statistics            `json:"statistics"`
	ComputedAt    time.Time             `json:"computed_at"`
}

// Dashboard builds the dashboard from a fresh resolution.
func (s *Service) Dashboard(ctx context.Context, userID int64) (Dashboard, error) {
	if userID <= 0 {
		return Dashboard{}, shared.NewValidationError("user_id", "must be a positive integer")
	}
	out, err := s.refresh(ctx, userID)
	if err != nil {
		return Dashboard{}, err
	}
	summary := BuildSummary(out.res.Permissions)
	dash := Dashboard{
		UserID:        userID,
		Summary:       summary,
		Permissions:   out.res.Permissions,
		Resources:     out.res.Resources,
		Sources:       dashboardSources(out.candidates),
		RecentHistory: []audit.Entry{},
		Statistics: Statistics{
			Shares:           summary.Shares(),
			HighRiskCount:    summary.HighRiskCount,
			MFARequiredCount: len(summary.MFARequired),
			RestrictedCount:  len(summary.Restricted),
			ResourceCount:    len(out.res.Resources),
		},
		ComputedAt: out.res.ComputedAt,
	}
	if s.history != nil {
		entries, err := s.history.UserActivity(ctx, userID, dashboardHistoryLimit)
		if err != nil {
			s.logger.Warn("rbac dashboard history", slog.Int64("user_id", userID), slog.Any("error", err))
		} else if entries != nil {
			dash.RecentHistory = entries
		}
	}
	return dash, nil
}

func dashboardSources(candidates []Candidate) DashboardSources {
	designations := map[int64]*SourceRef{}
	groups := map[int64]*SourceRef{}
	out := DashboardSources{Designations: []SourceRef{}, Groups: []SourceRef{}, Overrides: []OverrideRef{}}
	for _, c := range candidates {
		switch c.Source {
		case SourceDesignation:
			ref := designations[c.SourceID]
			if ref == nil {
				ref = &SourceRef{ID: c.SourceID, Name: c.SourceName, IsPrimary: c.IsPrimary}
				designations[c.SourceID] = ref
			}
			ref.PermissionCount++
		case SourceGroup:
			ref := groups[c.SourceID]
			if ref == nil {
				ref = &SourceRef{ID: c.SourceID, Name: c.SourceName}
				groups[c.SourceID] = ref
			}
			ref.PermissionCount++
		case SourceUserOverride:
			out.Overrides = append(out.Overrides, OverrideRef{
				ID:             c.OverrideID,
				PermissionCode: c.Code,
				OverrideType:   c.OverrideType,
				Level:          c.Level,
				Priority:       c.Priority,
				EffectiveTo:    c.EffectiveTo,
			})
		}
	}
	for _, ref := range designations {
		out.Designations = append(out.Designations, *ref)
	}
	for _, ref := range groups {
		out.Groups = append(out.Groups, *ref)
	}
	sort.Slice(out.Designations, func(i, j int) bool {
		if out.Designations[i].IsPrimary != out.Designations[j].IsPrimary {
			return out.Designations[i].IsPrimary
		}
		return out.Designations[i].ID < out.Designations[j].ID
	})
	sort.Slice(out.Groups, func(i, j int) bool { return out.Groups[i].ID < out.Groups[j].ID })
	sort.Slice(out.Overrides, func(i, j int) bool { return out.Overrides[i].ID < out.Overrides[j].ID })
	return out
}

// Invalidate drops cached resolutions for the given users. Failures are
// logged; entries also expire by TTL.
func (s *Service) Invalidate(ctx context.Context, userIDs ...int64) {
	ids := uniqueIDs(userIDs)
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		s.flight.Forget(userKey(id))
	}
	if err := s.cache.Invalidate(ctx, ids...); err != nil {
		s.logger.Warn("rbac cache invalidate", slog.Int("users", len(ids)), slog.Any("error", err))
		return
	}
	recordInvalidations(len(ids))
}

// Purge drops every cached resolution.
func (s *Service) Purge(ctx context.Context) error {
	if err := s.cache.Purge(ctx); err != nil {
		return fmt.Errorf("rbac: purge cache: %w", err)
	}
	return nil
}

// Warm resolves and caches the given users, returning how many succeeded.
func (s *Service) Warm(ctx context.Context, userIDs []int64) (int, error) {
	warmed := 0
	for _, id := range uniqueIDs(userIDs) {
		if err := ctx.Err(); err != nil {
			return warmed, err
		}
		if _, err := s.refresh(ctx, id); err != nil {
			s.logger.Warn("rbac warm", slog.Int64("user_id", id), slog.Any("error", err))
			continue
		}
		warmed++
	}
	return warmed, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
