package rbac

import (
	"slices"
	"sort"
	"strconv"
	"time"
)

// Resolve merges candidate grants from every source into one decision per
// permission code. It is a pure function of its inputs; output is sorted by code.
//
// Precedence: an eligible override decides the code outright. Without one,
// designation and group grants merge with the union of their scopes and the
// strictest risk and MFA flags of any contributor. The merged grant is
// conditional only if the merged scope still carries a time window.
func Resolve(candidates []Candidate, now time.Time) []EffectivePermission {
	byCode := make(map[string]*codeCandidates)
	for _, c := range candidates {
		if c.Code == "" {
			continue
		}
		if c.IsOverride() && !OverrideEligible(c, now) {
			continue
		}
		entry := byCode[c.Code]
		if entry == nil {
			entry = &codeCandidates{}
			byCode[c.Code] = entry
		}
		if c.IsOverride() {
			entry.overrides = append(entry.overrides, c)
		} else {
			entry.base = append(entry.base, c)
		}
	}

	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	out := make([]EffectivePermission, 0, len(codes))
	for _, code := range codes {
		entry := byCode[code]
		base, hasBase := mergeBase(entry.base)
		result := base
		if len(entry.overrides) > 0 {
			winner := pickOverride(entry.overrides)
			var ok bool
			result, ok = applyOverride(base, hasBase, winner)
			if !ok {
				if !hasBase {
					continue
				}
				result = base
			}
		} else if !hasBase {
			continue
		}
		if result.Effect == EffectDeny {
			result.Level = LevelDenied
		}
		result.IsConditional = result.Level == LevelConditional
		result.Scope = result.Scope.Normalize()
		out = append(out, result)
	}
	return out
}

type codeCandidates struct {
	base      []Candidate
	overrides []Candidate
}

// OverrideEligible reports whether an override participates in resolution at now.
func OverrideEligible(c Candidate, now time.Time) bool {
	switch {
	case c.ApprovalStatus != ApprovalApproved:
		return false
	case !c.IsActive:
		return false
	case !c.OverrideType.Valid():
		return false
	case !c.EffectiveFrom.IsZero() && c.EffectiveFrom.After(now):
		return false
	case c.EffectiveTo != nil && c.EffectiveTo.Before(now):
		return false
	case AutoExpired(c, now):
		return false
	}
	return true
}

// AutoExpired reports whether a temporary auto-expiring override has lapsed.
func AutoExpired(c Candidate, now time.Time) bool {
	return c.IsTemporary && c.AutoExpire && c.EffectiveTo != nil && c.EffectiveTo.Before(now)
}

// pickOverride applies the tie-break: highest priority, then latest
// created_at, then highest id.
func pickOverride(overrides []Candidate) Candidate {
	winner := overrides[0]
	for _, c := range overrides[1:] {
		switch {
		case c.Priority != winner.Priority:
			if c.Priority > winner.Priority {
				winner = c
			}
		case !c.CreatedAt.Equal(winner.CreatedAt):
			if c.CreatedAt.After(winner.CreatedAt) {
				winner = c
			}
		case c.OverrideID > winner.OverrideID:
			winner = c
		}
	}
	return winner
}

func mergeBase(base []Candidate) (EffectivePermission, bool) {
	if len(base) == 0 {
		return EffectivePermission{}, false
	}
	ordered := slices.Clone(base)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Source != ordered[j].Source {
			return ordered[i].Source == SourceDesignation
		}
		return ordered[i].SourceID < ordered[j].SourceID
	})

	first := ordered[0]
	out := fromCandidate(first)
	out.Source = SourceGroup
	scope := first.Scope
	var expires *time.Time
	neverExpires := false
	sources := make([]string, 0, len(ordered))
	for i, c := range ordered {
		if i > 0 {
			scope = scope.Union(c.Scope)
		}
		out.RiskLevel = MaxRisk(out.RiskLevel, c.RiskLevel)
		out.RequiresMFA = out.RequiresMFA || c.RequiresMFA
		if c.Source == SourceDesignation {
			out.Source = SourceDesignation
		}
		if c.ExpiresAt == nil {
			neverExpires = true
		} else if expires == nil || c.ExpiresAt.After(*expires) {
			t := *c.ExpiresAt
			expires = &t
		}
		sources = append(sources, sourceLabel(c))
	}
	out.Scope = scope
	out.Level = baseLevel(scope)
	if !neverExpires {
		out.ExpiresAt = expires
	}
	out.Sources = dedupe(sources)
	return out, true
}

// applyOverride layers the winning override over the merged base. The second
// return is false when the override has nothing to act on.
func applyOverride(base EffectivePermission, hasBase bool, o Candidate) (EffectivePermission, bool) {
	out := base
	if !hasBase {
		out = fromCandidate(o)
	}
	out.RequiresMFA = out.RequiresMFA || o.RequiresMFA
	out.Sources = append(slices.Clone(base.Sources), sourceLabel(o))
	out.Source = SourceUserOverride
	if o.EffectiveTo != nil {
		t := *o.EffectiveTo
		out.ExpiresAt = &t
	}

	switch o.OverrideType {
	case OverrideRestriction:
		out.Level = LevelDenied
		out.RestrictionApplied = true
		return out, true
	case OverrideAddition:
		if !hasBase {
			out.Source = SourceUserAddition
		}
		out.Level = o.Level
		if out.Level != LevelConditional {
			out.Level = LevelGranted
		}
		if o.Scope.Restricted() || !hasBase {
			out.Scope = o.Scope
		}
	case OverrideModification:
		if !hasBase {
			out.Source = SourceUserAddition
			out.Scope = o.Scope
		}
		out.Level = o.Level
		if !out.Level.Valid() {
			out.Level = LevelGranted
		}
	case OverrideScopeChange:
		if !hasBase {
			return EffectivePermission{}, false
		}
		out.Scope = o.Scope
	}
	if out.Level == LevelDenied {
		out.RestrictionApplied = true
	}
	return out, true
}

func fromCandidate(c Candidate) EffectivePermission {
	return EffectivePermission{
		PermissionID:     c.PermissionID,
		Code:             c.Code,
		Name:             c.Name,
		Category:         c.Category,
		PermissionType:   c.PermissionType,
		Resource:         c.Resource,
		Actions:          slices.Clone(c.Actions),
		RiskLevel:        c.RiskLevel,
		Effect:           c.Effect,
		BusinessTemplate: c.BusinessTemplate,
		Level:            c.Level,
		RequiresMFA:      c.RequiresMFA,
		Scope:            c.Scope,
		ExpiresAt:        c.ExpiresAt,
	}
}

func sourceLabel(c Candidate) string {
	switch {
	case c.IsOverride():
		return "override:" + strconv.FormatInt(c.OverrideID, 10)
	case c.SourceName != "":
		return string(c.Source) + ":" + c.SourceName
	}
	return string(c.Source) + ":" + strconv.FormatInt(c.SourceID, 10)
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := values[:0]
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Resources aggregates allowed permissions by resource: the union of their
// actions and scopes, and the highest risk among them.
func Resources(perms []EffectivePermission) []ResourceAccess {
	byResource := make(map[string]*ResourceAccess)
	actions := make(map[string][]string)
	for _, p := range perms {
		if !p.Level.Allows() {
			continue
		}
		resource := p.Resource
		acts := p.Actions
		if resource == "" {
			resource, acts = SplitCode(p.Code)
		}
		agg := byResource[resource]
		if agg == nil {
			agg = &ResourceAccess{Resource: resource, Level: LevelGranted, Scope: p.Scope}
			byResource[resource] = agg
		} else {
			agg.Scope = agg.Scope.Union(p.Scope)
		}
		agg.Codes = append(agg.Codes, p.Code)
		agg.RiskLevel = MaxRisk(agg.RiskLevel, p.RiskLevel)
		agg.RequiresMFA = agg.RequiresMFA || p.RequiresMFA
		if p.Level == LevelConditional {
			agg.Level = LevelConditional
		}
		actions[resource] = append(actions[resource], acts...)
	}
	out := make([]ResourceAccess, 0, len(byResource))
	for resource, agg := range byResource {
		agg.Actions = normalizeSet(actions[resource])
		sort.Strings(agg.Codes)
		agg.Scope = agg.Scope.Normalize()
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}
