package rbac

import "sort"

// ScopeLimitation describes a granted permission narrowed by scope.
type ScopeLimitation struct {
	Code  string `json:"permission_code"`
	Scope Scope  `json:"scope"`
}

// Summary aggregates a resolved permission set for the dashboard.
type Summary struct {
	TotalPermissions     int               `json:"total_permissions"`
	ByCategory           map[string]int    `json:"by_category"`
	ByRiskLevel          map[string]int    `json:"by_risk_level"`
	ByPermissionType     map[string]int    `json:"by_permission_type"`
	BySource             map[string]int    `json:"by_source"`
	MFARequired          []string          `json:"mfa_required"`
	Conditional          []string          `json:"conditional"`
	Restricted           []string          `json:"restricted"`
	ScopeLimitations     []ScopeLimitation `json:"scope_limitations"`
	HighRiskCount        int               `json:"high_risk_count"`
	AdministrativeAccess bool              `json:"administrative_access"`
}

// BuildSummary aggregates perms. Only granted and conditional entries count
// towards totals; denied ones are listed under Restricted.
func BuildSummary(perms []EffectivePermission) Summary {
	s := Summary{
		ByCategory:       map[string]int{},
		ByRiskLevel:      map[string]int{},
		ByPermissionType: map[string]int{},
		BySource:         map[string]int{},
		MFARequired:      []string{},
		Conditional:      []string{},
		Restricted:       []string{},
		ScopeLimitations: []ScopeLimitation{},
	}
	for _, p := range perms {
		if !p.Level.Allows() {
			s.Restricted = append(s.Restricted, p.Code)
			continue
		}
		s.TotalPermissions++
		category := p.Category
		if category == "" {
			category = "uncategorized"
		}
		s.ByCategory[category]++
		s.ByRiskLevel[string(p.RiskLevel)]++
		s.ByPermissionType[string(p.PermissionType)]++
		s.BySource[string(p.Source)]++
		if p.RequiresMFA {
			s.MFARequired = append(s.MFARequired, p.Code)
		}
		if p.Level == LevelConditional {
			s.Conditional = append(s.Conditional, p.Code)
		}
		if p.Scope.Restricted() {
			s.ScopeLimitations = append(s.ScopeLimitations, ScopeLimitation{Code: p.Code, Scope: p.Scope})
		}
		if p.RiskLevel.Rank() >= RiskHigh.Rank() {
			s.HighRiskCount++
		}
		if p.PermissionType == TypeAdministrative || (p.RiskLevel == RiskCritical && p.Effect == EffectAllow) {
			s.AdministrativeAccess = true
		}
	}
	sort.Strings(s.MFARequired)
	sort.Strings(s.Conditional)
	sort.Strings(s.Restricted)
	sort.Slice(s.ScopeLimitations, func(i, j int) bool { return s.ScopeLimitations[i].Code < s.ScopeLimitations[j].Code })
	return s
}

// SourceShare reports how much of the granted set each source provides.
type SourceShare struct {
	Designation float64 `json:"designation_percent"`
	Group       float64 `json:"group_percent"`
	Override    float64 `json:"override_percent"`
}

// Shares computes source percentages from a summary, rounded to one decimal.
func (s Summary) Shares() SourceShare {
	if s.TotalPermissions == 0 {
		return SourceShare{}
	}
	pct := func(n int) float64 {
		v := float64(n) * 1000 / float64(s.TotalPermissions)
		return float64(int(v+0.5)) / 10
	}
	return SourceShare{
		Designation: pct(s.BySource[string(SourceDesignation)]),
		Group:       pct(s.BySource[string(SourceGroup)]),
		Override:    pct(s.BySource[string(SourceUserOverride)] + s.BySource[string(SourceUserAddition)]),
	}
}
