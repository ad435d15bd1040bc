package rbac

import (
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// RiskLevel is the four-tier risk classification of a permission.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown levels rank below low.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// Valid reports whether r is a known level.
func (r RiskLevel) Valid() bool { return r.Rank() > 0 }

// MaxRisk returns the higher of two levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Effect is the stored effect of a permission.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

func (e Effect) Valid() bool { return e == EffectAllow || e == EffectDeny }

// BusinessTemplate summarises a permission's action set for display.
type BusinessTemplate string

const (
	TemplateViewOnly    BusinessTemplate = "view_only"
	TemplateContributor BusinessTemplate = "contributor"
	TemplateCreatorOnly BusinessTemplate = "creator_only"
	TemplateFullAccess  BusinessTemplate = "full_access"
	TemplateCustom      BusinessTemplate = "custom"
)

func (t BusinessTemplate) Valid() bool {
	switch t {
	case TemplateViewOnly, TemplateContributor, TemplateCreatorOnly, TemplateFullAccess, TemplateCustom:
		return true
	}
	return false
}

var titleCaser = cases.Title(language.English)

// Label renders the template as a display string, e.g. "Full Access".
func (t BusinessTemplate) Label() string {
	return titleCaser.String(strings.ReplaceAll(string(t), "_", " "))
}

// DefaultTemplateForActions suggests a template for a new permission from
// its action set. It is only consulted at creation time.
func DefaultTemplateForActions(actions []string) BusinessTemplate {
	set := make(map[string]bool, len(actions))
	for _, a := range actions {
		set[strings.ToLower(strings.TrimSpace(a))] = true
	}
	switch {
	case len(set) == 0:
		return TemplateCustom
	case set["read"] && set["create"] && set["update"] && set["delete"]:
		return TemplateFullAccess
	case set["read"] && set["create"] && set["update"]:
		return TemplateContributor
	case set["create"] && !set["update"] && !set["delete"]:
		return TemplateCreatorOnly
	case set["read"] && len(set) == 1:
		return TemplateViewOnly
	}
	return TemplateCustom
}

// PermissionType classifies what a permission governs.
type PermissionType string

const (
	TypeFunctional     PermissionType = "functional"
	TypeAdministrative PermissionType = "administrative"
	TypeData           PermissionType = "data"
	TypeSystem         PermissionType = "system"
	TypeReporting      PermissionType = "reporting"
)

func (t PermissionType) Valid() bool {
	switch t {
	case TypeFunctional, TypeAdministrative, TypeData, TypeSystem, TypeReporting:
		return true
	}
	return false
}

// PermissionLevel is the resolved access decision.
type PermissionLevel string

const (
	LevelGranted     PermissionLevel = "granted"
	LevelDenied      PermissionLevel = "denied"
	LevelConditional PermissionLevel = "conditional"
)

func (l PermissionLevel) Valid() bool {
	return l == LevelGranted || l == LevelDenied || l == LevelConditional
}

// Allows reports whether the level gives access, possibly conditionally.
func (l PermissionLevel) Allows() bool {
	return l == LevelGranted || l == LevelConditional
}

// OverrideType is the kind of per-user exception.
type OverrideType string

const (
	OverrideAddition     OverrideType = "addition"
	OverrideRestriction  OverrideType = "restriction"
	OverrideModification OverrideType = "modification"
	OverrideScopeChange  OverrideType = "scope_change"
)

func (t OverrideType) Valid() bool {
	switch t {
	case OverrideAddition, OverrideRestriction, OverrideModification, OverrideScopeChange:
		return true
	}
	return false
}

// ParseOverrideType accepts the grant/deny aliases used by older clients.
func ParseOverrideType(raw string) OverrideType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "grant":
		return OverrideAddition
	case "deny", "restrict":
		return OverrideRestriction
	}
	return OverrideType(strings.ToLower(strings.TrimSpace(raw)))
}

// ApprovalStatus tracks the override approval workflow.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return true
	}
	return false
}

// Source identifies where a grant came from.
type Source string

const (
	SourceDesignation  Source = "designation"
	SourceGroup        Source = "group"
	SourceUserOverride Source = "user_override"
	SourceUserAddition Source = "user_addition"
)

// GroupType classifies permission groups.
type GroupType string

const (
	GroupFunctional     GroupType = "functional"
	GroupProject        GroupType = "project"
	GroupTemporary      GroupType = "temporary"
	GroupAdministrative GroupType = "administrative"
	GroupBasic          GroupType = "basic"
	GroupOperational    GroupType = "operational"
)

func (t GroupType) Valid() bool {
	switch t {
	case GroupFunctional, GroupProject, GroupTemporary, GroupAdministrative, GroupBasic, GroupOperational:
		return true
	}
	return false
}

// Permission is a registry entry.
type Permission struct {
	ID               int64            `json:"id"`
	Code             string           `json:"permission_code"`
	Name             string           `json:"name"`
	Description      string           `json:"description"`
	Category         string           `json:"permission_category"`
	Resource         string           `json:"resource"`
	Actions          []string         `json:"actions"`
	PermissionType   PermissionType   `json:"permission_type"`
	RiskLevel        RiskLevel        `json:"risk_level"`
	Effect           Effect           `json:"effect"`
	BusinessTemplate BusinessTemplate `json:"business_template"`
	RequiresMFA      bool             `json:"requires_mfa"`
	IsActive         bool             `json:"is_active"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// SplitCode returns the resource and action list encoded in a dotted code,
// e.g. "site.read_create" -> ("site", [read create]).
func SplitCode(code string) (string, []string) {
	idx := strings.LastIndex(code, ".")
	if idx <= 0 || idx == len(code)-1 {
		return code, nil
	}
	return code[:idx], strings.Split(code[idx+1:], "_")
}

// TemporalWindow limits a grant to hours of the day and weekdays.
type TemporalWindow struct {
	StartHour int      `json:"start_hour"`
	EndHour   int      `json:"end_hour"`
	Days      []string `json:"days,omitempty"`
}

// wraps reports whether the window runs past midnight, like 22 to 6.
func (w TemporalWindow) wraps() bool {
	return w.EndHour <= w.StartHour
}

// Scope narrows where and when a grant applies. An empty dimension is unrestricted.
type Scope struct {
	Geographic []string        `json:"geographic,omitempty"`
	Functional []string        `json:"functional,omitempty"`
	Temporal   *TemporalWindow `json:"temporal,omitempty"`
}

// Restricted reports whether any dimension is limited.
func (s Scope) Restricted() bool {
	return len(s.Geographic) > 0 || len(s.Functional) > 0 || s.Temporal != nil
}

// Union returns the broadest scope covering both. A dimension unrestricted
// on either side stays unrestricted. An hour span cannot cover a window that
// wraps past midnight together with another one, so such a pair merges to
// no temporal limit.
func (s Scope) Union(o Scope) Scope {
	out := Scope{
		Geographic: unionDimension(s.Geographic, o.Geographic),
		Functional: unionDimension(s.Functional, o.Functional),
	}
	if s.Temporal != nil && o.Temporal != nil && !s.Temporal.wraps() && !o.Temporal.wraps() {
		out.Temporal = &TemporalWindow{
			StartHour: min(s.Temporal.StartHour, o.Temporal.StartHour),
			EndHour:   max(s.Temporal.EndHour, o.Temporal.EndHour),
			Days:      unionDimension(s.Temporal.Days, o.Temporal.Days),
		}
	}
	return out
}

// Normalize sorts and de-duplicates every dimension.
func (s Scope) Normalize() Scope {
	s.Geographic = normalizeSet(s.Geographic)
	s.Functional = normalizeSet(s.Functional)
	if s.Temporal != nil {
		t := *s.Temporal
		t.Days = normalizeSet(t.Days)
		s.Temporal = &t
	}
	return s
}

func unionDimension(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	return normalizeSet(append(slices.Clone(a), b...))
}

func normalizeSet(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Candidate is one grant produced by a source resolver.
type Candidate struct {
	Source     Source
	SourceID   int64
	SourceName string
	IsPrimary  bool

	PermissionID     int64
	Code             string
	Name             string
	Category         string
	Resource         string
	Actions          []string
	PermissionType   PermissionType
	RiskLevel        RiskLevel
	Effect           Effect
	BusinessTemplate BusinessTemplate
	RequiresMFA      bool
	Level            PermissionLevel
	Scope            Scope
	ExpiresAt        *time.Time

	// Override only.
	OverrideID     int64
	OverrideType   OverrideType
	ApprovalStatus ApprovalStatus
	IsActive       bool
	Priority       int
	EffectiveFrom  time.Time
	EffectiveTo    *time.Time
	IsTemporary    bool
	AutoExpire     bool
	CreatedAt      time.Time
}

// IsOverride reports whether the candidate came from a user override.
func (c Candidate) IsOverride() bool { return c.Source == SourceUserOverride }

// EffectivePermission is the resolved decision for one permission code.
type EffectivePermission struct {
	PermissionID       int64            `json:"permission_id"`
	Code               string           `json:"permission_code"`
	Name               string           `json:"permission_name"`
	Category           string           `json:"permission_category"`
	PermissionType     PermissionType   `json:"permission_type"`
	Resource           string           `json:"resource"`
	Actions            []string         `json:"actions"`
	RiskLevel          RiskLevel        `json:"risk_level"`
	Effect             Effect           `json:"effect"`
	BusinessTemplate   BusinessTemplate `json:"business_template"`
	Level              PermissionLevel  `json:"permission_level"`
	Source             Source           `json:"source"`
	Sources            []string         `json:"sources"`
	Scope              Scope            `json:"scope"`
	RequiresMFA        bool             `json:"requires_mfa"`
	RestrictionApplied bool             `json:"restriction_applied"`
	IsConditional      bool             `json:"is_conditional"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty"`
}

// ResourceAccess aggregates allowed permissions on one resource.
type ResourceAccess struct {
	Resource    string          `json:"resource"`
	Actions     []string        `json:"actions"`
	Codes       []string        `json:"permission_codes"`
	RiskLevel   RiskLevel       `json:"risk_level"`
	Level       PermissionLevel `json:"permission_level"`
	RequiresMFA bool            `json:"requires_mfa"`
	Scope       Scope           `json:"scope"`
}

// Resolution is the cached result of resolving one user.
type Resolution struct {
	UserID      int64                 `json:"user_id"`
	Permissions []EffectivePermission `json:"permissions"`
	Resources   []ResourceAccess      `json:"resources"`
	ComputedAt  time.Time             `json:"computed_at"`
	Cached      bool                  `json:"cached"`
}

// Lookup returns the resolved entry for code.
func (r Resolution) Lookup(code string) (EffectivePermission, bool) {
	code = strings.ToLower(strings.TrimSpace(code))
	idx, found := sort.Find(len(r.Permissions), func(i int) int {
		return strings.Compare(code, r.Permissions[i].Code)
	})
	if !found {
		return EffectivePermission{}, false
	}
	return r.Permissions[idx], true
}

// GrantedCodes lists codes resolved as granted.
func (r Resolution) GrantedCodes() []string {
	out := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		if p.Level == LevelGranted {
			out = append(out, p.Code)
		}
	}
	return out
}
