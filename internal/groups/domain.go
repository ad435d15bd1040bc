package groups

import (
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Group is a named bundle of permissions with time-boxed memberships.
type Group struct {
	ID              int64          `json:"id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	GroupType       rbac.GroupType `json:"group_type"`
	IsActive        bool           `json:"is_active"`
	PermissionCount int            `json:"permission_count"`
	MemberCount     int            `json:"member_count"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Permission is one permission attached to a group.
type Permission struct {
	PermissionID   int64          `json:"permission_id"`
	PermissionCode string         `json:"permission_code"`
	RiskLevel      rbac.RiskLevel `json:"risk_level"`
	IsMandatory    bool           `json:"is_mandatory"`
	RequiresMFA    bool           `json:"requires_mfa"`
	Scope          rbac.Scope     `json:"scope"`
}

// Membership places a user in a group for a validity window.
type Membership struct {
	UserID    int64      `json:"user_id"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	IsActive  bool       `json:"is_active"`
}

// Detail is a group with its permissions and members.
type Detail struct {
	Group
	Permissions []Permission `json:"permissions"`
	Members     []Membership `json:"members"`
}

// CreateInput is the payload for creating a group.
type CreateInput struct {
	Name        string `json:"name" validate:"required,max=150"`
	Description string `json:"description" validate:"max=2000"`
	GroupType   string `json:"group_type" validate:"required,oneof=functional project temporary administrative basic operational"`
}

// UpdateInput carries a partial update.
type UpdateInput struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=150"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
	GroupType   *string `json:"group_type" validate:"omitempty,oneof=functional project temporary administrative basic operational"`
	IsActive    *bool   `json:"is_active"`
	Reason      string  `json:"reason" validate:"max=500"`
}

// PermissionGrant describes how a permission is attached to a group.
type PermissionGrant struct {
	PermissionID int64      `json:"permission_id" validate:"required,gt=0"`
	IsMandatory  bool       `json:"is_mandatory"`
	RequiresMFA  bool       `json:"requires_mfa"`
	Scope        rbac.Scope `json:"scope"`
}

// AssignPermissionsInput attaches permissions. With Replace set, permissions
// not listed are detached.
type AssignPermissionsInput struct {
	Permissions []PermissionGrant `json:"permissions" validate:"max=500,dive"`
	Replace     bool              `json:"replace"`
	Reason      string            `json:"reason" validate:"max=500"`
}

// AssignUsersInput adds members for an optional validity window.
type AssignUsersInput struct {
	UserIDs   []int64    `json:"user_ids" validate:"required,min=1,max=500,unique,dive,gt=0"`
	ValidFrom *time.Time `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to"`
	Reason    string     `json:"reason" validate:"max=500"`
}

// RemoveUsersInput removes members.
type RemoveUsersInput struct {
	UserIDs []int64 `json:"user_ids" validate:"required,min=1,max=500,unique,dive,gt=0"`
	Reason  string  `json:"reason" validate:"max=500"`
}

// ChangeResult reports the effect of an assignment call.
type ChangeResult struct {
	Added         []int64 `json:"added"`
	Updated       []int64 `json:"updated"`
	Removed       []int64 `json:"removed"`
	UsersAffected int     `json:"users_affected"`
}

// ListFilters narrows group listings.
type ListFilters struct {
	GroupType rbac.GroupType
	Search    string
	IsActive  *bool
}
