package permissions

import (
	"regexp"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// codePattern enforces dotted resource.action codes, e.g. "site.read_create".
var codePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z0-9_]+)+$`)

// CreateInput is the payload for registering a permission.
type CreateInput struct {
	Code             string   `json:"permission_code" validate:"required,max=150"`
	Name             string   `json:"name" validate:"required,max=200"`
	Description      string   `json:"description" validate:"max=2000"`
	Category         string   `json:"permission_category" validate:"required,max=100"`
	Actions          []string `json:"actions" validate:"omitempty,max=20,dive,required,max=50"`
	PermissionType   string   `json:"permission_type" validate:"required,oneof=functional administrative data system reporting"`
	RiskLevel        string   `json:"risk_level" validate:"required,oneof=low medium high critical"`
	Effect           string   `json:"effect" validate:"omitempty,oneof=allow deny"`
	BusinessTemplate string   `json:"business_template" validate:"omitempty,oneof=view_only contributor creator_only full_access custom"`
	RequiresMFA      bool     `json:"requires_mfa"`
}

// UpdateInput carries a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	Name             *string   `json:"name" validate:"omitempty,min=1,max=200"`
	Description      *string   `json:"description" validate:"omitempty,max=2000"`
	Category         *string   `json:"permission_category" validate:"omitempty,min=1,max=100"`
	Actions          *[]string `json:"actions" validate:"omitempty,max=20,dive,required,max=50"`
	PermissionType   *string   `json:"permission_type" validate:"omitempty,oneof=functional administrative data system reporting"`
	RiskLevel        *string   `json:"risk_level" validate:"omitempty,oneof=low medium high critical"`
	Effect           *string   `json:"effect" validate:"omitempty,oneof=allow deny"`
	BusinessTemplate *string   `json:"business_template" validate:"omitempty,oneof=view_only contributor creator_only full_access custom"`
	RequiresMFA      *bool     `json:"requires_mfa"`
	IsActive         *bool     `json:"is_active"`
	Reason           string    `json:"reason" validate:"max=500"`
}

// ListFilters narrows registry listings.
type ListFilters struct {
	Category       string
	PermissionType rbac.PermissionType
	RiskLevel      rbac.RiskLevel
	Search         string
	IsActive       *bool
}

// CleanupReport is returned by a complete delete.
type CleanupReport struct {
	PermissionID        int64  `json:"permission_id"`
	PermissionCode      string `json:"permission_code"`
	DesignationsCleaned int    `json:"designations_cleaned"`
	GroupsCleaned       int    `json:"groups_cleaned"`
	OverridesCleaned    int    `json:"overrides_cleaned"`
	UsersAffected       int    `json:"users_affected"`
}

// References lists the grant rows removed with a permission.
type References struct {
	DesignationIDs []int64
	GroupIDs       []int64
	Overrides      []OverrideRef
	UserIDs        []int64
}

// OverrideRef identifies one user override row.
type OverrideRef struct {
	ID     int64
	UserID int64
}

// TargetType selects what a bulk operation applies to.
type TargetType string

const (
	TargetUsers        TargetType = "users"
	TargetDesignations TargetType = "designations"
	TargetGroups       TargetType = "groups"
)

// BulkRequest applies grants or revokes for every (permission, target) pair.
type BulkRequest struct {
	PermissionIDs []int64    `json:"permission_ids" validate:"required,min=1,max=100,unique,dive,gt=0"`
	TargetType    TargetType `json:"target_type" validate:"required,oneof=users designations groups"`
	TargetIDs     []int64    `json:"target_ids" validate:"required,min=1,max=500,unique,dive,gt=0"`
	Reason        string     `json:"reason" validate:"max=500"`
}

// PairFailure reports one permission that could not be applied to a target.
type PairFailure struct {
	PermissionID int64  `json:"permission_id"`
	Error        string `json:"error"`
}

// TargetResult reports the outcome for one target.
type TargetResult struct {
	TargetID  int64         `json:"target_id"`
	Succeeded []int64       `json:"succeeded"`
	Failed    []PairFailure `json:"failed"`
	Noop      []int64       `json:"noop"`
}

// BulkResult is the per-target report of a bulk operation.
type BulkResult struct {
	Operation  string         `json:"operation"`
	TargetType TargetType     `json:"target_type"`
	Results    []TargetResult `json:"results"`
	Succeeded  int            `json:"succeeded_count"`
	Failed     int            `json:"failed_count"`
	Noop       int            `json:"noop_count"`
}
