package designations

import (
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Designation is a job role that carries a baseline permission set.
type Designation struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	Level           int       `json:"level"`
	IsActive        bool      `json:"is_active"`
	PermissionCount int       `json:"permission_count"`
	UserCount       int       `json:"user_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Permission is one permission attached to a designation.
type Permission struct {
	PermissionID   int64          `json:"permission_id"`
	PermissionCode string         `json:"permission_code"`
	RiskLevel      rbac.RiskLevel `json:"risk_level"`
	Scope          rbac.Scope     `json:"scope"`
	IsActive       bool           `json:"is_active"`
	ExpiresAt      *time.Time     `json:"expires_at,omitempty"`
}

// Assignment links a user to a designation.
type Assignment struct {
	UserID    int64 `json:"user_id"`
	IsPrimary bool  `json:"is_primary"`
}

// Detail is a designation with its permissions and users.
type Detail struct {
	Designation
	Permissions []Permission `json:"permissions"`
	Users       []Assignment `json:"users"`
}

// CreateInput is the payload for creating a designation.
type CreateInput struct {
	Name        string `json:"name" validate:"required,max=150"`
	Description string `json:"description" validate:"max=2000"`
	Level       int    `json:"level" validate:"min=0,max=100"`
}

// UpdateInput carries a partial update.
type UpdateInput struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=150"`
	Description *string `json:"description" validate:"omitempty,max=2000"`
	Level       *int    `json:"level" validate:"omitempty,min=0,max=100"`
	IsActive    *bool   `json:"is_active"`
	Reason      string  `json:"reason" validate:"max=500"`
}

// PermissionGrant describes how a permission is attached to a designation.
type PermissionGrant struct {
	PermissionID int64      `json:"permission_id" validate:"required,gt=0"`
	Scope        rbac.Scope `json:"scope"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// AssignPermissionsInput attaches permissions. With Replace set, permissions
// not listed are detached.
type AssignPermissionsInput struct {
	Permissions []PermissionGrant `json:"permissions" validate:"max=500,dive"`
	Replace     bool              `json:"replace"`
	Reason      string            `json:"reason" validate:"max=500"`
}

// AssignUsersInput links users to the designation.
type AssignUsersInput struct {
	UserIDs   []int64 `json:"user_ids" validate:"required,min=1,max=500,unique,dive,gt=0"`
	IsPrimary bool    `json:"is_primary"`
	Reason    string  `json:"reason" validate:"max=500"`
}

// ChangeResult reports the effect of an assignment call.
type ChangeResult struct {
	Added         []int64 `json:"added"`
	Updated       []int64 `json:"updated"`
	Removed       []int64 `json:"removed"`
	UsersAffected int     `json:"users_affected"`
}

// ListFilters narrows designation listings.
type ListFilters struct {
	Search   string
	IsActive *bool
}
