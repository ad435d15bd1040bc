package overrides

import (
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Override is a per-user exception to designation and group grants.
type Override struct {
	ID             int64                `json:"id"`
	UserID         int64                `json:"user_id"`
	PermissionID   int64                `json:"permission_id"`
	PermissionCode string               `json:"permission_code"`
	RiskLevel      rbac.RiskLevel       `json:"risk_level"`
	OverrideType   rbac.OverrideType    `json:"override_type"`
	Level          rbac.PermissionLevel `json:"permission_level"`
	Scope          rbac.Scope           `json:"scope"`
	EffectiveFrom  time.Time            `json:"effective_from"`
	EffectiveTo    *time.Time           `json:"effective_to,omitempty"`
	IsTemporary    bool                 `json:"is_temporary"`
	AutoExpire     bool                 `json:"auto_expire"`
	RequiresMFA    bool                 `json:"requires_mfa"`
	ApprovalStatus rbac.ApprovalStatus  `json:"approval_status"`
	Priority       int                  `json:"priority"`
	Reason         string               `json:"reason"`
	IsActive       bool                 `json:"is_active"`
	CreatedBy      int64                `json:"created_by"`
	ApprovedBy     *int64               `json:"approved_by,omitempty"`
	ApprovedAt     *time.Time           `json:"approved_at,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
}

// grantAction maps an approved override to the audit action it represents.
func (o Override) grantAction() audit.ActionType {
	switch {
	case o.OverrideType == rbac.OverrideRestriction || o.Level == rbac.LevelDenied:
		return audit.ActionRestrict
	case o.RiskLevel == rbac.RiskHigh || o.RiskLevel == rbac.RiskCritical:
		return audit.ActionEscalate
	}
	return audit.ActionGrant
}

// CreateInput is the payload of create_override.
type CreateInput struct {
	UserID        int64      `json:"user_id" validate:"required,gt=0"`
	PermissionID  int64      `json:"permission_id" validate:"required,gt=0"`
	OverrideType  string     `json:"override_type" validate:"required"`
	Level         string     `json:"permission_level" validate:"omitempty,oneof=granted denied conditional"`
	Scope         rbac.Scope `json:"scope"`
	EffectiveFrom *time.Time `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to"`
	IsTemporary   bool       `json:"is_temporary"`
	AutoExpire    bool       `json:"auto_expire"`
	RequiresMFA   bool       `json:"requires_mfa"`
	Priority      int        `json:"priority" validate:"min=-100,max=100"`
	Reason        string     `json:"reason" validate:"max=500"`
}

// UpdateInput carries a partial update.
type UpdateInput struct {
	Level       *string     `json:"permission_level" validate:"omitempty,oneof=granted denied conditional"`
	Scope       *rbac.Scope `json:"scope"`
	EffectiveTo *time.Time  `json:"effective_to"`
	RequiresMFA *bool       `json:"requires_mfa"`
	Priority    *int        `json:"priority" validate:"omitempty,min=-100,max=100"`
	Reason      string      `json:"reason" validate:"max=500"`
}

// ListFilters narrows override listings.
type ListFilters struct {
	UserID          int64
	Status          rbac.ApprovalStatus
	IncludeInactive bool
}
