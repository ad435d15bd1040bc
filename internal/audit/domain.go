package audit

import (
	"encoding/json"
	"time"
)

// ActionType classifies a grant relationship mutation.
type ActionType string

const (
	ActionGrant    ActionType = "grant"
	ActionRevoke   ActionType = "revoke"
	ActionModify   ActionType = "modify"
	ActionRestrict ActionType = "restrict"
	ActionEscalate ActionType = "escalate"
	ActionExpire   ActionType = "expire"
)

// Valid reports whether the action is known.
func (a ActionType) Valid() bool {
	switch a {
	case ActionGrant, ActionRevoke, ActionModify, ActionRestrict, ActionEscalate, ActionExpire:
		return true
	}
	return false
}

// EntityType names the kind of entity whose grants changed.
type EntityType string

const (
	EntityUser        EntityType = "user"
	EntityDesignation EntityType = "designation"
	EntityGroup       EntityType = "group"
	EntitySystem      EntityType = "system"
)

// Valid reports whether the entity type is known.
func (e EntityType) Valid() bool {
	switch e {
	case EntityUser, EntityDesignation, EntityGroup, EntitySystem:
		return true
	}
	return false
}

// Entry is one immutable row of the permission audit trail.
type Entry struct {
	ID             int64           `json:"id"`
	ActionType     ActionType      `json:"action_type"`
	EntityType     EntityType      `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	PermissionCode string          `json:"permission_code,omitempty"`
	OldValue       json.RawMessage `json:"old_value,omitempty"`
	NewValue       json.RawMessage `json:"new_value,omitempty"`
	ActorID        int64           `json:"performed_by"`
	Reason         string          `json:"reason,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

// Filters narrows the audit trail listing.
type Filters struct {
	EntityType     EntityType
	EntityID       string
	ActionType     ActionType
	PermissionCode string
	PerformedBy    int64
	From           time.Time
	To             time.Time
}

// Snapshot encodes a value for the old/new columns. Nil stays nil.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
