package domain

import (
	"time"

	"github.com/google/uuid"
)

// Policy binds one ActorGroup to one Resource, optionally conditional. At
// most one active policy exists per (account, group, resource); breaking
// updates replace the row via delete+recreate, preserving PersistentID.
type Policy struct {
	ID            uuid.UUID   `json:"id"`
	PersistentID  uuid.UUID   `json:"persistent_id"`
	AccountID     uuid.UUID   `json:"account_id"`
	ActorGroupID  uuid.UUID   `json:"actor_group_id"`
	ResourceID    uuid.UUID   `json:"resource_id"`
	Description   string      `json:"description,omitempty"`
	Conditions    []Condition `json:"conditions"`
	DisabledAt    *time.Time  `json:"disabled_at,omitempty"`
	DeletedAt     *time.Time  `json:"deleted_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

func (p *Policy) Active() bool {
	return p.DisabledAt == nil && p.DeletedAt == nil
}

// PolicyAuthorization is a concrete (client, resource, policy, gateway,
// expires_at) tuple representing a permitted flow in progress. It belongs to
// exactly one gateway session.
type PolicyAuthorization struct {
	ID              uuid.UUID `json:"id"`
	PolicyID        uuid.UUID `json:"policy_id"`
	GatewayID       uuid.UUID `json:"gateway_id"`
	ClientID        uuid.UUID `json:"client_id"`
	ResourceID      uuid.UUID `json:"resource_id"`
	ExpiresAt       time.Time `json:"expires_at"`
	ICECredentials  ICECredentials `json:"ice_credentials"`
	PresharedKey    string    `json:"preshared_key"`
	CreatedAt       time.Time `json:"created_at"`
}

// ICECredentials are the short-lived credentials handed to both peers of a
// negotiated flow.
type ICECredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
