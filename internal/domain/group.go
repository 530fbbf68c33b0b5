package domain

import (
	"time"

	"github.com/google/uuid"
)

// GroupType distinguishes how an actor group's membership is maintained.
type GroupType string

const (
	GroupTypeStatic  GroupType = "static"
	GroupTypeManaged GroupType = "managed"
	GroupTypeSynced  GroupType = "synced"
)

// ActorGroup is the unit Policies bind to Resources.
type ActorGroup struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     uuid.UUID  `json:"account_id"`
	ProviderID    *uuid.UUID `json:"provider_id,omitempty"`
	Name          string     `json:"name"`
	Type          GroupType  `json:"type"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Membership is the composite-keyed join between an Actor and an ActorGroup.
type Membership struct {
	ActorID      uuid.UUID  `json:"actor_id"`
	GroupID      uuid.UUID  `json:"group_id"`
	AccountID    uuid.UUID  `json:"account_id"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}
