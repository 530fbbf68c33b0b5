package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActorType enumerates the kinds of actor an account can own.
type ActorType string

const (
	ActorTypeAdmin          ActorType = "admin"
	ActorTypeUser           ActorType = "user"
	ActorTypeServiceAccount ActorType = "service_account"
)

// Actor is an administrative abstraction for a person or service account.
// Every actor belongs to exactly one account.
type Actor struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	Type       ActorType  `json:"type"`
	Name       string     `json:"name"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func (a *Actor) Disabled() bool {
	return a.DisabledAt != nil
}
