package domain

import (
	"time"

	"github.com/google/uuid"
)

// AuthProvider is an identity-provider configuration (OIDC, SAML, …)
// attached to an account. Real adapters live in internal/directory.
type AuthProvider struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Type      string    `json:"type"` // okta, azuread, google, oidc
	Name      string    `json:"name"`
	IssuerURL string    `json:"issuer_url"`
	ClientID  string    `json:"client_id"`
	// ClientSecretEncrypted is never serialized.
	ClientSecretEncrypted []byte    `json:"-"`
	Scopes                []string  `json:"scopes"`
	SyncEnabled           bool      `json:"sync_enabled"`
	LastSyncedAt          *time.Time `json:"last_synced_at,omitempty"`
	LastSyncError         string    `json:"last_sync_error,omitempty"`
	ConsecutiveFailures   int       `json:"consecutive_failures"`
	RequiresManualIntervention bool `json:"requires_manual_intervention"`
	LastFailureEmailAt    *time.Time `json:"last_failure_email_at,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Identity links an Actor to an external identity at a provider.
// (provider_id, provider_identifier) is unique within an account.
type Identity struct {
	ID                 uuid.UUID  `json:"id"`
	AccountID          uuid.UUID  `json:"account_id"`
	ActorID            uuid.UUID  `json:"actor_id"`
	ProviderID         uuid.UUID  `json:"provider_id"`
	ProviderIdentifier string     `json:"provider_identifier"`
	Email              string     `json:"email"`
	DeletedAt          *time.Time `json:"deleted_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (i *Identity) Deleted() bool {
	return i.DeletedAt != nil
}
