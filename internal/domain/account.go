package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account is the tenant that exclusively owns all other entities.
type Account struct {
	ID        uuid.UUID       `json:"id"`
	Slug      string          `json:"slug"`
	Features  AccountFeatures `json:"features"`
	Limits    AccountLimits   `json:"limits"`
	Config    AccountConfig   `json:"config"`
	DisabledAt *time.Time     `json:"disabled_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AccountFeatures toggles optional subsystems per account. Replaced
// wholesale on update, never merged in place (see DESIGN.md).
type AccountFeatures struct {
	IdPSync           bool `json:"idp_sync"`
	PolicyConditions  bool `json:"policy_conditions"`
	SelfHostedRelays  bool `json:"self_hosted_relays"`
}

// AccountLimits bounds tenant resource usage.
type AccountLimits struct {
	MonthlyActiveUsersCount int `json:"monthly_active_users_count"`
}

// AccountConfig carries per-account operational settings pushed to clients
// in the channel `init` payload.
type AccountConfig struct {
	UpstreamDNS   []string `json:"upstream_dns"`
	Notifications bool     `json:"notifications"`
}

// Disabled reports whether the account has been soft-disabled.
func (a *Account) Disabled() bool {
	return a.DisabledAt != nil
}
