// Package directory implements the periodic per-provider directory sync
// runner (C10): it imports identities, groups and memberships from external
// IdPs and reconciles them into the account's actor/group/membership
// tables, guarded by a circuit breaker on mass deletion.
//
// Grounded on the teacher's internal/sso.Service for provider/token
// plumbing (adapted from its demo token simulation to a real
// oauth2.Config + go-oidc discovery flow) and internal/approval.Service's
// loadFromDatabase-then-serve pattern for loading provider state at
// startup.
package directory

import (
	"context"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// UserAttrs is one identity as reported by an IdP, keyed by the provider's
// own identifier (never the control plane's actor id).
type UserAttrs struct {
	ExternalID string
	Email      string
	Name       string
}

// GroupAttrs is one group as reported by an IdP.
type GroupAttrs struct {
	ExternalID string
	Name       string
}

// Adapter is the minimal capability every directory provider must support:
// listing its users. ListGroups, ListGroupMembers and RefreshAccessToken
// are optional capabilities an adapter may additionally implement; the
// runner checks for them with a type assertion rather than requiring a
// fixed interface, since real IdPs are polymorphic over this capability
// set (a plain OIDC login-only provider has no group API at all).
type Adapter interface {
	ListUsers(ctx context.Context) ([]UserAttrs, error)
}

// GroupLister is the optional group-listing capability.
type GroupLister interface {
	ListGroups(ctx context.Context) ([]GroupAttrs, error)
}

// GroupMemberLister is the optional group-membership capability.
type GroupMemberLister interface {
	ListGroupMembers(ctx context.Context, groupExternalID string) ([]string, error)
}

// TokenRefresher is the optional access-token-refresh capability. When an
// adapter has it, the runner invokes it before every sync attempt.
type TokenRefresher interface {
	RefreshAccessToken(ctx context.Context) error
}

// AdapterFactory builds the Adapter for one provider. Implementations
// typically close over the provider's stored OAuth2 token and issuer
// metadata; construction itself may fail (bad issuer URL, expired refresh
// token with no way to renew), which the runner treats as a sync failure.
type AdapterFactory func(ctx context.Context, provider domain.AuthProvider) (Adapter, error)
