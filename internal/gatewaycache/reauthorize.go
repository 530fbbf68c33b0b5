package gatewaycache

import (
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/coreerr"
)

// OtherAuthorizationsLookup resolves the remaining non-expired
// PolicyAuthorizations that still cover a (client, resource) pair after one
// of them is deleted. Backed by internal/repository's policy repository.
type OtherAuthorizationsLookup interface {
	ExpiresAtForPair(clientID, resourceID, excludePolicyAuthorizationID uuid.UUID, now time.Time) (time.Time, bool)
}

// ReauthorizeDeletedPolicyAuthorization handles the deletion of the
// PolicyAuthorization backing deletedPolicyAuthorizationID: if another
// still-valid authorization covers the same pair, the cache entry is
// tightened to that authorization's expiry; otherwise the pair is dropped
// entirely and the gateway must reject further traffic for it.
func (c *Cache) ReauthorizeDeletedPolicyAuthorization(deletedPolicyAuthorizationID uuid.UUID, lookup OtherAuthorizationsLookup, now time.Time) (time.Time, error) {
	pair, ok := c.authByPolicyAuth[deletedPolicyAuthorizationID]
	if !ok {
		return time.Time{}, coreerr.New(coreerr.NotFound, nil)
	}

	expiresAt, ok := lookup.ExpiresAtForPair(pair.ClientID, pair.ResourceID, deletedPolicyAuthorizationID, now)
	if !ok {
		c.remove(pair, deletedPolicyAuthorizationID)
		return time.Time{}, coreerr.New(coreerr.Unauthorized, nil)
	}

	auth := c.authorizations[pair]
	auth.ExpiresAt = expiresAt
	c.authorizations[pair] = auth
	delete(c.authByPolicyAuth, deletedPolicyAuthorizationID)
	return expiresAt, nil
}
