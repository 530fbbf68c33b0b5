// Package gatewaycache implements the per-gateway authorization map (C6):
// which (client, resource) pairs are currently permitted to flow through
// this gateway, and under which PolicyAuthorization and expiry.
//
// A Cache is owned exclusively by the gateway channel session that created
// it, so like its client-cache sibling it carries no mutex.
package gatewaycache

import (
	"time"

	"github.com/google/uuid"
)

// Pair identifies one authorized (client, resource) flow.
type Pair struct {
	ClientID   uuid.UUID
	ResourceID uuid.UUID
}

// Authorization is the cached outcome of a successful flow authorization.
type Authorization struct {
	PolicyAuthorizationID uuid.UUID
	ExpiresAt             time.Time
}

// Cache is the per-gateway authorization map described in component C6.
type Cache struct {
	GatewayID uuid.UUID

	authorizations   map[Pair]Authorization
	pairsByResource  map[uuid.UUID]map[Pair]struct{}
	authByPolicyAuth map[uuid.UUID]Pair
}

// New creates an empty Cache for a gateway.
func New(gatewayID uuid.UUID) *Cache {
	return &Cache{
		GatewayID:        gatewayID,
		authorizations:   make(map[Pair]Authorization),
		pairsByResource:  make(map[uuid.UUID]map[Pair]struct{}),
		authByPolicyAuth: make(map[uuid.UUID]Pair),
	}
}

// Put records a successful flow authorization, called after a client's
// flow setup is authorized against this gateway.
func (c *Cache) Put(clientID, resourceID, policyAuthorizationID uuid.UUID, expiresAt time.Time) {
	pair := Pair{ClientID: clientID, ResourceID: resourceID}

	if old, ok := c.authorizations[pair]; ok {
		delete(c.authByPolicyAuth, old.PolicyAuthorizationID)
	}

	c.authorizations[pair] = Authorization{PolicyAuthorizationID: policyAuthorizationID, ExpiresAt: expiresAt}
	c.authByPolicyAuth[policyAuthorizationID] = pair

	set, ok := c.pairsByResource[resourceID]
	if !ok {
		set = make(map[Pair]struct{})
		c.pairsByResource[resourceID] = set
	}
	set[pair] = struct{}{}
}

// Get looks up the current authorization for a (client, resource) pair.
func (c *Cache) Get(clientID, resourceID uuid.UUID) (Authorization, bool) {
	auth, ok := c.authorizations[Pair{ClientID: clientID, ResourceID: resourceID}]
	return auth, ok
}

// AllPairsForResource lists every (client, resource) pair currently
// authorized for resourceID, used to fan out reject_access when a
// resource's address/type/ip_stack changes.
func (c *Cache) AllPairsForResource(resourceID uuid.UUID) []Pair {
	set := c.pairsByResource[resourceID]
	out := make([]Pair, 0, len(set))
	for pair := range set {
		out = append(out, pair)
	}
	return out
}

// Prune removes every authorization whose expiry has passed. Scheduled by
// the owning gateway channel session every minute.
func (c *Cache) Prune(now time.Time) (removed []Pair) {
	for pair, auth := range c.authorizations {
		if !auth.ExpiresAt.After(now) {
			c.remove(pair, auth.PolicyAuthorizationID)
			removed = append(removed, pair)
		}
	}
	return removed
}

func (c *Cache) remove(pair Pair, policyAuthorizationID uuid.UUID) {
	delete(c.authorizations, pair)
	delete(c.authByPolicyAuth, policyAuthorizationID)
	if set, ok := c.pairsByResource[pair.ResourceID]; ok {
		delete(set, pair)
		if len(set) == 0 {
			delete(c.pairsByResource, pair.ResourceID)
		}
	}
}
