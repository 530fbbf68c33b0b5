package clientcache

import (
	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// AddMembership adds a group membership, making its policies reachable on
// the next recompute.
func (c *Cache) AddMembership(groupID uuid.UUID) {
	c.Memberships[groupID] = groupID
}

// DeleteMembership removes a group membership.
func (c *Cache) DeleteMembership(groupID uuid.UUID) {
	delete(c.Memberships, groupID)
}

// AddPolicy adds or replaces a policy entry.
func (c *Cache) AddPolicy(policyID uuid.UUID, entry PolicyEntry) {
	c.Policies[policyID] = entry
}

// UpdatePolicy replaces an existing policy entry in place.
func (c *Cache) UpdatePolicy(policyID uuid.UUID, entry PolicyEntry) {
	c.Policies[policyID] = entry
}

// DeletePolicy removes a policy entry.
func (c *Cache) DeletePolicy(policyID uuid.UUID) {
	delete(c.Policies, policyID)
}

// AddResourceConnection records that a resource gained a gateway group,
// which can newly make it connectable.
func (c *Cache) AddResourceConnection(resourceID, gatewayGroupID uuid.UUID) {
	rv, ok := c.Resources[resourceID]
	if !ok {
		return
	}
	for _, existing := range rv.GatewayGroups {
		if existing == gatewayGroupID {
			return
		}
	}
	rv.GatewayGroups = append(rv.GatewayGroups, gatewayGroupID)
	c.Resources[resourceID] = rv
}

// DeleteResourceConnection records that a resource lost a gateway group.
func (c *Cache) DeleteResourceConnection(resourceID, gatewayGroupID uuid.UUID) {
	rv, ok := c.Resources[resourceID]
	if !ok {
		return
	}
	filtered := rv.GatewayGroups[:0]
	for _, existing := range rv.GatewayGroups {
		if existing != gatewayGroupID {
			filtered = append(filtered, existing)
		}
	}
	rv.GatewayGroups = filtered
	c.Resources[resourceID] = rv
}

// UpdateResource replaces a resource's view in the cache.
func (c *Cache) UpdateResource(resourceID uuid.UUID, rv domain.ResourceView) {
	rv.GatewayGroups = c.resourceGatewayGroups(resourceID)
	c.Resources[resourceID] = TrimForVersion(rv, c.LastVersion)
}

func (c *Cache) resourceGatewayGroups(resourceID uuid.UUID) []uuid.UUID {
	if existing, ok := c.Resources[resourceID]; ok {
		return existing.GatewayGroups
	}
	return nil
}

// DeleteResource removes a resource from the cache entirely, e.g. on
// breaking update (delete+recreate) or hard delete.
func (c *Cache) DeleteResource(resourceID uuid.UUID) {
	delete(c.Resources, resourceID)
}

// UpdateResourcesWithGroupName re-applies name changes to every resource
// belonging to gatewayGroupID, used when an admin renames a gateway group
// and the client-facing resource labels embed it.
func (c *Cache) UpdateResourcesWithGroupName(gatewayGroupID uuid.UUID, rename func(domain.ResourceView) domain.ResourceView) {
	for id, rv := range c.Resources {
		belongs := false
		for _, g := range rv.GatewayGroups {
			if g == gatewayGroupID {
				belongs = true
				break
			}
		}
		if !belongs {
			continue
		}
		c.Resources[id] = rename(rv)
	}
}
