package clientcache

import (
	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/condition"
	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/domain"
)

// RecomputeOptions controls RecomputeConnectable's diff behavior.
type RecomputeOptions struct {
	// Toggle forces ids present in both the new and old connectable sets
	// into Removed too, so clients that cannot hot-change a resource's
	// site see a clean delete-then-create instead of an in-place update.
	Toggle bool
}

// RecomputeConnectable rebuilds the connectable-resource set from the
// cache's current policies/resources/memberships and returns the diff
// against the previous set.
func (c *Cache) RecomputeConnectable(ctx domain.ClientContext, opts RecomputeOptions) (added, removed []domain.ResourceView) {
	next := make(map[uuid.UUID]domain.ResourceView)

	for _, entry := range c.Policies {
		if !entry.Active {
			continue
		}
		if _, member := c.Memberships[entry.ActorGroupID]; !member {
			continue
		}
		rv, ok := c.Resources[entry.ResourceID]
		if !ok {
			continue
		}
		if len(rv.GatewayGroups) == 0 {
			continue
		}
		if _, already := next[entry.ResourceID]; already {
			continue
		}

		result := condition.Evaluate(entry.Conditions, ctx, c.Subject.ExpiresAt)
		if !result.OK {
			continue
		}
		next[entry.ResourceID] = rv
	}

	old := c.connectable
	c.connectable = next

	for id, rv := range next {
		if _, existed := old[id]; !existed {
			added = append(added, rv)
		} else if opts.Toggle {
			added = append(added, rv)
			removed = append(removed, old[id])
		}
	}
	for id, rv := range old {
		if _, stillThere := next[id]; !stillThere {
			removed = append(removed, rv)
		}
	}

	return added, removed
}

// AuthorizedResource is the outcome of a successful AuthorizeResource call.
type AuthorizedResource struct {
	Resource     domain.ResourceView
	MembershipID uuid.UUID
	PolicyID     uuid.UUID
	ExpiresAt    int64 // unix seconds
}

// AuthorizeResource validates a client's request to connect to resourceID
// against the cache's connectable set and current policies.
func (c *Cache) AuthorizeResource(ctx domain.ClientContext, resourceID uuid.UUID) (*AuthorizedResource, error) {
	rv, ok := c.connectable[resourceID]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, nil)
	}

	var candidates []domain.Policy
	for policyID, entry := range c.Policies {
		if entry.ResourceID != resourceID || !entry.Active {
			continue
		}
		if _, member := c.Memberships[entry.ActorGroupID]; !member {
			continue
		}
		candidates = append(candidates, domain.Policy{
			ID:           policyID,
			ActorGroupID: entry.ActorGroupID,
			ResourceID:   entry.ResourceID,
			Conditions:   entry.Conditions,
		})
	}

	best, result := condition.LongestConforming(candidates, ctx, c.Subject.ExpiresAt)
	if best == nil {
		return nil, coreerr.NewForbidden(conditionPropertyStrings(result.Violated))
	}

	membershipID, ok := c.Memberships[best.ActorGroupID]
	if !ok {
		return nil, coreerr.New(coreerr.NotFound, nil)
	}

	return &AuthorizedResource{
		Resource:     rv,
		MembershipID: membershipID,
		PolicyID:     best.ID,
		ExpiresAt:    result.ExpiresAt.Unix(),
	}, nil
}

func conditionPropertyStrings(props []domain.ConditionProperty) []string {
	out := make([]string, len(props))
	for i, p := range props {
		out[i] = string(p)
	}
	return out
}
