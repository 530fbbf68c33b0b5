// Package clientcache implements the per-client materialized view (C5): the
// set of policies, resources, and memberships reachable by one connected
// client, and the connectable-resource set recomputed from them.
//
// A Cache is owned exclusively by the client channel session that created
// it — no field is ever touched from another goroutine, so like its
// internal/gatewaycache sibling this package carries no mutex.
package clientcache

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// PolicyEntry is the trimmed projection of a Policy the cache keeps.
type PolicyEntry struct {
	ResourceID   uuid.UUID
	ActorGroupID uuid.UUID
	Conditions   []domain.Condition
	Active       bool
}

// Cache is the per-client materialized view described in component C5.
type Cache struct {
	ClientID    uuid.UUID
	Subject     domain.Subject
	LastVersion string

	Policies    map[uuid.UUID]PolicyEntry
	Resources   map[uuid.UUID]domain.ResourceView
	Memberships map[uuid.UUID]uuid.UUID // actor_group_id -> membership identifier (group id, since the owning actor is fixed)

	connectable map[uuid.UUID]domain.ResourceView
}

// hydrateStore is the read-side dependency Hydrate loads from. Satisfied by
// a small facade over internal/repository's policy/resource/group repos.
type hydrateStore interface {
	ListActivePoliciesForGroups(ctx context.Context, groupIDs []uuid.UUID) ([]domain.Policy, error)
	ListResourcesByIDs(ctx context.Context, resourceIDs []uuid.UUID) ([]domain.Resource, error)
	ListGatewayGroupIDsByResource(ctx context.Context, resourceIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)
	ListMembershipsForActor(ctx context.Context, actorID uuid.UUID) ([]domain.Membership, error)
}

// Hydrate loads every policy/resource reachable via the client's current
// memberships and returns a freshly populated Cache with an empty
// connectable set — the caller must follow with RecomputeConnectable.
func Hydrate(ctx context.Context, store hydrateStore, clientID uuid.UUID, subject domain.Subject, lastVersion string) (*Cache, error) {
	memberships, err := store.ListMembershipsForActor(ctx, subject.ActorID)
	if err != nil {
		return nil, fmt.Errorf("list memberships for actor %s: %w", subject.ActorID, err)
	}

	groupIDs := make([]uuid.UUID, 0, len(memberships))
	membershipByGroup := make(map[uuid.UUID]uuid.UUID, len(memberships))
	for _, m := range memberships {
		groupIDs = append(groupIDs, m.GroupID)
		membershipByGroup[m.GroupID] = m.GroupID
	}

	policies, err := store.ListActivePoliciesForGroups(ctx, groupIDs)
	if err != nil {
		return nil, fmt.Errorf("list policies for groups: %w", err)
	}

	resourceIDSet := make(map[uuid.UUID]struct{}, len(policies))
	policyEntries := make(map[uuid.UUID]PolicyEntry, len(policies))
	for _, p := range policies {
		policyEntries[p.ID] = PolicyEntry{
			ResourceID:   p.ResourceID,
			ActorGroupID: p.ActorGroupID,
			Conditions:   p.Conditions,
			Active:       p.Active(),
		}
		resourceIDSet[p.ResourceID] = struct{}{}
	}

	resourceIDs := make([]uuid.UUID, 0, len(resourceIDSet))
	for id := range resourceIDSet {
		resourceIDs = append(resourceIDs, id)
	}

	resources, err := store.ListResourcesByIDs(ctx, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	groupsByResource, err := store.ListGatewayGroupIDsByResource(ctx, resourceIDs)
	if err != nil {
		return nil, fmt.Errorf("list gateway groups by resource: %w", err)
	}

	resourceViews := make(map[uuid.UUID]domain.ResourceView, len(resources))
	for _, r := range resources {
		if r.Deleted() {
			continue
		}
		resourceViews[r.ID] = TrimForVersion(domain.ResourceView{
			ID:                 r.ID,
			Name:               r.Name,
			Address:            r.Address,
			AddressDescription: r.AddressDescription,
			Type:               r.Type,
			IPStack:            r.IPStack,
			Filters:            r.Filters,
			GatewayGroups:      groupsByResource[r.ID],
		}, lastVersion)
	}

	return &Cache{
		ClientID:    clientID,
		Subject:     subject,
		LastVersion: lastVersion,
		Policies:    policyEntries,
		Resources:   resourceViews,
		Memberships: membershipByGroup,
		connectable: make(map[uuid.UUID]domain.ResourceView),
	}, nil
}

// Connectable returns the current connectable-resource set ordered by
// resource id for deterministic diffing and display.
func (c *Cache) Connectable() []domain.ResourceView {
	out := make([]domain.ResourceView, 0, len(c.connectable))
	for _, rv := range c.connectable {
		out = append(out, rv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}
