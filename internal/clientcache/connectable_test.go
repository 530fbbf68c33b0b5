package clientcache

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/domain"
)

func newTestCache() (*Cache, uuid.UUID, uuid.UUID, uuid.UUID) {
	groupID := uuid.New()
	resourceID := uuid.New()
	policyID := uuid.New()

	c := &Cache{
		Subject:     domain.Subject{ExpiresAt: time.Now().Add(time.Hour)},
		Policies:    map[uuid.UUID]PolicyEntry{},
		Resources:   map[uuid.UUID]domain.ResourceView{},
		Memberships: map[uuid.UUID]uuid.UUID{groupID: groupID},
		connectable: map[uuid.UUID]domain.ResourceView{},
	}
	c.Policies[policyID] = PolicyEntry{ResourceID: resourceID, ActorGroupID: groupID, Active: true}
	c.Resources[resourceID] = domain.ResourceView{ID: resourceID, Name: "db", GatewayGroups: []uuid.UUID{uuid.New()}}
	return c, groupID, resourceID, policyID
}

func TestRecomputeConnectableAddsReachableResource(t *testing.T) {
	c, _, resourceID, _ := newTestCache()

	added, removed := c.RecomputeConnectable(domain.ClientContext{Now: time.Now()}, RecomputeOptions{})
	if len(added) != 1 || added[0].ID != resourceID {
		t.Fatalf("expected resource added, got %+v", added)
	}
	if len(removed) != 0 {
		t.Fatalf("expected no removals, got %+v", removed)
	}
}

func TestRecomputeConnectableExcludesResourceWithoutGatewayGroup(t *testing.T) {
	c, _, resourceID, _ := newTestCache()
	rv := c.Resources[resourceID]
	rv.GatewayGroups = nil
	c.Resources[resourceID] = rv

	added, _ := c.RecomputeConnectable(domain.ClientContext{Now: time.Now()}, RecomputeOptions{})
	if len(added) != 0 {
		t.Fatalf("expected no connectable resources without a gateway group, got %+v", added)
	}
}

func TestRecomputeConnectableRemovesOnMembershipDelete(t *testing.T) {
	c, groupID, resourceID, _ := newTestCache()
	c.RecomputeConnectable(domain.ClientContext{Now: time.Now()}, RecomputeOptions{})

	c.DeleteMembership(groupID)
	added, removed := c.RecomputeConnectable(domain.ClientContext{Now: time.Now()}, RecomputeOptions{})
	if len(added) != 0 {
		t.Fatalf("expected no additions, got %+v", added)
	}
	if len(removed) != 1 || removed[0].ID != resourceID {
		t.Fatalf("expected resource removed, got %+v", removed)
	}
}

func TestAuthorizeResourceNotFoundWhenNotConnectable(t *testing.T) {
	c, _, resourceID, _ := newTestCache()
	if _, err := c.AuthorizeResource(domain.ClientContext{}, resourceID); !coreerr.Is(err, coreerr.NotFound) {
		t.Fatalf("expected not_found before recompute, got %v", err)
	}
}

func TestAuthorizeResourceSucceedsAfterRecompute(t *testing.T) {
	c, _, resourceID, policyID := newTestCache()
	c.RecomputeConnectable(domain.ClientContext{Now: time.Now()}, RecomputeOptions{})

	auth, err := c.AuthorizeResource(domain.ClientContext{Now: time.Now()}, resourceID)
	if err != nil {
		t.Fatalf("AuthorizeResource: %v", err)
	}
	if auth.PolicyID != policyID {
		t.Fatalf("expected policy %s, got %s", policyID, auth.PolicyID)
	}
}

func TestAuthorizeResourceForbiddenWhenConditionFails(t *testing.T) {
	c, _, resourceID, policyID := newTestCache()
	entry := c.Policies[policyID]
	entry.Conditions = []domain.Condition{{Property: domain.PropertyClientVerified, Operator: domain.OpIs, Values: []string{"true"}}}
	c.Policies[policyID] = entry

	c.RecomputeConnectable(domain.ClientContext{Now: time.Now(), ClientVerified: true}, RecomputeOptions{})

	_, err := c.AuthorizeResource(domain.ClientContext{Now: time.Now(), ClientVerified: false}, resourceID)
	if !coreerr.Is(err, coreerr.Forbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}
