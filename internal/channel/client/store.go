package client

import (
	"context"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// policyRepo, resourceRepo, and groupRepo are the narrow slices of
// internal/repository's concrete repositories Hydrate needs; satisfied by
// *repository.PolicyRepository etc. without this package importing the
// concrete repository types directly.
type policyRepo interface {
	ListActivePoliciesForGroups(ctx context.Context, groupIDs []uuid.UUID) ([]domain.Policy, error)
}

type resourceRepo interface {
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Resource, error)
	ListGatewayGroupIDsByResource(ctx context.Context, resourceIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error)
}

type groupRepo interface {
	ListMembershipsForActor(ctx context.Context, actorID uuid.UUID) ([]domain.Membership, error)
}

// store adapts the three narrow repository slices above to the single
// hydrateStore interface internal/clientcache.Hydrate expects.
type store struct {
	policies  policyRepo
	resources resourceRepo
	groups    groupRepo
}

func newStore(policies policyRepo, resources resourceRepo, groups groupRepo) *store {
	return &store{policies: policies, resources: resources, groups: groups}
}

func (s *store) ListActivePoliciesForGroups(ctx context.Context, groupIDs []uuid.UUID) ([]domain.Policy, error) {
	return s.policies.ListActivePoliciesForGroups(ctx, groupIDs)
}

func (s *store) ListResourcesByIDs(ctx context.Context, resourceIDs []uuid.UUID) ([]domain.Resource, error) {
	return s.resources.ListByIDs(ctx, resourceIDs)
}

func (s *store) ListGatewayGroupIDsByResource(ctx context.Context, resourceIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	return s.resources.ListGatewayGroupIDsByResource(ctx, resourceIDs)
}

func (s *store) ListMembershipsForActor(ctx context.Context, actorID uuid.UUID) ([]domain.Membership, error) {
	return s.groups.ListMembershipsForActor(ctx, actorID)
}
