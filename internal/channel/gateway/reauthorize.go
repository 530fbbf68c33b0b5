package gateway

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// expiresAtRepo is the narrow persistence dependency behind lookupAdapter,
// satisfied by *repository.PolicyRepository.
type expiresAtRepo interface {
	ExpiresAtForPair(ctx context.Context, clientID, resourceID, excludePolicyAuthorizationID uuid.UUID, now time.Time) (time.Time, bool)
}

// lookupAdapter binds a context.Context to expiresAtRepo so it satisfies
// internal/gatewaycache.OtherAuthorizationsLookup, whose method signature
// predates a context parameter — deletion handling here is always a single
// synchronous call made from within one Do(fn) callback, so binding the
// request's context for that one call is safe.
type lookupAdapter struct {
	ctx  context.Context
	repo expiresAtRepo
}

// NewLookup adapts repo to gatewaycache.OtherAuthorizationsLookup for one
// call, scoped to ctx.
func NewLookup(ctx context.Context, repo expiresAtRepo) lookupAdapter {
	return lookupAdapter{ctx: ctx, repo: repo}
}

func (l lookupAdapter) ExpiresAtForPair(clientID, resourceID, excludePolicyAuthorizationID uuid.UUID, now time.Time) (time.Time, bool) {
	return l.repo.ExpiresAtForPair(l.ctx, clientID, resourceID, excludePolicyAuthorizationID, now)
}
