package gatewaycache

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/coreerr"
)

func TestPutAndGet(t *testing.T) {
	c := New(uuid.New())
	clientID, resourceID, paID := uuid.New(), uuid.New(), uuid.New()
	expires := time.Now().Add(time.Hour)

	c.Put(clientID, resourceID, paID, expires)

	auth, ok := c.Get(clientID, resourceID)
	if !ok {
		t.Fatal("expected authorization present")
	}
	if auth.PolicyAuthorizationID != paID || !auth.ExpiresAt.Equal(expires) {
		t.Fatalf("unexpected authorization: %+v", auth)
	}
}

func TestAllPairsForResource(t *testing.T) {
	c := New(uuid.New())
	resourceID := uuid.New()
	c.Put(uuid.New(), resourceID, uuid.New(), time.Now().Add(time.Hour))
	c.Put(uuid.New(), resourceID, uuid.New(), time.Now().Add(time.Hour))
	c.Put(uuid.New(), uuid.New(), uuid.New(), time.Now().Add(time.Hour))

	pairs := c.AllPairsForResource(resourceID)
	if len(pairs) != 2 {
		t.Fatalf("expected 2 pairs for resource, got %d", len(pairs))
	}
}

func TestPrune(t *testing.T) {
	c := New(uuid.New())
	clientID, resourceID := uuid.New(), uuid.New()
	c.Put(clientID, resourceID, uuid.New(), time.Now().Add(-time.Minute))

	removed := c.Prune(time.Now())
	if len(removed) != 1 {
		t.Fatalf("expected 1 pruned, got %d", len(removed))
	}
	if _, ok := c.Get(clientID, resourceID); ok {
		t.Fatal("expected authorization removed")
	}
}

type fakeLookup struct {
	expiresAt time.Time
	found     bool
}

func (f fakeLookup) ExpiresAtForPair(clientID, resourceID, excludePolicyAuthorizationID uuid.UUID, now time.Time) (time.Time, bool) {
	return f.expiresAt, f.found
}

func TestReauthorizeDeletedPolicyAuthorizationTightens(t *testing.T) {
	c := New(uuid.New())
	clientID, resourceID, paID := uuid.New(), uuid.New(), uuid.New()
	c.Put(clientID, resourceID, paID, time.Now().Add(time.Hour))

	newExpiry := time.Now().Add(10 * time.Minute)
	got, err := c.ReauthorizeDeletedPolicyAuthorization(paID, fakeLookup{expiresAt: newExpiry, found: true}, time.Now())
	if err != nil {
		t.Fatalf("ReauthorizeDeletedPolicyAuthorization: %v", err)
	}
	if !got.Equal(newExpiry) {
		t.Fatalf("expected tightened expiry %v, got %v", newExpiry, got)
	}

	auth, ok := c.Get(clientID, resourceID)
	if !ok || !auth.ExpiresAt.Equal(newExpiry) {
		t.Fatalf("expected cache reflecting tightened expiry, got %+v ok=%v", auth, ok)
	}
}

func TestReauthorizeDeletedPolicyAuthorizationUnauthorized(t *testing.T) {
	c := New(uuid.New())
	clientID, resourceID, paID := uuid.New(), uuid.New(), uuid.New()
	c.Put(clientID, resourceID, paID, time.Now().Add(time.Hour))

	_, err := c.ReauthorizeDeletedPolicyAuthorization(paID, fakeLookup{found: false}, time.Now())
	if !coreerr.Is(err, coreerr.Unauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, ok := c.Get(clientID, resourceID); ok {
		t.Fatal("expected pair removed after failed reauthorization")
	}
}
