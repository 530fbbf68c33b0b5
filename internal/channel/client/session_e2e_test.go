package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/boundarymesh/controlplane/internal/channel"
	"github.com/boundarymesh/controlplane/internal/changes"
	"github.com/boundarymesh/controlplane/internal/db"
	"github.com/boundarymesh/controlplane/internal/domain"
	"github.com/boundarymesh/controlplane/internal/presence"
)

type fakeAuthenticator struct {
	clientID uuid.UUID
	subject  domain.Subject
}

func (f fakeAuthenticator) AuthenticateClient(r *http.Request) (uuid.UUID, domain.Subject, string, error) {
	return f.clientID, f.subject, "", nil
}

type fakeAccounts struct {
	slug string
	cfg  domain.AccountConfig
}

func (f fakeAccounts) ResolveAccount(ctx context.Context, accountID uuid.UUID) (string, domain.AccountConfig, error) {
	return f.slug, f.cfg, nil
}

type fakePolicies struct {
	policies []domain.Policy
}

func (f fakePolicies) ListActivePoliciesForGroups(ctx context.Context, groupIDs []uuid.UUID) ([]domain.Policy, error) {
	return f.policies, nil
}

type fakeResources struct {
	resources []domain.Resource
	groups    map[uuid.UUID][]uuid.UUID
}

func (f fakeResources) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Resource, error) {
	return f.resources, nil
}

func (f fakeResources) ListGatewayGroupIDsByResource(ctx context.Context, resourceIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	return f.groups, nil
}

type fakeGroups struct {
	memberships []domain.Membership
}

func (f fakeGroups) ListMembershipsForActor(ctx context.Context, actorID uuid.UUID) ([]domain.Membership, error) {
	return f.memberships, nil
}

// newTestRedis wires a *db.Redis over a throwaway miniredis instance, the
// same fake-backend approach the teacher pack uses for its Redis-dependent
// processing tests (see alicebob/miniredis usage across the gateway
// processing test suite).
func newTestRedis(t *testing.T) *db.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return &db.Redis{Client: client}
}

// TestClientChannelConnectHappyPath exercises the client channel's join
// sequence end to end over a real WebSocket upgrade (spec §8 scenario 1):
// a client connects, is authenticated, hydrates its cache, registers
// presence, and receives the init push describing its connectable
// resources.
func TestClientChannelConnectHappyPath(t *testing.T) {
	accountID := uuid.New()
	actorID := uuid.New()
	clientID := uuid.New()
	groupID := uuid.New()
	resourceID := uuid.New()
	gatewayGroupID := uuid.New()
	policyID := uuid.New()

	testRedis := newTestRedis(t)
	presenceTracker := presence.New(testRedis, "test-node")

	hub := NewHub(Deps{
		Router:   changes.NewRouter(),
		Presence: presenceTracker,
		Redis:    testRedis,
		Accounts: fakeAccounts{slug: "acme", cfg: domain.AccountConfig{Notifications: true}},
		Policies: fakePolicies{policies: []domain.Policy{{
			ID: policyID, AccountID: accountID, ActorGroupID: groupID, ResourceID: resourceID,
		}}},
		Resources: fakeResources{
			resources: []domain.Resource{{
				ID: resourceID, AccountID: accountID, Name: "db", Type: domain.ResourceTypeDNS, Address: "db.internal.example.com",
			}},
			groups: map[uuid.UUID][]uuid.UUID{resourceID: {gatewayGroupID}},
		},
		Groups: fakeGroups{memberships: []domain.Membership{{ActorID: actorID, GroupID: groupID, AccountID: accountID}}},
		Geo:    func(presence.Entry) presence.GeoPoint { return presence.GeoPoint{} },
		Region: func(string) string { return "" },
	})

	auth := fakeAuthenticator{
		clientID: clientID,
		subject:  domain.Subject{ActorID: actorID, AccountID: accountID, ExpiresAt: time.Now().Add(time.Hour)},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Upgrade(w, r, auth, nil)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/channel/client"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial client channel: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read init message: %v", err)
	}

	var env channel.RawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Event != eventInit {
		t.Fatalf("expected %q event, got %q", eventInit, env.Event)
	}

	var payload InitPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("unmarshal init payload: %v", err)
	}
	if payload.AccountSlug != "acme" {
		t.Fatalf("expected account slug acme, got %q", payload.AccountSlug)
	}
	if len(payload.Resources) != 1 || payload.Resources[0].ID != resourceID {
		t.Fatalf("expected resource %s in connectable set, got %+v", resourceID, payload.Resources)
	}

	if _, ok := hub.Get(clientID); !ok {
		t.Fatal("expected client session to be registered in hub")
	}

	entries, err := presenceTracker.AllConnected(context.Background(), presence.TopicClients, nil)
	if err != nil {
		t.Fatalf("query presence: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != clientID {
		t.Fatalf("expected client %s to be present, got %+v", clientID, entries)
	}
}
