package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/channel"
	"github.com/boundarymesh/controlplane/internal/channel/gateway"
	"github.com/boundarymesh/controlplane/internal/changes"
	"github.com/boundarymesh/controlplane/internal/clientcache"
	"github.com/boundarymesh/controlplane/internal/domain"
	"github.com/boundarymesh/controlplane/internal/presence"
	"github.com/boundarymesh/controlplane/internal/ref"
)

// Authenticator resolves an inbound upgrade request to a client identity
// and the account/subject context Hydrate needs.
type Authenticator interface {
	AuthenticateClient(r *http.Request) (clientID uuid.UUID, subject domain.Subject, lastVersion string, err error)
}

// AccountResolver loads the account slug/config/id a client belongs to,
// read from the same replica-backed store the repositories use.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, accountID uuid.UUID) (slug string, cfg domain.AccountConfig, err error)
}

// Hub tracks every currently connected client session, mirroring
// internal/channel/gateway.Hub.
type Hub struct {
	logger     zerolog.Logger
	router     *changes.Router
	presence   *presence.Tracker
	redis      pubsubClient
	gatewayHub *gateway.Hub
	gatewaySel GatewaySelector
	signer     *ref.Signer
	geo        GeoLookup
	region     RegionLookup
	accounts   AccountResolver
	store      *store

	relayDebounceMs time.Duration
	upgrader        websocket.Upgrader

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// Deps bundles Hub's wiring dependencies so NewHub's signature stays
// readable as the component grows.
type Deps struct {
	Logger          zerolog.Logger
	Router          *changes.Router
	Presence        *presence.Tracker
	Redis           pubsubClient
	GatewayHub      *gateway.Hub
	GatewaySelector GatewaySelector
	Signer          *ref.Signer
	Geo             GeoLookup
	Region          RegionLookup
	Accounts        AccountResolver
	Policies        policyRepo
	Resources       resourceRepo
	Groups          groupRepo
	RelayDebounceMs time.Duration
}

// NewHub creates an empty Hub.
func NewHub(d Deps) *Hub {
	return &Hub{
		logger:          d.Logger,
		router:          d.Router,
		presence:        d.Presence,
		redis:           d.Redis,
		gatewayHub:      d.GatewayHub,
		gatewaySel:      d.GatewaySelector,
		signer:          d.Signer,
		geo:             d.Geo,
		region:          d.Region,
		accounts:        d.Accounts,
		store:           newStore(d.Policies, d.Resources, d.Groups),
		relayDebounceMs: d.RelayDebounceMs,
		sessions:        make(map[uuid.UUID]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Upgrade handles the client channel's HTTP upgrade endpoint: authenticate,
// hydrate the per-client cache (C5), register presence, subscribe to the
// account's change topic, and push init (§4.8 steps 1-4).
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, auth Authenticator, originIP func(*http.Request) presence.GeoPoint) {
	clientID, subject, lastVersion, err := auth.AuthenticateClient(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	cache, err := clientcache.Hydrate(ctx, h.store, clientID, subject, lastVersion)
	if err != nil {
		h.logger.Error().Err(err).Str("client_id", clientID.String()).Msg("hydrate client cache")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	slug, cfg, err := h.accounts.ResolveAccount(ctx, subject.AccountID)
	if err != nil {
		h.logger.Error().Err(err).Str("account_id", subject.AccountID.String()).Msg("resolve account")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("client websocket upgrade failed")
		return
	}

	sessCtx := channel.SessionContext{
		SessionID: uuid.NewString(),
		AccountID: subject.AccountID,
		RemoteIP:  channel.RemoteIP(r),
		Logger:    h.logger.With().Str("client_id", clientID.String()).Logger(),
	}

	var origin presence.GeoPoint
	if originIP != nil {
		origin = originIP(r)
	}

	session := newSession(sessCtx, clientID, ws, cache, h.presence, h.redis, h.router, h.gatewayHub, h.gatewaySel,
		h.signer, h.geo, h.region, origin, slug, cfg, h.relayDebounceMs, h.remove)

	h.mu.Lock()
	h.sessions[clientID] = session
	h.mu.Unlock()

	go session.Run(context.Background(), subject.AccountID)
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	if h.sessions[s.ClientID] == s {
		delete(h.sessions, s.ClientID)
	}
	h.mu.Unlock()
}

// Get returns the live session for a client, if connected.
func (h *Hub) Get(clientID uuid.UUID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[clientID]
	return s, ok
}

// RejectAccess is invoked by the gateway side or directory sync path when a
// client's access to resourceID must be torn down without a full resource
// delete (§4.9 access_authorization_expiry_updated / reject_access mirror).
func (h *Hub) RejectAccess(clientID, resourceID uuid.UUID) {
	s, ok := h.Get(clientID)
	if !ok {
		return
	}
	s.Do(func(sess *Session) {
		sess.cache.DeleteResource(resourceID)
		sess.send(channel.Envelope{Event: eventResourceDeleted, Payload: ResourceDeletedPayload{ResourceID: resourceID}})
	})
}
