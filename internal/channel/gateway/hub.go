package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/boundarymesh/controlplane/internal/changes"
	"github.com/boundarymesh/controlplane/internal/channel"
	"github.com/boundarymesh/controlplane/internal/domain"
	"github.com/boundarymesh/controlplane/internal/presence"
	"github.com/boundarymesh/controlplane/internal/ref"
)

// gatewayLookup is the narrow dependency Upgrade needs to attach a
// gateway's group and last-known coordinates to its presence entry;
// satisfied by *repository.GatewayRepository.
type gatewayLookup interface {
	GetGateway(ctx context.Context, id uuid.UUID) (*domain.Gateway, error)
}

// Hub tracks every currently connected gateway session, mirroring the
// teacher's agent.Manager registry but keyed by gateway id rather than
// connection id (one session per online gateway).
type Hub struct {
	logger   zerolog.Logger
	router   *changes.Router
	presence *presence.Tracker
	policies expiresAtRepo
	gateways gatewayLookup
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewHub creates an empty Hub. policies may be nil if policy-authorization
// deletion narrowing is not wired (the gateway will simply not receive
// access_authorization_expiry_updated pushes). gateways supplies the
// group/coordinate metadata attached to each gateway's presence entry,
// which gwselect.Selector filters and scores on.
func NewHub(logger zerolog.Logger, router *changes.Router, presenceTracker *presence.Tracker, policies expiresAtRepo, gateways gatewayLookup) *Hub {
	return &Hub{
		logger:   logger,
		router:   router,
		presence: presenceTracker,
		policies: policies,
		gateways: gateways,
		sessions: make(map[uuid.UUID]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Authenticator resolves an inbound upgrade request to a gateway identity.
type Authenticator interface {
	AuthenticateGateway(r *http.Request) (gatewayID, accountID uuid.UUID, err error)
}

// Upgrade handles the gateway channel's HTTP upgrade endpoint: join (§4.9),
// presence registration, account change-topic subscription.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, auth Authenticator, signer *ref.Signer) {
	gatewayID, accountID, err := auth.AuthenticateGateway(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("gateway websocket upgrade failed")
		return
	}

	sessCtx := channel.SessionContext{
		SessionID: uuid.NewString(),
		AccountID: accountID,
		RemoteIP:  channel.RemoteIP(r),
		Logger:    h.logger.With().Str("gateway_id", gatewayID.String()).Logger(),
	}

	session := New(sessCtx, gatewayID, ws, signer, h.presence, h.policies, h.remove)

	h.mu.Lock()
	h.sessions[gatewayID] = session
	h.mu.Unlock()

	ctx := context.Background()
	_ = h.presence.Connect(ctx, presence.TopicGateways, gatewayID, sessCtx.SessionID, h.presenceMetadata(ctx, gatewayID))

	sub := h.router.Subscribe(accountID)
	go session.Run(ctx, sub)
}

// presenceMetadata looks up a gateway's group and last-known coordinates so
// gwselect.Selector can filter and geo-score its presence entry without a
// second database round trip per selection. A lookup failure degrades to
// empty metadata rather than failing the connect.
func (h *Hub) presenceMetadata(ctx context.Context, gatewayID uuid.UUID) map[string]string {
	if h.gateways == nil {
		return nil
	}
	gw, err := h.gateways.GetGateway(ctx, gatewayID)
	if err != nil || gw == nil {
		return nil
	}
	meta := map[string]string{"gateway_group_id": gw.GatewayGroupID.String()}
	if gw.Latitude != nil && gw.Longitude != nil {
		meta["latitude"] = strconv.FormatFloat(*gw.Latitude, 'f', -1, 64)
		meta["longitude"] = strconv.FormatFloat(*gw.Longitude, 'f', -1, 64)
	}
	return meta
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	if h.sessions[s.GatewayID] == s {
		delete(h.sessions, s.GatewayID)
	}
	h.mu.Unlock()
	_ = h.presence.Disconnect(context.Background(), presence.TopicGateways, s.GatewayID)
}

// Get returns the live session for a gateway, if connected.
func (h *Hub) Get(gatewayID uuid.UUID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[gatewayID]
	return s, ok
}

// AuthorizeFlow routes a flow-authorization request to the named gateway's
// live session, per §4.8 step 4-5.
func (h *Hub) AuthorizeFlow(ctx context.Context, gatewayID uuid.UUID, signedRef []byte, payload AuthorizeFlowPayload) (authorized bool, reason string, err error) {
	session, ok := h.Get(gatewayID)
	if !ok {
		return false, "", fmt.Errorf("gateway %s not connected", gatewayID)
	}
	return session.RequestAuthorizeFlow(ctx, signedRef, payload)
}
