// Package client implements the client channel session (C8): the
// persistent bidirectional connection between the control plane and one
// end-user Client device.
//
// Grounded on the teacher's internal/agent.Manager/Connection
// (sendCh/done, ping ticker, read/write deadlines), generalized from its
// single WSMessage{type,id,payload} envelope to the event catalog in §6,
// and — like internal/channel/gateway — adapted to dispatch inbound
// messages through one queue drained by one goroutine per session rather than the teacher's
// goroutine-per-message, to honor the per-session ordering guarantee (§5).
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/boundarymesh/controlplane/internal/channel"
	"github.com/boundarymesh/controlplane/internal/channel/gateway"
	"github.com/boundarymesh/controlplane/internal/changes"
	"github.com/boundarymesh/controlplane/internal/clientcache"
	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/domain"
	"github.com/boundarymesh/controlplane/internal/presence"
	"github.com/boundarymesh/controlplane/internal/ref"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

type op func(*Session)

// pubsubClient is the narrow Redis dependency presence.Subscribe needs;
// satisfied directly by *db.Redis.
type pubsubClient interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// GatewaySelector resolves, for a resource's gateway groups, the currently
// online gateway to route a flow through (closest by geo, ties random).
type GatewaySelector interface {
	SelectGateway(ctx context.Context, gatewayGroupIDs []uuid.UUID, origin presence.GeoPoint) (gatewayID uuid.UUID, ok bool)
}

// GeoLookup resolves the geographic point a presence entry (relay, or this
// session's own remote address) should be scored from.
type GeoLookup func(presence.Entry) presence.GeoPoint

// RegionLookup resolves a remote IP's ISO region code, populating
// domain.ClientContext.RemoteRegion for C4's remote_ip_location_region
// condition.
type RegionLookup func(remoteIP string) string

// Session is one client's channel connection.
type Session struct {
	sessCtx  channel.SessionContext
	ClientID uuid.UUID
	origin   presence.GeoPoint

	ws *websocket.Conn

	cache      *clientcache.Cache
	presence   *presence.Tracker
	redis      pubsubClient
	router     *changes.Router
	gatewayHub *gateway.Hub
	gatewaySel GatewaySelector
	signer     *ref.Signer
	geo        GeoLookup
	region     RegionLookup

	accountSlug   string
	accountConfig domain.AccountConfig

	relayDebounceMs time.Duration
	cachedRelayIDs  map[uuid.UUID]struct{}
	debounceRef     string
	debounceTimer   *time.Timer

	accountSub *changes.Subscription
	relaySub   *presence.Subscription

	sendCh chan []byte
	opsCh  chan op
	done   chan struct{}
	once   sync.Once

	onClose func(*Session)
}

// newSession constructs a Session around an already-hydrated cache; Run
// performs the rest of the join sequence (presence, subscriptions, init).
func newSession(
	sessCtx channel.SessionContext,
	clientID uuid.UUID,
	ws *websocket.Conn,
	cache *clientcache.Cache,
	presenceTracker *presence.Tracker,
	redisClient pubsubClient,
	router *changes.Router,
	gatewayHub *gateway.Hub,
	gatewaySel GatewaySelector,
	signer *ref.Signer,
	geo GeoLookup,
	region RegionLookup,
	origin presence.GeoPoint,
	accountSlug string,
	accountConfig domain.AccountConfig,
	relayDebounceMs time.Duration,
	onClose func(*Session),
) *Session {
	return &Session{
		sessCtx:         sessCtx,
		ClientID:        clientID,
		origin:          origin,
		ws:              ws,
		cache:           cache,
		presence:        presenceTracker,
		redis:           redisClient,
		router:          router,
		gatewayHub:      gatewayHub,
		gatewaySel:      gatewaySel,
		signer:          signer,
		geo:             geo,
		region:          region,
		accountSlug:     accountSlug,
		accountConfig:   accountConfig,
		relayDebounceMs: relayDebounceMs,
		cachedRelayIDs:  make(map[uuid.UUID]struct{}),
		sendCh:          make(chan []byte, sendBuffer),
		opsCh:           make(chan op, sendBuffer),
		done:            make(chan struct{}),
		onClose:         onClose,
	}
}

// Run executes the join sequence (§4.8 step 1-4) and then the read/write
// pumps until the socket closes or runCtx is cancelled.
func (s *Session) Run(runCtx context.Context, accountID uuid.UUID) {
	s.accountSub = s.router.Subscribe(accountID)
	s.relaySub = presence.Subscribe(runCtx, s.redis, presence.TopicGlobalRelays)

	defer s.Close()
	go s.writePump()
	go s.changeLoop()
	go s.relayPresenceLoop()

	s.join(runCtx)
	go s.drainOps()

	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-runCtx.Done():
			return
		case <-s.done:
			return
		default:
		}

		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.sessCtx.Logger.Warn().Err(err).Str("client_id", s.ClientID.String()).Msg("client channel read error")
			}
			return
		}

		var raw channel.RawEnvelope
		if err := json.Unmarshal(data, &raw); err != nil {
			s.sendError("", "invalid_message", "could not parse envelope")
			continue
		}
		s.Do(func(sess *Session) { sess.handleInbound(runCtx, raw) })
	}
}

// drainOps runs queued ops (inbound messages, change events, timer callbacks
// and flow outcomes) one at a time on the session's owning goroutine until
// the session closes.
func (s *Session) drainOps() {
	for {
		select {
		case f := <-s.opsCh:
			f(s)
		case <-s.done:
			return
		}
	}
}

// Do submits fn to the session's owning goroutine. Safe from any goroutine.
func (s *Session) Do(fn func(*Session)) {
	select {
	case s.opsCh <- fn:
	case <-s.done:
	}
}

// clientContext builds the domain.ClientContext condition evaluation runs
// against, resolving the remote region lazily rather than caching it, since
// the underlying MaxMind lookup is cheap and the session's remote address
// never changes mid-connection.
func (s *Session) clientContext() domain.ClientContext {
	ctx := domain.ClientContext{RemoteIP: s.sessCtx.RemoteIP, Now: time.Now().UTC()}
	if s.region != nil {
		ctx.RemoteRegion = s.region(s.sessCtx.RemoteIP)
	}
	return ctx
}

func (s *Session) join(ctx context.Context) {
	_ = s.presence.Connect(ctx, presence.TopicClients, s.ClientID, s.sessCtx.SessionID,
		map[string]string{"remote_ip": s.sessCtx.RemoteIP})

	online, _ := s.presence.AllConnected(ctx, presence.TopicGlobalRelays, nil)
	relays := pickRelays(s.origin, online, s.geo)
	s.cachedRelayIDs = relayIDs(online)

	evalCtx := s.clientContext()
	s.cache.RecomputeConnectable(evalCtx, clientcache.RecomputeOptions{})

	s.send(channel.Envelope{Event: eventInit, Payload: InitPayload{
		Interface:   "tun0",
		Resources:   s.cache.Connectable(),
		Relays:      relays,
		AccountSlug: s.accountSlug,
		Config:      s.accountConfig,
	}})
}

func (s *Session) changeLoop() {
	for {
		select {
		case <-s.done:
			return
		case c, ok := <-s.accountSub.C():
			if !ok {
				return
			}
			change := c
			s.Do(func(sess *Session) { sess.handleChange(change) })
		}
	}
}

// relayPresenceLoop implements the debounce algorithm from §4.8: it
// schedules a single-shot check after relay_presence_debounce_ms whenever a
// presence diff arrives, discarding stale timers by ref.
func (s *Session) relayPresenceLoop() {
	for {
		select {
		case <-s.done:
			return
		case _, ok := <-s.relaySub.C():
			if !ok {
				return
			}
			myRef := uuid.NewString()
			s.Do(func(sess *Session) {
				sess.debounceRef = myRef
				if sess.debounceTimer != nil {
					sess.debounceTimer.Stop()
				}
				sess.debounceTimer = time.AfterFunc(sess.relayDebounceMs, func() {
					s.Do(func(sess *Session) { sess.checkRelayPresence(myRef) })
				})
			})
		}
	}
}

func (s *Session) checkRelayPresence(firedRef string) {
	if firedRef != s.debounceRef {
		return // stale timer, a newer diff already rescheduled
	}
	online, _ := s.presence.AllConnected(context.Background(), presence.TopicGlobalRelays, nil)
	onlineIDs := relayIDs(online)

	var disconnected []uuid.UUID
	for id := range s.cachedRelayIDs {
		if _, stillOnline := onlineIDs[id]; !stillOnline {
			disconnected = append(disconnected, id)
		}
	}

	needsReselect := len(disconnected) > 0 || (len(s.cachedRelayIDs) < 2 && len(online) > 0)
	if !needsReselect {
		return
	}

	relays := pickRelays(s.origin, online, s.geo)
	s.cachedRelayIDs = onlineIDs
	s.send(channel.Envelope{Event: eventRelaysPresence, Payload: RelaysPresencePayload{
		DisconnectedIDs: disconnected,
		Connected:       relays,
	}})
}

func (s *Session) handleInbound(ctx context.Context, raw channel.RawEnvelope) {
	switch raw.Event {
	case eventConnectToResource:
		var p ConnectToResourcePayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			s.sendError(raw.Ref, "invalid_payload", err.Error())
			return
		}
		s.handleConnectToResource(ctx, p)

	case eventBroadcastICECandidates:
		var p BroadcastICECandidatesPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			s.sendError(raw.Ref, "invalid_payload", err.Error())
			return
		}
		s.router.Publish(s.sessCtx.AccountID, changes.Change{Table: "ice_candidates", Op: domain.ChangeOpInsert,
			New: map[string]any{"candidates": p.Candidates, "gateway_ids": p.GatewayIDs, "client_ids": p.ClientIDs}})

	default:
		s.sendError(raw.Ref, "unknown_event", raw.Event)
	}
}

func (s *Session) handleConnectToResource(ctx context.Context, p ConnectToResourcePayload) {
	evalCtx := s.clientContext()

	authorized, err := s.cache.AuthorizeResource(evalCtx, p.ResourceID)
	if err != nil {
		code, violated := coreerr.NotFound, []string(nil)
		if e, ok := err.(*coreerr.Error); ok {
			code, violated = e.Kind, e.Violated
		}
		s.send(channel.Envelope{Event: eventError, Payload: ErrorPayload{Code: string(code), Violated: violated}})
		return
	}

	gatewayID, ok := s.gatewaySel.SelectGateway(ctx, authorized.Resource.GatewayGroups, s.origin)
	if !ok {
		s.send(channel.Envelope{Event: eventError, Payload: ErrorPayload{Code: string(coreerr.NotFound), Message: "no online gateway"}})
		return
	}

	presharedKey := uuid.NewString()
	iceCreds := domain.ICECredentials{Username: uuid.NewString(), Password: uuid.NewString()}
	flowRef := ref.FlowRef{
		SessionID:      s.sessCtx.SessionID,
		SocketRef:      uuid.NewString(),
		ResourceID:     p.ResourceID,
		PresharedKey:   presharedKey,
		ICECredentials: iceCreds,
	}
	signed := s.signer.Sign(flowRef)

	// The gateway round trip suspends on network I/O; run it off the
	// session's own goroutine so relay-debounce timers and other clients'
	// sessions are never blocked by it, delivering the outcome back
	// through Do for sequential handling.
	go func() {
		authorizedFlow, reason, err := s.gatewayHub.AuthorizeFlow(ctx, gatewayID, signed, gateway.AuthorizeFlowPayload{
			ClientID:       s.ClientID,
			Resource:       authorized.Resource,
			Subject:        gateway.SubjectView{ActorID: s.cache.Subject.ActorID},
			ExpiresAt:      authorized.ExpiresAt,
			PresharedKey:   presharedKey,
			ICECredentials: iceCreds,
		})
		s.Do(func(sess *Session) {
			if err != nil || !authorizedFlow {
				sess.send(channel.Envelope{Event: eventError, Payload: ErrorPayload{
					Code: string(coreerr.Forbidden), Message: reason,
				}})
				return
			}
			sess.send(channel.Envelope{Event: eventFlowParams, Payload: FlowParamsPayload{
				ResourceID:     p.ResourceID,
				GatewayID:      gatewayID,
				PresharedKey:   presharedKey,
				ICECredentials: iceCreds,
				ExpiresAt:      authorized.ExpiresAt,
			}})
		})
	}()
}

// handleChange applies one routed Change to the cache and pushes the
// resulting diff, per the examples in §4.8.
func (s *Session) handleChange(c changes.Change) {
	evalCtx := s.clientContext()

	switch c.Table {
	case "policies":
		switch c.Op {
		case domain.ChangeOpInsert, domain.ChangeOpUpdate:
			s.applyPolicyUpsert(c.New, evalCtx)
		case domain.ChangeOpDelete:
			s.applyPolicyDelete(c.Old, evalCtx)
		}
	case "resources":
		s.applyResourceChange(c, evalCtx)
	case "memberships":
		if c.Op == domain.ChangeOpDelete {
			s.applyMembershipDelete(c.Old, evalCtx)
		}
	case "accounts":
		if slug, ok := c.New["slug"].(string); ok {
			s.accountSlug = slug
			s.pushInit()
		}
	}
}

func (s *Session) applyPolicyUpsert(data map[string]any, evalCtx domain.ClientContext) {
	policyID, ok := uuidField(data, "id")
	if !ok {
		return
	}
	resourceID, _ := uuidField(data, "resource_id")
	groupID, _ := uuidField(data, "actor_group_id")
	conditions, _ := conditionsField(data, "conditions")
	disabled := data["disabled_at"] != nil || data["deleted_at"] != nil

	s.cache.AddPolicy(policyID, clientcache.PolicyEntry{
		ResourceID: resourceID, ActorGroupID: groupID, Conditions: conditions, Active: !disabled,
	})
	added, removed := s.cache.RecomputeConnectable(evalCtx, clientcache.RecomputeOptions{})
	s.pushDiff(added, removed)
}

func (s *Session) applyPolicyDelete(data map[string]any, evalCtx domain.ClientContext) {
	policyID, ok := uuidField(data, "id")
	if !ok {
		return
	}
	s.cache.DeletePolicy(policyID)
	added, removed := s.cache.RecomputeConnectable(evalCtx, clientcache.RecomputeOptions{})
	s.pushDiff(added, removed)
}

func (s *Session) applyMembershipDelete(data map[string]any, evalCtx domain.ClientContext) {
	groupID, ok := uuidField(data, "group_id")
	if !ok {
		return
	}
	s.cache.DeleteMembership(groupID)
	added, removed := s.cache.RecomputeConnectable(evalCtx, clientcache.RecomputeOptions{})
	s.pushDiff(added, removed)
}

func (s *Session) applyResourceChange(c changes.Change, evalCtx domain.ClientContext) {
	data := c.New
	if data == nil {
		data = c.Old
	}
	resourceID, ok := uuidField(data, "id")
	if !ok {
		return
	}

	if c.Op == domain.ChangeOpDelete || isBreakingResourceChange(c) {
		s.cache.DeleteResource(resourceID)
		s.send(channel.Envelope{Event: eventResourceDeleted, Payload: ResourceDeletedPayload{ResourceID: resourceID}})
		return
	}

	filters, _ := filtersField(c.New, "filters")
	rv := domain.ResourceView{
		ID:                 resourceID,
		Name:               stringField(c.New, "name"),
		Address:            stringField(c.New, "address"),
		AddressDescription: stringField(c.New, "address_description"),
		Type:               domain.ResourceType(stringField(c.New, "type")),
		IPStack:            domain.IPStack(stringField(c.New, "ip_stack")),
		Filters:            filters,
	}
	s.cache.UpdateResource(resourceID, rv)
	added, removed := s.cache.RecomputeConnectable(evalCtx, clientcache.RecomputeOptions{})
	s.pushDiff(added, removed)
}

// isBreakingResourceChange reports whether address, type, or ip_stack
// changed between old and new row data, which §4.8 treats as breaking.
func isBreakingResourceChange(c changes.Change) bool {
	if c.Old == nil || c.New == nil {
		return false
	}
	for _, field := range []string{"address", "type", "ip_stack"} {
		if fmt.Sprint(c.Old[field]) != fmt.Sprint(c.New[field]) {
			return true
		}
	}
	return false
}

func (s *Session) pushDiff(added, removed []domain.ResourceView) {
	for _, rv := range removed {
		s.send(channel.Envelope{Event: eventResourceDeleted, Payload: ResourceDeletedPayload{ResourceID: rv.ID}})
	}
	for _, rv := range added {
		s.send(channel.Envelope{Event: eventResourceCreatedOrUpdated, Payload: rv})
	}
}

// pushInit re-sends the init payload, used on account slug change.
func (s *Session) pushInit() {
	s.send(channel.Envelope{Event: eventInit, Payload: InitPayload{
		Interface:   "tun0",
		Resources:   s.cache.Connectable(),
		AccountSlug: s.accountSlug,
		Config:      s.accountConfig,
	}})
}

func (s *Session) sendError(replyRef, code, message string) {
	s.send(channel.Envelope{Event: eventError, Ref: replyRef, Payload: ErrorPayload{Code: code, Message: message}})
}

func (s *Session) send(env channel.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.sessCtx.Logger.Error().Err(err).Msg("marshal client channel envelope")
		return
	}
	select {
	case s.sendCh <- data:
	default:
		s.sessCtx.Logger.Warn().Str("client_id", s.ClientID.String()).Msg("client send buffer full, dropping message")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-s.sendCh:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close tears the session down, idempotently.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.debounceTimer != nil {
			s.debounceTimer.Stop()
		}
		if s.accountSub != nil {
			s.accountSub.Cancel()
		}
		if s.relaySub != nil {
			_ = s.relaySub.Cancel()
		}
		_ = s.presence.Disconnect(context.Background(), presence.TopicClients, s.ClientID)
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func uuidField(data map[string]any, key string) (uuid.UUID, bool) {
	if data == nil {
		return uuid.Nil, false
	}
	v, ok := data[key]
	if !ok {
		return uuid.Nil, false
	}
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func conditionsField(data map[string]any, key string) ([]domain.Condition, bool) {
	if data == nil {
		return nil, false
	}
	raw, ok := data[key]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var out []domain.Condition
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return out, true
}

func filtersField(data map[string]any, key string) ([]domain.Filter, bool) {
	if data == nil {
		return nil, false
	}
	raw, ok := data[key]
	if !ok {
		return nil, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var out []domain.Filter
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	return out, true
}
