// Package gateway implements the gateway channel session (C9): the
// persistent bidirectional connection between the control plane and one
// Gateway, mirroring internal/channel/client with the inverse role.
//
// Grounded on the teacher's internal/agent.Manager/Connection
// (sendCh/done, ping ticker, read/write deadlines), generalized from its
// single WSMessage{type,id,payload} envelope to the event catalog in §6 and
// adapted so message handling runs strictly sequentially on one goroutine
// per session (the teacher dispatches each inbound message on its own
// goroutine, which would violate the ordering guarantee in §5).
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/boundarymesh/controlplane/internal/changes"
	"github.com/boundarymesh/controlplane/internal/channel"
	"github.com/boundarymesh/controlplane/internal/coreerr"
	"github.com/boundarymesh/controlplane/internal/gatewaycache"
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

// op is a closure the session's run loop executes against its
// thread-confined cache, submitted either by the read pump (wire messages)
// or by another session via Do (server-initiated pushes and authorize-flow
// requests). This is the mailbox translation of §9's supervision-tree note:
// one owned task, one inbound queue, no shared-memory cache access.
type op func(*Session)

// Session is one gateway's channel connection.
type Session struct {
	ctx       channel.SessionContext
	GatewayID uuid.UUID
	ws        *websocket.Conn
	signer    *ref.Signer

	cache      *gatewaycache.Cache
	presence   *presence.Tracker
	policies   expiresAtRepo
	changesSub *changes.Subscription

	sendCh chan []byte
	opsCh  chan op
	done   chan struct{}
	once   sync.Once

	pending map[string]chan flowResult

	onClose func(*Session)
}

// New creates a session bound to an already-upgraded websocket connection.
// Run must be called to start its pumps.
func New(ctx channel.SessionContext, gatewayID uuid.UUID, ws *websocket.Conn, signer *ref.Signer, presenceTracker *presence.Tracker, policies expiresAtRepo, onClose func(*Session)) *Session {
	return &Session{
		ctx:       ctx,
		GatewayID: gatewayID,
		ws:        ws,
		signer:    signer,
		cache:     gatewaycache.New(gatewayID),
		presence:  presenceTracker,
		policies:  policies,
		sendCh:    make(chan []byte, sendBuffer),
		opsCh:     make(chan op, sendBuffer),
		done:      make(chan struct{}),
		pending:   make(map[string]chan flowResult),
		onClose:   onClose,
	}
}

// Run starts the read pump, write pump and run loop, blocking until the
// session closes. It links the socket's lifetime to runCtx: cancellation
// tears the connection down (§5 "session tasks cancel on socket close").
func (s *Session) Run(runCtx context.Context, changeSub *changes.Subscription) {
	s.changesSub = changeSub

	go s.writePump()
	go s.changeLoop()
	go s.pruneLoop()
	go s.drainOps()
	defer s.Close()

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
				s.ctx.Logger.Warn().Err(err).Str("gateway_id", s.GatewayID.String()).Msg("gateway channel read error")
			}
			return
		}

		var raw channel.RawEnvelope
		if err := json.Unmarshal(data, &raw); err != nil {
			s.sendError("", "invalid_message", "could not parse envelope")
			continue
		}

		// Queue wire messages behind server-initiated ops so every handler
		// runs strictly sequentially per §5, while a quiet gateway still
		// observes pushes promptly.
		s.Do(func(sess *Session) { sess.handleInbound(raw) })
	}
}

// drainOps runs queued ops one at a time on the session's owning goroutine
// until the session closes.
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

func (s *Session) changeLoop() {
	if s.changesSub == nil {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case c, ok := <-s.changesSub.C():
			if !ok {
				return
			}
			change := c
			s.Do(func(sess *Session) { sess.handleChange(change) })
		}
	}
}

// Do submits fn to the session's run loop, to be executed on its owning
// goroutine. Safe to call from any goroutine.
func (s *Session) Do(fn func(*Session)) {
	select {
	case s.opsCh <- fn:
	case <-s.done:
	}
}

// RequestAuthorizeFlow validates signedRef (the opaque token the client
// channel session signed in step 4 of §4.8), then asks this gateway to
// accept the flow and blocks for its reply or ctx's deadline. Called by the
// client channel session handling connect_to_resource.
func (s *Session) RequestAuthorizeFlow(ctx context.Context, signedRef []byte, payload AuthorizeFlowPayload) (authorized bool, reason string, err error) {
	if _, err := s.signer.Verify(signedRef); err != nil {
		return false, "", err
	}
	refStr := base64.RawURLEncoding.EncodeToString(signedRef)

	resultCh := make(chan flowResult, 1)

	s.Do(func(sess *Session) {
		sess.pending[refStr] = resultCh
		sess.cache.Put(payload.ClientID, payload.Resource.ID, uuid.New(), time.Unix(payload.ExpiresAt, 0))
		sess.send(channel.Envelope{Event: eventAuthorizeFlow, Payload: payload, Ref: refStr})
	})

	select {
	case <-ctx.Done():
		return false, "", ctx.Err()
	case <-s.done:
		return false, "", coreerr.New(coreerr.NotFound, fmt.Errorf("gateway session closed"))
	case result := <-resultCh:
		return result.authorized, result.reason, nil
	}
}

func (s *Session) handleInbound(raw channel.RawEnvelope) {
	switch raw.Event {
	case eventFlowAuthorized:
		s.resolvePending(raw.Ref, flowResult{ref: raw.Ref, authorized: true})

	case eventFlowRejected:
		var p FlowRejectedPayload
		if err := json.Unmarshal(raw.Payload, &p); err != nil {
			s.sendError(raw.Ref, "invalid_payload", err.Error())
			return
		}
		s.resolvePending(raw.Ref, flowResult{ref: raw.Ref, authorized: false, reason: p.Reason})

	default:
		s.sendError(raw.Ref, "unknown_event", raw.Event)
	}
}

func (s *Session) resolvePending(socketRef string, result flowResult) {
	ch, ok := s.pending[socketRef]
	if !ok {
		return
	}
	delete(s.pending, socketRef)
	select {
	case ch <- result:
	default:
	}
}

// RejectAccessForResource fans out reject_access to every (client,
// resource) pair this gateway holds for resourceID, called when a breaking
// resource change invalidates them (§4.8).
func (s *Session) RejectAccessForResource(resourceID uuid.UUID) {
	s.Do(func(sess *Session) {
		for _, pair := range sess.cache.AllPairsForResource(resourceID) {
			sess.send(channel.Envelope{Event: eventRejectAccess, Payload: RejectAccessPayload{
				ClientID: pair.ClientID, ResourceID: pair.ResourceID,
			}})
		}
	})
}

// DeletePolicyAuthorization reacts to a PolicyAuthorization's owning policy
// being deleted: either narrows the cached expiry (another policy still
// grants) or rejects the flow outright. Called cross-session, so it
// dispatches through Do.
func (s *Session) DeletePolicyAuthorization(policyAuthorizationID uuid.UUID, lookup gatewaycache.OtherAuthorizationsLookup) {
	s.Do(func(sess *Session) { sess.reauthorizeDeleted(policyAuthorizationID, lookup) })
}

func (s *Session) reauthorizeDeleted(policyAuthorizationID uuid.UUID, lookup gatewaycache.OtherAuthorizationsLookup) {
	expiresAt, err := s.cache.ReauthorizeDeletedPolicyAuthorization(policyAuthorizationID, lookup, time.Now())
	if err != nil {
		if coreerr.Is(err, coreerr.Unauthorized) {
			// Pair was dropped from the cache entirely; no reject_access
			// is sent to the gateway for it from here.
			return
		}
		return
	}
	s.send(channel.Envelope{Event: eventExpiryUpdated, Payload: ExpiryUpdatedPayload{
		PolicyAuthorizationID: policyAuthorizationID,
		ExpiresAtUnix:         expiresAt.Unix(),
	}})
}

func (s *Session) handleChange(c changes.Change) {
	switch c.Table {
	case "resources":
		// Non-breaking filter changes only; breaking changes arrive
		// through RejectAccessForResource from the client channel side,
		// which owns the breaking/non-breaking classification.
	case "policy_authorizations":
		if c.Op != "delete" || s.policies == nil {
			return
		}
		id, ok := uuidField(c.Old, "id")
		if !ok {
			return
		}
		s.reauthorizeDeleted(id, NewLookup(context.Background(), s.policies))
	}
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

// pruneLoop evicts expired authorizations from the cache every minute, per
// §4.6.
func (s *Session) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Do(func(sess *Session) { sess.cache.Prune(time.Now()) })
		}
	}
}

// PushResourceUpdated sends a non-breaking resource change to the gateway.
func (s *Session) PushResourceUpdated(rv ResourceUpdatedPayload) {
	s.Do(func(sess *Session) {
		sess.send(channel.Envelope{Event: eventResourceUpdated, Payload: rv})
	})
}

func (s *Session) sendError(replyRef, code, message string) {
	s.send(channel.Envelope{Event: "error", Ref: replyRef, Payload: map[string]string{
		"code": code, "message": message,
	}})
}

func (s *Session) send(env channel.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.ctx.Logger.Error().Err(err).Msg("marshal gateway channel envelope")
		return
	}
	select {
	case s.sendCh <- data:
	default:
		s.ctx.Logger.Warn().Str("gateway_id", s.GatewayID.String()).Msg("gateway send buffer full, dropping message")
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
		if s.changesSub != nil {
			s.changesSub.Cancel()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}
