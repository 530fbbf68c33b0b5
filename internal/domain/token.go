package domain

import (
	"time"

	"github.com/google/uuid"
)

// TokenKind distinguishes a client channel bearer token from a gateway one;
// the two connect to different channel hubs and resolve to different
// identities.
type TokenKind string

const (
	TokenKindClient  TokenKind = "client"
	TokenKindGateway TokenKind = "gateway"
)

// ConnectionToken is a long-lived bearer credential presented on the client
// or gateway channel's WebSocket upgrade request, hashed at rest so a
// database read never discloses the presentable secret.
type ConnectionToken struct {
	ID        uuid.UUID  `json:"id"`
	Kind      TokenKind  `json:"kind"`
	Hash      string     `json:"-"`
	AccountID uuid.UUID  `json:"account_id"`
	ActorID   *uuid.UUID `json:"actor_id,omitempty"`
	GatewayID *uuid.UUID `json:"gateway_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (t *ConnectionToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

func (t *ConnectionToken) Revoked() bool {
	return t.RevokedAt != nil
}
