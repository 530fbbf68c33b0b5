package domain

import (
	"time"

	"github.com/google/uuid"
)

// GatewayGroup is a named deployment site a set of Gateways serve.
type GatewayGroup struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	Routing   string    `json:"routing"` // managed, self_hosted, internet
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Gateway terminates data-plane tunnels for a site. Online state is tracked
// in internal/presence, not on this row.
type Gateway struct {
	ID               uuid.UUID `json:"id"`
	AccountID        uuid.UUID `json:"account_id"`
	GatewayGroupID   uuid.UUID `json:"gateway_group_id"`
	Name             string    `json:"name"`
	PublicKey        string    `json:"public_key"`
	IPv4Address      string    `json:"ipv4_address,omitempty"`
	IPv6Address      string    `json:"ipv6_address,omitempty"`
	LastSeenRemoteIP string    `json:"last_seen_remote_ip,omitempty"`
	LastSeenVersion  string    `json:"last_seen_version,omitempty"`
	LastSeenAt       *time.Time `json:"last_seen_at,omitempty"`
	Latitude         *float64  `json:"latitude,omitempty"`
	Longitude        *float64  `json:"longitude,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Relay is a UDP/TURN-like forwarding server, either global or scoped to one
// account.
type Relay struct {
	ID          uuid.UUID  `json:"id"`
	AccountID   *uuid.UUID `json:"account_id,omitempty"`
	IPv4Address string     `json:"ipv4_address,omitempty"`
	IPv6Address string     `json:"ipv6_address,omitempty"`
	StampSecret string     `json:"-"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Global reports whether the relay is available to every account.
func (r *Relay) Global() bool {
	return r.AccountID == nil
}
