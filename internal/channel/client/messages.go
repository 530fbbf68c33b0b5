package client

import (
	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// InitPayload is pushed immediately after join (§4.8 step 4).
type InitPayload struct {
	Interface    string                `json:"interface"`
	Resources    []domain.ResourceView `json:"resources"`
	Relays       []RelayView           `json:"relays"`
	AccountSlug  string                `json:"account_slug"`
	Config       domain.AccountConfig  `json:"config"`
}

// RelayView is the trimmed relay projection pushed to clients.
type RelayView struct {
	ID          uuid.UUID `json:"id"`
	IPv4Address string    `json:"ipv4_address,omitempty"`
	IPv6Address string    `json:"ipv6_address,omitempty"`
}

// ResourceDeletedPayload announces a resource leaving the connectable set.
type ResourceDeletedPayload struct {
	ResourceID uuid.UUID `json:"resource_id"`
}

// RelaysPresencePayload is pushed after the debounce timer fires (§4.8).
type RelaysPresencePayload struct {
	DisconnectedIDs []uuid.UUID `json:"disconnected_ids"`
	Connected       []RelayView `json:"connected"`
}

// ConnectToResourcePayload is the client's request to start a flow.
type ConnectToResourcePayload struct {
	ResourceID uuid.UUID `json:"resource_id"`
}

// FlowParamsPayload carries the negotiated flow parameters back to the
// client once the gateway has authorized it.
type FlowParamsPayload struct {
	ResourceID     uuid.UUID             `json:"resource_id"`
	GatewayID      uuid.UUID             `json:"gateway_id"`
	PresharedKey   string                `json:"preshared_key"`
	ICECredentials domain.ICECredentials `json:"ice_credentials"`
	ExpiresAt      int64                 `json:"expires_at"`
}

// ErrorPayload reports a forbidden/not_found outcome, carrying whichever
// condition properties were violated.
type ErrorPayload struct {
	Code     string   `json:"code"`
	Message  string   `json:"message,omitempty"`
	Violated []string `json:"violated,omitempty"`
}

// BroadcastICECandidatesPayload is relayed by a client to its peers'
// sessions via the account topic.
type BroadcastICECandidatesPayload struct {
	Candidates []string    `json:"candidates"`
	GatewayIDs []uuid.UUID `json:"gateway_ids,omitempty"`
	ClientIDs  []uuid.UUID `json:"client_ids,omitempty"`
}

const (
	eventInit                    = "init"
	eventResourceCreatedOrUpdated = "resource_created_or_updated"
	eventResourceDeleted         = "resource_deleted"
	eventRelaysPresence          = "relays_presence"
	eventConnectToResource       = "connect_to_resource"
	eventFlowParams              = "flow_params"
	eventBroadcastICECandidates  = "broadcast_ice_candidates"
	eventBroadcastInvalidatedICE = "broadcast_invalidated_ice_candidates"
	eventError                   = "error"
)
