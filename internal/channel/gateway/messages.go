package gateway

import (
	"time"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/domain"
)

// AuthorizeFlowPayload is pushed to a gateway's channel to ask it to accept
// an in-progress flow, carrying a client/subject view tailored to the
// gateway's protocol version (§4.8 step 4).
type AuthorizeFlowPayload struct {
	ClientID       uuid.UUID             `json:"client_id"`
	Resource       domain.ResourceView   `json:"resource"`
	Subject        SubjectView           `json:"subject"`
	ExpiresAt      int64                 `json:"expires_at"`
	PresharedKey   string                `json:"preshared_key"`
	ICECredentials domain.ICECredentials `json:"ice_credentials"`
}

// SubjectView is the trimmed subject projection sent to a gateway.
type SubjectView struct {
	ActorID uuid.UUID `json:"actor_id"`
}

// FlowAuthorizedPayload is the gateway's affirmative reply.
type FlowAuthorizedPayload struct {
	Ref string `json:"ref"`
}

// FlowRejectedPayload is the gateway's negative reply.
type FlowRejectedPayload struct {
	Ref    string `json:"ref"`
	Reason string `json:"reason,omitempty"`
}

// RejectAccessPayload tells the gateway to tear down an authorized flow.
type RejectAccessPayload struct {
	ClientID   uuid.UUID `json:"client_id"`
	ResourceID uuid.UUID `json:"resource_id"`
}

// ExpiryUpdatedPayload narrows an authorization's expiry without a full
// reject, when another policy still grants access (§4.9).
type ExpiryUpdatedPayload struct {
	PolicyAuthorizationID uuid.UUID `json:"policy_authorization_id"`
	ExpiresAtUnix         int64     `json:"expires_at_unix"`
}

// ResourceUpdatedPayload pushes a non-breaking resource change.
type ResourceUpdatedPayload struct {
	Resource domain.ResourceView `json:"resource"`
}

// flowResult is delivered on a pending request's channel once the gateway
// replies flow_authorized or flow_rejected.
type flowResult struct {
	ref       string
	authorized bool
	reason    string
	expiresAt time.Time
}

const (
	eventAuthorizeFlow    = "authorize_flow"
	eventFlowAuthorized   = "flow_authorized"
	eventFlowRejected     = "flow_rejected"
	eventRejectAccess     = "reject_access"
	eventExpiryUpdated    = "access_authorization_expiry_updated"
	eventResourceUpdated  = "resource_updated"
)
