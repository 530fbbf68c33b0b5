package domain

import (
	"time"

	"github.com/google/uuid"
)

// ResourceType enumerates the addressable target kinds a client may connect to.
type ResourceType string

const (
	ResourceTypeDNS      ResourceType = "dns"
	ResourceTypeIP       ResourceType = "ip"
	ResourceTypeCIDR     ResourceType = "cidr"
	ResourceTypeInternet ResourceType = "internet"
)

// IPStack constrains which address families a dns resource resolves to.
type IPStack string

const (
	IPStackIPv4Only IPStack = "ipv4_only"
	IPStackIPv6Only IPStack = "ipv6_only"
	IPStackDual     IPStack = "dual"
)

// Filter restricts the protocol/port pairs a connection to a resource may use.
type Filter struct {
	Protocol string `json:"protocol"`
	Ports    string `json:"ports,omitempty"`
}

// Resource is the addressable target a client may connect to.
//
// Updates that change Type, Address, or Filters are breaking: the caller
// must delete and recreate the row, preserving PersistentID so external
// references (policies, channel pushes) survive the replacement.
type Resource struct {
	ID            uuid.UUID    `json:"id"`
	AccountID     uuid.UUID    `json:"account_id"`
	PersistentID  uuid.UUID    `json:"persistent_id"`
	Name          string       `json:"name"`
	Address       string       `json:"address,omitempty"`
	AddressDescription string `json:"address_description,omitempty"`
	Type          ResourceType `json:"type"`
	IPStack       IPStack      `json:"ip_stack,omitempty"`
	Filters       []Filter     `json:"filters"`
	DeletedAt     *time.Time   `json:"deleted_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

func (r *Resource) Deleted() bool {
	return r.DeletedAt != nil
}

// ResourceConnection binds a Resource to the GatewayGroups that may serve it.
// An internet-type Resource must live in an internet-routing gateway group.
type ResourceConnection struct {
	ResourceID     uuid.UUID `json:"resource_id"`
	GatewayGroupID uuid.UUID `json:"gateway_group_id"`
	AccountID      uuid.UUID `json:"account_id"`
}

// ResourceView is the trimmed, version-compatible projection of a Resource
// pushed to a client in `init`/`resource_created_or_updated`. Fields are
// progressively dropped for older client versions (see
// internal/clientcache.TrimForVersion).
type ResourceView struct {
	ID                 uuid.UUID    `json:"id"`
	Name               string       `json:"name"`
	Address            string       `json:"address,omitempty"`
	AddressDescription string       `json:"address_description,omitempty"`
	Type               ResourceType `json:"type"`
	IPStack            IPStack      `json:"ip_stack,omitempty"`
	Filters            []Filter     `json:"filters,omitempty"`
	GatewayGroups      []uuid.UUID  `json:"gateway_groups"`
}
