package client

import (
	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/presence"
)

// pickRelays runs the relay-selection algorithm from §4.8: nearest two by
// great-circle distance from origin, two at random if origin has no known
// coordinates.
func pickRelays(origin presence.GeoPoint, online []presence.Entry, relayPoint func(presence.Entry) presence.GeoPoint) []RelayView {
	selected := presence.SelectRelays(origin, online, relayPoint)
	out := make([]RelayView, 0, len(selected))
	for _, e := range selected {
		out = append(out, relayViewFromEntry(e))
	}
	return out
}

func relayViewFromEntry(e presence.Entry) RelayView {
	return RelayView{
		ID:          e.ID,
		IPv4Address: e.Metadata["ipv4_address"],
		IPv6Address: e.Metadata["ipv6_address"],
	}
}

// relayIDs extracts ids from a relay snapshot, used for the cached<->online
// diff in the debounce algorithm.
func relayIDs(entries []presence.Entry) map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(entries))
	for _, e := range entries {
		out[e.ID] = struct{}{}
	}
	return out
}
