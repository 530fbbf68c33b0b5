// Package gwselect picks, for a resource's gateway groups, the currently
// online gateway closest to a client's origin — the selection half of the
// client channel's connect_to_resource flow (§4.8 step 4).
package gwselect

import (
	"context"
	"math"

	"github.com/google/uuid"

	"github.com/boundarymesh/controlplane/internal/presence"
)

// earthRadiusKM mirrors internal/presence's relay-selection scoring; kept
// as a small local duplicate rather than exporting presence's unexported
// haversineKM, since gateway selection picks one winner instead of the
// nearest-two relay pair.
const earthRadiusKM = 6371.0

// GeoLookup resolves the geographic point a gateway's presence entry
// represents.
type GeoLookup func(presence.Entry) presence.GeoPoint

// tracker is the narrow presence dependency Selector needs.
type tracker interface {
	AllConnected(ctx context.Context, topic presence.Topic, exceptIDs map[uuid.UUID]struct{}) ([]presence.Entry, error)
}

// Selector implements internal/channel/client.GatewaySelector.
type Selector struct {
	presence tracker
	geo      GeoLookup
}

// New builds a Selector over presence's TopicGateways snapshot.
func New(presenceTracker tracker, geo GeoLookup) *Selector {
	return &Selector{presence: presenceTracker, geo: geo}
}

// SelectGateway returns the nearest online gateway belonging to any of
// gatewayGroupIDs, or ok=false if none is currently connected.
func (s *Selector) SelectGateway(ctx context.Context, gatewayGroupIDs []uuid.UUID, origin presence.GeoPoint) (uuid.UUID, bool) {
	wanted := make(map[uuid.UUID]struct{}, len(gatewayGroupIDs))
	for _, id := range gatewayGroupIDs {
		wanted[id] = struct{}{}
	}

	online, err := s.presence.AllConnected(ctx, presence.TopicGateways, nil)
	if err != nil {
		return uuid.UUID{}, false
	}

	var best presence.Entry
	bestDist := math.Inf(1)
	found := false

	for _, e := range online {
		groupID, err := uuid.Parse(e.Metadata["gateway_group_id"])
		if err != nil {
			continue
		}
		if _, ok := wanted[groupID]; !ok {
			continue
		}

		dist := 0.0
		if origin.Known {
			p := s.geo(e)
			dist = math.Inf(1)
			if p.Known {
				dist = haversineKM(origin, p)
			}
		}

		if !found || dist < bestDist {
			best, bestDist, found = e, dist, true
		}
	}

	return best.ID, found
}

func haversineKM(a, b presence.GeoPoint) float64 {
	lat1, lon1 := a.Lat*math.Pi/180, a.Lon*math.Pi/180
	lat2, lon2 := b.Lat*math.Pi/180, b.Lon*math.Pi/180
	dLat := lat2 - lat1
	dLon := lon2 - lon1

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}
