package presence

import (
	"math"
	"math/rand"
	"sort"
)

// earthRadiusKM is used for the great-circle distance scoring relay
// selection is based on.
const earthRadiusKM = 6371.0

// GeoPoint is a latitude/longitude pair, or the absence of one.
type GeoPoint struct {
	Lat, Lon float64
	Known    bool
}

// haversineKM computes great-circle distance in kilometers between two
// known points.
func haversineKM(a, b GeoPoint) float64 {
	lat1, lon1 := a.Lat*math.Pi/180, a.Lon*math.Pi/180
	lat2, lon2 := b.Lat*math.Pi/180, b.Lon*math.Pi/180
	dLat := lat2 - lat1
	dLon := lon2 - lon1

	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(h))
}

// SelectRelays picks up to two relays from candidates for a session at
// origin: nearest first by great-circle distance (relays with unknown
// coordinates sort last), or two at random if origin itself has no
// coordinates.
func SelectRelays(origin GeoPoint, candidates []Entry, relayPoint func(Entry) GeoPoint) []Entry {
	if len(candidates) <= 2 {
		out := make([]Entry, len(candidates))
		copy(out, candidates)
		return out
	}

	if !origin.Known {
		shuffled := make([]Entry, len(candidates))
		copy(shuffled, candidates)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled[:2]
	}

	type scored struct {
		entry Entry
		dist  float64
	}
	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		p := relayPoint(c)
		dist := math.Inf(1)
		if p.Known {
			dist = haversineKM(origin, p)
		}
		scoredList[i] = scored{entry: c, dist: dist}
	}

	sort.SliceStable(scoredList, func(i, j int) bool { return scoredList[i].dist < scoredList[j].dist })

	out := make([]Entry, 2)
	out[0], out[1] = scoredList[0].entry, scoredList[1].entry
	return out
}
