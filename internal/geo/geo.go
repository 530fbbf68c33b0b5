// Package geo resolves a remote IP to a coarse geographic point and region
// code from a MaxMind GeoLite2/GeoIP2 City database, backing C4's
// remote_ip_location_region condition and C8's relay/gateway geo-scoring.
//
// Grounded on the teacher pack's internal/middleware/geo/mmdb.go.
package geo

import (
	"fmt"
	"net/netip"
	"strconv"
	"sync"

	"github.com/oschwald/maxminddb-golang/v2"

	"github.com/boundarymesh/controlplane/internal/presence"
)

// cityRecord maps the subset of the MaxMind City schema this core needs.
type cityRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

// Resolver looks up geo points and ISO region codes for remote addresses.
// A Resolver with no database open resolves everything as unknown, so
// deployments without a configured GEO_CITY_DB_PATH degrade gracefully
// instead of failing conditions or relay selection outright.
type Resolver struct {
	mu sync.RWMutex
	db *maxminddb.Reader
}

// Open builds a Resolver from a MaxMind City database file. An empty path
// returns a Resolver that always reports unknown, matching the teacher's
// pattern of making the geo provider an optional middleware.
func Open(path string) (*Resolver, error) {
	if path == "" {
		return &Resolver{}, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geo city database: %w", err)
	}
	return &Resolver{db: db}, nil
}

// Close releases the underlying database file, if one is open.
func (r *Resolver) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Resolver) lookup(ipStr string) (cityRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rec cityRecord
	if r.db == nil {
		return rec, false
	}
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return rec, false
	}
	if err := r.db.Lookup(addr).Decode(&rec); err != nil {
		return rec, false
	}
	return rec, true
}

// Point resolves ipStr to a GeoPoint, Known=false when the database has no
// entry for it (or none is configured).
func (r *Resolver) Point(ipStr string) presence.GeoPoint {
	rec, ok := r.lookup(ipStr)
	if !ok || (rec.Location.Latitude == 0 && rec.Location.Longitude == 0) {
		return presence.GeoPoint{}
	}
	return presence.GeoPoint{Lat: rec.Location.Latitude, Lon: rec.Location.Longitude, Known: true}
}

// Region resolves ipStr to its ISO country code, "" when unknown. This is
// the value C4's remote_ip_location_region condition compares against.
func (r *Resolver) Region(ipStr string) string {
	rec, ok := r.lookup(ipStr)
	if !ok {
		return ""
	}
	return rec.Country.ISOCode
}

// EntryPoint adapts Resolver to the presence.GeoPoint-from-Entry shape
// client.GeoLookup and gwselect.GeoLookup need. Relays and gateways that
// know their own coordinates carry them directly as latitude/longitude
// metadata; this falls back to resolving the entry's remote_ip or
// ipv4_address metadata against the city database otherwise.
func (r *Resolver) EntryPoint(e presence.Entry) presence.GeoPoint {
	if latStr, lonStr := e.Metadata["latitude"], e.Metadata["longitude"]; latStr != "" && lonStr != "" {
		lat, errLat := strconv.ParseFloat(latStr, 64)
		lon, errLon := strconv.ParseFloat(lonStr, 64)
		if errLat == nil && errLon == nil {
			return presence.GeoPoint{Lat: lat, Lon: lon, Known: true}
		}
	}

	ip := e.Metadata["remote_ip"]
	if ip == "" {
		ip = e.Metadata["ipv4_address"]
	}
	if ip == "" {
		return presence.GeoPoint{}
	}
	return r.Point(ip)
}
