package filter

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// GeoPoint is the subset of an MMDB city record the impossible-travel
// rule needs.
type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// GeoReader looks up coordinates for a source IP from a MaxMind-format
// (.mmdb) database. Grounded directly on the reference pack's own MMDB
// wrapper: NewReader degrades gracefully (nil, nil) when no database
// path is configured or the file is absent, since geo impossible-travel
// is an enrichment, not a hard dependency of the filter chain.
type GeoReader struct {
	db *geoip2.Reader
}

// NewGeoReader opens an MMDB file at path. Returns (nil, nil) if path is
// empty — callers must treat a nil *GeoReader as "no geo data available"
// and skip the impossible-travel rule, never as an error.
func NewGeoReader(path string) (*GeoReader, error) {
	if path == "" {
		return nil, nil
	}
	db, err := geoip2.Open(path)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			return nil, nil
		}
		return nil, err
	}
	return &GeoReader{db: db}, nil
}

// Close releases the underlying MMDB file handle.
func (g *GeoReader) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}

// Lookup returns the coordinates for ipStr, or nil if the reader is
// unconfigured, the address is invalid, private, or not present in the
// database.
func (g *GeoReader) Lookup(ipStr string) *GeoPoint {
	if g == nil || g.db == nil {
		return nil
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
		return nil
	}
	record, err := g.db.City(ip)
	if err != nil {
		return nil
	}
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 {
		return nil
	}
	return &GeoPoint{Latitude: record.Location.Latitude, Longitude: record.Location.Longitude}
}
