// Package geo resolves client IPs to locations and applies per-country rules.
package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sort"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

type Location struct {
	Country              string  `json:"country"`
	Region               string  `json:"region,omitempty"`
	City                 string  `json:"city,omitempty"`
	Latitude             float64 `json:"lat,omitempty"`
	Longitude            float64 `json:"lon,omitempty"`
	HasCoords            bool    `json:"has_coords,omitempty"`
	IsProxy              bool    `json:"is_proxy,omitempty"`
	IsHealthcareFacility bool    `json:"is_healthcare_facility,omitempty"`
}

// DistanceKm is the great-circle distance between two located points.
func DistanceKm(a, b Location) (float64, bool) {
	if !a.HasCoords || !b.HasCoords {
		return 0, false
	}
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * rad
	dLon := (b.Longitude - a.Longitude) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Latitude*rad)*math.Cos(b.Latitude*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h))), true
}

var ErrInvalidIP = errors.New("invalid ip address")

// Resolver looks up the location of an IP. ok is false when the resolver has
// no data for the address.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (loc Location, ok bool, err error)
}

type Range struct {
	CIDR       string   `yaml:"cidr" json:"cidr"`
	Country    string   `yaml:"country" json:"country"`
	Region     string   `yaml:"region" json:"region"`
	Latitude   *float64 `yaml:"lat" json:"lat,omitempty"`
	Longitude  *float64 `yaml:"lon" json:"lon,omitempty"`
	Proxy      bool     `yaml:"proxy" json:"proxy"`
	Healthcare bool     `yaml:"healthcare_facility" json:"healthcare_facility"`
}

type cidrRange struct {
	net *net.IPNet
	loc Location
}

// CIDRResolver answers from a static table; the most specific prefix wins.
type CIDRResolver struct {
	ranges []cidrRange
}

func NewCIDRResolver(ranges []Range) (*CIDRResolver, error) {
	out := make([]cidrRange, 0, len(ranges))
	for _, r := range ranges {
		_, n, err := net.ParseCIDR(strings.TrimSpace(r.CIDR))
		if err != nil {
			return nil, fmt.Errorf("parse cidr %q: %w", r.CIDR, err)
		}
		loc := Location{
			Country:              strings.ToUpper(r.Country),
			Region:               r.Region,
			IsProxy:              r.Proxy,
			IsHealthcareFacility: r.Healthcare,
		}
		if r.Latitude != nil && r.Longitude != nil {
			loc.Latitude, loc.Longitude, loc.HasCoords = *r.Latitude, *r.Longitude, true
		}
		out = append(out, cidrRange{net: n, loc: loc})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _ := out[i].net.Mask.Size()
		b, _ := out[j].net.Mask.Size()
		return a > b
	})
	return &CIDRResolver{ranges: out}, nil
}

func (c *CIDRResolver) Resolve(_ context.Context, raw string) (Location, bool, error) {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return Location{}, false, ErrInvalidIP
	}
	for _, r := range c.ranges {
		if r.net.Contains(ip) {
			return r.loc, true, nil
		}
	}
	return Location{}, false, nil
}

// MaxMindResolver reads a GeoIP2 or GeoLite2 City database.
type MaxMindResolver struct {
	db *geoip2.Reader
}

func OpenMaxMind(path string) (*MaxMindResolver, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &MaxMindResolver{db: db}, nil
}

func (m *MaxMindResolver) Close() error { return m.db.Close() }

func (m *MaxMindResolver) Resolve(_ context.Context, raw string) (Location, bool, error) {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return Location{}, false, ErrInvalidIP
	}
	rec, err := m.db.City(ip)
	if err != nil {
		return Location{}, false, err
	}
	if rec.Country.IsoCode == "" {
		return Location{}, false, nil
	}
	loc := Location{
		Country: rec.Country.IsoCode,
		City:    rec.City.Names["en"],
		IsProxy: rec.Traits.IsAnonymousProxy,
	}
	if len(rec.Subdivisions) > 0 {
		loc.Region = rec.Subdivisions[0].IsoCode
	}
	if rec.Location.Latitude != 0 || rec.Location.Longitude != 0 {
		loc.Latitude, loc.Longitude, loc.HasCoords = rec.Location.Latitude, rec.Location.Longitude, true
	}
	return loc, true, nil
}

// Chain asks each resolver in turn and returns the first hit. Errors from one
// resolver do not stop the others.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, ip string) (Location, bool, error) {
	var errs []error
	for _, r := range c {
		if r == nil {
			continue
		}
		loc, ok, err := r.Resolve(ctx, ip)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return loc, true, nil
		}
	}
	return Location{}, false, errors.Join(errs...)
}
