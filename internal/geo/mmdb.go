package geo

import (
	"fmt"
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

type mmdbProvider struct {
	db *maxminddb.Reader
}

// mmdbRecord is the subset of the GeoIP2/GeoLite2 city layout we read.
type mmdbRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	Subdivisions []struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"subdivisions"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Latitude  float64 `maxminddb:"latitude"`
		Longitude float64 `maxminddb:"longitude"`
	} `maxminddb:"location"`
}

func newMMDBProvider(path string) (*mmdbProvider, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmdb: %w", err)
	}
	return &mmdbProvider{db: db}, nil
}

func (p *mmdbProvider) Lookup(ip string) (*Location, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid IP address: %w", err)
	}

	var record mmdbRecord
	if err := p.db.Lookup(addr).Decode(&record); err != nil {
		return nil, fmt.Errorf("mmdb lookup failed: %w", err)
	}

	loc := &Location{
		CountryCode: record.Country.ISOCode,
		City:        record.City.Names["en"],
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
	}
	if len(record.Subdivisions) > 0 {
		loc.Region = record.Subdivisions[0].ISOCode
	}
	return loc, nil
}

func (p *mmdbProvider) Close() error {
	return p.db.Close()
}
