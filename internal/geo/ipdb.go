package geo

import (
	"fmt"
	"strconv"

	"github.com/ipipdotnet/ipdb-go"
)

type ipdbProvider struct {
	db *ipdb.City
}

func newIPDBProvider(path string) (*ipdbProvider, error) {
	db, err := ipdb.NewCity(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ipdb: %w", err)
	}
	return &ipdbProvider{db: db}, nil
}

func (p *ipdbProvider) Lookup(ip string) (*Location, error) {
	info, err := p.db.FindInfo(ip, "EN")
	if err != nil {
		return nil, fmt.Errorf("ipdb lookup failed: %w", err)
	}
	lat, _ := strconv.ParseFloat(info.Latitude, 64)
	lon, _ := strconv.ParseFloat(info.Longitude, 64)
	return &Location{
		CountryCode: info.CountryCode,
		Region:      info.RegionName,
		City:        info.CityName,
		Latitude:    lat,
		Longitude:   lon,
	}, nil
}

// ipdb-go keeps the database in memory and has nothing to release.
func (p *ipdbProvider) Close() error { return nil }
