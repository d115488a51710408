package geo

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Location is the result of a database lookup.
type Location struct {
	CountryCode string // ISO 3166-1 alpha-2
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
}

// Provider performs IP-to-location lookups.
type Provider interface {
	Lookup(ip string) (*Location, error)
	Close() error
}

// NewProvider picks the database format from the file extension.
func NewProvider(path string) (Provider, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mmdb":
		return newMMDBProvider(path)
	case ".ipdb":
		return newIPDBProvider(path)
	default:
		return nil, fmt.Errorf("unsupported geo database format: %s (expected .mmdb or .ipdb)", ext)
	}
}
