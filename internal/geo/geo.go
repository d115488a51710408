// Package geo derives coarse location hints for a request, first from
// headers injected by the CDN and then from an optional IP database.
package geo

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/logging"
)

// Hint names accepted in the header map.
const (
	HintCountry   = "country"
	HintRegion    = "region"
	HintCity      = "city"
	HintLatitude  = "latitude"
	HintLongitude = "longitude"
)

// Hints is the geo view handed to middleware. Empty fields are unknown.
type Hints struct {
	Country   string `json:"country,omitempty"`
	Region    string `json:"region,omitempty"`
	City      string `json:"city,omitempty"`
	Latitude  string `json:"latitude,omitempty"`
	Longitude string `json:"longitude,omitempty"`
}

// Resolver reads hints from configured headers and falls back to the
// provider, when one is set, for requests that carry no country header.
type Resolver struct {
	headers  map[string]string
	provider Provider
}

// NewResolver builds a resolver. provider may be nil.
func NewResolver(headers map[string]string, provider Provider) *Resolver {
	return &Resolver{headers: headers, provider: provider}
}

// Resolve returns the hints for ev. Lookup failures yield whatever the
// headers provided.
func (r *Resolver) Resolve(ev *event.Event) Hints {
	h := Hints{
		Country:   r.header(ev, HintCountry),
		Region:    r.header(ev, HintRegion),
		City:      r.header(ev, HintCity),
		Latitude:  r.header(ev, HintLatitude),
		Longitude: r.header(ev, HintLongitude),
	}
	if h.Country != "" || r.provider == nil {
		return h
	}

	ip := ClientIP(ev)
	loc, err := r.provider.Lookup(ip)
	if err != nil {
		logging.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		return h
	}
	h.Country = loc.CountryCode
	if h.Region == "" {
		h.Region = loc.Region
	}
	if h.City == "" {
		h.City = loc.City
	}
	if h.Latitude == "" && (loc.Latitude != 0 || loc.Longitude != 0) {
		h.Latitude = strconv.FormatFloat(loc.Latitude, 'f', -1, 64)
		h.Longitude = strconv.FormatFloat(loc.Longitude, 'f', -1, 64)
	}
	return h
}

// header reads one configured hint header. City names arrive URL-encoded.
func (r *Resolver) header(ev *event.Event, hint string) string {
	name := r.headers[hint]
	if name == "" {
		return ""
	}
	v := ev.Header(name)
	if v == "" {
		return ""
	}
	if dec, err := url.QueryUnescape(v); err == nil {
		return dec
	}
	return v
}

// Close releases the provider.
func (r *Resolver) Close() error {
	if r.provider == nil {
		return nil
	}
	return r.provider.Close()
}

// ClientIP returns the first X-Forwarded-For entry, then X-Real-IP, then
// the peer address.
func ClientIP(ev *event.Event) string {
	if xff := ev.Header("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := ev.Header("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(ev.RemoteAddr)
	if err != nil {
		return ev.RemoteAddr
	}
	return host
}
