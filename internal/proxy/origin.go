// Package proxy resolves and forwards routed requests to origin renderers.
package proxy

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wudi/edgeroute/config"
)

// DefaultOrigin names the catch-all origin.
const DefaultOrigin = "default"

// ErrNoOrigin is returned when a path matches no origin and no default is
// configured.
var ErrNoOrigin = errors.New("proxy: no origin for path")

// Origin is an upstream renderer.
type Origin struct {
	Name      string
	URL       *url.URL
	Transport config.TransportConfig
}

// OriginResolver picks the origin serving a path.
type OriginResolver interface {
	Resolve(path string) (Origin, error)
}

type originRoute struct {
	origin   Origin
	patterns []string
}

// OriginTable is an ordered list of glob patterns mapped to origins; the
// first route with a matching pattern wins.
type OriginTable struct {
	routes []originRoute
	def    *Origin
}

// NewOriginTable validates the configured origins.
func NewOriginTable(cfg config.OriginsConfig) (*OriginTable, error) {
	t := &OriginTable{}
	for i, rc := range cfg.Routes {
		u, err := parseOrigin(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("origins.routes[%d]: %w", i, err)
		}
		for _, p := range rc.Patterns {
			if !doublestar.ValidatePattern(p) {
				return nil, fmt.Errorf("origins.routes[%d]: invalid pattern %q", i, p)
			}
		}
		name := rc.Name
		if name == "" {
			name = u.Host
		}
		t.routes = append(t.routes, originRoute{
			origin:   Origin{Name: name, URL: u, Transport: rc.Transport},
			patterns: rc.Patterns,
		})
	}
	if cfg.Default != "" {
		u, err := parseOrigin(cfg.Default)
		if err != nil {
			return nil, fmt.Errorf("origins.default: %w", err)
		}
		t.def = &Origin{Name: DefaultOrigin, URL: u}
	}
	return t, nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("origin %q must be an absolute http(s) URL", raw)
	}
	return u, nil
}

// Resolve returns the origin for path.
func (t *OriginTable) Resolve(path string) (Origin, error) {
	for _, r := range t.routes {
		for _, p := range r.patterns {
			if ok, _ := doublestar.Match(p, path); ok {
				return r.origin, nil
			}
		}
	}
	if t.def != nil {
		return *t.def, nil
	}
	return Origin{}, fmt.Errorf("%w %s", ErrNoOrigin, path)
}

// Origins lists every configured origin, default last.
func (t *OriginTable) Origins() []Origin {
	out := make([]Origin, 0, len(t.routes)+1)
	for _, r := range t.routes {
		out = append(out, r.origin)
	}
	if t.def != nil {
		out = append(out, *t.def)
	}
	return out
}
