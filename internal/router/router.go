// Package router classifies request paths against the build's static and
// dynamic route tables.
package router

import (
	"fmt"
	"strings"

	"github.com/dlclark/regexp2"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/pattern"
)

// Kind classifies a route by how its output is produced.
type Kind string

const (
	// KindPage is a traditional template page.
	KindPage Kind = "page"
	// KindApp is a server-component page.
	KindApp Kind = "app"
	// KindRoute is a request handler with an arbitrary response.
	KindRoute Kind = "route"
)

// Match is one route matching a path.
type Match struct {
	Page string `json:"route"`
	Kind Kind   `json:"type"`
}

type route struct {
	page string
	kind Kind
	re   *pattern.Regex
}

// Matcher holds one compiled route table. It is immutable after New and
// safe for concurrent use.
type Matcher struct {
	routes []route
}

// New compiles defs once. Each expression's leading "^/" is replaced by an
// optional base path and locale prefix so the same matcher serves both
// localized and bare paths. appPaths is the app-path-routes manifest used
// to tell server-component pages and request handlers from plain pages.
func New(defs []config.RouteDefinition, appPaths map[string]string, locales []string, basePath string) (*Matcher, error) {
	prefix := OptionalPrefix(locales, basePath)

	appPages := make(map[string]bool)
	handlers := make(map[string]bool)
	for k, v := range appPaths {
		switch {
		case strings.HasSuffix(k, "page"):
			appPages[v] = true
		case strings.HasSuffix(k, "route"):
			handlers[v] = true
		}
	}

	m := &Matcher{routes: make([]route, 0, len(defs))}
	for _, d := range defs {
		re, err := pattern.Compile(strings.Replace(d.Regex, "^/", prefix, 1))
		if err != nil {
			return nil, fmt.Errorf("route %s: %w", d.Page, err)
		}
		kind := KindPage
		switch {
		case appPages[d.Page]:
			kind = KindApp
		case handlers[d.Page]:
			kind = KindRoute
		}
		m.routes = append(m.routes, route{page: d.Page, kind: kind, re: re})
	}
	return m, nil
}

// OptionalPrefix builds "^<basePath>/?(?:en/?|fr/?)?" (or "^/(?:...)?"
// without a base path).
func OptionalPrefix(locales []string, basePath string) string {
	alts := make([]string, len(locales))
	for i, l := range locales {
		alts[i] = regexp2.Escape(l) + "/?"
	}
	base := "^/"
	if basePath != "" {
		base = "^" + regexp2.Escape(basePath) + "/?"
	}
	return base + "(?:" + strings.Join(alts, "|") + ")?"
}

// Match returns every route matching path in table order. No match yields
// an empty slice.
func (m *Matcher) Match(path string) []Match {
	out := []Match{}
	for _, r := range m.routes {
		if r.re.MatchString(path) {
			out = append(out, Match{Page: r.page, Kind: r.kind})
		}
	}
	return out
}

// Len returns the number of compiled routes.
func (m *Matcher) Len() int { return len(m.routes) }
