// Package event defines the request and response shapes that flow through
// the routing pipeline. Events are treated as immutable snapshots: phases
// derive new events with Clone and the With* helpers instead of mutating
// the one they were handed.
package event

import (
	"net/http"
	"net/url"
	"strings"
)

// Type discriminates the invocation style an event arrived through.
type Type string

const (
	TypeCore Type = "core"
)

// Event is the canonical inbound request unit.
type Event struct {
	Type       Type
	Method     string
	RawPath    string
	URL        string // absolute URL, path and query included
	Headers    http.Header
	Cookies    map[string]string
	Query      url.Values
	Body       []byte
	RemoteAddr string
}

// Clone returns a deep copy of e.
func (e *Event) Clone() *Event {
	cp := *e
	cp.Headers = e.Headers.Clone()
	if cp.Headers == nil {
		cp.Headers = http.Header{}
	}
	cp.Cookies = make(map[string]string, len(e.Cookies))
	for k, v := range e.Cookies {
		cp.Cookies[k] = v
	}
	cp.Query = cloneValues(e.Query)
	return &cp
}

// Host returns the host header without modification.
func (e *Event) Host() string {
	return e.Headers.Get("Host")
}

// Header returns the first value of a header, case-insensitively.
func (e *Event) Header(name string) string {
	return e.Headers.Get(name)
}

// HasHeader reports whether the header is present with a non-empty value.
func (e *Event) HasHeader(name string) bool {
	return e.Headers.Get(name) != ""
}

// WithURL returns a copy of e pointing at rawURL. RawPath is taken from the
// parsed URL path. Query is left untouched; callers decide how to merge.
func (e *Event) WithURL(rawURL string) *Event {
	cp := e.Clone()
	cp.URL = rawURL
	if u, err := url.Parse(rawURL); err == nil {
		cp.RawPath = u.EscapedPath()
		if cp.RawPath == "" {
			cp.RawPath = "/"
		}
	}
	return cp
}

// WithPath returns a copy of e with the path of its URL replaced and the
// query re-encoded from e.Query.
func (e *Event) WithPath(path string) *Event {
	cp := e.Clone()
	cp.RawPath = path
	cp.URL = ReplacePath(e.URL, path, cp.Query)
	return cp
}

// WithQuery returns a copy of e with q as its query, reflected in URL.
func (e *Event) WithQuery(q url.Values) *Event {
	cp := e.Clone()
	cp.Query = cloneValues(q)
	cp.URL = ReplacePath(e.URL, cp.RawPath, cp.Query)
	return cp
}

// WithHeader returns a copy of e with the header set.
func (e *Event) WithHeader(name, value string) *Event {
	cp := e.Clone()
	cp.Headers.Set(name, value)
	return cp
}

// Origin returns scheme://host of the event URL, or "" when it cannot be parsed.
func (e *Event) Origin() string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// Search returns the encoded query string including the leading "?", or "".
func (e *Event) Search() string {
	if len(e.Query) == 0 {
		return ""
	}
	return "?" + EncodeQuery(e.Query)
}

// ReplacePath rebuilds rawURL with path and query.
func ReplacePath(rawURL, path string, q url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		u = &url.URL{Scheme: "http", Host: "localhost"}
	}
	setPath(u, path)
	u.RawQuery = EncodeQuery(q)
	u.Fragment = ""
	return u.String()
}

func setPath(u *url.URL, path string) {
	if unescaped, err := url.PathUnescape(path); err == nil {
		u.Path = unescaped
		u.RawPath = path
		if u.EscapedPath() != path {
			u.RawPath = ""
		}
		return
	}
	u.Path = path
	u.RawPath = ""
}

// EncodeQuery encodes q keeping the key order stable. Values are encoded
// with %20 for spaces so rewritten URLs round-trip through path templates.
func EncodeQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	return strings.ReplaceAll(q.Encode(), "+", "%20")
}

// ParseCookies parses a Cookie header into a name/value map. The first
// occurrence of a name wins.
func ParseCookies(header string) map[string]string {
	out := make(map[string]string)
	if header == "" {
		return out
	}
	r := http.Request{Header: http.Header{"Cookie": {header}}}
	for _, c := range r.Cookies() {
		if _, seen := out[c.Name]; !seen {
			out[c.Name] = c.Value
		}
	}
	return out
}

func cloneValues(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
