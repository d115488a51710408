package cache

import (
	"encoding/gob"
	"net/http"
	"strings"
	"time"

	"github.com/wudi/edgeroute/config"
)

// Kind names the shape of a cached value.
type Kind string

const (
	KindPage     Kind = "page"
	KindApp      Kind = "app"
	KindRoute    Kind = "route"
	KindRedirect Kind = "redirect"
)

// Meta is the response metadata stored next to a rendered value.
type Meta struct {
	Status  int
	Headers http.Header
}

// Value is a cached render. The set of implementations is closed: Page,
// App, Route and Redirect.
type Value interface {
	Kind() Kind
	meta() Meta
}

// Page is a pages-router render: HTML for navigations, JSON props for
// data requests.
type Page struct {
	HTML string
	JSON []byte
	Meta Meta
}

// App is an app-router render: HTML for navigations, the component
// payload for RSC requests.
type App struct {
	HTML string
	RSC  []byte
	Meta Meta
}

// Route is a request handler response.
type Route struct {
	Body []byte
	Meta Meta
}

// Redirect is a cached redirect. It carries no body.
type Redirect struct {
	Meta Meta
}

func (*Page) Kind() Kind     { return KindPage }
func (*App) Kind() Kind      { return KindApp }
func (*Route) Kind() Kind    { return KindRoute }
func (*Redirect) Kind() Kind { return KindRedirect }

func (v *Page) meta() Meta     { return v.Meta }
func (v *App) meta() Meta      { return v.Meta }
func (v *Route) meta() Meta    { return v.Meta }
func (v *Redirect) meta() Meta { return v.Meta }

// Entry is what a Store returns for a key.
type Entry struct {
	Value Value
	// Revalidate is the interval the render was produced with. Nil means
	// the prerender manifest decides.
	Revalidate   *config.Revalidate
	LastModified time.Time
	// BypassTagCheck skips tag invalidation lookups for this entry.
	BypassTagCheck bool
}

// Tags returns the cache tags the render was stored with.
func (e *Entry) Tags() []string {
	h := e.Value.meta().Headers
	if h == nil {
		return nil
	}
	raw := h.Get("x-next-cache-tags")
	if raw == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func init() {
	gob.Register(&Page{})
	gob.Register(&App{})
	gob.Register(&Route{})
	gob.Register(&Redirect{})
}
