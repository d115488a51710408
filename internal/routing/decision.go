package routing

import (
	"net/http"

	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/router"
)

// Decision is the outcome of one pipeline run: exactly one of Response
// and Forward is set.
type Decision struct {
	Response *event.Response
	Forward  *Forward
}

// Forward describes a request to hand to an origin renderer or, when
// IsExternal is set, to the absolute URL of Event.
type Forward struct {
	Event       *event.Event
	IsExternal  bool
	IsISR       bool
	Routes      []router.Match
	OriginalURL string
	Locale      string
	// RewriteStatus replaces the origin status when non-zero.
	RewriteStatus int
	// ResponseHeaders fill gaps in the origin response headers.
	ResponseHeaders http.Header
	// ForceHeaders replace origin response headers.
	ForceHeaders http.Header
}

// Kind names the decision for metrics and logs.
func (d Decision) Kind() string {
	switch {
	case d.Response != nil && d.Response.IsRedirect():
		return "redirect"
	case d.Response != nil:
		return "response"
	case d.Forward == nil:
		return "none"
	case d.Forward.IsExternal:
		return "external"
	}
	return "forward"
}
