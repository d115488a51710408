// Package edge runs the user-supplied request transform that executes
// before routing and translates its response into a routing outcome.
package edge

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"github.com/wudi/edgeroute/internal/background"
	"github.com/wudi/edgeroute/internal/geo"
)

// Reserved response headers understood by the invoker.
const (
	HeaderNext            = "x-middleware-next"
	HeaderRewrite         = "x-middleware-rewrite"
	HeaderRequestPrefix   = "x-middleware-request-"
	HeaderOverrideHeaders = "x-middleware-override-headers"
)

// Request is the view of the inbound request handed to a Func.
type Request struct {
	Method  string
	URL     *url.URL // localized URL with the initial query
	Headers http.Header
	Body    []byte
	IP      string
}

// Response is what a Func produces. Its reserved headers select the
// outcome; see Next, Rewrite and Redirect.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Next continues routing with the request unchanged.
func Next() *Response {
	return &Response{StatusCode: http.StatusOK, Headers: http.Header{HeaderNext: {"1"}}}
}

// Rewrite continues routing with target as the new request URL.
func Rewrite(target string) *Response {
	return &Response{StatusCode: http.StatusOK, Headers: http.Header{HeaderRewrite: {target}}}
}

// Redirect ends routing with a redirect to location.
func Redirect(location string, status int) *Response {
	return &Response{StatusCode: status, Headers: http.Header{"Location": {location}}}
}

// SetRequestHeader overrides a header of the request forwarded downstream.
func (r *Response) SetRequestHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = http.Header{}
	}
	r.Headers.Set(HeaderRequestPrefix+name, value)
}

// Func is a loaded request transform.
type Func interface {
	Run(ctx context.Context, req *Request, scope *Scope) (*Response, error)
}

// FuncOf adapts a plain function to Func.
type FuncOf func(ctx context.Context, req *Request, scope *Scope) (*Response, error)

func (f FuncOf) Run(ctx context.Context, req *Request, scope *Scope) (*Response, error) {
	return f(ctx, req, scope)
}

// Scope is the per-request environment of one invocation. It is created
// by the invoker and only valid while that invocation runs, except for
// WaitUntil which may be called from background tasks.
type Scope struct {
	RequestID string
	Geo       geo.Hints
	Cookies   *Cookies

	bg *background.Collector
}

// WaitUntil registers work that runs after the response is delivered.
func (s *Scope) WaitUntil(t background.Task) {
	if s.bg == nil {
		return
	}
	s.bg.Add(t)
}

// ErrCookiesSealed is returned when cookies are written after the
// invocation finished.
var ErrCookiesSealed = errors.New("edge: cookies are read-only after the middleware returned")

// Cookies reads request cookies and records Set-Cookie writes.
type Cookies struct {
	mu     sync.Mutex
	req    map[string]string
	set    []*http.Cookie
	sealed bool
}

func newCookies(req map[string]string) *Cookies {
	cp := make(map[string]string, len(req))
	for k, v := range req {
		cp[k] = v
	}
	return &Cookies{req: cp}
}

// Get returns a cookie value, reflecting writes made during the call.
func (c *Cookies) Get(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.req[name]
	return v, ok
}

// Set records a cookie to send with the response.
func (c *Cookies) Set(ck *http.Cookie) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return ErrCookiesSealed
	}
	if ck.MaxAge < 0 {
		delete(c.req, ck.Name)
	} else {
		c.req[ck.Name] = ck.Value
	}
	c.set = append(c.set, ck)
	return nil
}

// Delete expires a cookie.
func (c *Cookies) Delete(name string) error {
	return c.Set(&http.Cookie{Name: name, Path: "/", MaxAge: -1})
}

// seal stops further writes and returns the Set-Cookie header values.
func (c *Cookies) seal() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	out := make([]string, 0, len(c.set))
	for _, ck := range c.set {
		if s := ck.String(); s != "" {
			out = append(out, s)
		}
	}
	return out
}
