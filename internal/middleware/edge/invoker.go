package edge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/background"
	"github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/geo"
	"github.com/wudi/edgeroute/internal/i18n"
	"github.com/wudi/edgeroute/internal/instrument"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/pathnorm"
	"github.com/wudi/edgeroute/internal/pattern"
	"github.com/wudi/edgeroute/internal/rewrite"
)

// Action is the routing consequence of one invocation.
type Action int

const (
	// ActionSkip means the middleware did not run.
	ActionSkip Action = iota
	// ActionContinue proceeds with request header overrides applied.
	ActionContinue
	// ActionRewrite proceeds with a new request URL.
	ActionRewrite
	// ActionRespond ends routing with the middleware's response.
	ActionRespond
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionContinue:
		return "continue"
	case ActionRewrite:
		return "rewrite"
	case ActionRespond:
		return "respond"
	}
	return "unknown"
}

// Outcome is the translated result of an invocation. Event is set for
// every action but ActionRespond, Response only for ActionRespond.
type Outcome struct {
	Action          Action
	Event           *event.Event
	Response        *event.Response
	ResponseHeaders http.Header
	IsExternal      bool
	// RewriteStatus is the middleware's status when it rewrote with a
	// status other than 200.
	RewriteStatus int
}

// Options configures an Invoker.
type Options struct {
	PreviewModeID   string
	RequestIDHeader string
	Timeout         time.Duration
	Locales         *i18n.Resolver
	Geo             *geo.Resolver
	Reporter        instrument.Reporter
}

// Invoker decides whether the middleware runs for a request and
// translates its output. It is immutable and safe for concurrent use.
type Invoker struct {
	fn       Func
	triggers []*pattern.Regex
	opts     Options
}

// New compiles the trigger patterns of the middleware manifest. A nil fn
// or an empty manifest yields an invoker that always skips.
func New(m config.MiddlewareManifest, fn Func, opts Options) (*Invoker, error) {
	inv := &Invoker{fn: fn, opts: opts}
	if opts.Locales == nil {
		inv.opts.Locales = i18n.NewResolver(nil, "", false)
	}
	keys := make([]string, 0, len(m.Middleware))
	for k := range m.Middleware {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, mm := range m.Middleware[k].Matchers {
			re, err := pattern.Compile(mm.Regexp)
			if err != nil {
				return nil, fmt.Errorf("middleware %s matcher %q: %w", k, mm.Regexp, err)
			}
			inv.triggers = append(inv.triggers, re)
		}
	}
	return inv, nil
}

// Enabled reports whether a transform is loaded and has triggers.
func (inv *Invoker) Enabled() bool {
	return inv.fn != nil && len(inv.triggers) > 0
}

func (inv *Invoker) triggered(path string) bool {
	for _, re := range inv.triggers {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// isRegenerationRequest reports whether ev is the origin's own ISR refresh
// request, which must reach the renderer untouched.
func (inv *Invoker) isRegenerationRequest(ev *event.Event) bool {
	return inv.opts.PreviewModeID != "" &&
		ev.HasHeader("x-isr") &&
		ev.Header("x-prerender-revalidate") == inv.opts.PreviewModeID
}

// Invoke runs the middleware for ev when a trigger matches. initialQuery
// is the query the client sent, before data-route normalization. Work the
// transform defers is registered on bg.
func (inv *Invoker) Invoke(ctx context.Context, ev *event.Event, initialQuery url.Values, bg *background.Collector) (Outcome, error) {
	skip := Outcome{Action: ActionSkip, Event: ev}
	if !inv.Enabled() {
		return skip, nil
	}
	localized := inv.opts.Locales.LocalizePath(ev)
	if !inv.triggered(localized) || inv.isRegenerationRequest(ev) {
		return skip, nil
	}

	u, err := url.Parse(ev.URL)
	if err != nil {
		return Outcome{}, errors.Wrap(fmt.Errorf("parse event url: %w", err), errors.ErrBadRequest)
	}
	path, err := url.PathUnescape(localized)
	if err != nil {
		path = localized
	}
	u.Path, u.RawPath = path, localized
	u.RawQuery = event.EncodeQuery(initialQuery)

	scope := &Scope{Cookies: newCookies(ev.Cookies), bg: bg}
	if inv.opts.RequestIDHeader != "" {
		scope.RequestID = ev.Header(inv.opts.RequestIDHeader)
	}
	if inv.opts.Geo != nil {
		scope.Geo = inv.opts.Geo.Resolve(ev)
	}
	req := &Request{
		Method:  ev.Method,
		URL:     u,
		Headers: ev.Headers.Clone(),
		Body:    ev.Body,
		IP:      geo.ClientIP(ev),
	}

	runCtx := ctx
	if inv.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.opts.Timeout)
		defer cancel()
	}
	res, err := inv.run(runCtx, req, scope)
	setCookies := scope.Cookies.seal()
	if err != nil {
		instrument.Report(ctx, inv.opts.Reporter, err, map[string]string{
			"phase":      "middleware",
			"path":       ev.RawPath,
			"request_id": scope.RequestID,
		})
		return Outcome{}, errors.Wrap(err, errors.ErrMiddlewareFailed)
	}
	if res == nil {
		res = Next()
	}
	if res.Headers == nil {
		res.Headers = http.Header{}
	}
	for _, c := range setCookies {
		res.Headers.Add("Set-Cookie", c)
	}
	out := translate(ev, res)
	logging.FromContext(ctx).Debug("middleware outcome",
		zap.String("path", localized),
		zap.Stringer("action", out.Action),
	)
	return out, nil
}

func (inv *Invoker) run(ctx context.Context, req *Request, scope *Scope) (res *Response, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("middleware panicked: %v", p)
		}
	}()
	return inv.fn.Run(ctx, req, scope)
}

var filteredHeaders = map[string]bool{
	HeaderOverrideHeaders: true,
	HeaderNext:            true,
	HeaderRewrite:         true,
	"content-encoding":    true,
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// translate maps the middleware response onto a routing outcome.
func translate(ev *event.Event, res *Response) Outcome {
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}

	reqHeaders := http.Header{}
	resHeaders := http.Header{}
	for key, vals := range res.Headers {
		lk := strings.ToLower(key)
		switch {
		case strings.HasPrefix(lk, HeaderRequestPrefix):
			reqHeaders[http.CanonicalHeaderKey(lk[len(HeaderRequestPrefix):])] = vals
		case filteredHeaders[lk]:
		case lk == "set-cookie":
			for _, v := range vals {
				resHeaders.Add("Set-Cookie", v)
			}
		case lk == "location" && isRedirectStatus(status):
			resHeaders.Set("Location", normalizeLocation(vals[0], ev.URL))
		default:
			resHeaders[http.CanonicalHeaderKey(key)] = append([]string(nil), vals...)
		}
	}

	target := res.Headers.Get(HeaderRewrite)
	if target == "" && res.Headers.Get(HeaderNext) == "" {
		resp := event.NewResponse(status)
		resp.Headers = resHeaders
		resp.Body = res.Body
		return Outcome{Action: ActionRespond, Response: resp, ResponseHeaders: resHeaders}
	}

	next := ev.Clone()
	if len(reqHeaders) > 0 {
		keys := make([]string, 0, len(reqHeaders))
		for k, v := range reqHeaders {
			next.Headers[k] = v
			keys = append(keys, strings.ToLower(k))
		}
		sort.Strings(keys)
		next.Headers.Set(HeaderOverrideHeaders, strings.Join(keys, ","))
		if _, ok := reqHeaders["Cookie"]; ok {
			next.Cookies = event.ParseCookies(strings.Join(reqHeaders.Values("Cookie"), "; "))
		}
	}

	out := Outcome{Action: ActionContinue, Event: next, ResponseHeaders: resHeaders}
	if status != http.StatusOK {
		out.RewriteStatus = status
	}
	if target == "" {
		return out
	}

	out.Action = ActionRewrite
	if base, err := url.Parse(ev.URL); err == nil {
		if ref, err := base.Parse(target); err == nil {
			target = ref.String()
		}
	}
	if rewrite.IsExternal(target, ev.Host()) {
		out.IsExternal = true
		out.Event = next.WithURL(target)
		return out
	}

	q := url.Values{}
	if u, err := url.Parse(target); err == nil {
		q = u.Query()
	}
	if v, ok := ev.Query[pathnorm.DataRequestParam]; ok {
		if _, present := q[pathnorm.DataRequestParam]; !present {
			q[pathnorm.DataRequestParam] = v
		}
	}
	out.Event = next.WithURL(target).WithQuery(q)
	return out
}

// normalizeLocation makes a same-origin redirect target host-relative.
// Relative or unparsable locations are returned unchanged.
func normalizeLocation(location, base string) string {
	u, err := url.Parse(location)
	if err != nil || !u.IsAbs() {
		return location
	}
	b, err := url.Parse(base)
	if err != nil || !strings.EqualFold(u.Scheme, b.Scheme) || !strings.EqualFold(u.Host, b.Host) {
		return location
	}
	rel := u.EscapedPath()
	if rel == "" {
		rel = "/"
	}
	if u.RawQuery != "" {
		rel += "?" + u.RawQuery
	}
	if u.Fragment != "" {
		rel += "#" + u.EscapedFragment()
	}
	return rel
}
