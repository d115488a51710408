// Package rewrite evaluates the build's redirect, rewrite and header rules.
package rewrite

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/i18n"
	"github.com/wudi/edgeroute/internal/pathnorm"
	"github.com/wudi/edgeroute/internal/pattern"
)

// Phase selects one of the three rewrite tables.
type Phase string

const (
	PhaseBefore   Phase = "beforeFiles"
	PhaseAfter    Phase = "afterFiles"
	PhaseFallback Phase = "fallback"
)

// Result is the outcome of one rewrite phase. Rule is nil when nothing
// matched, in which case Event is the input event.
type Result struct {
	Event      *event.Event
	Rule       *config.RewriteRule
	IsExternal bool
}

type rule struct {
	cfg     config.RewriteRule
	re      *pattern.Regex
	source  *pattern.Matcher
	has     []condition
	missing []condition

	external bool
	protocol string
	path     *pattern.Template
	host     *pattern.Template
	query    *pattern.Template
	rawPath  string
	rawHost  string
	rawQuery string
}

type headerRule struct {
	cfg     config.HeaderRule
	re      *pattern.Regex
	source  *pattern.Matcher
	has     []condition
	missing []condition
	keys    []*pattern.Template // nil entries use the literal key
	values  []*pattern.Template
}

// Options carries the framework settings the engine depends on.
type Options struct {
	BasePath                  string
	TrailingSlash             bool
	SkipTrailingSlashRedirect bool
}

// Engine holds compiled rule tables. It is immutable and safe for
// concurrent use.
type Engine struct {
	opts      Options
	locales   *i18n.Resolver
	redirects []rule
	phases    map[Phase][]rule
	headers   []headerRule
}

// New compiles every rule of the routes manifest.
func New(rm config.RoutesManifest, locales *i18n.Resolver, opts Options) (*Engine, error) {
	e := &Engine{opts: opts, locales: locales, phases: make(map[Phase][]rule)}

	for i, r := range rm.Redirects {
		if r.Internal {
			continue
		}
		cr, err := compileRule(r)
		if err != nil {
			return nil, fmt.Errorf("redirect %d (%s): %w", i, r.Source, err)
		}
		e.redirects = append(e.redirects, cr)
	}

	tables := map[Phase][]config.RewriteRule{
		PhaseBefore:   rm.Rewrites.BeforeFiles,
		PhaseAfter:    rm.Rewrites.AfterFiles,
		PhaseFallback: rm.Rewrites.Fallback,
	}
	for phase, list := range tables {
		for i, r := range list {
			cr, err := compileRule(r)
			if err != nil {
				return nil, fmt.Errorf("rewrite %s %d (%s): %w", phase, i, r.Source, err)
			}
			e.phases[phase] = append(e.phases[phase], cr)
		}
	}

	for i, h := range rm.Headers {
		hr, err := compileHeaderRule(h)
		if err != nil {
			return nil, fmt.Errorf("header rule %d (%s): %w", i, h.Source, err)
		}
		e.headers = append(e.headers, hr)
	}
	return e, nil
}

func compileSource(source, regex string) (*pattern.Regex, *pattern.Matcher, error) {
	m, err := pattern.NewMatcher(pattern.Escape(source, true))
	if err != nil {
		return nil, nil, err
	}
	if regex == "" {
		return m.Regex(), m, nil
	}
	re, err := pattern.Compile(regex)
	if err != nil {
		return nil, nil, err
	}
	return re, m, nil
}

func compileRule(r config.RewriteRule) (rule, error) {
	cr := rule{cfg: r}
	var err error
	if cr.re, cr.source, err = compileSource(r.Source, r.Regex); err != nil {
		return cr, err
	}
	if cr.has, err = compileConditions(r.Has); err != nil {
		return cr, err
	}
	if cr.missing, err = compileConditions(r.Missing); err != nil {
		return cr, err
	}

	cr.external = IsExternal(r.Destination, "")
	cr.protocol, cr.rawHost, cr.rawPath, cr.rawQuery, err = urlParts(r.Destination, cr.external)
	if err != nil {
		return cr, err
	}
	cr.rawQuery = strings.ReplaceAll(cr.rawQuery, "+", "%20")
	if cr.path, err = pattern.NewTemplate(pattern.Escape(cr.rawPath, true)); err != nil {
		return cr, err
	}
	if cr.host, err = pattern.NewTemplate(pattern.Escape(cr.rawHost, false)); err != nil {
		return cr, err
	}
	if cr.query, err = pattern.NewTemplate(pattern.Escape(cr.rawQuery, false)); err != nil {
		return cr, err
	}
	return cr, nil
}

func compileHeaderRule(h config.HeaderRule) (headerRule, error) {
	hr := headerRule{cfg: h}
	var err error
	if hr.re, hr.source, err = compileSource(h.Source, h.Regex); err != nil {
		return hr, err
	}
	if hr.has, err = compileConditions(h.Has); err != nil {
		return hr, err
	}
	if hr.missing, err = compileConditions(h.Missing); err != nil {
		return hr, err
	}
	for _, kv := range h.Headers {
		// Header keys and values are free text; anything the template
		// grammar rejects is emitted literally.
		k, _ := pattern.NewTemplate(kv.Key)
		v, _ := pattern.NewTemplate(kv.Value)
		hr.keys = append(hr.keys, k)
		hr.values = append(hr.values, v)
	}
	return hr, nil
}

var externalURL = regexp.MustCompile(`^https?://`)

// IsExternal reports whether dest is an absolute http(s) URL. When host is
// given, URLs containing it are treated as same-origin.
func IsExternal(dest, host string) bool {
	if !externalURL.MatchString(dest) {
		return false
	}
	return host == "" || !strings.Contains(dest, host)
}

var externalParts = regexp.MustCompile(`^(https?:)//?([^/\s]+)(/[^?]*)?(\?.*)?`)

func urlParts(dest string, external bool) (protocol, host, path, query string, err error) {
	if !external {
		path, query, _ = strings.Cut(dest, "?")
		if path == "" {
			path = "/"
		}
		return "", "", path, query, nil
	}
	m := externalParts.FindStringSubmatch(dest)
	if m == nil {
		return "", "", "", "", fmt.Errorf("invalid external URL %q", dest)
	}
	return m[1], m[2], m[3], strings.TrimPrefix(m[4], "?"), nil
}

// matchPath picks the raw or localized path according to the rule's
// locale flag.
func (e *Engine) matchPath(ev *event.Event, locale *bool, localized string) string {
	if locale != nil && !*locale {
		return ev.RawPath
	}
	return localized
}

// Rewrite applies the first matching rule of phase.
func (e *Engine) Rewrite(ev *event.Event, phase Phase) (Result, error) {
	return e.apply(ev, e.phases[phase])
}

func (e *Engine) apply(ev *event.Event, rules []rule) (Result, error) {
	localized := e.locales.LocalizePath(ev)
	for i := range rules {
		r := &rules[i]
		path := e.matchPath(ev, r.cfg.Locale, localized)
		if !r.re.MatchString(path) || !allMatch(ev, r.has, r.missing) {
			continue
		}
		out, err := e.rewriteTo(ev, r, path)
		if err != nil {
			return Result{Event: ev}, fmt.Errorf("rewrite %s -> %s: %w", r.cfg.Source, r.cfg.Destination, err)
		}
		return Result{Event: out, Rule: &r.cfg, IsExternal: r.external}, nil
	}
	return Result{Event: ev}, nil
}

func (e *Engine) rewriteTo(ev *event.Event, r *rule, path string) (*event.Event, error) {
	params, _ := r.source.Match(path)
	params = params.Merge(conditionParams(ev, r.has, r.missing))

	newPath, newHost, newQuery := r.rawPath, r.rawHost, r.rawQuery
	if len(params) > 0 {
		var err error
		if newPath, err = r.path.Expand(params); err != nil {
			return nil, err
		}
		if newHost, err = r.host.Expand(params); err != nil {
			return nil, err
		}
		if newQuery, err = r.query.Expand(params); err != nil {
			return nil, err
		}
		newPath, newHost, newQuery = pattern.Unescape(newPath), pattern.Unescape(newHost), pattern.Unescape(newQuery)
	}

	if !r.external && e.locales.Enabled() {
		if stripped, loc := pathnorm.StripLocale(newPath, e.locales.Locales()); loc != "" && strings.HasPrefix(stripped, "/api/") {
			newPath = stripped
		}
	}

	query := cloneQuery(ev.Query)
	dest, err := url.ParseQuery(newQuery)
	if err != nil {
		return nil, fmt.Errorf("destination query %q: %w", newQuery, err)
	}
	for k, v := range dest {
		query[k] = v
	}

	if r.external {
		target := r.protocol + "//" + newHost + newPath
		if q := event.EncodeQuery(query); q != "" {
			target += "?" + q
		}
		out := ev.WithURL(target)
		out.Query = query
		return out, nil
	}
	out := ev.WithQuery(query)
	return out.WithPath(newPath), nil
}

// HandleRedirects runs the redirect checks in order: repeated slashes,
// trailing slash, locale, then the manifest redirect list.
func (e *Engine) HandleRedirects(ev *event.Event) (*event.Response, error) {
	if resp := e.repeatedSlashRedirect(ev); resp != nil {
		return resp, nil
	}
	if resp := e.trailingSlashRedirect(ev); resp != nil {
		return resp, nil
	}
	if resp := e.locales.Redirect(ev); resp != nil {
		return resp, nil
	}

	res, err := e.apply(ev, e.redirects)
	if err != nil {
		return nil, err
	}
	if res.Rule == nil {
		return nil, nil
	}
	status := res.Rule.StatusCode
	if status == 0 {
		status = http.StatusPermanentRedirect
	}
	location := res.Event.URL
	if !res.IsExternal {
		location = res.Event.RawPath + res.Event.Search()
	}
	return event.Redirect(status, location), nil
}

func (e *Engine) repeatedSlashRedirect(ev *event.Event) *event.Response {
	if !pathnorm.HasRepeatedSlashes(ev.RawPath) {
		return nil
	}
	return event.Redirect(http.StatusPermanentRedirect, pathnorm.CollapseSlashes(ev.RawPath)+rawSearch(ev.URL))
}

var fileLike = regexp.MustCompile(`[\w-]+\.\w+$`)

func (e *Engine) trailingSlashRedirect(ev *event.Event) *event.Response {
	p := ev.RawPath
	if e.opts.SkipTrailingSlashRedirect || strings.HasPrefix(p, "/api/") {
		return nil
	}
	search := rawSearch(ev.URL)
	switch {
	case e.opts.TrailingSlash:
		if ev.HasHeader("x-nextjs-data") || strings.HasSuffix(p, "/") || fileLike.MatchString(p) {
			return nil
		}
		return event.Redirect(http.StatusPermanentRedirect, p+"/"+search)
	case p != "/" && strings.HasSuffix(p, "/"):
		return event.Redirect(http.StatusPermanentRedirect, strings.TrimSuffix(p, "/")+search)
	}
	return nil
}

// Headers evaluates every header rule against ev. Later rules override
// earlier ones; substitution failures fall back to the literal pair.
func (e *Engine) Headers(ev *event.Event) http.Header {
	out := http.Header{}
	if len(e.headers) == 0 {
		return out
	}
	localized := e.locales.LocalizePath(ev)
	for _, h := range e.headers {
		path := e.matchPath(ev, h.cfg.Locale, localized)
		if !h.re.MatchString(path) || !allMatch(ev, h.has, h.missing) {
			continue
		}
		params, _ := h.source.Match(path)
		for i, kv := range h.cfg.Headers {
			key := expandOr(h.keys[i], params, kv.Key)
			val := expandOr(h.values[i], params, kv.Value)
			out.Set(key, val)
		}
	}
	return out
}

func expandOr(t *pattern.Template, params pattern.Params, literal string) string {
	if t == nil || len(params) == 0 {
		return literal
	}
	s, err := t.Expand(params)
	if err != nil {
		return literal
	}
	return s
}

// rawSearch returns "?query" of rawURL verbatim, or "".
func rawSearch(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		q := rawURL[i:]
		if j := strings.IndexByte(q, '#'); j >= 0 {
			q = q[:j]
		}
		if q == "?" {
			return ""
		}
		return q
	}
	return ""
}

func cloneQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		out[k] = append([]string(nil), v...)
	}
	return out
}
