// Package routing sequences the request pipeline: header injection, data
// routes, redirects, middleware, the three rewrite phases, assets, route
// classification, fallback handling and ISR cache interception.
package routing

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/assets"
	"github.com/wudi/edgeroute/internal/background"
	"github.com/wudi/edgeroute/internal/cache"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/geo"
	"github.com/wudi/edgeroute/internal/i18n"
	"github.com/wudi/edgeroute/internal/instrument"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/middleware/edge"
	"github.com/wudi/edgeroute/internal/pathnorm"
	"github.com/wudi/edgeroute/internal/revalidate"
	"github.com/wudi/edgeroute/internal/rewrite"
	"github.com/wudi/edgeroute/internal/router"
	"github.com/wudi/edgeroute/internal/tracing"
)

// HeaderInvokeStatus tells the renderer which status to render with.
const HeaderInvokeStatus = "x-invoke-status"

const noStore = "private, no-cache, no-store, max-age=0, must-revalidate"

// Deps are the long-lived collaborators shared by every pipeline
// generation. Nil members disable the feature they back.
type Deps struct {
	Middleware edge.Func
	Geo        *geo.Resolver
	Store      cache.Store
	Tags       cache.TagStore
	Queue      revalidate.Queue
	Assets     *assets.Resolver
	Reporter   instrument.Reporter
	Metrics    *metrics.Collector
	Tracer     *tracing.Tracer
}

// Handler is one compiled pipeline generation. It is immutable and safe
// for concurrent use; a reload builds a new Handler.
type Handler struct {
	manifest *config.Manifest
	basePath string
	cfg      config.RoutingConfig
	deps     Deps

	locales    *i18n.Resolver
	rewrites   *rewrite.Engine
	static     *router.Matcher
	dynamic    *router.Matcher
	middleware *edge.Invoker
	cache      *cache.Interceptor
	fallback   fallbackFalse
}

// New compiles every manifest table of m. Any invalid pattern fails the
// whole generation.
func New(m *config.Manifest, cfg *config.Config, deps Deps) (*Handler, error) {
	next := m.Next
	basePath := next.BasePath
	if basePath == "" {
		basePath = m.Routes.BasePath
	}
	h := &Handler{manifest: m, basePath: basePath, cfg: cfg.Routing, deps: deps}
	if h.cfg.NotFoundPath == "" {
		h.cfg.NotFoundPath = "/404"
	}
	if h.cfg.ErrorPath == "" {
		h.cfg.ErrorPath = "/500"
	}
	h.locales = i18n.NewResolver(next.I18n, basePath, next.TrailingSlash)

	var err error
	h.rewrites, err = rewrite.New(m.Routes, h.locales, rewrite.Options{
		BasePath:                  basePath,
		TrailingSlash:             next.TrailingSlash,
		SkipTrailingSlashRedirect: next.SkipTrailingSlashRedirect,
	})
	if err != nil {
		return nil, err
	}
	if h.static, err = router.New(m.Routes.StaticRoutes, m.AppPathRoutes, h.locales.Locales(), basePath); err != nil {
		return nil, fmt.Errorf("static routes: %w", err)
	}
	if h.dynamic, err = router.New(m.Routes.DynamicRoutes, m.AppPathRoutes, h.locales.Locales(), basePath); err != nil {
		return nil, fmt.Errorf("dynamic routes: %w", err)
	}
	if h.fallback, err = compileFallbackFalse(m.Prerender); err != nil {
		return nil, fmt.Errorf("prerender routes: %w", err)
	}

	h.middleware, err = edge.New(m.Middleware, deps.Middleware, edge.Options{
		PreviewModeID:   m.Prerender.Preview.PreviewModeID,
		RequestIDHeader: cfg.Server.RequestIDHeader,
		Timeout:         cfg.Middleware.Timeout,
		Locales:         h.locales,
		Geo:             deps.Geo,
		Reporter:        deps.Reporter,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Routing.EnableCacheInterception && deps.Store != nil {
		var reval cache.Revalidator
		if deps.Queue != nil {
			reval = revalidate.NewScheduler(deps.Queue, revalidate.Options{
				BasePath:       basePath,
				TrailingSlash:  next.TrailingSlash,
				MaxConcurrency: cfg.Revalidation.MaxConcurrency,
			})
		}
		h.cache, err = cache.NewInterceptor(m.Prerender, deps.Store, deps.Tags, reval, cache.Options{
			BasePath: basePath,
			Locales:  h.locales,
			Metrics:  deps.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}
	return h, nil
}

// BuildID returns the build the handler was compiled from.
func (h *Handler) BuildID() string { return h.manifest.BuildID }

// Route runs the pipeline for ev. Background work registered by the
// middleware or the cache interceptor is added to bg. Route never fails:
// errors and panics degrade to a forward to the error page.
func (h *Handler) Route(ctx context.Context, ev *event.Event, bg *background.Collector) (d Decision) {
	start := time.Now()
	if h.deps.Tracer != nil {
		var span trace.Span
		ctx, span = h.startSpan(ctx, ev)
		defer span.End()
	}
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("routing panicked: %v", p)
			logging.FromContext(ctx).Error("routing panic", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			d = h.errorDecision(ctx, ev, err)
		}
		h.deps.Metrics.RecordDecision(d.Kind(), time.Since(start))
	}()

	d, err := h.route(ctx, ev, bg)
	if err != nil {
		return h.errorDecision(ctx, ev, err)
	}
	return d
}

func (h *Handler) route(ctx context.Context, in *event.Event, bg *background.Collector) (Decision, error) {
	ev := stripReservedHeaders(in)
	configHeaders := h.rewrites.Headers(ev)

	ev, resp := pathnorm.FixDataRoute(ev, h.manifest.BuildID, h.basePath)
	if resp != nil {
		return Decision{Response: resp}, nil
	}

	resp, err := h.rewrites.HandleRedirects(ev)
	if err != nil {
		return Decision{}, err
	}
	if resp != nil {
		return Decision{Response: resp}, nil
	}

	out, err := h.middleware.Invoke(ctx, ev, in.Query, bg)
	if err != nil {
		return Decision{}, err
	}
	h.deps.Metrics.RecordMiddleware(out.Action.String())
	if out.Action == edge.ActionRespond {
		return Decision{Response: out.Response}, nil
	}
	ev = out.Event
	isExternal := out.IsExternal

	headers := mergeHeaders(configHeaders, out.ResponseHeaders, h.cfg.MiddlewareHeadersOverride)

	if !isExternal {
		res, err := h.rewrites.Rewrite(ev, rewrite.PhaseBefore)
		if err != nil {
			return Decision{}, err
		}
		ev, isExternal = res.Event, res.IsExternal
		if !isExternal && h.deps.Assets != nil {
			asset, err := h.deps.Assets.Serve(ev)
			if err != nil {
				return Decision{}, err
			}
			if asset != nil {
				applyHeaders(asset.Headers, headers)
				return Decision{Response: asset}, nil
			}
		}
	}

	staticRoutes := h.static.Match(ev.RawPath)
	isStatic := !isExternal && len(staticRoutes) > 0
	if !isStatic && !isExternal {
		res, err := h.rewrites.Rewrite(ev, rewrite.PhaseAfter)
		if err != nil {
			return Decision{}, err
		}
		ev, isExternal = res.Event, res.IsExternal
	}

	isISR := false
	if !isExternal {
		var notFound bool
		notFound, isISR = h.handleFallbackFalse(ev.RawPath)
		if notFound {
			ev = ev.WithPath(h.cfg.NotFoundPath).WithHeader(HeaderInvokeStatus, "404")
		}
	}

	dynamicRoutes := h.dynamic.Match(ev.RawPath)
	isDynamic := !isExternal && len(dynamicRoutes) > 0
	if !isDynamic && !isStatic && !isExternal {
		res, err := h.rewrites.Rewrite(ev, rewrite.PhaseFallback)
		if err != nil {
			return Decision{}, err
		}
		ev, isExternal = res.Event, res.IsExternal
	}

	fwd := &Forward{
		IsExternal:      isExternal,
		IsISR:           isISR,
		Routes:          append(staticRoutes, dynamicRoutes...),
		OriginalURL:     in.URL,
		RewriteStatus:   out.RewriteStatus,
		ResponseHeaders: headers,
	}
	if !(isStatic || isDynamic || isExternal || exemptFromNotFound(ev.RawPath, h.basePath)) {
		ev = ev.WithPath(h.cfg.NotFoundPath)
		fwd.ForceHeaders = http.Header{"Cache-Control": {noStore}}
	}

	if h.cache != nil && !isExternal {
		if resp := h.cache.Intercept(ctx, ev, out.RewriteStatus); resp != nil {
			applyHeaders(resp.Headers, headers)
			return Decision{Response: resp}, nil
		}
	}

	if h.locales.Enabled() {
		fwd.Locale = h.locales.Detect(ev)
	}
	fwd.Event = ev
	return Decision{Forward: fwd}, nil
}

// ExternalFailure degrades a failed forward to an external rewrite target
// into an internal forward to the error page. ev is the inbound event.
func (h *Handler) ExternalFailure(ctx context.Context, ev *event.Event, err error) Decision {
	return h.errorDecision(ctx, stripReservedHeaders(ev), err)
}

// errorDecision forwards a GET for the error page carrying the original
// headers, cookies and query.
func (h *Handler) errorDecision(ctx context.Context, ev *event.Event, err error) Decision {
	instrument.Report(ctx, h.deps.Reporter, err, map[string]string{
		"phase": "routing",
		"path":  ev.RawPath,
	})
	logging.FromContext(ctx).Error("routing failed, rendering error page",
		zap.String("path", ev.RawPath),
		zap.Error(err),
	)
	failed := ev.Clone()
	failed.Method = http.MethodGet
	failed.Body = nil
	failed = failed.WithPath(h.cfg.ErrorPath)
	fwd := &Forward{
		Event:       failed,
		OriginalURL: ev.URL,
		Routes:      []router.Match{},
	}
	if h.locales.Enabled() {
		fwd.Locale = h.locales.Detect(ev)
	}
	return Decision{Forward: fwd}
}

// exemptFromNotFound lists paths the renderer answers even without a
// manifest route.
func exemptFromNotFound(rawPath, basePath string) bool {
	p := pathnorm.StripBasePath(rawPath, basePath)
	return strings.HasPrefix(p, "/_next/image") ||
		strings.HasPrefix(p, "/_next/data") ||
		p == "/api" || strings.HasPrefix(p, "/api/")
}

// stripReservedHeaders drops inbound headers only the pipeline may set.
func stripReservedHeaders(ev *event.Event) *event.Event {
	var drop []string
	for k := range ev.Headers {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-middleware-") || strings.HasPrefix(lk, "x-opennext-") || lk == HeaderInvokeStatus {
			drop = append(drop, k)
		}
	}
	if len(drop) == 0 {
		return ev
	}
	out := ev.Clone()
	for _, k := range drop {
		delete(out.Headers, k)
	}
	return out
}

// mergeHeaders combines config-declared headers with the middleware's.
// By default config headers win collisions; Set-Cookie values are always
// concatenated.
func mergeHeaders(configured, fromMiddleware http.Header, middlewareWins bool) http.Header {
	out := http.Header{}
	low, high := fromMiddleware, configured
	if middlewareWins {
		low, high = configured, fromMiddleware
	}
	for _, src := range []http.Header{low, high} {
		for _, k := range sortedKeys(src) {
			ck := http.CanonicalHeaderKey(k)
			if ck == "Set-Cookie" {
				out[ck] = append(out[ck], src[k]...)
				continue
			}
			out[ck] = append([]string(nil), src[k]...)
		}
	}
	return out
}

// applyHeaders sets extra on a synthetic response, appending cookies.
func applyHeaders(dst, extra http.Header) {
	for k, vv := range extra {
		ck := http.CanonicalHeaderKey(k)
		if ck == "Set-Cookie" {
			dst[ck] = append(dst[ck], vv...)
			continue
		}
		dst[ck] = append([]string(nil), vv...)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (h *Handler) startSpan(ctx context.Context, ev *event.Event) (context.Context, trace.Span) {
	u, _ := url.Parse(ev.URL)
	host := ""
	if u != nil {
		host = u.Host
	}
	return h.deps.Tracer.StartSpan(ctx, "routing",
		attribute.String("routing.path", ev.RawPath),
		attribute.String("routing.host", host),
		attribute.String("routing.build_id", h.manifest.BuildID),
	)
}
