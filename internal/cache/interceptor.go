package cache

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/i18n"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/pathnorm"
	"github.com/wudi/edgeroute/internal/pattern"
	"github.com/wudi/edgeroute/internal/revalidate"
)

const (
	// OneYear is the s-maxage of entries that never go stale.
	OneYear = 31536000
	// OneMonth is the stale-while-revalidate window.
	OneMonth = 2592000

	// HeaderCacheStatus carries HIT, STALE or ERROR.
	HeaderCacheStatus = "x-opennext-cache"

	// Vary lists the request headers a cached render varies on.
	Vary = "RSC, Next-Router-State-Tree, Next-Router-Prefetch, Next-Router-Segment-Prefetch, Next-Url"

	noStore = "private, no-cache, no-store, max-age=0, must-revalidate"
)

// Cache statuses reported in HeaderCacheStatus.
const (
	StatusHit   = "HIT"
	StatusStale = "STALE"
	StatusError = "ERROR"
)

// Revalidator schedules regeneration of a stale entry.
type Revalidator interface {
	Enqueue(ctx context.Context, path, host, etag string, lastModified time.Time) (revalidate.WorkItem, error)
}

// Options configures an Interceptor.
type Options struct {
	BasePath string
	Locales  *i18n.Resolver
	Metrics  *metrics.Collector
	Now      func() time.Time
}

// Interceptor answers requests for incrementally regenerated routes
// straight from the cache store. Every failure passes the request through.
type Interceptor struct {
	store   Store
	tags    TagStore
	reval   Revalidator
	routes  map[string]config.PrerenderRoute
	dynamic []*pattern.Regex
	opts    Options
}

// NewInterceptor compiles the dynamic ISR patterns of pm. tags and reval
// may be nil.
func NewInterceptor(pm config.PrerenderManifest, store Store, tags TagStore, reval Revalidator, opts Options) (*Interceptor, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Locales == nil {
		opts.Locales = i18n.NewResolver(nil, "", false)
	}
	ic := &Interceptor{
		store:  store,
		tags:   tags,
		reval:  reval,
		routes: pm.Routes,
		opts:   opts,
	}
	for route, dr := range pm.DynamicRoutes {
		re, err := pattern.Compile(dr.RouteRegex)
		if err != nil {
			return nil, fmt.Errorf("prerender route %s: %w", route, err)
		}
		ic.dynamic = append(ic.dynamic, re)
	}
	return ic, nil
}

// IsISR reports whether the normalized path is regenerated incrementally.
func (ic *Interceptor) IsISR(path string) bool {
	if _, ok := ic.routes[path]; ok {
		return true
	}
	for _, re := range ic.dynamic {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func bypassed(ev *event.Event) bool {
	if ev.HasHeader("next-action") || ev.HasHeader("x-prerender-revalidate") {
		return true
	}
	if mt, _, err := mime.ParseMediaType(ev.Header("Content-Type")); err == nil && mt == "multipart/form-data" {
		return true
	}
	for _, c := range []string{"__prerender_bypass", "__next_preview_data"} {
		if _, ok := ev.Cookies[c]; ok {
			return true
		}
	}
	return false
}

// Intercept returns the cached response for ev, or nil to render fresh.
// rewriteStatus, when non-zero, overrides the status of page renders.
func (ic *Interceptor) Intercept(ctx context.Context, ev *event.Event, rewriteStatus int) *event.Response {
	if ic == nil || ic.store == nil || bypassed(ev) {
		return nil
	}
	localized := ic.opts.Locales.LocalizePath(ev)
	path := pathnorm.Normalize(localized, ic.opts.BasePath)
	if !ic.IsISR(path) {
		return nil
	}

	resp, result, err := ic.serve(ctx, ev, path, pathnorm.CacheKey(localized, ic.opts.BasePath), rewriteStatus)
	if err != nil {
		ic.opts.Metrics.RecordCacheResult("fail")
		logging.FromContext(ctx).Debug("cache interception failed, rendering",
			zap.String("path", path), zap.Error(err))
		return nil
	}
	ic.opts.Metrics.RecordCacheResult(result)
	return resp
}

func (ic *Interceptor) serve(ctx context.Context, ev *event.Event, path, key string, rewriteStatus int) (*event.Response, string, error) {
	entry, err := ic.store.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	if entry == nil || entry.Value == nil {
		return nil, "miss", nil
	}

	switch entry.Value.(type) {
	case *App, *Route:
		if !entry.BypassTagCheck && ic.tags != nil {
			if tags := entry.Tags(); len(tags) > 0 {
				stale, err := ic.tags.HasBeenInvalidatedSince(ctx, tags, entry.LastModified)
				if err != nil {
					return nil, "", err
				}
				if stale {
					return nil, "invalidated", nil
				}
			}
		}
	}

	var (
		body        []byte
		contentType string
		status      int
		base64Body  bool
	)
	meta := entry.Value.meta()
	switch v := entry.Value.(type) {
	case *App:
		if ev.HasHeader("rsc") {
			body, contentType = v.RSC, "text/x-component"
		} else {
			body, contentType = []byte(v.HTML), "text/html; charset=utf-8"
		}
		status = pickStatus(rewriteStatus, meta.Status, http.StatusOK)
	case *Page:
		if pathnorm.IsDataRequest(ev) {
			body, contentType = v.JSON, "application/json"
		} else {
			body, contentType = []byte(v.HTML), "text/html; charset=utf-8"
		}
		status = pickStatus(rewriteStatus, meta.Status, http.StatusOK)
	case *Route:
		body = v.Body
		status = pickStatus(rewriteStatus, meta.Status, http.StatusOK)
		base64Body = meta.Headers != nil && isBinaryContentType(meta.Headers.Get("Content-Type"))
	case *Redirect:
		status = pickStatus(0, meta.Status, http.StatusTemporaryRedirect)
	default:
		return nil, "", fmt.Errorf("unknown cache value %T", v)
	}

	cc, result, err := ic.cacheControl(ctx, ev, path, body, entry)
	if err != nil {
		return nil, "", err
	}

	resp := event.NewResponse(status)
	if _, ok := entry.Value.(*Redirect); ok {
		// Stored headers first so the computed cache-control wins.
		copyHeaders(resp.Headers, meta.Headers)
		copyHeaders(resp.Headers, cc)
	} else {
		copyHeaders(resp.Headers, cc)
		if contentType != "" {
			resp.Headers.Set("Content-Type", contentType)
		}
		copyHeaders(resp.Headers, meta.Headers)
		resp.Headers.Set("Vary", Vary)
	}
	if base64Body {
		body = []byte(base64.StdEncoding.EncodeToString(body))
		resp.IsBase64Encoded = true
	}
	resp.Body = body
	return resp, result, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		dst[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
}

func pickStatus(override, stored, def int) int {
	switch {
	case override != 0:
		return override
	case stored != 0:
		return stored
	}
	return def
}

// revalidateAfter resolves the interval of an entry: its own value, else
// the manifest's initial value, else never.
func (ic *Interceptor) revalidateAfter(path string, entry *Entry) config.Revalidate {
	if entry.Revalidate != nil {
		return *entry.Revalidate
	}
	if r, ok := ic.routes[path]; ok && r.InitialRevalidateSeconds != nil {
		return *r.InitialRevalidateSeconds
	}
	return config.RevalidateNever()
}

func (ic *Interceptor) cacheControl(ctx context.Context, ev *event.Event, path string, body []byte, entry *Entry) (http.Header, string, error) {
	etag := strconv.FormatUint(xxhash.Sum64(body), 16)
	h := http.Header{}
	h.Set("ETag", strconv.Quote(etag))

	rev := ic.revalidateAfter(path, entry)
	if !rev.Never && rev.Seconds == 0 {
		h.Set("Cache-Control", noStore)
		h.Set(HeaderCacheStatus, StatusError)
		return h, StatusError, nil
	}
	if rev.Never || rev.Seconds == OneYear {
		h.Set("Cache-Control", fmt.Sprintf("s-maxage=%d, stale-while-revalidate=%d", OneYear, OneMonth))
		h.Set(HeaderCacheStatus, StatusHit)
		return h, StatusHit, nil
	}

	age := int64(ic.opts.Now().Sub(entry.LastModified).Round(time.Second) / time.Second)
	sMaxAge := rev.Seconds - age
	if sMaxAge < 1 {
		sMaxAge = 1
	}
	status := StatusHit
	if sMaxAge == 1 {
		status = StatusStale
		if ic.reval != nil {
			if _, err := ic.reval.Enqueue(ctx, path, ev.Host(), etag, entry.LastModified); err != nil {
				return nil, "", err
			}
		}
	}
	h.Set("Cache-Control", fmt.Sprintf("s-maxage=%d, stale-while-revalidate=%d", sMaxAge, OneMonth))
	h.Set(HeaderCacheStatus, status)
	return h, status, nil
}

var binaryPrefixes = []string{"image/", "audio/", "video/", "font/"}

var binaryTypes = map[string]bool{
	"application/octet-stream":     true,
	"application/pdf":              true,
	"application/zip":              true,
	"application/gzip":             true,
	"application/x-gzip":           true,
	"application/x-tar":            true,
	"application/x-7z-compressed":  true,
	"application/x-rar-compressed": true,
	"application/vnd.ms-excel":     true,
	"application/msword":           true,
	"application/wasm":             true,
	"application/x-protobuf":       true,
}

// isBinaryContentType reports whether a body of this type must travel
// base64 encoded. SVG is text.
func isBinaryContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	if mt == "image/svg+xml" {
		return false
	}
	if binaryTypes[mt] {
		return true
	}
	for _, p := range binaryPrefixes {
		if strings.HasPrefix(mt, p) {
			return true
		}
	}
	return false
}
