package routing

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/assets"
	"github.com/wudi/edgeroute/internal/background"
	"github.com/wudi/edgeroute/internal/cache"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/middleware/edge"
	"github.com/wudi/edgeroute/internal/pathnorm"
	"github.com/wudi/edgeroute/internal/revalidate"
	"github.com/wudi/edgeroute/internal/router"
)

func newEvent(rawURL string) *event.Event {
	u, _ := url.Parse(rawURL)
	return &event.Event{
		Type:    event.TypeCore,
		Method:  http.MethodGet,
		RawPath: u.EscapedPath(),
		URL:     rawURL,
		Headers: http.Header{"Host": {u.Host}},
		Cookies: map[string]string{},
		Query:   u.Query(),
	}
}

func revalidateAfter(n int64) *config.Revalidate {
	r := config.RevalidateAfter(n)
	return &r
}

func testManifest() *config.Manifest {
	never := config.RevalidateNever()
	return &config.Manifest{
		BuildID: "build-1",
		Routes: config.RoutesManifest{
			StaticRoutes: []config.RouteDefinition{
				{Page: "/", Regex: "^/(?:/)?$"},
				{Page: "/about", Regex: "^/about(?:/)?$"},
				{Page: "/isr", Regex: "^/isr(?:/)?$"},
				{Page: "/forever", Regex: "^/forever(?:/)?$"},
				{Page: "/404", Regex: "^/404(?:/)?$"},
				{Page: "/500", Regex: "^/500(?:/)?$"},
			},
			DynamicRoutes: []config.RouteDefinition{
				{Page: "/blog/[slug]", Regex: "^/blog/([^/]+?)(?:/)?$"},
				{Page: "/products/[id]", Regex: "^/products/([^/]+?)(?:/)?$"},
			},
			Rewrites: config.RewritesManifest{
				BeforeFiles: []config.RewriteRule{
					{Source: "/docs/:path*", Destination: "https://docs.example.org/:path*"},
				},
				AfterFiles: []config.RewriteRule{
					{Source: "/docs/:path*", Destination: "/about"},
					{Source: "/old-blog/:slug", Destination: "/blog/:slug"},
				},
				Fallback: []config.RewriteRule{
					{Source: "/legacy/:path*", Destination: "https://legacy.example.org/:path*"},
				},
			},
			Redirects: []config.RewriteRule{
				{Source: "/home", Destination: "/", StatusCode: http.StatusMovedPermanently},
			},
			Headers: []config.HeaderRule{
				{Source: "/about", Headers: []config.HeaderPair{{Key: "x-frame", Value: "config"}}},
			},
		},
		Prerender: config.PrerenderManifest{
			Routes: map[string]config.PrerenderRoute{
				"/isr":        {InitialRevalidateSeconds: revalidateAfter(60)},
				"/forever":    {InitialRevalidateSeconds: &never},
				"/products/1": {InitialRevalidateSeconds: revalidateAfter(60), SrcRoute: "/products/[id]"},
			},
			DynamicRoutes: map[string]config.DynamicPrerenderRoute{
				"/products/[id]": {RouteRegex: `^/products/([^/]+?)(?:/)?$`, Fallback: config.Fallback{False: true}},
			},
			Preview: config.PreviewSecrets{PreviewModeID: "preview-id"},
		},
		Middleware: config.MiddlewareManifest{Middleware: map[string]config.MiddlewareEntry{
			"/": {Matchers: []config.MiddlewareMatcher{{Regexp: `^/(?!_next|api/).*$`}}},
		}},
	}
}

type recordingQueue struct {
	mu    sync.Mutex
	items []revalidate.WorkItem
}

func (q *recordingQueue) Send(_ context.Context, item revalidate.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return nil
}

func mustHandler(t *testing.T, m *config.Manifest, mutate func(*config.Config), deps Deps) *Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	h, err := New(m, cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func route(h *Handler, ev *event.Event) Decision {
	return h.Route(context.Background(), ev, background.NewCollector(0))
}

func TestDuplicateSlashRedirect(t *testing.T) {
	h := mustHandler(t, testManifest(), nil, Deps{})
	d := route(h, newEvent("http://shop.example/a//b?x=1"))
	if d.Response == nil || d.Response.StatusCode != http.StatusPermanentRedirect {
		t.Fatalf("decision = %+v", d)
	}
	if got := d.Response.Headers.Get("Location"); got != "/a/b?x=1" {
		t.Errorf("Location = %q", got)
	}
	if d.Kind() != "redirect" {
		t.Errorf("kind = %s", d.Kind())
	}
}

func TestDataRoutes(t *testing.T) {
	h := mustHandler(t, testManifest(), nil, Deps{})

	d := route(h, newEvent("http://shop.example/_next/data/build-1/index.json"))
	if d.Forward == nil {
		t.Fatalf("decision = %+v", d)
	}
	if d.Forward.Event.RawPath != "/" || d.Forward.Event.Query.Get(pathnorm.DataRequestParam) != "1" {
		t.Errorf("forwarded %s %v", d.Forward.Event.RawPath, d.Forward.Event.Query)
	}

	d = route(h, newEvent("http://shop.example/_next/data/old-build/about.json"))
	if d.Response == nil || d.Response.StatusCode != http.StatusNotFound {
		t.Fatalf("decision = %+v", d)
	}
	if d.Response.Headers.Get("Content-Type") != "application/json" || string(d.Response.Body) != "{}" {
		t.Errorf("404 = %q %q", d.Response.Headers.Get("Content-Type"), d.Response.Body)
	}
}

func TestCacheInterception(t *testing.T) {
	store := cache.NewMemoryStore(10)
	ctx := context.Background()
	never := config.RevalidateNever()
	if err := store.Set(ctx, "/isr", &cache.Entry{
		Value:        &cache.App{HTML: "<p>isr</p>", RSC: []byte("0:rsc")},
		Revalidate:   revalidateAfter(60),
		LastModified: time.Now().Add(-65 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, "/forever", &cache.Entry{
		Value:        &cache.App{HTML: "<p>forever</p>"},
		Revalidate:   &never,
		LastModified: time.Now().Add(-400 * 24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	queue := &recordingQueue{}
	h := mustHandler(t, testManifest(), func(c *config.Config) {
		c.Routing.EnableCacheInterception = true
	}, Deps{Store: store, Tags: cache.NewMemoryTagStore(0), Queue: queue})

	d := route(h, newEvent("http://shop.example/isr"))
	if d.Response == nil {
		t.Fatalf("stale entry not served: %+v", d)
	}
	if got := d.Response.Headers.Get("Cache-Control"); got != "s-maxage=1, stale-while-revalidate=2592000" {
		t.Errorf("Cache-Control = %q", got)
	}
	if d.Response.Headers.Get(cache.HeaderCacheStatus) != cache.StatusStale {
		t.Errorf("cache status = %q", d.Response.Headers.Get(cache.HeaderCacheStatus))
	}
	if len(queue.items) != 1 || queue.items[0].URL != "/isr" || queue.items[0].Host != "shop.example" {
		t.Fatalf("queued %+v", queue.items)
	}

	d = route(h, newEvent("http://shop.example/forever"))
	if d.Response == nil || d.Response.Headers.Get(cache.HeaderCacheStatus) != cache.StatusHit {
		t.Fatalf("decision = %+v", d)
	}
	if got := d.Response.Headers.Get("Cache-Control"); got != "s-maxage=31536000, stale-while-revalidate=2592000" {
		t.Errorf("Cache-Control = %q", got)
	}
	if len(queue.items) != 1 {
		t.Errorf("fresh entry enqueued work: %d items", len(queue.items))
	}

	d = route(h, newEvent("http://shop.example/about"))
	if d.Forward == nil {
		t.Error("non-ISR route was not forwarded")
	}
}

func TestLocaleRedirect(t *testing.T) {
	m := testManifest()
	m.Next.I18n = &config.I18nConfig{
		Locales:       []string{"en", "fr"},
		DefaultLocale: "en",
	}
	h := mustHandler(t, m, nil, Deps{})

	ev := newEvent("http://shop.example/")
	ev.Headers.Set("Accept-Language", "fr-FR,fr;q=0.9,en;q=0.5")
	d := route(h, ev)
	if d.Response == nil || d.Response.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("decision = %+v", d)
	}
	if got := d.Response.Headers.Get("Location"); got != "/fr" {
		t.Errorf("Location = %q, want /fr", got)
	}

	ev = newEvent("http://shop.example/about")
	ev.Cookies["NEXT_LOCALE"] = "fr"
	d = route(h, ev)
	if d.Forward == nil || d.Forward.Locale != "fr" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestExternalRewriteStopsLocalPhases(t *testing.T) {
	h := mustHandler(t, testManifest(), nil, Deps{})
	d := route(h, newEvent("http://shop.example/docs/intro?v=2"))
	if d.Forward == nil || !d.Forward.IsExternal {
		t.Fatalf("decision = %+v", d)
	}
	if got := d.Forward.Event.URL; got != "https://docs.example.org/intro?v=2" {
		t.Errorf("URL = %q", got)
	}
	if len(d.Forward.Routes) != 0 || d.Forward.ForceHeaders != nil {
		t.Errorf("external forward was classified: %+v", d.Forward)
	}
	if d.Kind() != "external" {
		t.Errorf("kind = %s", d.Kind())
	}

	d = route(h, newEvent("http://shop.example/legacy/page"))
	if d.Forward == nil || !d.Forward.IsExternal || d.Forward.Event.URL != "https://legacy.example.org/page" {
		t.Fatalf("fallback external rewrite = %+v", d.Forward)
	}
}

func TestRouteClassification(t *testing.T) {
	h := mustHandler(t, testManifest(), nil, Deps{})

	tests := []struct {
		name     string
		url      string
		path     string
		routes   []router.Match
		isISR    bool
		noStore  bool
		redirect int
	}{
		{name: "static", url: "http://h/about", path: "/about", routes: []router.Match{{Page: "/about", Kind: router.KindPage}}},
		{name: "after rewrite to dynamic", url: "http://h/old-blog/hi", path: "/blog/hi",
			routes: []router.Match{{Page: "/blog/[slug]", Kind: router.KindPage}}},
		{name: "prerendered fallback-false", url: "http://h/products/1", path: "/products/1", isISR: true,
			routes: []router.Match{{Page: "/products/[id]", Kind: router.KindPage}}},
		{name: "unknown fallback-false param", url: "http://h/products/999", path: "/404",
			routes: []router.Match{}, noStore: true},
		{name: "unknown route", url: "http://h/nope", path: "/404", routes: []router.Match{}, noStore: true},
		{name: "api exempt", url: "http://h/api/users", path: "/api/users", routes: []router.Match{}},
		{name: "image exempt", url: "http://h/_next/image?url=/a.png", path: "/_next/image", routes: []router.Match{}},
		{name: "manifest redirect", url: "http://h/home", redirect: http.StatusMovedPermanently},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := route(h, newEvent(tt.url))
			if tt.redirect != 0 {
				if d.Response == nil || d.Response.StatusCode != tt.redirect {
					t.Fatalf("decision = %+v", d)
				}
				return
			}
			if d.Forward == nil {
				t.Fatalf("decision = %+v", d)
			}
			f := d.Forward
			if f.Event.RawPath != tt.path {
				t.Errorf("path = %q, want %q", f.Event.RawPath, tt.path)
			}
			if len(f.Routes) != len(tt.routes) {
				t.Fatalf("routes = %v, want %v", f.Routes, tt.routes)
			}
			for i := range tt.routes {
				if f.Routes[i] != tt.routes[i] {
					t.Errorf("routes[%d] = %v, want %v", i, f.Routes[i], tt.routes[i])
				}
			}
			if f.IsISR != tt.isISR {
				t.Errorf("IsISR = %v", f.IsISR)
			}
			if got := f.ForceHeaders.Get("Cache-Control") != ""; got != tt.noStore {
				t.Errorf("no-store hint = %v, want %v", got, tt.noStore)
			}
			if f.OriginalURL != tt.url {
				t.Errorf("OriginalURL = %q", f.OriginalURL)
			}
		})
	}

	d := route(h, newEvent("http://h/products/999"))
	if d.Forward.Event.Header(HeaderInvokeStatus) != "404" {
		t.Error("fallback-false rewrite did not mark the render as 404")
	}
}

func TestMiddlewareOutcomes(t *testing.T) {
	fn := edge.FuncOf(func(_ context.Context, req *edge.Request, _ *edge.Scope) (*edge.Response, error) {
		switch req.URL.Path {
		case "/denied":
			return &edge.Response{StatusCode: http.StatusForbidden, Headers: http.Header{}, Body: []byte("no")}, nil
		case "/boom":
			return nil, errors.New("transform failed")
		case "/teapot":
			res := edge.Rewrite("/about")
			res.StatusCode = http.StatusTeapot
			return res, nil
		}
		res := edge.Next()
		res.Headers.Set("x-frame", "middleware")
		res.Headers.Set("x-mw", "1")
		return res, nil
	})

	h := mustHandler(t, testManifest(), nil, Deps{Middleware: fn})

	d := route(h, newEvent("http://h/denied"))
	if d.Response == nil || d.Response.StatusCode != http.StatusForbidden || string(d.Response.Body) != "no" {
		t.Fatalf("respond decision = %+v", d)
	}

	ev := newEvent("http://h/boom")
	ev.Method = http.MethodPost
	ev.Body = []byte("payload")
	ev.Headers.Set("X-Keep", "1")
	d = route(h, ev)
	if d.Forward == nil || d.Forward.Event.RawPath != "/500" || d.Forward.Event.Method != http.MethodGet {
		t.Fatalf("error decision = %+v", d.Forward)
	}
	if d.Forward.Event.Header("X-Keep") != "1" || d.Forward.Event.Body != nil {
		t.Error("error forward lost headers or kept the body")
	}

	d = route(h, newEvent("http://h/teapot"))
	if d.Forward == nil || d.Forward.Event.RawPath != "/about" || d.Forward.RewriteStatus != http.StatusTeapot {
		t.Fatalf("rewrite decision = %+v", d.Forward)
	}

	d = route(h, newEvent("http://h/about"))
	if got := d.Forward.ResponseHeaders.Get("x-frame"); got != "config" {
		t.Errorf("x-frame = %q, config headers should win by default", got)
	}
	if d.Forward.ResponseHeaders.Get("x-mw") != "1" {
		t.Error("middleware header dropped")
	}

	h = mustHandler(t, testManifest(), func(c *config.Config) {
		c.Routing.MiddlewareHeadersOverride = true
	}, Deps{Middleware: fn})
	d = route(h, newEvent("http://h/about"))
	if got := d.Forward.ResponseHeaders.Get("x-frame"); got != "middleware" {
		t.Errorf("x-frame = %q, middleware should win with the override flag", got)
	}
}

func TestAssetShortCircuit(t *testing.T) {
	res, err := assets.New(fstest.MapFS{
		"_next/static/app.js": {Data: []byte("js")},
	}, []string{"/_next/static/**"}, "public, max-age=31536000, immutable", "")
	if err != nil {
		t.Fatal(err)
	}
	h := mustHandler(t, testManifest(), nil, Deps{Assets: res})

	d := route(h, newEvent("http://h/_next/static/app.js"))
	if d.Response == nil || string(d.Response.Body) != "js" {
		t.Fatalf("decision = %+v", d)
	}
	d = route(h, newEvent("http://h/_next/static/missing.js"))
	if d.Forward == nil || d.Forward.Event.RawPath != "/404" {
		t.Fatalf("missing asset decision = %+v", d.Forward)
	}
}

func TestReservedHeadersStripped(t *testing.T) {
	h := mustHandler(t, testManifest(), nil, Deps{})
	ev := newEvent("http://h/about")
	ev.Headers.Set("x-middleware-rewrite", "/admin")
	ev.Headers.Set(HeaderInvokeStatus, "200")
	d := route(h, ev)
	if d.Forward == nil || d.Forward.Event.RawPath != "/about" {
		t.Fatalf("decision = %+v", d.Forward)
	}
	if d.Forward.Event.Header("x-middleware-rewrite") != "" || d.Forward.Event.Header(HeaderInvokeStatus) != "" {
		t.Error("reserved inbound header forwarded")
	}
	if ev.Header("x-middleware-rewrite") == "" {
		t.Error("input event modified")
	}
}

func TestNewRejectsBadManifest(t *testing.T) {
	m := testManifest()
	m.Routes.DynamicRoutes = append(m.Routes.DynamicRoutes, config.RouteDefinition{Page: "/bad", Regex: "^/(unclosed"})
	if _, err := New(m, config.DefaultConfig(), Deps{}); err == nil {
		t.Error("invalid route regex accepted")
	}
}

func TestMergeHeaders(t *testing.T) {
	configured := http.Header{"X-A": {"config"}, "Set-Cookie": {"c=1"}}
	mw := http.Header{"X-A": {"mw"}, "X-B": {"mw"}, "Set-Cookie": {"m=1"}}

	got := mergeHeaders(configured, mw, false)
	if got.Get("X-A") != "config" || got.Get("X-B") != "mw" || len(got.Values("Set-Cookie")) != 2 {
		t.Errorf("config-first merge = %v", got)
	}
	got = mergeHeaders(configured, mw, true)
	if got.Get("X-A") != "mw" {
		t.Errorf("middleware-first merge = %v", got)
	}
}
