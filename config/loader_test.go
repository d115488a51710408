package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoaderParse(t *testing.T) {
	data := `
server:
  address: ":9000"
  read_timeout: 10s
routing:
  enable_cache_interception: true
cache:
  type: redis
  timeout: 100ms
revalidation:
  max_concurrency: 4
origins:
  default: http://renderer:3000
  routes:
    - name: api
      patterns: ["/api/**"]
      url: http://api:3000
`
	cfg, err := NewLoader().Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("read_timeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 60*time.Second {
		t.Errorf("write_timeout default lost: %v", cfg.Server.WriteTimeout)
	}
	if !cfg.Routing.EnableCacheInterception {
		t.Error("expected cache interception enabled")
	}
	if cfg.Routing.MiddlewareHeadersOverride {
		t.Error("header override should default to false")
	}
	if cfg.Cache.Type != "redis" || cfg.Cache.Timeout != 100*time.Millisecond {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Revalidation.MaxConcurrency != 4 {
		t.Errorf("max_concurrency = %d", cfg.Revalidation.MaxConcurrency)
	}
	if len(cfg.Origins.Routes) != 1 || cfg.Origins.Routes[0].URL != "http://api:3000" {
		t.Errorf("origins = %+v", cfg.Origins)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("EDGE_ADDR", ":7777")
	t.Setenv("EDGE_REDIS_PW", "hunter2")

	cfg, err := NewLoader().Parse([]byte(`
server:
  address: ${EDGE_ADDR}
redis:
  password: ${env:EDGE_REDIS_PW}
manifest:
  dir: ${EDGE_UNSET_DIR}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Server.Address != ":7777" {
		t.Errorf("address = %q", cfg.Server.Address)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Errorf("password = %q", cfg.Redis.Password)
	}
	if cfg.Manifest.Dir != "${EDGE_UNSET_DIR}" {
		t.Errorf("unset var should be kept verbatim, got %q", cfg.Manifest.Dir)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad cache type", "cache:\n  type: disk\n", "cache.type"},
		{"amqp without url", "revalidation:\n  transport: amqp\n", "amqp.url"},
		{"bad transport", "revalidation:\n  transport: kafka\n", "revalidation.transport"},
		{"zero concurrency", "revalidation:\n  max_concurrency: 0\n", "max_concurrency"},
		{"negative rate", "revalidation:\n  rate_limit: -1\n", "rate_limit"},
		{"relative error path", "routing:\n  error_path: oops\n", "error_path"},
		{"origin scheme", "origins:\n  default: ftp://x\n", "origins.default"},
		{"origin route without patterns", "origins:\n  routes:\n    - url: http://x\n", "pattern"},
		{"tracing endpoint", "tracing:\n  enabled: true\n", "tracing.endpoint"},
		{"sample rate", "tracing:\n  sample_rate: 2\n", "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoaderLoadMissingFile(t *testing.T) {
	if _, err := NewLoader().Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const testRoutesManifest = `{
  "version": 3,
  "basePath": "",
  "redirects": [
    {"source": "/old", "destination": "/new", "statusCode": 301, "regex": "^/old(?:/)?$"},
    {"source": "/:path+/", "destination": "/:path+", "internal": true, "statusCode": 308, "regex": "^(?:/((?:[^/]+?)(?:/(?:[^/]+?))*))/$"}
  ],
  "headers": [
    {"source": "/docs/:slug", "regex": "^/docs(?:/([^/]+?))(?:/)?$", "headers": [{"key": "x-doc", "value": ":slug"}]}
  ],
  "rewrites": {
    "beforeFiles": [],
    "afterFiles": [{"source": "/blog/:slug", "destination": "/posts/:slug", "regex": "^/blog(?:/([^/]+?))(?:/)?$",
      "has": [{"type": "header", "key": "x-beta"}]}],
    "fallback": []
  },
  "staticRoutes": [{"page": "/", "regex": "^/(?:/)?$"}, {"page": "/about", "regex": "^/about(?:/)?$"}],
  "dynamicRoutes": [{"page": "/posts/[slug]", "regex": "^/posts/([^/]+?)(?:/)?$"}],
  "i18n": {"locales": ["en", "fr"], "defaultLocale": "en"}
}`

const testPrerenderManifest = `{
  "version": 4,
  "routes": {
    "/about": {"initialRevalidateSeconds": false, "srcRoute": null},
    "/posts/hello": {"initialRevalidateSeconds": 60, "srcRoute": "/posts/[slug]"}
  },
  "dynamicRoutes": {
    "/posts/[slug]": {"routeRegex": "^/posts/([^/]+?)(?:/)?$", "fallback": false},
    "/shop/[id]": {"routeRegex": "^/shop/([^/]+?)(?:/)?$", "fallback": null}
  },
  "preview": {"previewModeId": "pmid", "previewModeSigningKey": "sk", "previewModeEncryptionKey": "ek"}
}`

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, BuildIDFile), "build-123\n")
	writeFile(t, filepath.Join(dir, RoutesManifestFile), testRoutesManifest)
	writeFile(t, filepath.Join(dir, PrerenderManifestFile), testPrerenderManifest)
	writeFile(t, filepath.Join(dir, MiddlewareManifestFile), `{"middleware": {"/": {"name": "middleware", "page": "/", "matchers": [{"regexp": "^(?:\\/(_next\\/data\\/[^/]{1,}))?\\/about(.json)?[\\/#\\?]?$", "originalSource": "/about"}]}}}`)
	writeFile(t, filepath.Join(dir, AppPathRoutesManifestFile), `{"/dashboard/page": "/dashboard", "/api/hello/route": "/api/hello"}`)

	m, err := NewLoader().LoadManifest(dir)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if m.BuildID != "build-123" {
		t.Errorf("build id = %q", m.BuildID)
	}
	if m.Next.I18n == nil || m.Next.I18n.DefaultLocale != "en" || !m.Next.I18n.DetectionEnabled() {
		t.Errorf("i18n = %+v", m.Next.I18n)
	}
	if len(m.Routes.Redirects) != 2 || !m.Routes.Redirects[1].Internal || m.Routes.Redirects[0].StatusCode != 301 {
		t.Errorf("redirects = %+v", m.Routes.Redirects)
	}
	if got := m.Routes.Rewrites.AfterFiles; len(got) != 1 || len(got[0].Has) != 1 || got[0].Has[0].Key != "x-beta" {
		t.Errorf("afterFiles = %+v", got)
	}
	if len(m.Routes.StaticRoutes) != 2 || len(m.Routes.DynamicRoutes) != 1 {
		t.Errorf("routes = %+v", m.Routes)
	}

	about := m.Prerender.Routes["/about"]
	if about.InitialRevalidateSeconds == nil || !about.InitialRevalidateSeconds.Never {
		t.Errorf("/about revalidate = %+v", about.InitialRevalidateSeconds)
	}
	hello := m.Prerender.Routes["/posts/hello"]
	if hello.InitialRevalidateSeconds == nil || hello.InitialRevalidateSeconds.Seconds != 60 {
		t.Errorf("/posts/hello revalidate = %+v", hello.InitialRevalidateSeconds)
	}
	if !m.Prerender.DynamicRoutes["/posts/[slug]"].Fallback.False {
		t.Error("expected fallback false for /posts/[slug]")
	}
	if m.Prerender.DynamicRoutes["/shop/[id]"].Fallback.False {
		t.Error("null fallback must not be treated as false")
	}
	if m.Prerender.Preview.PreviewModeID != "pmid" {
		t.Errorf("preview id = %q", m.Prerender.Preview.PreviewModeID)
	}
	if len(m.Middleware.Middleware["/"].Matchers) != 1 {
		t.Errorf("middleware = %+v", m.Middleware)
	}
	if m.AppPathRoutes["/dashboard/page"] != "/dashboard" {
		t.Errorf("app paths = %+v", m.AppPathRoutes)
	}
}

func TestLoadManifestErrors(t *testing.T) {
	t.Run("missing build id", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, RoutesManifestFile), testRoutesManifest)
		if _, err := NewLoader().LoadManifest(dir); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("default locale not listed", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, BuildIDFile), "b")
		writeFile(t, filepath.Join(dir, RoutesManifestFile), `{"i18n": {"locales": ["fr"], "defaultLocale": "en"}}`)
		if _, err := NewLoader().LoadManifest(dir); err == nil || !strings.Contains(err.Error(), "defaultLocale") {
			t.Fatalf("expected defaultLocale error, got %v", err)
		}
	})
	t.Run("bad base path", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, BuildIDFile), "b")
		writeFile(t, filepath.Join(dir, RoutesManifestFile), `{"basePath": "docs/"}`)
		if _, err := NewLoader().LoadManifest(dir); err == nil {
			t.Fatal("expected basePath error")
		}
	})
}

func TestRevalidateYAML(t *testing.T) {
	tests := []struct {
		in   string
		want Revalidate
	}{
		{"false", RevalidateNever()},
		{"0", RevalidateAfter(0)},
		{"60", RevalidateAfter(60)},
		{"1.5", RevalidateAfter(1)},
	}
	for _, tt := range tests {
		var r Revalidate
		if err := r.UnmarshalYAML([]byte(tt.in)); err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if r != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.in, r, tt.want)
		}
	}
	var r Revalidate
	if err := r.UnmarshalYAML([]byte(`"soon"`)); err == nil {
		t.Error("expected error for string value")
	}
}
