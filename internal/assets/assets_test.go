package assets

import (
	"net/http"
	"net/url"
	"testing"
	"testing/fstest"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/event"
)

var testFS = fstest.MapFS{
	"_next/static/chunks/main.js": {Data: []byte("console.log(1)")},
	"_next/static/css/app.css":    {Data: []byte("body{}")},
	"favicon.ico":                 {Data: []byte{0, 0, 1, 0}},
	"robots.txt":                  {Data: []byte("User-agent: *")},
	"secret.env":                  {Data: []byte("KEY=1")},
}

func newEvent(method, rawURL string) *event.Event {
	u, _ := url.Parse(rawURL)
	return &event.Event{
		Method:  method,
		RawPath: u.EscapedPath(),
		URL:     rawURL,
		Headers: http.Header{"Host": {u.Host}},
		Query:   u.Query(),
	}
}

func mustResolver(t *testing.T, basePath string) *Resolver {
	t.Helper()
	r, err := New(testFS, []string{"/_next/static/**", "/favicon.ico", "/*.txt"}, "", basePath)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestServe(t *testing.T) {
	r := mustResolver(t, "")

	tests := []struct {
		name   string
		method string
		url    string
		status int
		ctype  string
		body   string
	}{
		{"chunk", http.MethodGet, "http://localhost/_next/static/chunks/main.js", 200, "text/javascript; charset=utf-8", "console.log(1)"},
		{"css", http.MethodGet, "http://localhost/_next/static/css/app.css", 200, "text/css; charset=utf-8", "body{}"},
		{"txt", http.MethodGet, "http://localhost/robots.txt", 200, "text/plain; charset=utf-8", "User-agent: *"},
		{"head has no body", http.MethodHead, "http://localhost/robots.txt", 200, "text/plain; charset=utf-8", ""},
		{"not matched", http.MethodGet, "http://localhost/secret.env", 0, "", ""},
		{"missing file", http.MethodGet, "http://localhost/_next/static/none.js", 0, "", ""},
		{"directory", http.MethodGet, "http://localhost/_next/static/css", 0, "", ""},
		{"post", http.MethodPost, "http://localhost/robots.txt", 0, "", ""},
		{"traversal", http.MethodGet, "http://localhost/_next/static/../../secret.env", 0, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := r.Serve(newEvent(tt.method, tt.url))
			if err != nil {
				t.Fatal(err)
			}
			if tt.status == 0 {
				if resp != nil {
					t.Fatalf("got %d, want pass-through", resp.StatusCode)
				}
				return
			}
			if resp == nil {
				t.Fatal("got pass-through")
			}
			if resp.StatusCode != tt.status || string(resp.Body) != tt.body {
				t.Errorf("got %d %q", resp.StatusCode, resp.Body)
			}
			if got := resp.Headers.Get("Content-Type"); got != tt.ctype {
				t.Errorf("Content-Type = %q, want %q", got, tt.ctype)
			}
			if resp.Headers.Get("Cache-Control") != DefaultCacheControl {
				t.Errorf("Cache-Control = %q", resp.Headers.Get("Cache-Control"))
			}
		})
	}
}

func TestServeNotModified(t *testing.T) {
	r := mustResolver(t, "")
	first, err := r.Serve(newEvent(http.MethodGet, "http://localhost/favicon.ico"))
	if err != nil || first == nil {
		t.Fatalf("first = %v, %v", first, err)
	}
	ev := newEvent(http.MethodGet, "http://localhost/favicon.ico")
	ev.Headers.Set("If-None-Match", first.Headers.Get("ETag"))
	resp, err := r.Serve(ev)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusNotModified || len(resp.Body) != 0 {
		t.Errorf("got %d with %d bytes", resp.StatusCode, len(resp.Body))
	}
}

func TestServeBasePath(t *testing.T) {
	r := mustResolver(t, "/docs")
	resp, err := r.Serve(newEvent(http.MethodGet, "http://localhost/docs/robots.txt"))
	if err != nil || resp == nil {
		t.Fatalf("resp = %v, err = %v", resp, err)
	}
}

func TestNilResolver(t *testing.T) {
	r, err := FromConfig(config.AssetsConfig{}, "")
	if err != nil || r != nil {
		t.Fatalf("FromConfig(empty) = %v, %v", r, err)
	}
	if _, ok := r.Match("/robots.txt"); ok {
		t.Error("nil resolver matched")
	}
}

func TestFromConfigErrors(t *testing.T) {
	if _, err := FromConfig(config.AssetsConfig{Dir: t.TempDir() + "/missing"}, ""); err == nil {
		t.Error("missing dir accepted")
	}
	if _, err := New(testFS, []string{"/[bad"}, "", ""); err == nil {
		t.Error("bad pattern accepted")
	}
}
