package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/metrics"
)

func newForwardEvent(rawURL string) *event.Event {
	u, _ := url.Parse(rawURL)
	return &event.Event{
		Method:  http.MethodGet,
		RawPath: u.EscapedPath(),
		URL:     rawURL,
		Headers: http.Header{"Host": {u.Host}, "Connection": {"keep-alive"}},
		Cookies: map[string]string{},
		Query:   u.Query(),
	}
}

func newTestForwarder(t *testing.T, origin string, breaker config.BreakerConfig) *HTTPForwarder {
	t.Helper()
	f, err := NewForwarder(config.OriginsConfig{
		Default:        origin,
		Timeout:        2 * time.Second,
		CircuitBreaker: breaker,
	}, metrics.NewCollector())
	if err != nil {
		t.Fatalf("NewForwarder: %v", err)
	}
	return f
}

func TestForwardToOrigin(t *testing.T) {
	var got *http.Request
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("X-Edge", "origin")
		w.Header().Set("Cache-Control", "s-maxage=60")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "rendered")
	}))
	defer backend.Close()

	f := newTestForwarder(t, backend.URL+"/base", config.BreakerConfig{})
	ev := newForwardEvent("http://shop.example/products/a%2Fb?id=1&tag=x")

	rec := httptest.NewRecorder()
	err := f.Forward(context.Background(), rec, Request{
		Event:           ev,
		ClientIP:        "203.0.113.9",
		StatusOverride:  http.StatusNotFound,
		ResponseHeaders: http.Header{"X-Edge": {"middleware"}, "Set-Cookie": {"a=1"}, "X-Extra": {"1"}},
		ForceHeaders:    http.Header{"cache-control": {"no-store"}},
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got.URL.EscapedPath() != "/base/products/a%2Fb" {
		t.Errorf("origin path = %q", got.URL.EscapedPath())
	}
	if got.URL.Query().Get("id") != "1" || got.URL.Query().Get("tag") != "x" {
		t.Errorf("origin query = %q", got.URL.RawQuery)
	}
	if got.Host != "shop.example" {
		t.Errorf("origin Host = %q", got.Host)
	}
	if got.Header.Get("X-Forwarded-For") != "203.0.113.9" || got.Header.Get("X-Forwarded-Host") != "shop.example" {
		t.Errorf("forwarded headers = %v", got.Header)
	}
	if got.Header.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got.Header.Get("X-Forwarded-Proto"))
	}

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want override", rec.Code)
	}
	if rec.Body.String() != "rendered" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Edge") != "origin" {
		t.Error("middleware header replaced the origin header")
	}
	if rec.Header().Get("X-Extra") != "1" || rec.Header().Get("Set-Cookie") != "a=1" {
		t.Errorf("middleware headers missing: %v", rec.Header())
	}
	if got := rec.Header().Values("Cache-Control"); len(got) != 1 || got[0] != "no-store" {
		t.Errorf("Cache-Control = %v, want forced no-store", got)
	}
}

func TestForwardExternal(t *testing.T) {
	var host, path string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, path = r.Host, r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer backend.Close()

	f := newTestForwarder(t, "http://unused.internal", config.BreakerConfig{})
	ev := newForwardEvent("http://shop.example/page").WithURL(backend.URL + "/elsewhere")

	rec := httptest.NewRecorder()
	if err := f.Forward(context.Background(), rec, Request{Event: ev, External: true}); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusAccepted || path != "/elsewhere" {
		t.Errorf("status %d path %q", rec.Code, path)
	}
	if u, _ := url.Parse(backend.URL); host != u.Host {
		t.Errorf("external Host = %q, want %q", host, u.Host)
	}
}

func TestForwardErrors(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()

	f := newTestForwarder(t, slow.URL, config.BreakerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.Forward(ctx, httptest.NewRecorder(), Request{Event: newForwardEvent("http://shop.example/")})
	if !stderrors.Is(err, errors.ErrGatewayTimeout) {
		t.Errorf("slow origin err = %v, want gateway timeout", err)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	addr := closed.URL
	closed.Close()
	f = newTestForwarder(t, addr, config.BreakerConfig{})
	err = f.Forward(context.Background(), httptest.NewRecorder(), Request{Event: newForwardEvent("http://shop.example/")})
	if !stderrors.Is(err, errors.ErrBadGateway) {
		t.Errorf("unreachable origin err = %v, want bad gateway", err)
	}
}

func TestForwardCircuitBreakerOpens(t *testing.T) {
	calls := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := newTestForwarder(t, backend.URL, config.BreakerConfig{Enabled: true, FailureThreshold: 2, Timeout: time.Minute})
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		if err := f.Forward(context.Background(), rec, Request{Event: newForwardEvent("http://shop.example/")}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("call %d status = %d", i, rec.Code)
		}
	}
	err := f.Forward(context.Background(), httptest.NewRecorder(), Request{Event: newForwardEvent("http://shop.example/")})
	if !stderrors.Is(err, errors.ErrServiceUnavailable) {
		t.Errorf("err = %v, want service unavailable", err)
	}
	if calls != 2 {
		t.Errorf("origin saw %d calls, want 2", calls)
	}
}

func TestMergeResponseHeaders(t *testing.T) {
	dst := http.Header{"Content-Type": {"text/html"}, "Set-Cookie": {"a=1"}}
	MergeResponseHeaders(dst, http.Header{
		"content-type": {"application/json"},
		"set-cookie":   {"b=2"},
		"x-new":        {"1"},
	})
	if dst.Get("Content-Type") != "text/html" {
		t.Error("existing header replaced")
	}
	if got := dst.Values("Set-Cookie"); len(got) != 2 {
		t.Errorf("Set-Cookie = %v", got)
	}
	if dst.Get("X-New") != "1" {
		t.Error("new header missing")
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
		{"/base", "/x", "/base/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
