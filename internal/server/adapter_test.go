package server

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/router"
	"github.com/wudi/edgeroute/internal/routing"
)

func TestToEvent(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://shop.example/products/a%2Fb?q=1&q=2", strings.NewReader("payload"))
	req.AddCookie(&http.Cookie{Name: "NEXT_LOCALE", Value: "fr"})
	req.RemoteAddr = "198.51.100.4:5120"

	ev, err := toEvent(req, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if ev.RawPath != "/products/a%2Fb" {
		t.Errorf("RawPath = %q", ev.RawPath)
	}
	if ev.URL != "http://shop.example/products/a%2Fb?q=1&q=2" {
		t.Errorf("URL = %q", ev.URL)
	}
	if ev.Host() != "shop.example" || ev.Cookies["NEXT_LOCALE"] != "fr" {
		t.Errorf("host %q cookies %v", ev.Host(), ev.Cookies)
	}
	if got := ev.Query["q"]; len(got) != 2 {
		t.Errorf("query = %v", ev.Query)
	}
	if string(ev.Body) != "payload" || ev.RemoteAddr != "198.51.100.4:5120" {
		t.Errorf("body %q remote %q", ev.Body, ev.RemoteAddr)
	}

	req = httptest.NewRequest(http.MethodGet, "https://shop.example/", nil)
	req.TLS = &tls.ConnectionState{}
	ev, err = toEvent(req, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ev.URL, "https://") || ev.Body != nil {
		t.Errorf("URL %q body %q", ev.URL, ev.Body)
	}
}

func TestToEventBodyLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://h/", strings.NewReader("0123456789"))
	if _, err := toEvent(req, 4); !errors.Is(err, rerrors.ErrPayloadTooLarge) {
		t.Errorf("declared length: err = %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "http://h/", strings.NewReader("0123456789"))
	req.ContentLength = -1
	if _, err := toEvent(req, 4); !errors.Is(err, rerrors.ErrPayloadTooLarge) {
		t.Errorf("chunked: err = %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "http://h/", strings.NewReader("0123"))
	if ev, err := toEvent(req, 4); err != nil || string(ev.Body) != "0123" {
		t.Errorf("at limit: %v", err)
	}
}

func TestWriteResponse(t *testing.T) {
	resp := event.NewResponse(http.StatusCreated)
	resp.Headers.Set("content-type", "image/png")
	resp.Body = []byte(base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}))
	resp.IsBase64Encoded = true

	rec := httptest.NewRecorder()
	if err := writeResponse(rec, resp); err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusCreated || rec.Body.String() != "\x89PNG" {
		t.Errorf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != "image/png" || rec.Header().Get("Content-Length") != "4" {
		t.Errorf("headers = %v", rec.Header())
	}

	bad := event.NewResponse(http.StatusOK)
	bad.Body, bad.IsBase64Encoded = []byte("%%%"), true
	if err := writeResponse(httptest.NewRecorder(), bad); err == nil {
		t.Error("invalid base64 accepted")
	}
}

func TestAnnotate(t *testing.T) {
	ev := &event.Event{RawPath: "/fr/about", URL: "http://h/fr/about", Headers: http.Header{}}
	f := &routing.Forward{
		Event:         ev,
		OriginalURL:   "http://h/about",
		Locale:        "fr",
		RewriteStatus: http.StatusTeapot,
		Routes:        []router.Match{{Page: "/about", Kind: router.KindPage}},
	}
	out := annotate(f)
	want := map[string]string{
		HeaderInitialURL:        "http://h/about",
		HeaderLocale:            "fr",
		HeaderResolvedRoutes:    `[{"route":"/about","type":"page"}]`,
		HeaderRewriteStatusCode: "418",
	}
	for k, v := range want {
		if got := out.Header(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if ev.Header(HeaderInitialURL) != "" {
		t.Error("annotate modified the routed event")
	}

	f.Routes, f.Locale, f.RewriteStatus = nil, "", 0
	out = annotate(f)
	if out.Header(HeaderResolvedRoutes) != "[]" || out.HasHeader(HeaderLocale) || out.HasHeader(HeaderRewriteStatusCode) {
		t.Errorf("headers = %v", out.Headers)
	}
}
