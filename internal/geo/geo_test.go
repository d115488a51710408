package geo

import (
	"errors"
	"net/http"
	"testing"

	"github.com/wudi/edgeroute/internal/event"
)

type mockProvider struct {
	results map[string]*Location
	calls   int
}

func (m *mockProvider) Lookup(ip string) (*Location, error) {
	m.calls++
	if r, ok := m.results[ip]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}

func (m *mockProvider) Close() error { return nil }

var testHeaders = map[string]string{
	HintCountry: "CloudFront-Viewer-Country",
	HintCity:    "CloudFront-Viewer-City",
}

func newEvent(headers map[string]string, remote string) *event.Event {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &event.Event{Headers: h, RemoteAddr: remote}
}

func TestResolveFromHeaders(t *testing.T) {
	p := &mockProvider{}
	r := NewResolver(testHeaders, p)
	got := r.Resolve(newEvent(map[string]string{
		"CloudFront-Viewer-Country": "FR",
		"CloudFront-Viewer-City":    "Saint-%C3%89tienne",
	}, "1.2.3.4:1000"))

	if got.Country != "FR" || got.City != "Saint-Étienne" {
		t.Errorf("hints = %+v", got)
	}
	if p.calls != 0 {
		t.Error("provider consulted although headers were present")
	}
}

func TestResolveFallsBackToProvider(t *testing.T) {
	p := &mockProvider{results: map[string]*Location{
		"1.2.3.4": {CountryCode: "US", Region: "NY", City: "New York", Latitude: 40.7, Longitude: -74},
	}}
	r := NewResolver(testHeaders, p)

	got := r.Resolve(newEvent(nil, "1.2.3.4:1000"))
	want := Hints{Country: "US", Region: "NY", City: "New York", Latitude: "40.7", Longitude: "-74"}
	if got != want {
		t.Errorf("hints = %+v, want %+v", got, want)
	}

	if got := r.Resolve(newEvent(nil, "9.9.9.9:1")); got != (Hints{}) {
		t.Errorf("failed lookup produced %+v", got)
	}
}

func TestResolveWithoutProvider(t *testing.T) {
	r := NewResolver(nil, nil)
	if got := r.Resolve(newEvent(map[string]string{"CloudFront-Viewer-Country": "FR"}, "")); got != (Hints{}) {
		t.Errorf("hints = %+v", got)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.1.1.1:80", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": "10.0.0.3"}, "1.1.1.1:80", "10.0.0.3"},
		{"peer", nil, "1.1.1.1:80", "1.1.1.1"},
		{"peer without port", nil, "1.1.1.1", "1.1.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClientIP(newEvent(tt.headers, tt.remote)); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewProviderRejectsUnknownFormat(t *testing.T) {
	if _, err := NewProvider("geo.csv"); err == nil {
		t.Fatal("expected error")
	}
}
