package edge

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/background"
	rerrors "github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/i18n"
	"github.com/wudi/edgeroute/internal/pathnorm"
)

var testManifest = config.MiddlewareManifest{Middleware: map[string]config.MiddlewareEntry{
	"/": {Name: "middleware", Page: "/", Matchers: []config.MiddlewareMatcher{
		{Regexp: `^(?:\/(_next\/data\/[^/]{1,}))?(?:\/(?!api\/).*)$`},
	}},
}}

func newEvent(rawURL string) *event.Event {
	u, _ := url.Parse(rawURL)
	return &event.Event{
		Method:  http.MethodGet,
		RawPath: u.EscapedPath(),
		URL:     rawURL,
		Headers: http.Header{"Host": {u.Host}},
		Cookies: map[string]string{},
		Query:   u.Query(),
	}
}

type reporterFunc func(error)

func (f reporterFunc) ReportError(_ context.Context, err error, _ map[string]string) { f(err) }

func mustInvoker(t *testing.T, fn Func, opts Options) *Invoker {
	t.Helper()
	inv, err := New(testManifest, fn, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return inv
}

func TestInvokeSkips(t *testing.T) {
	called := false
	fn := FuncOf(func(context.Context, *Request, *Scope) (*Response, error) {
		called = true
		return Next(), nil
	})
	inv := mustInvoker(t, fn, Options{PreviewModeID: "preview-id"})

	refresh := newEvent("http://localhost/page")
	refresh.Headers.Set("x-isr", "1")
	refresh.Headers.Set("x-prerender-revalidate", "preview-id")

	for _, ev := range []*event.Event{newEvent("http://localhost/api/users"), refresh} {
		out, err := inv.Invoke(context.Background(), ev, ev.Query, nil)
		if err != nil {
			t.Fatal(err)
		}
		if out.Action != ActionSkip || out.Event != ev {
			t.Errorf("%s: action = %v, want skip", ev.RawPath, out.Action)
		}
	}
	if called {
		t.Error("middleware ran for a skipped request")
	}

	disabled := mustInvoker(t, nil, Options{})
	if disabled.Enabled() {
		t.Error("invoker without a function reports enabled")
	}
}

func TestInvokeContinueWithRequestHeaders(t *testing.T) {
	fn := FuncOf(func(_ context.Context, req *Request, scope *Scope) (*Response, error) {
		res := Next()
		res.SetRequestHeader("x-user", "alice")
		res.Headers.Set("x-powered-by", "edge")
		res.Headers.Set("content-encoding", "gzip")
		return res, scope.Cookies.Set(&http.Cookie{Name: "seen", Value: "1", Path: "/"})
	})
	inv := mustInvoker(t, fn, Options{})
	ev := newEvent("http://localhost/account")

	out, err := inv.Invoke(context.Background(), ev, ev.Query, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionContinue {
		t.Fatalf("action = %v", out.Action)
	}
	if got := out.Event.Header("x-user"); got != "alice" {
		t.Errorf("x-user = %q", got)
	}
	if got := out.Event.Header(HeaderOverrideHeaders); got != "x-user" {
		t.Errorf("override list = %q", got)
	}
	if ev.Header("x-user") != "" {
		t.Error("input event modified")
	}
	if out.ResponseHeaders.Get("x-powered-by") != "edge" {
		t.Error("response header dropped")
	}
	for _, h := range []string{HeaderNext, "content-encoding"} {
		if out.ResponseHeaders.Get(h) != "" {
			t.Errorf("%s leaked into response headers", h)
		}
	}
	if got := out.ResponseHeaders.Values("Set-Cookie"); len(got) != 1 || got[0] != "seen=1; Path=/" {
		t.Errorf("Set-Cookie = %v", got)
	}
}

func TestInvokeRewrite(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		status   int
		wantPath string
		wantURL  string
		external bool
		query    url.Values
	}{
		{name: "internal", target: "http://localhost/rewritten?a=1", wantPath: "/rewritten",
			query: url.Values{"a": {"1"}, pathnorm.DataRequestParam: {"1"}}},
		{name: "relative", target: "/relative", wantPath: "/relative",
			query: url.Values{pathnorm.DataRequestParam: {"1"}}},
		{name: "external", target: "https://other.example/x", external: true, wantURL: "https://other.example/x"},
		{name: "status kept", target: "/gone", status: http.StatusGone, wantPath: "/gone",
			query: url.Values{pathnorm.DataRequestParam: {"1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := FuncOf(func(context.Context, *Request, *Scope) (*Response, error) {
				res := Rewrite(tt.target)
				if tt.status != 0 {
					res.StatusCode = tt.status
				}
				return res, nil
			})
			inv := mustInvoker(t, fn, Options{})
			ev := newEvent("http://localhost/page?" + pathnorm.DataRequestParam + "=1")

			out, err := inv.Invoke(context.Background(), ev, ev.Query, nil)
			if err != nil {
				t.Fatal(err)
			}
			if out.Action != ActionRewrite || out.IsExternal != tt.external {
				t.Fatalf("action = %v external = %v", out.Action, out.IsExternal)
			}
			if tt.external {
				if out.Event.URL != tt.wantURL {
					t.Errorf("URL = %q", out.Event.URL)
				}
				return
			}
			if out.Event.RawPath != tt.wantPath {
				t.Errorf("path = %q, want %q", out.Event.RawPath, tt.wantPath)
			}
			if out.Event.Query.Encode() != tt.query.Encode() {
				t.Errorf("query = %v, want %v", out.Event.Query, tt.query)
			}
			if out.RewriteStatus != tt.status {
				t.Errorf("rewrite status = %d, want %d", out.RewriteStatus, tt.status)
			}
		})
	}
}

func TestInvokeRespond(t *testing.T) {
	fn := FuncOf(func(_ context.Context, req *Request, _ *Scope) (*Response, error) {
		if req.URL.Path == "/old" {
			return Redirect("http://localhost/new?x=1", http.StatusTemporaryRedirect), nil
		}
		return &Response{StatusCode: http.StatusForbidden, Headers: http.Header{}, Body: []byte("denied")}, nil
	})
	inv := mustInvoker(t, fn, Options{})

	out, err := inv.Invoke(context.Background(), newEvent("http://localhost/old"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Action != ActionRespond || out.Response.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("outcome = %+v", out)
	}
	if got := out.Response.Headers.Get("Location"); got != "/new?x=1" {
		t.Errorf("Location = %q, want host-relative", got)
	}

	out, err = inv.Invoke(context.Background(), newEvent("http://localhost/secret"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out.Response.StatusCode != http.StatusForbidden || string(out.Response.Body) != "denied" {
		t.Errorf("response = %d %q", out.Response.StatusCode, out.Response.Body)
	}
}

func TestInvokeSeesLocalizedURL(t *testing.T) {
	var seen string
	fn := FuncOf(func(_ context.Context, req *Request, _ *Scope) (*Response, error) {
		seen = req.URL.String()
		return nil, nil
	})
	locales := i18n.NewResolver(&config.I18nConfig{Locales: []string{"en", "fr"}, DefaultLocale: "en"}, "", false)
	inv := mustInvoker(t, fn, Options{Locales: locales})

	ev := newEvent("http://localhost/about?__nextDataReq=1")
	if _, err := inv.Invoke(context.Background(), ev, url.Values{"q": {"a b"}}, nil); err != nil {
		t.Fatal(err)
	}
	if seen != "http://localhost/en/about?q=a%20b" {
		t.Errorf("middleware saw %q", seen)
	}
}

func TestInvokeFailureReported(t *testing.T) {
	boom := errors.New("boom")
	var reported error
	opts := Options{Reporter: reporterFunc(func(err error) { reported = err })}

	for _, fn := range []Func{
		FuncOf(func(context.Context, *Request, *Scope) (*Response, error) { return nil, boom }),
		FuncOf(func(context.Context, *Request, *Scope) (*Response, error) { panic("bad") }),
	} {
		reported = nil
		inv := mustInvoker(t, fn, opts)
		_, err := inv.Invoke(context.Background(), newEvent("http://localhost/x"), nil, nil)
		if !errors.Is(err, rerrors.ErrMiddlewareFailed) {
			t.Errorf("err = %v, want middleware failure", err)
		}
		if reported == nil {
			t.Error("failure not reported")
		}
	}
}

func TestCookiesSealedAfterInvoke(t *testing.T) {
	var scope *Scope
	fn := FuncOf(func(_ context.Context, _ *Request, s *Scope) (*Response, error) {
		scope = s
		return Next(), nil
	})
	inv := mustInvoker(t, fn, Options{})
	if _, err := inv.Invoke(context.Background(), newEvent("http://localhost/x"), nil, nil); err != nil {
		t.Fatal(err)
	}
	if err := scope.Cookies.Set(&http.Cookie{Name: "late", Value: "1"}); !errors.Is(err, ErrCookiesSealed) {
		t.Errorf("err = %v, want ErrCookiesSealed", err)
	}
}

func TestWaitUntilRegistersOnCollector(t *testing.T) {
	ran := false
	fn := FuncOf(func(_ context.Context, _ *Request, s *Scope) (*Response, error) {
		s.WaitUntil(func(context.Context) error {
			ran = true
			return nil
		})
		return Next(), nil
	})
	inv := mustInvoker(t, fn, Options{})
	bg := background.NewCollector(0)
	if _, err := inv.Invoke(context.Background(), newEvent("http://localhost/x"), nil, bg); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Fatal("background work ran before the collector")
	}
	if err := bg.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("background work never ran")
	}
}

func TestNormalizeLocation(t *testing.T) {
	tests := []struct {
		loc, base, want string
	}{
		{"http://localhost/a?b=1#c", "http://localhost/x", "/a?b=1#c"},
		{"https://other.example/a", "http://localhost/x", "https://other.example/a"},
		{"/already", "http://localhost/x", "/already"},
		{"https://localhost/a", "http://localhost/x", "https://localhost/a"},
	}
	for _, tt := range tests {
		if got := normalizeLocation(tt.loc, tt.base); got != tt.want {
			t.Errorf("normalizeLocation(%q) = %q, want %q", tt.loc, got, tt.want)
		}
	}
}

func TestNewRejectsBadMatcher(t *testing.T) {
	m := config.MiddlewareManifest{Middleware: map[string]config.MiddlewareEntry{
		"/": {Matchers: []config.MiddlewareMatcher{{Regexp: "^/(unclosed"}}},
	}}
	if _, err := New(m, nil, Options{}); err == nil {
		t.Fatal("expected error")
	}
}
