package proxy

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/metrics"
)

const externalOrigin = "external"

// Request is a routed request ready to be forwarded.
type Request struct {
	Event *event.Event
	// External sends the request to Event.URL as is instead of an origin.
	External bool
	// ResponseHeaders are added to the origin response. Set-Cookie values
	// are appended; other keys only fill gaps.
	ResponseHeaders http.Header
	// ForceHeaders replace the origin's values for their keys.
	ForceHeaders http.Header
	// StatusOverride replaces the origin status when non-zero.
	StatusOverride int
	ClientIP       string
	TLS            bool
}

// Forwarder sends a routed request upstream and writes the response.
// It writes nothing when it returns an error.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, req Request) error
}

// errOriginFailure marks 5xx responses as breaker failures while keeping
// the response for the client.
var errOriginFailure = stderrors.New("origin returned a server error")

// HTTPForwarder forwards over HTTP with one circuit breaker per origin.
type HTTPForwarder struct {
	origins  OriginResolver
	pool     *TransportPool
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	timeout  time.Duration
	metrics  *metrics.Collector
}

// NewForwarder builds the origin table, transports and breakers of cfg.
func NewForwarder(cfg config.OriginsConfig, m *metrics.Collector) (*HTTPForwarder, error) {
	table, err := NewOriginTable(cfg)
	if err != nil {
		return nil, err
	}
	base := DefaultTransportConfig
	base.Resolver = NewDNSResolver(cfg.Nameservers, cfg.DNSTimeout)
	base = MergeTransportConfigs(base, cfg.Transport)

	pool, err := NewTransportPool(base)
	if err != nil {
		return nil, err
	}
	f := &HTTPForwarder{
		origins:  table,
		pool:     pool,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		timeout:  cfg.Timeout,
		metrics:  m,
	}
	for _, o := range table.Origins() {
		if err := pool.Set(o.Name, MergeTransportConfigs(base, o.Transport)); err != nil {
			return nil, err
		}
		if cfg.CircuitBreaker.Enabled {
			f.breakers[o.Name] = newBreaker(o.Name, cfg.CircuitBreaker, m)
		}
	}
	return f, nil
}

func newBreaker(name string, cfg config.BreakerConfig, m *metrics.Collector) *gobreaker.CircuitBreaker[*http.Response] {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || stderrors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("origin circuit breaker state change",
				zap.String("origin", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			m.SetBreakerState(name, int(to))
		},
	})
}

// Resolve exposes the origin table.
func (f *HTTPForwarder) Resolve(path string) (Origin, error) {
	return f.origins.Resolve(path)
}

// Forward implements Forwarder.
func (f *HTTPForwarder) Forward(ctx context.Context, w http.ResponseWriter, req Request) error {
	ev := req.Event
	name := externalOrigin
	var target *url.URL
	if req.External {
		u, err := url.Parse(ev.URL)
		if err != nil {
			return errors.Wrap(fmt.Errorf("external rewrite target: %w", err), errors.ErrBadGateway)
		}
		target = u
	} else {
		o, err := f.origins.Resolve(ev.RawPath)
		if err != nil {
			return errors.Wrap(err, errors.ErrBadGateway)
		}
		name = o.Name
		u := *o.URL
		u.Path = singleJoiningSlash(o.URL.Path, ev.RawPath)
		u.RawPath = ""
		if p, err := url.PathUnescape(u.Path); err == nil {
			u.RawPath, u.Path = u.Path, p
		}
		u.RawQuery = event.EncodeQuery(ev.Query)
		target = &u
	}

	if f.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.timeout)
			defer cancel()
		}
	}
	out, err := f.newRequest(ctx, req, target)
	if err != nil {
		return errors.Wrap(err, errors.ErrBadGateway)
	}

	start := time.Now()
	transport := f.pool.Get(name)
	var resp *http.Response
	if cb, ok := f.breakers[name]; ok {
		resp, err = cb.Execute(func() (*http.Response, error) {
			r, err := transport.RoundTrip(out)
			if err == nil && r.StatusCode >= http.StatusInternalServerError {
				return r, errOriginFailure
			}
			return r, err
		})
		if stderrors.Is(err, errOriginFailure) {
			err = nil
		}
	} else {
		resp, err = transport.RoundTrip(out)
	}
	if err != nil {
		f.metrics.RecordOrigin(name, 0, time.Since(start))
		switch {
		case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
			return errors.Wrap(err, errors.ErrServiceUnavailable)
		case stderrors.Is(err, context.DeadlineExceeded):
			return errors.Wrap(err, errors.ErrGatewayTimeout)
		}
		return errors.Wrap(err, errors.ErrBadGateway)
	}
	defer resp.Body.Close()
	f.metrics.RecordOrigin(name, resp.StatusCode, time.Since(start))

	dst := w.Header()
	for k, vv := range resp.Header {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
	MergeResponseHeaders(dst, req.ResponseHeaders)
	for k, vv := range req.ForceHeaders {
		dst[http.CanonicalHeaderKey(k)] = append([]string(nil), vv...)
	}

	status := resp.StatusCode
	if req.StatusOverride != 0 {
		status = req.StatusOverride
	}
	w.WriteHeader(status)
	copyBody(w, resp.Body)
	return nil
}

func (f *HTTPForwarder) newRequest(ctx context.Context, req Request, target *url.URL) (*http.Request, error) {
	ev := req.Event
	var body io.Reader = http.NoBody
	if len(ev.Body) > 0 {
		body = bytes.NewReader(ev.Body)
	}
	out, err := http.NewRequestWithContext(ctx, ev.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	out.Header = ev.Headers.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Header.Del("Host")
	removeHopHeaders(out.Header)

	host := ev.Host()
	if req.External || host == "" {
		out.Host = target.Host
	} else {
		out.Host = host
	}
	if req.ClientIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+req.ClientIP)
		} else {
			out.Header.Set("X-Forwarded-For", req.ClientIP)
		}
	}
	if req.TLS {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	if host != "" {
		out.Header.Set("X-Forwarded-Host", host)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	return out, nil
}

// MergeResponseHeaders adds extra to dst: Set-Cookie values are appended,
// other keys are set only when dst does not carry them.
func MergeResponseHeaders(dst, extra http.Header) {
	for k, vv := range extra {
		ck := http.CanonicalHeaderKey(k)
		if ck == "Set-Cookie" {
			dst[ck] = append(dst[ck], vv...)
			continue
		}
		if _, ok := dst[ck]; !ok {
			dst[ck] = append([]string(nil), vv...)
		}
	}
}

func copyBody(w http.ResponseWriter, body io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
