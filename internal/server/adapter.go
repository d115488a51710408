package server

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/router"
	"github.com/wudi/edgeroute/internal/routing"
)

// Headers carrying the routing result to the origin.
const (
	HeaderInitialURL        = "x-opennext-initial-url"
	HeaderLocale            = "x-opennext-locale"
	HeaderResolvedRoutes    = "x-opennext-resolved-routes"
	HeaderRewriteStatusCode = "x-opennext-rewrite-status-code"
)

// toEvent converts r into a pipeline event. Bodies larger than maxBody
// fail with ErrPayloadTooLarge.
func toEvent(r *http.Request, maxBody int64) (*event.Event, error) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	headers := r.Header.Clone()
	headers.Set("Host", r.Host)

	ev := &event.Event{
		Type:       event.TypeCore,
		Method:     r.Method,
		RawPath:    r.URL.EscapedPath(),
		URL:        scheme + "://" + r.Host + r.URL.RequestURI(),
		Headers:    headers,
		Cookies:    map[string]string{},
		Query:      r.URL.Query(),
		RemoteAddr: r.RemoteAddr,
	}
	if ev.RawPath == "" {
		ev.RawPath = "/"
	}
	for _, c := range r.Cookies() {
		ev.Cookies[c.Name] = c.Value
	}

	if r.Body == nil || r.Body == http.NoBody {
		return ev, nil
	}
	body := io.Reader(r.Body)
	if maxBody > 0 {
		if r.ContentLength > maxBody {
			return nil, errors.ErrPayloadTooLarge
		}
		body = io.LimitReader(r.Body, maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrBadRequest)
	}
	if maxBody > 0 && int64(len(data)) > maxBody {
		return nil, errors.ErrPayloadTooLarge
	}
	if len(data) > 0 {
		ev.Body = data
	}
	return ev, nil
}

// writeResponse writes a terminal pipeline response.
func writeResponse(w http.ResponseWriter, resp *event.Response) error {
	body := resp.Body
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			return errors.Wrap(err, errors.ErrInternalServer)
		}
		body = decoded
	}
	dst := w.Header()
	for k, vv := range resp.Headers {
		dst[http.CanonicalHeaderKey(k)] = append([]string(nil), vv...)
	}
	dst.Set("Content-Length", strconv.Itoa(len(body)))
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(body)
	return err
}

// annotate attaches the routing result to an internal forward.
func annotate(f *routing.Forward) *event.Event {
	ev := f.Event.WithHeader(HeaderInitialURL, f.OriginalURL)
	if f.Locale != "" {
		ev.Headers.Set(HeaderLocale, f.Locale)
	}
	routes := f.Routes
	if routes == nil {
		routes = []router.Match{}
	}
	if data, err := json.Marshal(routes); err == nil {
		ev.Headers.Set(HeaderResolvedRoutes, string(data))
	}
	if f.RewriteStatus != 0 {
		ev.Headers.Set(HeaderRewriteStatusCode, strconv.Itoa(f.RewriteStatus))
	}
	return ev
}
