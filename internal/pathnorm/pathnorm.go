// Package pathnorm computes canonical request paths: base path and locale
// stripping, data route unwrapping, segment decoding and duplicate slash
// detection.
package pathnorm

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/wudi/edgeroute/internal/event"
)

// DataRequestParam marks an event rewritten from a /_next/data URL.
const DataRequestParam = "__nextDataReq"

const dataPrefix = "/_next/data"

// StripBasePath removes basePath from the front of path. The root of the
// base path maps to "/".
func StripBasePath(path, basePath string) string {
	if basePath == "" || !strings.HasPrefix(path, basePath) {
		return path
	}
	rest := path[len(basePath):]
	if rest == "" {
		return "/"
	}
	if rest[0] != '/' {
		// "/docsearch" does not live under "/docs"
		return path
	}
	return rest
}

// StripLocale removes a leading locale segment matched case-insensitively
// and returns the remainder and the configured spelling of the locale.
func StripLocale(path string, locales []string) (string, string) {
	seg, rest := firstSegment(path)
	for _, l := range locales {
		if strings.EqualFold(seg, l) {
			if rest == "" {
				rest = "/"
			}
			return rest, l
		}
	}
	return path, ""
}

func firstSegment(path string) (string, string) {
	p := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i], p[i:]
	}
	return p, ""
}

// TrimTrailingSlash removes a single trailing slash unless path is root.
func TrimTrailingSlash(path string) string {
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		return path[:len(path)-1]
	}
	return path
}

// delimiterPattern matches decoded delimiters and escaped delimiters that
// appeared double-encoded in the request.
var delimiterPattern = regexp.MustCompile(`(?i)[/#?]|%(?:2f|23|3f|5c)`)

func escapeDelimiters(s string) string {
	return delimiterPattern.ReplaceAllStringFunc(s, func(m string) string {
		if m[0] == '%' {
			return "%25" + m[1:]
		}
		return url.PathEscape(m)
	})
}

// DecodeSegments percent-decodes every segment independently. Decoded
// delimiters are re-escaped so "%2F" can never introduce a new segment,
// and "%252F" stays distinct from "%2F".
// Segments that fail to decode are kept verbatim.
func DecodeSegments(path string) string {
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if !strings.Contains(s, "%") {
			continue
		}
		if dec, err := url.PathUnescape(s); err == nil {
			segs[i] = escapeDelimiters(dec)
		}
	}
	return strings.Join(segs, "/")
}

// Normalize returns the canonical lookup form of path: base path removed,
// single trailing slash removed, segments decoded. Canonical input is
// returned unchanged.
func Normalize(path, basePath string) string {
	p := TrimTrailingSlash(StripBasePath(path, basePath))
	if p == "" {
		p = "/"
	}
	return DecodeSegments(p)
}

// CacheKey is the incremental cache key of a localized path. The root maps
// to "/index", matching how rendered pages are stored.
func CacheKey(localizedPath, basePath string) string {
	p := Normalize(localizedPath, basePath)
	if p == "/" {
		return "/index"
	}
	return p
}

var repeatedSlash = regexp.MustCompile(`(\\|//)`)

// HasRepeatedSlashes reports duplicate or backslash separators. Callers
// redirect instead of silently fixing the path.
func HasRepeatedSlashes(rawPath string) bool {
	return repeatedSlash.MatchString(rawPath)
}

var slashRun = regexp.MustCompile(`/{2,}`)

// CollapseSlashes turns backslashes into slashes and collapses runs.
func CollapseSlashes(path string) string {
	return slashRun.ReplaceAllString(strings.ReplaceAll(path, `\`, "/"), "/")
}

// FixDataRoute unwraps "<basePath>/_next/data/<buildID>/<page>.json" into
// "<basePath>/<page>" flagged as a data request. A data URL for another
// build gets a JSON 404 so stale clients hard-navigate.
func FixDataRoute(ev *event.Event, buildID, basePath string) (*event.Event, *event.Response) {
	current := basePath + dataPrefix + "/" + buildID
	if strings.HasPrefix(ev.RawPath, dataPrefix) && !strings.HasPrefix(ev.RawPath, current) {
		resp := event.NewResponse(http.StatusNotFound)
		resp.Headers.Set("Content-Type", "application/json")
		resp.Body = []byte("{}")
		return nil, resp
	}
	if !strings.HasPrefix(ev.RawPath, current) || !strings.HasSuffix(ev.RawPath, ".json") {
		return ev, nil
	}

	page := ev.RawPath[len(current) : len(ev.RawPath)-len(".json")]
	if page == "/index" {
		page = "/"
	}
	out := ev.Clone()
	out.Query.Set(DataRequestParam, "1")
	return out.WithPath(basePath + page), nil
}

// IsDataRequest reports whether ev was unwrapped from a data URL.
func IsDataRequest(ev *event.Event) bool {
	return ev.Query.Get(DataRequestParam) != ""
}
