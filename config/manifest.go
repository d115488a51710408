package config

import (
	"bytes"
	"fmt"
	"strconv"
)

// Manifest is the read-only build output the routing tables are compiled
// from. It is loaded once per pipeline generation and never mutated.
type Manifest struct {
	BuildID       string             `yaml:"buildId"`
	Next          NextConfig         `yaml:"next"`
	Routes        RoutesManifest     `yaml:"routes"`
	Prerender     PrerenderManifest  `yaml:"prerender"`
	Middleware    MiddlewareManifest `yaml:"middleware"`
	AppPathRoutes map[string]string  `yaml:"appPathRoutes"`
}

// NextConfig is the subset of the framework config routing depends on.
type NextConfig struct {
	BasePath                  string      `yaml:"basePath"`
	TrailingSlash             bool        `yaml:"trailingSlash"`
	SkipTrailingSlashRedirect bool        `yaml:"skipTrailingSlashRedirect"`
	I18n                      *I18nConfig `yaml:"i18n"`
}

// I18nConfig describes locale routing.
type I18nConfig struct {
	Locales         []string       `yaml:"locales"`
	DefaultLocale   string         `yaml:"defaultLocale"`
	LocaleDetection *bool          `yaml:"localeDetection"`
	Domains         []DomainLocale `yaml:"domains"`
}

// DetectionEnabled reports whether locale detection is on (the default).
func (c *I18nConfig) DetectionEnabled() bool {
	return c.LocaleDetection == nil || *c.LocaleDetection
}

// DomainLocale binds a hostname to a default locale.
type DomainLocale struct {
	Domain        string   `yaml:"domain"`
	DefaultLocale string   `yaml:"defaultLocale"`
	Locales       []string `yaml:"locales"`
	HTTP          bool     `yaml:"http"`
}

// RoutesManifest holds the route, rewrite, redirect and header tables.
type RoutesManifest struct {
	BasePath      string            `yaml:"basePath"`
	Redirects     []RewriteRule     `yaml:"redirects"`
	Rewrites      RewritesManifest  `yaml:"rewrites"`
	Headers       []HeaderRule      `yaml:"headers"`
	StaticRoutes  []RouteDefinition `yaml:"staticRoutes"`
	DynamicRoutes []RouteDefinition `yaml:"dynamicRoutes"`
}

// RewritesManifest groups rewrites by the phase they run in.
type RewritesManifest struct {
	BeforeFiles []RewriteRule `yaml:"beforeFiles"`
	AfterFiles  []RewriteRule `yaml:"afterFiles"`
	Fallback    []RewriteRule `yaml:"fallback"`
}

// RouteHas is a conditional matcher against the request.
type RouteHas struct {
	Type  string `yaml:"type"` // header, cookie, query, host
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// RewriteRule is a rewrite or redirect rule. Regex, when set, is used as
// the compiled source; otherwise Source is compiled as a path pattern.
type RewriteRule struct {
	Source      string     `yaml:"source"`
	Destination string     `yaml:"destination"`
	Regex       string     `yaml:"regex"`
	Has         []RouteHas `yaml:"has"`
	Missing     []RouteHas `yaml:"missing"`
	Locale      *bool      `yaml:"locale"`
	Internal    bool       `yaml:"internal"`
	StatusCode  int        `yaml:"statusCode"`
}

// HeaderRule injects headers for matching requests.
type HeaderRule struct {
	Source  string       `yaml:"source"`
	Regex   string       `yaml:"regex"`
	Headers []HeaderPair `yaml:"headers"`
	Has     []RouteHas   `yaml:"has"`
	Missing []RouteHas   `yaml:"missing"`
	Locale  *bool        `yaml:"locale"`
}

// HeaderPair is one header key/value template.
type HeaderPair struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// RouteDefinition is a manifest route: logical page id plus its regex.
type RouteDefinition struct {
	Page  string `yaml:"page"`
	Regex string `yaml:"regex"`
}

// PrerenderManifest lists incrementally regenerated routes.
type PrerenderManifest struct {
	Routes        map[string]PrerenderRoute        `yaml:"routes"`
	DynamicRoutes map[string]DynamicPrerenderRoute `yaml:"dynamicRoutes"`
	Preview       PreviewSecrets                   `yaml:"preview"`
}

// PrerenderRoute is a statically prerendered ISR path.
type PrerenderRoute struct {
	InitialRevalidateSeconds *Revalidate `yaml:"initialRevalidateSeconds"`
	SrcRoute                 string     `yaml:"srcRoute"`
}

// DynamicPrerenderRoute is an ISR route pattern.
type DynamicPrerenderRoute struct {
	RouteRegex string   `yaml:"routeRegex"`
	Fallback   Fallback `yaml:"fallback"`
}

// PreviewSecrets is the preview-mode secret triple. Only the id is consumed.
type PreviewSecrets struct {
	PreviewModeID            string `yaml:"previewModeId" redact:"true"`
	PreviewModeSigningKey    string `yaml:"previewModeSigningKey" redact:"true"`
	PreviewModeEncryptionKey string `yaml:"previewModeEncryptionKey" redact:"true"`
}

// MiddlewareManifest lists the middleware trigger patterns.
type MiddlewareManifest struct {
	Middleware map[string]MiddlewareEntry `yaml:"middleware"`
}

// MiddlewareEntry is one middleware function declaration.
type MiddlewareEntry struct {
	Name     string              `yaml:"name"`
	Page     string              `yaml:"page"`
	Matchers []MiddlewareMatcher `yaml:"matchers"`
}

// MiddlewareMatcher is a compiled trigger pattern.
type MiddlewareMatcher struct {
	Regexp         string `yaml:"regexp"`
	OriginalSource string `yaml:"originalSource"`
}

// Revalidate is a revalidation interval. Never corresponds to `false` in
// the manifests and cache entries; a zero value with Never unset means
// "expire immediately".
type Revalidate struct {
	Seconds int64
	Never   bool
}

// RevalidateAfter returns an interval of n seconds.
func RevalidateAfter(n int64) Revalidate { return Revalidate{Seconds: n} }

// RevalidateNever returns the interval for entries that never go stale.
func RevalidateNever() Revalidate { return Revalidate{Never: true} }

// UnmarshalYAML accepts a number or the literal false.
func (r *Revalidate) UnmarshalYAML(b []byte) error {
	s := string(bytes.TrimSpace(b))
	switch s {
	case "false", "null", "~", "":
		*r = Revalidate{Never: true}
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("revalidate: expected number or false, got %q", s)
	}
	*r = Revalidate{Seconds: int64(f)}
	return nil
}

// MarshalYAML writes false for Never, otherwise the number of seconds.
func (r Revalidate) MarshalYAML() ([]byte, error) {
	if r.Never {
		return []byte("false"), nil
	}
	return []byte(strconv.FormatInt(r.Seconds, 10)), nil
}

// Fallback is the fallback mode of a dynamic ISR route. Only the false
// mode changes routing: unknown parameters are rejected with a 404.
type Fallback struct {
	False bool
	Page  string
}

// UnmarshalYAML accepts false, null or a fallback page path.
func (f *Fallback) UnmarshalYAML(b []byte) error {
	s := string(bytes.TrimSpace(b))
	switch s {
	case "false":
		*f = Fallback{False: true}
	case "null", "~", "", "true":
		*f = Fallback{}
	default:
		if unq, err := strconv.Unquote(s); err == nil {
			s = unq
		}
		*f = Fallback{Page: s}
	}
	return nil
}

// MarshalYAML writes false, null or the fallback page path.
func (f Fallback) MarshalYAML() ([]byte, error) {
	switch {
	case f.False:
		return []byte("false"), nil
	case f.Page == "":
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(f.Page)), nil
}
