// Package i18n resolves the effective locale of a request and the locale
// redirect issued on the root path.
package i18n

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/language"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/event"
)

// LocaleCookie is the cookie a user's explicit locale choice is stored in.
const LocaleCookie = "NEXT_LOCALE"

// Resolver answers locale questions for one i18n configuration. A nil
// config disables localization entirely; every method is then a no-op.
type Resolver struct {
	cfg           *config.I18nConfig
	basePath      string
	trailingSlash bool

	supported []string // locales the language matcher was built from
	matcher   language.Matcher
}

// NewResolver builds a resolver. Locales that are not valid language tags
// can still be selected by exact match, only fuzzy matching skips them.
func NewResolver(cfg *config.I18nConfig, basePath string, trailingSlash bool) *Resolver {
	r := &Resolver{cfg: cfg, basePath: basePath, trailingSlash: trailingSlash}
	if cfg == nil {
		return r
	}
	var tags []language.Tag
	for _, l := range cfg.Locales {
		tag, err := language.Parse(l)
		if err != nil {
			continue
		}
		tags = append(tags, tag)
		r.supported = append(r.supported, l)
	}
	if len(tags) > 0 {
		r.matcher = language.NewMatcher(tags)
	}
	return r
}

// Enabled reports whether an i18n config is present.
func (r *Resolver) Enabled() bool { return r.cfg != nil }

// Locales returns the configured locales.
func (r *Resolver) Locales() []string {
	if r.cfg == nil {
		return nil
	}
	return r.cfg.Locales
}

// DefaultLocale returns the global default locale.
func (r *Resolver) DefaultLocale() string {
	if r.cfg == nil {
		return ""
	}
	return r.cfg.DefaultLocale
}

// DomainLocale returns the first domain entry whose hostname equals host,
// or whose default or listed locales contain locale. Either argument may
// be empty.
func (r *Resolver) DomainLocale(host, locale string) *config.DomainLocale {
	if r.cfg == nil {
		return nil
	}
	host = strings.ToLower(host)
	for i := range r.cfg.Domains {
		d := &r.cfg.Domains[i]
		hostname := strings.ToLower(strings.SplitN(d.Domain, ":", 2)[0])
		if host != "" && host == hostname {
			return d
		}
		if locale == "" {
			continue
		}
		if strings.EqualFold(locale, d.DefaultLocale) || containsFold(d.Locales, locale) {
			return d
		}
	}
	return nil
}

// Detect returns the locale for ev: the serving domain's default, then the
// locale cookie, then Accept-Language, then the global default. With
// detection disabled only the domain default and global default apply.
func (r *Resolver) Detect(ev *event.Event) string {
	if r.cfg == nil {
		return ""
	}
	domain := r.DomainLocale(hostname(ev.Host()), "")
	if domain != nil {
		return domain.DefaultLocale
	}
	if !r.cfg.DetectionEnabled() {
		return r.cfg.DefaultLocale
	}
	if l := r.cookieLocale(ev); l != "" {
		return l
	}
	if l := r.Preferred(ev.Header("Accept-Language")); l != "" {
		return l
	}
	return r.cfg.DefaultLocale
}

func (r *Resolver) cookieLocale(ev *event.Event) string {
	v := ev.Cookies[LocaleCookie]
	if v == "" {
		return ""
	}
	for _, l := range r.cfg.Locales {
		if strings.EqualFold(l, v) {
			return l
		}
	}
	return ""
}

// Preferred negotiates an Accept-Language header against the configured
// locales. Exact tags win in weight order; otherwise the closest
// language match with high confidence is used.
func (r *Resolver) Preferred(header string) string {
	if r.cfg == nil || header == "" {
		return ""
	}
	tags, weights, err := language.ParseAcceptLanguage(header)
	if err != nil {
		return r.preferredLoose(header)
	}
	var accepted []language.Tag
	for i, t := range tags {
		if weights[i] <= 0 {
			continue
		}
		for _, l := range r.cfg.Locales {
			if strings.EqualFold(l, t.String()) {
				return l
			}
		}
		accepted = append(accepted, t)
	}
	if r.matcher == nil || len(accepted) == 0 {
		return ""
	}
	_, idx, conf := r.matcher.Match(accepted...)
	if conf < language.High {
		return ""
	}
	return r.supported[idx]
}

type weighted struct {
	tag string
	q   float64
}

// preferredLoose handles headers the strict parser rejects, such as
// locales that are not BCP 47 tags. Only exact matches are considered.
func (r *Resolver) preferredLoose(header string) string {
	var entries []weighted
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(strings.TrimSpace(part), ";")
		q := 1.0
		for _, f := range fields[1:] {
			f = strings.TrimSpace(f)
			if strings.HasPrefix(f, "q=") {
				q = parseQ(f[2:])
			}
		}
		if q > 0 {
			entries = append(entries, weighted{tag: strings.TrimSpace(fields[0]), q: q})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].q > entries[j].q })
	for _, e := range entries {
		for _, l := range r.cfg.Locales {
			if strings.EqualFold(l, e.tag) {
				return l
			}
		}
	}
	return ""
}

func parseQ(s string) float64 {
	q, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return q
}

// IsLocalized reports whether the first segment of path is a configured
// locale, compared case-insensitively.
func (r *Resolver) IsLocalized(path string) bool {
	if r.cfg == nil {
		return false
	}
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	return containsFold(r.cfg.Locales, seg)
}

// LocalizePath prefixes the raw path with the detected locale unless it
// already carries one.
func (r *Resolver) LocalizePath(ev *event.Event) string {
	if r.cfg == nil || r.IsLocalized(ev.RawPath) {
		return ev.RawPath
	}
	return "/" + r.Detect(ev) + ev.RawPath
}

// Redirect returns the 307 issued for the root path when detection is on
// and the preferred locale is not the serving default. A preferred locale
// owned by another domain redirects to that domain.
func (r *Resolver) Redirect(ev *event.Event) *event.Response {
	if r.cfg == nil || !r.cfg.DetectionEnabled() || ev.RawPath != "/" {
		return nil
	}
	preferred := r.Preferred(ev.Header("Accept-Language"))
	detected := r.Detect(ev)
	domain := r.DomainLocale(hostname(ev.Host()), "")
	preferredDomain := r.DomainLocale("", preferred)

	if domain != nil && preferredDomain != nil {
		sameDomain := preferredDomain.Domain == domain.Domain
		isDefault := preferredDomain.DefaultLocale == preferred
		if !sameDomain || !isDefault {
			scheme := "https"
			if preferredDomain.HTTP {
				scheme = "http"
			}
			loc := preferred
			if isDefault {
				loc = ""
			}
			return event.Redirect(http.StatusTemporaryRedirect, scheme+"://"+preferredDomain.Domain+"/"+loc)
		}
	}

	def := r.cfg.DefaultLocale
	if domain != nil {
		def = domain.DefaultLocale
	}
	if strings.EqualFold(detected, def) {
		return nil
	}
	loc := r.basePath + "/" + detected
	if r.trailingSlash {
		loc += "/"
	}
	return event.Redirect(http.StatusTemporaryRedirect, loc)
}

func hostname(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
