package routing

import (
	"strings"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/pattern"
)

// fallbackFalse holds the dynamic ISR routes whose unknown parameters
// must not reach the renderer.
type fallbackFalse struct {
	names []string
	res   []*pattern.Regex
}

func compileFallbackFalse(pm config.PrerenderManifest) (fallbackFalse, error) {
	var ff fallbackFalse
	for _, name := range sortedKeys(pm.DynamicRoutes) {
		dr := pm.DynamicRoutes[name]
		if !dr.Fallback.False {
			continue
		}
		re, err := pattern.Compile(dr.RouteRegex)
		if err != nil {
			return ff, err
		}
		ff.names = append(ff.names, name)
		ff.res = append(ff.res, re)
	}
	return ff, nil
}

func (ff fallbackFalse) matches(path string) bool {
	for _, re := range ff.res {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func (ff fallbackFalse) declares(page string) bool {
	for _, n := range ff.names {
		if n == page {
			return true
		}
	}
	return false
}

// handleFallbackFalse rewrites ev to the not-found page when its path
// falls under a fallback-false route, was not prerendered and matches no
// other route. The second result reports ISR membership.
func (h *Handler) handleFallbackFalse(path string) (notFound, isISR bool) {
	routeFallback := h.fallback.matches(path)

	localized := path
	if locales := h.locales.Locales(); len(locales) > 0 {
		seg := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
		if !containsFold(locales, seg) {
			localized = "/" + h.locales.DefaultLocale() + path
		}
	}
	if h.manifest.Next.TrailingSlash && len(localized) > 1 && strings.HasSuffix(localized, "/") {
		localized = strings.TrimSuffix(localized, "/")
	}

	_, pregenerated := h.manifest.Prerender.Routes[localized]
	if routeFallback && !pregenerated && len(h.static.Match(localized)) == 0 {
		dynamic := 0
		for _, m := range h.dynamic.Match(localized) {
			if !h.fallback.declares(m.Page) {
				dynamic++
			}
		}
		if dynamic == 0 {
			return true, false
		}
	}
	return false, routeFallback || pregenerated
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
