package rewrite

import (
	"fmt"
	"strings"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/pattern"
)

// condition is a compiled has/missing matcher.
type condition struct {
	typ   string
	key   string
	test  *pattern.Regex // unanchored value test, nil when no value given
	exact *pattern.Regex // anchored form used to capture named groups
}

func compileConditions(list []config.RouteHas) ([]condition, error) {
	out := make([]condition, 0, len(list))
	for _, h := range list {
		switch h.Type {
		case "header", "cookie", "query", "host":
		default:
			return nil, fmt.Errorf("unsupported condition type %q", h.Type)
		}
		c := condition{typ: h.Type, key: h.Key}
		if h.Value != "" {
			var err error
			if c.test, err = pattern.Compile(h.Value); err != nil {
				return nil, fmt.Errorf("condition %s %q: %w", h.Type, h.Key, err)
			}
			if c.exact, err = pattern.Compile("^" + h.Value + "$"); err != nil {
				return nil, fmt.Errorf("condition %s %q: %w", h.Type, h.Key, err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// lookup returns the request value a condition inspects and whether it is
// present at all.
func (c condition) lookup(ev *event.Event) (string, bool) {
	switch c.typ {
	case "header":
		vals := ev.Headers.Values(c.key)
		if len(vals) == 0 {
			return "", false
		}
		return strings.Join(vals, ","), true
	case "cookie":
		v, ok := ev.Cookies[c.key]
		return v, ok
	case "query":
		vals, ok := ev.Query[c.key]
		if !ok {
			return "", false
		}
		return strings.Join(vals, ","), true
	case "host":
		h := ev.Host()
		return h, h != ""
	}
	return "", false
}

func (c condition) matches(ev *event.Event) bool {
	v, ok := c.lookup(ev)
	if !ok {
		return false
	}
	return c.test == nil || c.test.MatchString(v)
}

// params returns the named groups captured by the anchored value, or the
// raw value under a letters-only form of the key when no value is given.
func (c condition) params(ev *event.Event) pattern.Params {
	v, ok := c.lookup(ev)
	out := pattern.Params{}
	if c.exact == nil {
		if ok && c.typ != "host" {
			if name := safeParamName(c.key); name != "" {
				out[name] = []string{v}
			}
		}
		return out
	}
	groups, _ := c.exact.NamedGroups(v)
	for k, g := range groups {
		out[k] = []string{g}
	}
	return out
}

func safeParamName(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// allMatch reports whether every has condition holds and no missing
// condition does.
func allMatch(ev *event.Event, has, missing []condition) bool {
	for _, c := range has {
		if !c.matches(ev) {
			return false
		}
	}
	for _, c := range missing {
		if c.matches(ev) {
			return false
		}
	}
	return true
}

func conditionParams(ev *event.Event, lists ...[]condition) pattern.Params {
	out := pattern.Params{}
	for _, list := range lists {
		for _, c := range list {
			out = out.Merge(c.params(ev))
		}
	}
	return out
}
