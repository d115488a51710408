// Package pattern compiles the two pattern grammars found in build
// manifests: JavaScript-flavoured regular expressions (route tables,
// middleware triggers, has/missing values) and path templates such as
// "/blog/:slug*" used by rewrite sources and destinations.
package pattern

import (
	"time"

	"github.com/dlclark/regexp2"
)

// MatchTimeout bounds a single regex evaluation. Manifest expressions use
// lookahead and backreferences, so they cannot run on a linear-time engine.
const MatchTimeout = 100 * time.Millisecond

// Regex is a compiled manifest expression. It is safe for concurrent use.
type Regex struct {
	src string
	re  *regexp2.Regexp
}

// Compile compiles a manifest regular expression.
func Compile(expr string) (*Regex, error) {
	re, err := regexp2.Compile(expr, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = MatchTimeout
	return &Regex{src: expr, re: re}, nil
}

// MustCompile is Compile for expressions known at build time.
func MustCompile(expr string) *Regex {
	r, err := Compile(expr)
	if err != nil {
		panic("pattern: " + err.Error())
	}
	return r
}

// String returns the source expression.
func (r *Regex) String() string { return r.src }

// MatchString reports whether s contains a match. A timed-out evaluation
// counts as no match.
func (r *Regex) MatchString(s string) bool {
	ok, err := r.re.MatchString(s)
	return err == nil && ok
}

// NamedGroups returns the named captures of the first match of s and
// whether there was a match at all. Groups that did not participate are
// omitted.
func (r *Regex) NamedGroups(s string) (map[string]string, bool) {
	m, err := r.re.FindStringMatch(s)
	if err != nil || m == nil {
		return nil, false
	}
	out := make(map[string]string)
	for _, g := range m.Groups() {
		if g.Name == "" || isNumeric(g.Name) || len(g.Captures) == 0 {
			continue
		}
		out[g.Name] = g.String()
	}
	return out, true
}

// Submatches returns the positional captures of the first match, index 0
// being the whole match. Non-participating groups are reported as absent
// via the parallel ok slice.
func (r *Regex) Submatches(s string) ([]string, []bool) {
	m, err := r.re.FindStringMatch(s)
	if err != nil || m == nil {
		return nil, nil
	}
	groups := m.Groups()
	vals := make([]string, len(groups))
	ok := make([]bool, len(groups))
	for i, g := range groups {
		if len(g.Captures) > 0 {
			vals[i] = g.String()
			ok[i] = true
		}
	}
	return vals, ok
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}
