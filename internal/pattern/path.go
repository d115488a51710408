package pattern

import (
	"fmt"
	"strconv"
	"strings"
)

// Params are captured template parameters. Single parameters hold one
// value; repeated ones (":p*", ":p+") hold one value per segment.
type Params map[string][]string

// Merge copies every key of other into p, other winning on collisions.
func (p Params) Merge(other Params) Params {
	out := make(Params, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

const (
	defaultDelimiter = "/#?"
	defaultPattern   = `[^\/#\?]+?`
	prefixChars      = "./"
)

// token is either a literal (param == false) or a parameter.
type token struct {
	literal  string
	param    bool
	name     string
	prefix   string
	suffix   string
	pattern  string
	modifier string
}

func (t token) optional() bool { return t.modifier == "?" || t.modifier == "*" }
func (t token) repeat() bool   { return t.modifier == "*" || t.modifier == "+" }

type lexKind int

const (
	lexOpen lexKind = iota
	lexClose
	lexPattern
	lexName
	lexChar
	lexEscaped
	lexModifier
	lexEnd
)

type lexToken struct {
	kind  lexKind
	pos   int
	value string
}

func lex(str string) ([]lexToken, error) {
	var out []lexToken
	for i := 0; i < len(str); {
		c := str[i]
		switch {
		case c == '*' || c == '+' || c == '?':
			out = append(out, lexToken{lexModifier, i, str[i : i+1]})
			i++
		case c == '\\':
			if i+1 >= len(str) {
				return nil, fmt.Errorf("pattern: dangling escape at %d", i)
			}
			out = append(out, lexToken{lexEscaped, i, str[i+1 : i+2]})
			i += 2
		case c == '{':
			out = append(out, lexToken{lexOpen, i, "{"})
			i++
		case c == '}':
			out = append(out, lexToken{lexClose, i, "}"})
			i++
		case c == ':':
			j := i + 1
			for j < len(str) && isNameChar(str[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("pattern: missing parameter name at %d", i)
			}
			out = append(out, lexToken{lexName, i, str[i+1 : j]})
			i = j
		case c == '(':
			pat, next, err := lexGroup(str, i)
			if err != nil {
				return nil, err
			}
			out = append(out, lexToken{lexPattern, i, pat})
			i = next
		default:
			out = append(out, lexToken{lexChar, i, str[i : i+1]})
			i++
		}
	}
	return append(out, lexToken{lexEnd, len(str), ""}), nil
}

// lexGroup reads a balanced "(...)" starting at i and returns its body.
func lexGroup(str string, i int) (string, int, error) {
	depth := 1
	j := i + 1
	if j < len(str) && str[j] == '?' {
		return "", 0, fmt.Errorf("pattern: group cannot start with \"?\" at %d", j)
	}
	var b strings.Builder
	for j < len(str) {
		switch str[j] {
		case '\\':
			if j+1 < len(str) {
				b.WriteString(str[j : j+2])
			}
			j += 2
			continue
		case ')':
			depth--
			if depth == 0 {
				j++
				if b.Len() == 0 {
					return "", 0, fmt.Errorf("pattern: empty group at %d", i)
				}
				return b.String(), j, nil
			}
		case '(':
			depth++
			if j+1 >= len(str) || str[j+1] != '?' {
				return "", 0, fmt.Errorf("pattern: capturing groups are not allowed at %d", j)
			}
		}
		b.WriteByte(str[j])
		j++
	}
	return "", 0, fmt.Errorf("pattern: unbalanced group at %d", i)
}

func isNameChar(c byte) bool {
	return c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

type parser struct {
	toks []lexToken
	i    int
}

func (p *parser) try(kind lexKind) (string, bool) {
	if p.i < len(p.toks) && p.toks[p.i].kind == kind {
		v := p.toks[p.i].value
		p.i++
		return v, true
	}
	return "", false
}

func (p *parser) must(kind lexKind) error {
	if _, ok := p.try(kind); ok {
		return nil
	}
	t := p.toks[p.i]
	return fmt.Errorf("pattern: unexpected %q at %d", t.value, t.pos)
}

func (p *parser) text() string {
	var b strings.Builder
	for {
		if v, ok := p.try(lexChar); ok {
			b.WriteString(v)
			continue
		}
		if v, ok := p.try(lexEscaped); ok {
			b.WriteString(v)
			continue
		}
		return b.String()
	}
}

func parse(str string) ([]token, error) {
	toks, err := lex(str)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	var (
		out  []token
		path strings.Builder
		key  int
	)
	flush := func() {
		if path.Len() > 0 {
			out = append(out, token{literal: path.String()})
			path.Reset()
		}
	}
	nextKey := func() string {
		k := strconv.Itoa(key)
		key++
		return k
	}

	for p.i < len(p.toks) {
		char, hasChar := p.try(lexChar)
		name, hasName := p.try(lexName)
		pat, hasPat := p.try(lexPattern)

		if hasName || hasPat {
			prefix := char
			if !strings.Contains(prefixChars, prefix) || prefix == "" {
				path.WriteString(prefix)
				prefix = ""
			}
			flush()
			if !hasName {
				name = nextKey()
			}
			if !hasPat {
				pat = defaultPattern
			}
			mod, _ := p.try(lexModifier)
			out = append(out, token{param: true, name: name, prefix: prefix, pattern: pat, modifier: mod})
			continue
		}

		if hasChar {
			path.WriteString(char)
			continue
		}
		if v, ok := p.try(lexEscaped); ok {
			path.WriteString(v)
			continue
		}
		flush()

		if _, ok := p.try(lexOpen); ok {
			prefix := p.text()
			name, hasName := p.try(lexName)
			pat, hasPat := p.try(lexPattern)
			suffix := p.text()
			if err := p.must(lexClose); err != nil {
				return nil, err
			}
			switch {
			case hasName && !hasPat:
				pat = defaultPattern
			case !hasName && hasPat:
				name = nextKey()
			}
			mod, _ := p.try(lexModifier)
			out = append(out, token{param: true, name: name, prefix: prefix, suffix: suffix, pattern: pat, modifier: mod})
			continue
		}
		if err := p.must(lexEnd); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// escapeString quotes the regex metacharacters path templates may contain.
func escapeString(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`.+*?=^!:${}()[]|/\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Matcher matches paths against a path template.
type Matcher struct {
	tokens []token
	keys   []token
	re     *Regex
}

// NewMatcher compiles a template such as "/docs/:section/:page*" into an
// anchored, non-strict matcher (an optional trailing delimiter is allowed).
func NewMatcher(template string) (*Matcher, error) {
	toks, err := parse(template)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", template, err)
	}
	var b strings.Builder
	b.WriteString("^")
	var keys []token
	for _, t := range toks {
		if !t.param {
			b.WriteString(escapeString(t.literal))
			continue
		}
		prefix, suffix := escapeString(t.prefix), escapeString(t.suffix)
		if t.pattern == "" {
			fmt.Fprintf(&b, "(?:%s%s)%s", prefix, suffix, t.modifier)
			continue
		}
		keys = append(keys, t)
		switch {
		case (prefix != "" || suffix != "") && t.repeat():
			mod := ""
			if t.modifier == "*" {
				mod = "?"
			}
			fmt.Fprintf(&b, "(?:%s((?:%s)(?:%s%s(?:%s))*)%s)%s", prefix, t.pattern, suffix, prefix, t.pattern, suffix, mod)
		case prefix != "" || suffix != "":
			fmt.Fprintf(&b, "(?:%s(%s)%s)%s", prefix, t.pattern, suffix, t.modifier)
		case t.repeat():
			fmt.Fprintf(&b, "((?:%s)%s)", t.pattern, t.modifier)
		default:
			fmt.Fprintf(&b, "(%s)%s", t.pattern, t.modifier)
		}
	}
	fmt.Fprintf(&b, "[%s]?$", escapeString(defaultDelimiter))

	re, err := Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", template, err)
	}
	return &Matcher{tokens: toks, keys: keys, re: re}, nil
}

// Regex exposes the compiled expression.
func (m *Matcher) Regex() *Regex { return m.re }

// Match returns the captured parameters when path matches.
func (m *Matcher) Match(path string) (Params, bool) {
	vals, ok := m.re.Submatches(path)
	if vals == nil {
		return nil, false
	}
	params := make(Params, len(m.keys))
	for i, k := range m.keys {
		if i+1 >= len(vals) || !ok[i+1] {
			continue
		}
		v := vals[i+1]
		if k.repeat() {
			params[k.name] = strings.Split(v, k.prefix+k.suffix)
		} else {
			params[k.name] = []string{v}
		}
	}
	return params, true
}

// Template renders a path template with parameters.
type Template struct {
	src    string
	tokens []token
	checks map[string]*Regex
}

// NewTemplate parses a destination template.
func NewTemplate(template string) (*Template, error) {
	toks, err := parse(template)
	if err != nil {
		return nil, fmt.Errorf("compiling %q: %w", template, err)
	}
	t := &Template{src: template, tokens: toks, checks: make(map[string]*Regex)}
	for _, tok := range toks {
		if tok.param && tok.pattern != "" {
			if t.checks[tok.name], err = Compile("^(?:" + tok.pattern + ")$"); err != nil {
				return nil, fmt.Errorf("compiling %q: %w", template, err)
			}
		}
	}
	return t, nil
}

// Expand substitutes params into the template. A required parameter that is
// missing or a value that does not fit the parameter pattern is an error.
func (t *Template) Expand(params Params) (string, error) {
	var b strings.Builder
	for _, tok := range t.tokens {
		if !tok.param {
			b.WriteString(tok.literal)
			continue
		}
		if tok.pattern == "" {
			b.WriteString(tok.prefix + tok.suffix)
			continue
		}
		vals, present := params[tok.name]
		if !present || len(vals) == 0 {
			if tok.optional() {
				continue
			}
			return "", fmt.Errorf("template %q: missing parameter %q", t.src, tok.name)
		}
		if len(vals) > 1 && !tok.repeat() {
			return "", fmt.Errorf("template %q: parameter %q does not repeat", t.src, tok.name)
		}
		for _, v := range vals {
			if re := t.checks[tok.name]; re != nil && !re.MatchString(v) {
				return "", fmt.Errorf("template %q: value %q does not match parameter %q", t.src, v, tok.name)
			}
			b.WriteString(tok.prefix)
			b.WriteString(v)
			b.WriteString(tok.suffix)
		}
	}
	return b.String(), nil
}

// Markers that collide with the template grammar. Intercepting and
// parallel route segments use "(.)", "(..)" and "(...)" which would
// otherwise parse as unnamed groups, and "+" is a modifier.
var escapes = []struct{ literal, placeholder string }{
	{"(...)", "_µ3_"},
	{"(..)", "_µ2_"},
	{"(.)", "_µ1_"},
}

// Escape hides group markers, and "+" unless isPath, from the template
// parser. Unescape reverses it on the rendered output.
func Escape(s string, isPath bool) string {
	for _, e := range escapes {
		s = strings.ReplaceAll(s, e.literal, e.placeholder)
	}
	if !isPath {
		s = strings.ReplaceAll(s, "+", "_µ4_")
	}
	return s
}

// Unescape restores the markers hidden by Escape.
func Unescape(s string) string {
	for _, e := range escapes {
		s = strings.ReplaceAll(s, e.placeholder, e.literal)
	}
	return strings.ReplaceAll(s, "_µ4_", "+")
}
