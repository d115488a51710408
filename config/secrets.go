package config

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves a secret reference of one scheme, e.g. the
// "env" in ${env:REDIS_PASSWORD}.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry maps schemes to providers.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry returns a registry with the env and file providers
// registered.
func NewSecretRegistry(providers ...SecretProvider) *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider)}
	r.Register(&EnvProvider{})
	r.Register(&FileProvider{})
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds p, replacing any provider with the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve delegates to the provider registered for scheme.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// secretRefPattern matches a whole-value reference ${scheme:reference}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// ResolveSecrets replaces every string field of cfg holding a secret
// reference with the resolved value. Only fields tagged redact:"true" are
// considered so a route pattern can never be mistaken for a reference.
func (r *SecretRegistry) ResolveSecrets(ctx context.Context, cfg *Config) error {
	var firstErr error
	walkStrings(reflect.ValueOf(cfg), "", func(field reflect.Value, path string, tag reflect.StructTag) {
		if firstErr != nil || tag.Get("redact") != "true" {
			return
		}
		m := secretRefPattern.FindStringSubmatch(field.String())
		if m == nil {
			return
		}
		val, err := r.Resolve(ctx, m[1], m[2])
		if err != nil {
			firstErr = fmt.Errorf("resolving %s: %w", path, err)
			return
		}
		field.SetString(val)
	})
	return firstErr
}

type stringVisitor func(field reflect.Value, path string, tag reflect.StructTag)

// walkStrings calls fn for every settable string field reachable from v
// through structs, pointers and slices of structs.
func walkStrings(v reflect.Value, path string, fn stringVisitor) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			walkStrings(v.Elem(), path, fn)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f, sf := v.Field(i), t.Field(i)
			if !f.CanSet() {
				continue
			}
			name := sf.Name
			if path != "" {
				name = path + "." + sf.Name
			}
			switch f.Kind() {
			case reflect.String:
				fn(f, name, sf.Tag)
			case reflect.Struct, reflect.Ptr:
				walkStrings(f, name, fn)
			case reflect.Slice:
				if f.Type().Elem().Kind() == reflect.Struct {
					for j := 0; j < f.Len(); j++ {
						walkStrings(f.Index(j).Addr(), fmt.Sprintf("%s[%d]", name, j), fn)
					}
				}
			}
		}
	}
}

func trimSecret(s string) string {
	return strings.TrimRight(s, " \t\r\n")
}
