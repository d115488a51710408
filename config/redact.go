package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue replaces secrets in admin output.
const RedactedValue = "[REDACTED]"

// Redact returns a deep copy of cfg with every non-empty redact:"true"
// field replaced by RedactedValue.
func Redact(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	cp := &Config{}
	if err := yaml.Unmarshal(data, cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	walkStrings(reflect.ValueOf(cp), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	return cp, nil
}

// RedactManifest blanks the preview secrets of m in place and returns it.
func RedactManifest(m Manifest) Manifest {
	walkStrings(reflect.ValueOf(&m.Prerender.Preview), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	return m
}
