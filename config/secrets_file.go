package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileProvider resolves ${file:/path} references, typically mounted
// container secrets.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows any path.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 && !hasAnyPrefix(ref, p.AllowedPrefixes) {
		return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return trimSecret(string(data)), nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
