// Package assets serves build output files that match configured globs
// without involving the renderer.
package assets

import (
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/pathnorm"
)

// DefaultCacheControl is used for assets when none is configured.
const DefaultCacheControl = "public, max-age=0, must-revalidate"

// Resolver maps request paths onto files of an fs.FS.
type Resolver struct {
	fsys         fs.FS
	patterns     []string
	cacheControl string
	basePath     string
}

// New validates patterns and returns a resolver over fsys. Patterns are
// matched against the path with the base path stripped, e.g. "/_next/static/**".
func New(fsys fs.FS, patterns []string, cacheControl, basePath string) (*Resolver, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("assets: invalid pattern %q", p)
		}
	}
	if cacheControl == "" {
		cacheControl = DefaultCacheControl
	}
	return &Resolver{fsys: fsys, patterns: patterns, cacheControl: cacheControl, basePath: basePath}, nil
}

// FromConfig builds a resolver over cfg.Dir. A nil resolver is returned
// when no directory is configured.
func FromConfig(cfg config.AssetsConfig, basePath string) (*Resolver, error) {
	if cfg.Dir == "" {
		return nil, nil
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("assets dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("assets dir %q is not a directory", cfg.Dir)
	}
	return New(os.DirFS(cfg.Dir), cfg.Patterns, cfg.CacheControl, basePath)
}

// Match reports whether the escaped request path is covered by a pattern.
func (r *Resolver) Match(rawPath string) (string, bool) {
	if r == nil || len(r.patterns) == 0 {
		return "", false
	}
	p, err := url.PathUnescape(pathnorm.StripBasePath(rawPath, r.basePath))
	if err != nil {
		return "", false
	}
	p = path.Clean("/" + p)
	for _, pat := range r.patterns {
		if ok, _ := doublestar.Match(pat, p); ok {
			return p, true
		}
	}
	return "", false
}

// Serve returns the file for ev, or nil when ev is not an asset request
// or the file does not exist.
func (r *Resolver) Serve(ev *event.Event) (*event.Response, error) {
	if ev.Method != http.MethodGet && ev.Method != http.MethodHead {
		return nil, nil
	}
	p, ok := r.Match(ev.RawPath)
	if !ok {
		return nil, nil
	}
	name := strings.TrimPrefix(p, "/")
	if !fs.ValidPath(name) {
		return nil, nil
	}
	info, err := fs.Stat(r.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}
	body, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		return nil, err
	}

	etag := `"` + strconv.FormatUint(xxhash.Sum64(body), 16) + `"`
	if match := ev.Header("If-None-Match"); match != "" && match == etag {
		resp := event.NewResponse(http.StatusNotModified)
		resp.Headers.Set("ETag", etag)
		resp.Headers.Set("Cache-Control", r.cacheControl)
		return resp, nil
	}

	resp := event.NewResponse(http.StatusOK)
	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = http.DetectContentType(body)
	}
	resp.Headers.Set("Content-Type", ctype)
	resp.Headers.Set("Cache-Control", r.cacheControl)
	resp.Headers.Set("ETag", etag)
	resp.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	if ev.Method == http.MethodGet {
		resp.Body = body
	}
	return resp, nil
}
