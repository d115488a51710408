package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader reads the service configuration and the build manifests.
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a loader with the default secret providers.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes on top of DefaultConfig.
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.secrets.ResolveSecrets(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("secret resolution failed: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
// Unset variables are left verbatim.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return match
	})
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Manifest.Dir == "" {
		return fmt.Errorf("manifest.dir is required")
	}

	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.type: invalid value %q (want memory or redis)", cfg.Cache.Type)
	}
	switch cfg.Cache.TagStore {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("cache.tag_store: invalid value %q", cfg.Cache.TagStore)
	}
	if cfg.Cache.Type == "memory" && cfg.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}

	r := cfg.Revalidation
	switch r.Transport {
	case "memory":
	case "amqp":
		if r.AMQP.URL == "" {
			return fmt.Errorf("revalidation.amqp.url is required for amqp transport")
		}
		if r.AMQP.Queue == "" {
			return fmt.Errorf("revalidation.amqp.queue is required for amqp transport")
		}
	default:
		return fmt.Errorf("revalidation.transport: invalid value %q (want memory or amqp)", r.Transport)
	}
	if r.MaxConcurrency <= 0 {
		return fmt.Errorf("revalidation.max_concurrency must be positive")
	}
	if r.RateLimit < 0 || r.RateBurst < 0 {
		return fmt.Errorf("revalidation.rate_limit and rate_burst must not be negative")
	}

	if !strings.HasPrefix(cfg.Routing.NotFoundPath, "/") || !strings.HasPrefix(cfg.Routing.ErrorPath, "/") {
		return fmt.Errorf("routing.not_found_path and routing.error_path must be absolute paths")
	}

	if cfg.Origins.Default != "" {
		if err := validateOriginURL(cfg.Origins.Default); err != nil {
			return fmt.Errorf("origins.default: %w", err)
		}
	}
	for i, o := range cfg.Origins.Routes {
		if len(o.Patterns) == 0 {
			return fmt.Errorf("origins.routes[%d]: at least one pattern is required", i)
		}
		if err := validateOriginURL(o.URL); err != nil {
			return fmt.Errorf("origins.routes[%d]: %w", i, err)
		}
	}

	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

func validateOriginURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// Build manifest file names, relative to the manifest directory.
const (
	BuildIDFile               = "BUILD_ID"
	RoutesManifestFile        = "routes-manifest.json"
	PrerenderManifestFile     = "prerender-manifest.json"
	RequiredServerFilesFile   = "required-server-files.json"
	MiddlewareManifestFile    = "server/middleware-manifest.json"
	AppPathRoutesManifestFile = "app-path-routes-manifest.json"
)

// routesManifestFile is the on-disk routes manifest, which also carries the
// base path and locale table when required-server-files.json is absent.
type routesManifestFile struct {
	RoutesManifest `yaml:",inline"`
	I18n           *I18nConfig `yaml:"i18n"`
}

type requiredServerFiles struct {
	Config *NextConfig `yaml:"config"`
}

// LoadManifest reads the build output under dir. BUILD_ID and the routes
// manifest are required; the other files are optional and default to empty.
func (l *Loader) LoadManifest(dir string) (*Manifest, error) {
	m := &Manifest{}

	id, err := os.ReadFile(filepath.Join(dir, BuildIDFile))
	if err != nil {
		return nil, fmt.Errorf("reading build id: %w", err)
	}
	m.BuildID = strings.TrimSpace(string(id))
	if m.BuildID == "" {
		return nil, fmt.Errorf("build id in %s is empty", dir)
	}

	var routes routesManifestFile
	if err := readJSON(filepath.Join(dir, RoutesManifestFile), &routes, true); err != nil {
		return nil, err
	}
	m.Routes = routes.RoutesManifest

	var rsf requiredServerFiles
	if err := readJSON(filepath.Join(dir, RequiredServerFilesFile), &rsf, false); err != nil {
		return nil, err
	}
	if rsf.Config != nil {
		m.Next = *rsf.Config
	} else {
		m.Next = NextConfig{BasePath: routes.BasePath, I18n: routes.I18n}
	}
	if m.Next.BasePath == "" {
		m.Next.BasePath = routes.BasePath
	}

	if err := readJSON(filepath.Join(dir, PrerenderManifestFile), &m.Prerender, false); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, MiddlewareManifestFile), &m.Middleware, false); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, AppPathRoutesManifestFile), &m.AppPathRoutes, false); err != nil {
		return nil, err
	}

	if err := validateManifest(m); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}
	return m, nil
}

// readJSON decodes a manifest file. JSON is a subset of YAML so the same
// decoder serves both the service config and the build output.
func readJSON(path string, into any, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func validateManifest(m *Manifest) error {
	if bp := m.Next.BasePath; bp != "" && (!strings.HasPrefix(bp, "/") || strings.HasSuffix(bp, "/")) {
		return fmt.Errorf("basePath %q must start with / and not end with /", bp)
	}
	if i := m.Next.I18n; i != nil {
		if i.DefaultLocale == "" {
			return fmt.Errorf("i18n.defaultLocale is required")
		}
		if !containsFold(i.Locales, i.DefaultLocale) {
			return fmt.Errorf("i18n.defaultLocale %q is not in locales", i.DefaultLocale)
		}
	}
	for _, list := range [][]RouteDefinition{m.Routes.StaticRoutes, m.Routes.DynamicRoutes} {
		for _, r := range list {
			if r.Page == "" || r.Regex == "" {
				return fmt.Errorf("route definition needs page and regex: %+v", r)
			}
		}
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
