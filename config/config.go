package config

import (
	"time"
)

// Config represents the complete edge router configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Admin        AdminConfig        `yaml:"admin"`
	Logging      LoggingConfig      `yaml:"logging"`
	Manifest     ManifestConfig     `yaml:"manifest"`
	Routing      RoutingConfig      `yaml:"routing"`
	Cache        CacheConfig        `yaml:"cache"`
	Redis        RedisConfig        `yaml:"redis"`
	Revalidation RevalidationConfig `yaml:"revalidation"`
	Middleware   MiddlewareConfig   `yaml:"middleware"`
	Geo          GeoConfig          `yaml:"geo"`
	Assets       AssetsConfig       `yaml:"assets"`
	Origins      OriginsConfig      `yaml:"origins"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// ServerConfig defines the public listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodySize     int64         `yaml:"max_body_size"`
	// RequestIDHeader is trusted from clients and generated when absent.
	RequestIDHeader string `yaml:"request_id_header"`
}

// AdminConfig defines the admin listener serving health and metrics.
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Format   string            `yaml:"format"`
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
}

// ManifestConfig points at the build output the routing tables are loaded from.
type ManifestConfig struct {
	Dir string `yaml:"dir"`
	// Watch reloads the pipeline when manifest files change.
	Watch bool `yaml:"watch"`
}

// RoutingConfig holds pipeline behaviour switches.
type RoutingConfig struct {
	// EnableCacheInterception serves ISR entries straight from the cache store.
	EnableCacheInterception bool `yaml:"enable_cache_interception"`
	// MiddlewareHeadersOverride lets middleware response headers win over
	// config-declared headers on key collisions.
	MiddlewareHeadersOverride bool `yaml:"middleware_headers_override"`
	// NotFoundPath and ErrorPath are the synthetic pages requests are
	// rewritten to on unknown routes and pipeline failures.
	NotFoundPath string `yaml:"not_found_path"`
	ErrorPath    string `yaml:"error_path"`
}

// CacheConfig selects the incremental cache and tag store backends.
type CacheConfig struct {
	Type       string        `yaml:"type"` // "memory" or "redis"
	MaxEntries int           `yaml:"max_entries"`
	KeyPrefix  string        `yaml:"key_prefix"`
	Timeout    time.Duration `yaml:"timeout"`
	TagStore   string        `yaml:"tag_store"` // "memory" or "redis"; defaults to Type
}

// RedisConfig defines the shared Redis connection.
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password" redact:"true"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RevalidationConfig defines how stale ISR entries are regenerated.
type RevalidationConfig struct {
	Transport      string        `yaml:"transport"` // "memory" or "amqp"
	MaxConcurrency int           `yaml:"max_concurrency"`
	DedupeWindow   time.Duration `yaml:"dedupe_window"`
	QueueSize      int           `yaml:"queue_size"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst      int           `yaml:"rate_burst"`
	AMQP           AMQPConfig    `yaml:"amqp"`
	// Consume runs a revalidation worker in this process.
	Consume bool `yaml:"consume"`
}

// AMQPConfig defines the AMQP revalidation transport.
type AMQPConfig struct {
	URL            string        `yaml:"url" redact:"true"`
	Exchange       string        `yaml:"exchange"`
	Queue          string        `yaml:"queue"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// MiddlewareConfig defines the user-supplied request transform.
type MiddlewareConfig struct {
	Script   string        `yaml:"script"` // path to a Lua script defining middleware(req, res, ctx)
	Timeout  time.Duration `yaml:"timeout"`
	PoolSize int           `yaml:"pool_size"`
}

// GeoConfig defines how geo hints are derived.
type GeoConfig struct {
	// Headers maps hint names (country, region, city, latitude, longitude)
	// to transport-injected request headers.
	Headers map[string]string `yaml:"headers"`
	// Database is an optional MaxMind database used when headers are absent.
	Database string `yaml:"database"`
}

// AssetsConfig defines the static asset short-circuit.
type AssetsConfig struct {
	Dir          string   `yaml:"dir"`
	Patterns     []string `yaml:"patterns"`
	CacheControl string   `yaml:"cache_control"`
}

// OriginsConfig maps forwarded requests to upstream renderers.
type OriginsConfig struct {
	Default        string              `yaml:"default"`
	Routes         []OriginRouteConfig `yaml:"routes"`
	Timeout        time.Duration       `yaml:"timeout"`
	CircuitBreaker BreakerConfig       `yaml:"circuit_breaker"`
	Transport      TransportConfig     `yaml:"transport"`
	// Nameservers overrides the OS resolver for origin dials ("ip:port").
	Nameservers []string      `yaml:"nameservers"`
	DNSTimeout  time.Duration `yaml:"dns_timeout"`
}

// OriginRouteConfig sends paths matching any pattern to URL.
type OriginRouteConfig struct {
	Name      string          `yaml:"name"`
	Patterns  []string        `yaml:"patterns"`
	URL       string          `yaml:"url"`
	Transport TransportConfig `yaml:"transport"` // non-zero fields override the shared transport
}

// TransportConfig tunes the HTTP transport used towards an origin.
type TransportConfig struct {
	MaxIdleConns          int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost       int           `yaml:"max_conns_per_host"`
	IdleConnTimeout       time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout           time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"response_header_timeout"`
	InsecureSkipVerify    bool          `yaml:"insecure_skip_verify"`
	CAFile                string        `yaml:"ca_file"`
	DisableKeepAlives     bool          `yaml:"disable_keep_alives"`
	ForceHTTP2            *bool         `yaml:"force_http2"`
}

// BreakerConfig configures the per-origin circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodySize:     10 << 20,
			RequestIDHeader: "X-Request-ID",
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9091",
			Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
			Output: "stdout",
		},
		Manifest: ManifestConfig{
			Dir: ".next",
		},
		Routing: RoutingConfig{
			NotFoundPath: "/404",
			ErrorPath:    "/500",
		},
		Cache: CacheConfig{
			Type:       "memory",
			MaxEntries: 10000,
			KeyPrefix:  "edgeroute:",
			Timeout:    250 * time.Millisecond,
		},
		Redis: RedisConfig{
			Address:     "localhost:6379",
			PoolSize:    20,
			DialTimeout: 2 * time.Second,
		},
		Revalidation: RevalidationConfig{
			Transport:      "memory",
			MaxConcurrency: 10,
			DedupeWindow:   5 * time.Minute,
			QueueSize:      1024,
			RequestTimeout: 30 * time.Second,
			Consume:        true,
			AMQP: AMQPConfig{
				Exchange:       "edgeroute.revalidate",
				Queue:          "edgeroute.revalidate",
				PublishTimeout: 5 * time.Second,
				MaxRetries:     3,
			},
		},
		Middleware: MiddlewareConfig{
			Timeout:  5 * time.Second,
			PoolSize: 16,
		},
		Geo: GeoConfig{
			Headers: map[string]string{
				"country":   "CloudFront-Viewer-Country",
				"region":    "CloudFront-Viewer-Country-Region",
				"city":      "CloudFront-Viewer-City",
				"latitude":  "CloudFront-Viewer-Latitude",
				"longitude": "CloudFront-Viewer-Longitude",
			},
		},
		Assets: AssetsConfig{
			Patterns:     []string{"/_next/static/**", "/favicon.ico"},
			CacheControl: "public, max-age=31536000, immutable",
		},
		Origins: OriginsConfig{
			Timeout: 30 * time.Second,
			CircuitBreaker: BreakerConfig{
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
			},
		},
		Tracing: TracingConfig{
			ServiceName: "edgeroute",
			SampleRate:  1.0,
		},
	}
}
