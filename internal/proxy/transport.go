package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wudi/edgeroute/config"
)

// TransportConfig configures the HTTP transport towards an origin.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration

	InsecureSkipVerify bool
	CAFile             string

	DisableKeepAlives bool
	ForceHTTP2        bool

	Resolver *net.Resolver // nil = default OS resolver
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceHTTP2:            true,
}

// NewTransport creates an HTTP transport from cfg. An unreadable CA file
// is an error; origins must not silently fall back to the system roots.
func NewTransport(cfg TransportConfig) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
		Resolver:  cfg.Resolver,
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read origin CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("origin CA file %s holds no certificates", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		TLSClientConfig:       tlsConfig,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}, nil
}

// MergeTransportConfigs applies the non-zero fields of each overlay onto
// base, later overlays winning.
func MergeTransportConfigs(base TransportConfig, overlays ...config.TransportConfig) TransportConfig {
	for _, o := range overlays {
		if o.MaxIdleConns > 0 {
			base.MaxIdleConns = o.MaxIdleConns
		}
		if o.MaxIdleConnsPerHost > 0 {
			base.MaxIdleConnsPerHost = o.MaxIdleConnsPerHost
		}
		if o.MaxConnsPerHost > 0 {
			base.MaxConnsPerHost = o.MaxConnsPerHost
		}
		if o.IdleConnTimeout > 0 {
			base.IdleConnTimeout = o.IdleConnTimeout
		}
		if o.DialTimeout > 0 {
			base.DialTimeout = o.DialTimeout
		}
		if o.TLSHandshakeTimeout > 0 {
			base.TLSHandshakeTimeout = o.TLSHandshakeTimeout
		}
		if o.ResponseHeaderTimeout > 0 {
			base.ResponseHeaderTimeout = o.ResponseHeaderTimeout
		}
		if o.DisableKeepAlives {
			base.DisableKeepAlives = true
		}
		if o.InsecureSkipVerify {
			base.InsecureSkipVerify = true
		}
		if o.CAFile != "" {
			base.CAFile = o.CAFile
		}
		if o.ForceHTTP2 != nil {
			base.ForceHTTP2 = *o.ForceHTTP2
		}
	}
	return base
}

// TransportPool holds one transport per origin name plus a default used
// for external rewrites and unnamed origins.
type TransportPool struct {
	defaultTransport *http.Transport
	transports       map[string]*http.Transport
}

// NewTransportPool builds the default transport from cfg.
func NewTransportPool(cfg TransportConfig) (*TransportPool, error) {
	t, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &TransportPool{defaultTransport: t, transports: make(map[string]*http.Transport)}, nil
}

// Get returns the transport for an origin, or the default one.
func (tp *TransportPool) Get(name string) *http.Transport {
	if t, ok := tp.transports[name]; ok {
		return t
	}
	return tp.defaultTransport
}

// Set adds a named transport built from cfg.
func (tp *TransportPool) Set(name string, cfg TransportConfig) error {
	t, err := NewTransport(cfg)
	if err != nil {
		return fmt.Errorf("origin %s: %w", name, err)
	}
	tp.transports[name] = t
	return nil
}

// CloseIdleConnections closes idle connections on all transports.
func (tp *TransportPool) CloseIdleConnections() {
	tp.defaultTransport.CloseIdleConnections()
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}
