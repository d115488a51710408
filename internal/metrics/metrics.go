// Package metrics exposes the router's Prometheus series.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edgeroute"

// DefaultBuckets are pipeline latency buckets in seconds.
var DefaultBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0}

// Collector holds the router metrics. A nil *Collector records nothing,
// so components take one optionally.
type Collector struct {
	registry *prometheus.Registry

	decisions       *prometheus.CounterVec
	pipelineLatency *prometheus.HistogramVec
	cacheResults    *prometheus.CounterVec
	revalidations   *prometheus.CounterVec
	middleware      *prometheus.CounterVec
	originRequests  *prometheus.CounterVec
	originLatency   *prometheus.HistogramVec
	breakerState    *prometheus.GaugeVec
	reloads         *prometheus.CounterVec
}

// NewCollector registers the metrics on a fresh registry that also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Collector{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Routing decisions by kind.",
		}, []string{"kind"}),
		pipelineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Time spent computing a routing decision.",
			Buckets:   DefaultBuckets,
		}, []string{"kind"}),
		cacheResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "results_total",
			Help:      "Cache interception results.",
		}, []string{"result"}),
		revalidations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revalidation",
			Name:      "items_total",
			Help:      "Revalidation work items by outcome.",
		}, []string{"outcome"}),
		middleware: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "middleware",
			Name:      "invocations_total",
			Help:      "Middleware invocations by action.",
		}, []string{"action"}),
		originRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "origin",
			Name:      "requests_total",
			Help:      "Requests forwarded to origins.",
		}, []string{"origin", "code"}),
		originLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "origin",
			Name:      "request_duration_seconds",
			Help:      "Origin round trip time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"origin"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "origin",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0=closed, 1=half_open, 2=open.",
		}, []string{"origin"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manifest_reloads_total",
			Help:      "Pipeline reloads by result.",
		}, []string{"result"}),
	}
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordDecision records one pipeline run.
func (c *Collector) RecordDecision(kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(kind).Inc()
	c.pipelineLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordCacheResult records an interception result (HIT, STALE, ERROR,
// miss, bypass, fail).
func (c *Collector) RecordCacheResult(result string) {
	if c == nil {
		return
	}
	c.cacheResults.WithLabelValues(result).Inc()
}

// RecordRevalidation records a work item outcome.
func (c *Collector) RecordRevalidation(outcome string) {
	if c == nil {
		return
	}
	c.revalidations.WithLabelValues(outcome).Inc()
}

// RecordMiddleware records a middleware invocation.
func (c *Collector) RecordMiddleware(action string) {
	if c == nil {
		return
	}
	c.middleware.WithLabelValues(action).Inc()
}

// RecordOrigin records a forwarded request. status 0 means the round trip
// failed.
func (c *Collector) RecordOrigin(origin string, status int, d time.Duration) {
	if c == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.originRequests.WithLabelValues(origin, code).Inc()
	c.originLatency.WithLabelValues(origin).Observe(d.Seconds())
}

// SetBreakerState records the breaker state of an origin.
func (c *Collector) SetBreakerState(origin string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(origin).Set(float64(state))
}

// RecordReload records a manifest reload attempt.
func (c *Collector) RecordReload(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloads.WithLabelValues(result).Inc()
}
