package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/assets"
	"github.com/wudi/edgeroute/internal/cache"
	"github.com/wudi/edgeroute/internal/geo"
	"github.com/wudi/edgeroute/internal/instrument"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/middleware/edge"
	"github.com/wudi/edgeroute/internal/proxy"
	"github.com/wudi/edgeroute/internal/revalidate"
	"github.com/wudi/edgeroute/internal/routing"
	"github.com/wudi/edgeroute/internal/tracing"
)

// app holds the collaborators that outlive pipeline reloads.
type app struct {
	deps      routing.Deps
	forwarder *proxy.HTTPForwarder
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	worker    *revalidate.Worker
	checks    map[string]func(context.Context) error
	closers   []func(context.Context) error
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close tears the collaborators down in reverse order of construction.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		if err := a.closers[i](ctx); err != nil {
			logging.Warn("shutdown of collaborator failed", zap.Error(err))
		}
		cancel()
	}
}

func build(ctx context.Context, snap config.Snapshot) (*app, error) {
	cfg := snap.Config
	a := &app{
		metrics: metrics.NewCollector(),
		checks:  map[string]func(context.Context) error{},
	}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	var err error
	if a.tracer, err = tracing.New(cfg.Tracing); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.onClose(a.tracer.Close)

	if a.forwarder, err = proxy.NewForwarder(cfg.Origins, a.metrics); err != nil {
		return nil, fmt.Errorf("origins: %w", err)
	}

	store, tags, err := buildCache(a, cfg)
	if err != nil {
		return nil, err
	}

	a.worker = revalidate.NewWorker(revalidate.WorkerOptions{
		PreviewModeID: snap.Manifest.Prerender.Preview.PreviewModeID,
		Timeout:       cfg.Revalidation.RequestTimeout,
		Target:        a.revalidationTarget,
		RateLimit:     cfg.Revalidation.RateLimit,
		Burst:         cfg.Revalidation.RateBurst,
	})
	queue, err := buildQueue(ctx, a, cfg)
	if err != nil {
		return nil, err
	}

	var provider geo.Provider
	if cfg.Geo.Database != "" {
		if provider, err = geo.NewProvider(cfg.Geo.Database); err != nil {
			return nil, fmt.Errorf("geo database: %w", err)
		}
	}
	geoResolver := geo.NewResolver(cfg.Geo.Headers, provider)
	a.onClose(func(context.Context) error { return geoResolver.Close() })

	var fn edge.Func
	if cfg.Middleware.Script != "" {
		lua, err := edge.LoadLua(cfg.Middleware.Script, cfg.Middleware.PoolSize)
		if err != nil {
			return nil, fmt.Errorf("middleware: %w", err)
		}
		a.onClose(func(context.Context) error { lua.Close(); return nil })
		fn = lua
	}

	basePath := snap.Manifest.Next.BasePath
	if basePath == "" {
		basePath = snap.Manifest.Routes.BasePath
	}
	staticFiles, err := assets.FromConfig(cfg.Assets, basePath)
	if err != nil {
		return nil, err
	}

	a.deps = routing.Deps{
		Middleware: fn,
		Geo:        geoResolver,
		Store:      store,
		Tags:       tags,
		Queue:      queue,
		Assets:     staticFiles,
		Reporter:   instrument.Multi{instrument.LogReporter{}, instrument.SpanReporter{}},
		Metrics:    a.metrics,
		Tracer:     a.tracer,
	}
	built = true
	return a, nil
}

func buildCache(a *app, cfg *config.Config) (cache.Store, cache.TagStore, error) {
	tagType := cfg.Cache.TagStore
	if tagType == "" {
		tagType = cfg.Cache.Type
	}

	var client redis.UniversalClient
	if cfg.Cache.Type == "redis" || tagType == "redis" {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:       []string{cfg.Redis.Address},
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		a.onClose(func(context.Context) error { return client.Close() })
		a.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	var store cache.Store
	switch cfg.Cache.Type {
	case "memory":
		store = cache.NewMemoryStore(cfg.Cache.MaxEntries)
	case "redis":
		store = cache.NewRedisStore(client, cfg.Cache.KeyPrefix, cfg.Cache.Timeout)
	default:
		return nil, nil, fmt.Errorf("unknown cache type %q", cfg.Cache.Type)
	}

	var tags cache.TagStore
	switch tagType {
	case "memory":
		tags = cache.NewMemoryTagStore(cfg.Cache.MaxEntries)
	case "redis":
		tags = cache.NewRedisTagStore(client, cfg.Cache.KeyPrefix, cfg.Cache.Timeout)
	default:
		return nil, nil, fmt.Errorf("unknown tag store type %q", tagType)
	}
	return store, tags, nil
}

func buildQueue(ctx context.Context, a *app, cfg *config.Config) (revalidate.Queue, error) {
	rc := cfg.Revalidation
	switch rc.Transport {
	case "", "memory":
		q := revalidate.NewMemoryQueue(revalidate.MemoryOptions{
			MaxConcurrency: rc.MaxConcurrency,
			QueueSize:      rc.QueueSize,
			DedupeWindow:   rc.DedupeWindow,
			Metrics:        a.metrics,
		}, a.worker.Handle)
		q.Start(ctx)
		a.onClose(func(context.Context) error { q.Close(); return nil })
		return q, nil
	case "amqp":
		q, err := revalidate.DialAMQP(rc, a.metrics)
		if err != nil {
			return nil, fmt.Errorf("revalidation transport: %w", err)
		}
		a.onClose(func(context.Context) error { return q.Close() })
		if rc.Consume {
			go func() {
				if err := q.Consume(ctx, a.worker.Handle); err != nil && ctx.Err() == nil {
					logging.Error("revalidation consumer stopped", zap.Error(err))
				}
			}()
		}
		return q, nil
	}
	return nil, fmt.Errorf("unknown revalidation transport %q", rc.Transport)
}

// revalidationTarget sends regeneration requests straight to the origin
// that renders the path instead of back through the edge.
func (a *app) revalidationTarget(item revalidate.WorkItem) (string, error) {
	path, _, _ := strings.Cut(item.URL, "?")
	o, err := a.forwarder.Resolve(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(o.URL.String(), "/") + item.URL, nil
}
