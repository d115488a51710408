// Package server exposes the routing pipeline over HTTP. It converts
// requests into pipeline events, writes terminal responses or forwards to
// the origin, and runs deferred background work once the response is
// complete. A separate admin listener serves health, metrics and the
// effective configuration.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/edgeroute/config"
	"github.com/wudi/edgeroute/internal/background"
	"github.com/wudi/edgeroute/internal/errors"
	"github.com/wudi/edgeroute/internal/event"
	"github.com/wudi/edgeroute/internal/geo"
	"github.com/wudi/edgeroute/internal/logging"
	"github.com/wudi/edgeroute/internal/metrics"
	"github.com/wudi/edgeroute/internal/middleware"
	"github.com/wudi/edgeroute/internal/proxy"
	"github.com/wudi/edgeroute/internal/routing"
	"github.com/wudi/edgeroute/internal/tracing"
)

// backgroundTimeout bounds the work a single request may defer.
const backgroundTimeout = 30 * time.Second

// Options are the long-lived collaborators of a Server.
type Options struct {
	Forwarder proxy.Forwarder
	Deps      routing.Deps
	Metrics   *metrics.Collector
	Tracer    *tracing.Tracer
	// Checks are run by the health endpoint, keyed by name.
	Checks map[string]func(context.Context) error
}

// Server serves the current pipeline generation. Reload swaps the
// generation atomically; in-flight requests finish on the one they
// started with.
type Server struct {
	opts     Options
	pipeline atomic.Pointer[routing.Handler]
	snapshot atomic.Pointer[config.Snapshot]
	handler  http.Handler

	public *http.Server
	admin  *http.Server
	addrs  struct {
		sync.Mutex
		public, admin net.Addr
	}

	background sync.WaitGroup
	startTime  time.Time

	mu      sync.Mutex
	reloads []ReloadResult
}

// New compiles the first pipeline generation from snap.
func New(snap config.Snapshot, opts Options) (*Server, error) {
	if opts.Forwarder == nil {
		return nil, fmt.Errorf("server: forwarder is required")
	}
	if opts.Deps.Metrics == nil {
		opts.Deps.Metrics = opts.Metrics
	}
	if opts.Deps.Tracer == nil {
		opts.Deps.Tracer = opts.Tracer
	}
	h, err := routing.New(snap.Manifest, snap.Config, opts.Deps)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline: %w", err)
	}
	s := &Server{opts: opts, startTime: time.Now()}
	s.pipeline.Store(h)
	s.snapshot.Store(&snap)

	cfg := snap.Config
	chain := middleware.NewChain(
		middleware.RequestID(middleware.RequestIDConfig{
			Header:      cfg.Server.RequestIDHeader,
			TrustHeader: true,
		}),
		middleware.Recovery(),
	)
	if opts.Tracer != nil {
		chain = chain.Append(opts.Tracer.Middleware())
	}
	s.handler = chain.Append(middleware.AccessLog()).Then(http.HandlerFunc(s.serve))

	s.public = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if cfg.Admin.Enabled {
		s.admin = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.AdminHandler(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}
	return s, nil
}

// Handler returns the public handler with the request middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// Pipeline returns the current generation.
func (s *Server) Pipeline() *routing.Handler { return s.pipeline.Load() }

// Reload compiles snap and swaps it in. On failure the running
// generation stays in place. Listener settings only apply on restart.
func (s *Server) Reload(snap config.Snapshot) error {
	h, err := routing.New(snap.Manifest, snap.Config, s.opts.Deps)
	s.opts.Metrics.RecordReload(err == nil)
	result := ReloadResult{Success: err == nil, Timestamp: time.Now()}
	if err != nil {
		result.Error = err.Error()
		s.recordReload(result)
		logging.Error("pipeline reload failed, keeping current generation", zap.Error(err))
		return err
	}
	result.BuildID = h.BuildID()
	s.pipeline.Store(h)
	s.snapshot.Store(&snap)
	s.recordReload(result)
	logging.Info("pipeline reloaded", zap.String("build_id", h.BuildID()))
	return nil
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := s.snapshot.Load().Config
	ev, err := toEvent(r, cfg.Server.MaxBodySize)
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}

	bg := background.NewCollector(0)
	h := s.pipeline.Load()
	d := h.Route(ctx, ev, bg)
	switch {
	case d.Response != nil:
		if err := writeResponse(w, d.Response); err != nil {
			logging.FromContext(ctx).Debug("write response", zap.Error(err))
		}
	case d.Forward != nil:
		// Forward fails only before anything was written, so the error
		// page can still be served in place of the external target.
		err := s.forward(ctx, w, r, ev, d.Forward)
		if err != nil && d.Forward.IsExternal {
			logging.FromContext(ctx).Warn("external rewrite target failed",
				zap.String("target", d.Forward.Event.URL),
				zap.Error(err),
			)
			err = s.forward(ctx, w, r, ev, h.ExternalFailure(ctx, ev, err).Forward)
		}
		if err != nil {
			s.writeError(ctx, w, err)
		}
	default:
		s.writeError(ctx, w, errors.ErrInternalServer)
	}
	s.runBackground(ctx, bg)
}

func (s *Server) forward(ctx context.Context, w http.ResponseWriter, r *http.Request, in *event.Event, f *routing.Forward) error {
	out := f.Event
	if !f.IsExternal {
		out = annotate(f)
	}
	return s.opts.Forwarder.Forward(ctx, w, proxy.Request{
		Event:           out,
		External:        f.IsExternal,
		ResponseHeaders: f.ResponseHeaders,
		ForceHeaders:    f.ForceHeaders,
		StatusOverride:  f.RewriteStatus,
		ClientIP:        geo.ClientIP(in),
		TLS:             r.TLS != nil,
	})
}

// runBackground drains bg after the handler returns, detached from the
// request's cancellation but keeping its logger.
func (s *Server) runBackground(reqCtx context.Context, bg *background.Collector) {
	if bg.Len() == 0 {
		return
	}
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(reqCtx), backgroundTimeout)
		defer cancel()
		if err := bg.Wait(ctx); err != nil {
			logging.FromContext(ctx).Warn("background work failed", zap.Error(err))
		}
	}()
}

func (s *Server) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	rerr, ok := errors.As(err)
	if !ok {
		rerr = errors.Wrap(err, errors.ErrInternalServer)
	}
	logging.FromContext(ctx).Error("request failed",
		zap.Int("status", rerr.Code),
		zap.String("kind", string(rerr.Kind)),
		zap.Error(err),
	)
	if id := middleware.RequestIDFromContext(ctx); id != "" {
		rerr = rerr.WithRequestID(id)
	}
	rerr.WriteJSON(w)
}

// Start binds the listeners and serves in the background.
func (s *Server) Start() error {
	servers := []struct {
		srv  *http.Server
		name string
		addr *net.Addr
	}{
		{s.public, "public", &s.addrs.public},
		{s.admin, "admin", &s.addrs.admin},
	}
	for _, l := range servers {
		if l.srv == nil {
			continue
		}
		ln, err := net.Listen("tcp", l.srv.Addr)
		if err != nil {
			return fmt.Errorf("%s listener: %w", l.name, err)
		}
		s.addrs.Lock()
		*l.addr = ln.Addr()
		s.addrs.Unlock()
		logging.Info("listening", zap.String("listener", l.name), zap.String("address", ln.Addr().String()))
		go func(srv *http.Server, name string) {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				logging.Error("listener stopped", zap.String("listener", name), zap.Error(err))
			}
		}(l.srv, l.name)
	}
	return nil
}

// Addr returns the bound public address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.addrs.Lock()
	defer s.addrs.Unlock()
	return s.addrs.public
}

// AdminAddr returns the bound admin address, or nil when disabled.
func (s *Server) AdminAddr() net.Addr {
	s.addrs.Lock()
	defer s.addrs.Unlock()
	return s.addrs.admin
}

// Run starts the listeners and shuts down gracefully once ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	logging.Info("shutting down")
	timeout := s.snapshot.Load().Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, waits for in-flight ones and then
// for their background work.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			logging.Error("admin server shutdown", zap.Error(err))
			firstErr = err
		}
	}
	if err := s.public.Shutdown(ctx); err != nil {
		logging.Error("public server shutdown", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("background work still running at shutdown")
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}
	logging.Info("server shutdown complete")
	return firstErr
}
