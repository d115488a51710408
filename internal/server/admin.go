package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wudi/edgeroute/config"
)

// ReloadResult is the outcome of one pipeline reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	BuildID   string    `json:"build_id,omitempty"`
	Error     string    `json:"error,omitempty"`
}

const reloadHistorySize = 50

func (s *Server) recordReload(r ReloadResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads = append(s.reloads, r)
	if len(s.reloads) > reloadHistorySize {
		s.reloads = s.reloads[len(s.reloads)-reloadHistorySize:]
	}
}

// AdminHandler serves health, readiness, metrics, the redacted config and
// the reload history.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/reload/status", s.handleReloadStatus)

	cfg := s.snapshot.Load().Config
	if cfg.Admin.Metrics.Enabled {
		path := cfg.Admin.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.opts.Metrics.Handler())
	}
	return mux
}

func boolStatus(ok bool) string {
	if ok {
		return "ok"
	}
	return "fail"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth runs every dependency check with a short deadline.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	checks := make(map[string]any, len(names))
	for _, name := range names {
		err := s.opts.Checks[name](ctx)
		status := map[string]any{"status": boolStatus(err == nil)}
		if err != nil {
			status["error"] = err.Error()
			healthy = false
		}
		checks[name] = status
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":   boolStatus(healthy),
		"build_id": s.pipeline.Load().BuildID(),
		"uptime":   time.Since(s.startTime).Round(time.Second).String(),
		"checks":   checks,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline.Load() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleConfig returns the effective configuration as YAML with secrets
// redacted.
func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	redacted, err := config.Redact(s.snapshot.Load().Config)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	data, err := yaml.Marshal(redacted)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (s *Server) handleReloadStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	history := append([]ReloadResult(nil), s.reloads...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"build_id": s.pipeline.Load().BuildID(),
		"reloads":  history,
	})
}
