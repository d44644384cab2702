// Package statusapi is the read-mostly HTTP status surface (C15). The real
// operator-facing REST/WS API is an external UI collaborator's concern
// (spec.md §6 "out of scope"); this package exposes just enough for a
// local operator or health check to observe pipeline/rollout state and
// edit the guardrail config section, adapted from api.Server's mux/JSON
// handler shape using plain net/http (the teacher's gorilla/websocket
// dependency has no analogue here — nothing in this surface is a live
// stream).
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/otto-bgp/control-plane/internal/config"
	"github.com/otto-bgp/control-plane/internal/override"
	"github.com/otto-bgp/control-plane/internal/rollout"
)

// Server is the thin HTTP status surface.
type Server struct {
	log       *zap.Logger
	cfg       *config.Config
	coord     *rollout.Coordinator
	overrides *override.Store
	startTime time.Time

	metricsHandler http.Handler
	httpServer     *http.Server
}

// NewServer constructs a Server. coord and overrides may be nil; the
// corresponding endpoints report 503 until wired. A nil metricsHandler
// serves the default Prometheus registry at /metrics.
func NewServer(log *zap.Logger, cfg *config.Config, coord *rollout.Coordinator, overrides *override.Store, metricsHandler http.Handler) *Server {
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	return &Server{log: log, cfg: cfg, coord: coord, overrides: overrides, startTime: time.Now(), metricsHandler: metricsHandler}
}

// Start binds listen and serves in a background goroutine.
func (s *Server) Start(listen string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/rollout/status", s.handleRolloutStatus)
	mux.HandleFunc("/api/v1/rollout/pause", s.handleRolloutControl(func(ctx context.Context) error { return s.coord.PauseRun(ctx) }))
	mux.HandleFunc("/api/v1/rollout/resume", s.handleRolloutControl(func(ctx context.Context) error { return s.coord.ResumeRun(ctx) }))
	mux.HandleFunc("/api/v1/rollout/abort", s.handleRolloutControl(func(ctx context.Context) error { return s.coord.AbortRun(ctx) }))
	mux.HandleFunc("/api/v1/overrides", s.handleOverrides)
	mux.HandleFunc("/api/v1/config/guardrail", s.handleGuardrailConfig)
	mux.Handle("/metrics", s.metricsHandler)

	s.httpServer = &http.Server{Handler: mux}

	lis, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", listen, err)
	}

	s.log.Info("status API server starting", zap.String("listen", listen))
	go func() {
		if err := s.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			s.log.Error("status API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Warn("status API shutdown error", zap.Error(err))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"uptimeSeconds": int64(time.Since(s.startTime).Seconds()),
		"version":       "0.1.0",
	})
}

func (s *Server) handleRolloutStatus(w http.ResponseWriter, r *http.Request) {
	if s.coord == nil {
		http.Error(w, "rollout coordinator not configured", http.StatusServiceUnavailable)
		return
	}
	status, err := s.coord.RunStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleRolloutControl(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.coord == nil {
			http.Error(w, "rollout coordinator not configured", http.StatusServiceUnavailable)
			return
		}
		if err := fn(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func (s *Server) handleOverrides(w http.ResponseWriter, r *http.Request) {
	if s.overrides == nil {
		http.Error(w, "override store not configured", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req struct {
			ASNumber uint32 `json:"as_number"`
			Enable   bool   `json:"enable"`
			Reason   string `json:"reason"`
			Actor    string `json:"actor"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		var err error
		if req.Enable {
			err = s.overrides.Enable(r.Context(), req.ASNumber, req.Reason, req.Actor, r.RemoteAddr)
		} else {
			err = s.overrides.Disable(r.Context(), req.ASNumber, req.Reason, req.Actor, r.RemoteAddr)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGuardrailConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.cfg.GetGuardrailConfig())
	case http.MethodPut:
		var g config.GuardrailConfig
		if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		s.cfg.SetGuardrailConfig(g)
		writeJSON(w, map[string]bool{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
