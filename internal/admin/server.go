package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"execproxy/internal/middleware"
)

// Server is the management dashboard HTTP server. It exposes a read-only
// view of the fleet — add/remove/block are not offered here, since the
// node list and its health labels are owned by the router/prober, not an
// operator-driven registry.
type Server struct {
	view      *View
	startTime time.Time
	version   string
	srv       *http.Server
}

// New creates a management dashboard Server. Call Start to begin listening.
// When secret is non-empty, every /api/* route is guarded by
// middleware.JWTAuth with that HMAC key; an empty secret leaves the admin
// surface unauthenticated, which is only appropriate behind a private
// listen address.
func New(view *View, listenAddr string, startTime time.Time, version string, secret string) *Server {
	s := &Server{
		view:      view,
		startTime: startTime,
		version:   version,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/nodes", s.handleListNodes)

	var handler http.Handler = mux
	if secret != "" {
		handler = middleware.JWTAuth(secret, nil)(mux)
	} else {
		slog.Warn("admin server started without a secret — /api/* is unauthenticated")
	}

	s.srv = &http.Server{
		Addr:         listenAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening in a background goroutine. It returns immediately.
func (s *Server) Start() {
	go func() {
		slog.Info("admin dashboard listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("admin server error", "error", err)
		}
	}()
}

// Stop shuts down the admin server within the given context deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler returns the server's root http.Handler, including the JWTAuth
// wrapper when a secret is configured. Exposed for in-process testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// ── Handlers ────────────────────────────────────────────────────────────────

type statsResponse struct {
	Uptime     string `json:"uptime"`
	Version    string `json:"version"`
	NodesTotal int    `json:"nodes_total"`
	Healthy    int    `json:"healthy"`
	Syncing    int    `json:"syncing"`
	Offline    int    `json:"offline"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	counts := s.view.Counts()
	jsonOK(w, statsResponse{
		Uptime:     time.Since(s.startTime).Round(time.Second).String(),
		Version:    s.version,
		NodesTotal: counts.Healthy + counts.Syncing + counts.Offline,
		Healthy:    counts.Healthy,
		Syncing:    counts.Syncing,
		Offline:    counts.Offline,
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, s.view.List())
}

// ── helpers ─────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
