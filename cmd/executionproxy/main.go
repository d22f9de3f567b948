// Command executionproxy is the execution-layer quorum router entry point.
//
// Usage:
//
//	executionproxy --config path/to/executionproxy.yaml
//
// The proxy supports hot-reload: edit executionproxy.yaml while the process
// is running and the node list, forkchoice threshold, and rate-limit
// settings take effect immediately — no restart needed. Shutdown stops
// accepting new connections; in-flight mirrored and reconciliation work
// runs against context.Background() and is not part of the drain.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"execproxy/internal/adapter"
	"execproxy/internal/admin"
	"execproxy/internal/config"
	"execproxy/internal/fleet"
	"execproxy/internal/middleware"
	"execproxy/internal/mirror"
	"execproxy/internal/node"
	"execproxy/internal/prober"
	"execproxy/internal/router"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/executionproxy.yaml", "path to executionproxy.yaml")
	pflag.Parse()

	startTime := time.Now()

	// Structured JSON logging to stdout — ready for any log aggregator.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	// ── Load initial configuration ────────────────────────────────────────────
	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults",
			"path", *configPath,
			"error", err,
		)
		cfg = config.Default()
		v = nil
	}

	// ── Build runtime objects ─────────────────────────────────────────────────
	f, pr, rt, mp, err := buildRouter(cfg)
	if err != nil {
		slog.Error("failed to initialise fleet", "error", err)
		os.Exit(1)
	}
	pr.Start()

	adp := adapter.New(rt)
	adminView := admin.NewView(f)

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(adminView, cfg.Admin.ListenAddr, startTime, version, cfg.Admin.Secret)
		adminSrv.Start()
	}

	// ── Build middleware chain ────────────────────────────────────────────────
	// The atomicHandler lets the rate-limit settings be swapped at runtime
	// (hot-reload) without restarting the server.
	var current atomic.Value
	buildChain := func(c config.Config) http.Handler {
		var h http.Handler = http.HandlerFunc(adp.ServeHTTP)
		if c.RateLimit.Enabled {
			h = middleware.RateLimiter(c.RateLimit.RPS, c.RateLimit.Burst)(h)
		}
		return middleware.Logger(h)
	}
	current.Store(buildChain(cfg))

	atomicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().(http.Handler).ServeHTTP(w, r)
	})

	activeProber := pr

	// ── Hot-reload ────────────────────────────────────────────────────────────
	if v != nil {
		config.Watch(v, func(newCfg config.Config) {
			newNodes := buildNodes(newCfg)
			newFleet := fleet.New(newNodes)
			newProber := prober.New(newFleet, activeProber.Secret())
			newProber.Start()

			oldProber := activeProber
			activeProber = newProber
			rt.Replace(newFleet, newProber, newCfg.FCUInvalidThreshold)
			adminView.Replace(newFleet)
			oldProber.Stop()

			current.Store(buildChain(newCfg))

			slog.Info("hot-reload applied",
				"nodes", len(newCfg.Nodes),
				"fcu_invalid_threshold", newCfg.FCUInvalidThreshold,
				"rate_limit", newCfg.RateLimit.Enabled,
			)
		})
	}

	// ── Top-level mux ─────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", adp.HealthHandler)
	mux.Handle("/", atomicHandler)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("executionproxy listening",
			"addr", cfg.ListenAddr,
			"nodes", len(cfg.Nodes),
			"fcu_invalid_threshold", cfg.FCUInvalidThreshold,
			"rate_limit", cfg.RateLimit.Enabled,
			"admin", cfg.Admin.Enabled,
			"version", version,
			"commit", commit,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── Shutdown ──────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down executionproxy")

	activeProber.Stop()
	mp.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if adminSrv != nil {
		_ = adminSrv.Stop(ctx)
	}
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("executionproxy stopped")
}

// buildNodes constructs the configured node.Node set from cfg.
func buildNodes(cfg config.Config) []*node.Node {
	timeout := cfg.HealthCheck.ParsedTimeout()
	nodes := make([]*node.Node, 0, len(cfg.Nodes))
	for _, u := range cfg.Nodes {
		nodes = append(nodes, node.New(u, timeout))
	}
	return nodes
}

// buildRouter constructs the fleet, prober, mirror pool, and Router from cfg.
func buildRouter(cfg config.Config) (*fleet.Fleet, *prober.Prober, *router.Router, *mirror.Pool, error) {
	nodes := buildNodes(cfg)

	var secret []byte
	var err error
	if cfg.JWTSecretPath != "" {
		secret, err = config.ReadJWTSecret(cfg.JWTSecretPath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}

	f := fleet.New(nodes)
	pr := prober.New(f, secret)
	mp := mirror.New(0)
	rt := router.New(f, pr, mp, cfg.FCUInvalidThreshold)

	return f, pr, rt, mp, nil
}
