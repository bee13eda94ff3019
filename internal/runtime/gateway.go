// Package runtime provides the Gateway struct and lifecycle management for
// the key carousel.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/llm-key-carousel/internal/activity"
	"github.com/tjfontaine/llm-key-carousel/internal/auth"
	"github.com/tjfontaine/llm-key-carousel/internal/metrics"
	"github.com/tjfontaine/llm-key-carousel/internal/pkg/config"
	"github.com/tjfontaine/llm-key-carousel/internal/relay"
	"github.com/tjfontaine/llm-key-carousel/internal/server"
	"github.com/tjfontaine/llm-key-carousel/internal/tokens"
)

const (
	defaultActivityLimit = 50
	maxActivityLimit     = 1000

	readHeaderTimeout = 30 * time.Second
)

// Gateway wires the shared state, access gate and relay engine behind one
// HTTP server. It can be embedded in larger applications or run standalone.
type Gateway struct {
	state *State

	// Optional dependencies (injected via options)
	logger         *slog.Logger
	registry       *prometheus.Registry
	upstreamClient *http.Client
	store          *activity.Store

	metrics *metrics.Collector
	gate    *auth.Gate
	engine  *relay.Engine
	handler http.Handler

	// Lifecycle management
	server   *http.Server
	listener net.Listener
	serveErr chan error
	mu       sync.Mutex
}

// New creates a Gateway for cfg. The config is validated again here so an
// embedder cannot start with an unusable key pool.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	state, err := NewState(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		state:    state,
		logger:   slog.Default(),
		serveErr: make(chan error, 1),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.store == nil && cfg.Activity.Path != "" {
		store, err := activity.Open(cfg.Activity.Path)
		if err != nil {
			return nil, fmt.Errorf("open activity log: %w", err)
		}
		gw.store = store
	}

	gw.metrics = metrics.New(gw.registry)
	gw.metrics.ObserveRotation(state.Keys.Index())
	gw.gate = auth.NewGate(cfg.Server.Host, cfg.Access.Keys)

	if gw.upstreamClient == nil {
		gw.upstreamClient = relay.NewHTTPClient(cfg.Upstream.Timeout)
	}
	relayOpts := []relay.Option{
		relay.WithHTTPClient(gw.upstreamClient),
		relay.WithLogger(gw.logger),
		relay.WithMetrics(gw.metrics),
		relay.WithEstimator(tokens.NewEstimator()),
	}
	if gw.store != nil {
		relayOpts = append(relayOpts, relay.WithRecorder(gw.store))
	}
	gw.engine = relay.New(cfg.Upstream.BaseURL, state.Keys, relayOpts...)

	gw.handler = gw.routes()
	return gw, nil
}

// State returns the shared proxy state.
func (g *Gateway) State() *State {
	return g.state
}

// Handler returns the fully wired router.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) routes() http.Handler {
	cfg := g.state.Config
	srv := server.New(g.logger, cfg.Server.RequestTimeout)
	r := srv.Router

	r.Get("/healthz", g.handleHealth)
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", g.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(server.AuthMiddleware(g.gate, g.metrics, g.logger))
		r.Method(http.MethodPost, relay.ChatCompletionsPath, g.engine)
		if g.store != nil {
			r.Get("/admin/activity", g.handleActivity)
		}
	})

	g.logger.Info("routes registered",
		slog.Bool("auth_enforced", g.gate.Enforced()),
		slog.Bool("metrics", cfg.Metrics.Enabled),
		slog.Bool("activity_log", g.store != nil),
	)
	return srv
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"keys":   g.state.Keys.Len(),
	})
}

func (g *Gateway) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := defaultActivityLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error":   "Bad Request",
				"message": "limit must be a positive integer",
			})
			return
		}
		limit = min(n, maxActivityLimit)
	}

	entries, err := g.store.Recent(r.Context(), limit)
	if err != nil {
		server.AddError(r.Context(), err)
		g.logger.ErrorContext(r.Context(), "failed to read activity log",
			slog.String("request_id", server.GetRequestID(r.Context())),
			slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error":   "Internal Server Error",
			"message": "failed to read activity log",
		})
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Start binds the listening socket and serves in the background. Bind errors
// are returned directly; later serve errors arrive on Err.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.server != nil {
		return fmt.Errorf("gateway already started")
	}

	addr := g.state.Config.Server.Addr()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	g.listener = ln
	g.server = &http.Server{
		Handler: g.handler,
		// No write timeout: streams stay open as long as upstream sends.
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		g.logger.Info("HTTP server listening",
			slog.String("addr", ln.Addr().String()),
			slog.Int("keys", g.state.Keys.Len()))
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("server error", slog.String("error", err.Error()))
			g.serveErr <- err
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Err delivers a fatal serve error, if one happens.
func (g *Gateway) Err() <-chan error {
	return g.serveErr
}

// Shutdown gracefully stops the gateway, letting open streams finish until
// ctx expires, then closes the activity log.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if g.store != nil {
		if err := g.store.Close(); err != nil {
			g.logger.Error("failed to close activity log", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
