package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tjfontaine/llm-key-carousel/internal/activity"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithRegistry registers the gateway's collectors on registry instead of a
// private one.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(g *Gateway) error {
		g.registry = registry
		return nil
	}
}

// WithUpstreamClient replaces the HTTP client used for upstream calls.
func WithUpstreamClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.upstreamClient = client
		return nil
	}
}

// WithActivityLog opens the SQLite activity log at path, overriding
// activity.path from the config.
func WithActivityLog(path string) Option {
	return func(g *Gateway) error {
		store, err := activity.Open(path)
		if err != nil {
			return fmt.Errorf("open activity log: %w", err)
		}
		g.store = store
		return nil
	}
}
