// Package metrics exposes Prometheus collectors for the relay pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carousel"

// Collector groups the proxy metrics around a single registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal        *prometheus.CounterVec
	upstreamResponses    *prometheus.CounterVec
	upstreamDuration     prometheus.Histogram
	transportErrorsTotal prometheus.Counter
	keyRotationsTotal    prometheus.Counter
	activeKeyIndex       prometheus.Gauge
	authRejectionsTotal  *prometheus.CounterVec
	promptTokensTotal    prometheus.Counter
}

// New registers the proxy metrics on registry. A nil registry gets a fresh
// one so tests never collide on the global default.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "relay_requests_total",
				Help:      "Relayed requests by response mode",
			},
			[]string{"mode"},
		),
		upstreamResponses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_responses_total",
				Help:      "Upstream responses by HTTP status code",
			},
			[]string{"code"},
		),
		upstreamDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_header_duration_seconds",
				Help:      "Time until upstream response headers arrived",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		transportErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_transport_errors_total",
				Help:      "Upstream exchanges that failed before a status was received",
			},
		),
		keyRotationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_rotations_total",
				Help:      "Upstream key rotations triggered by 429 responses",
			},
		),
		activeKeyIndex: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_key_index",
				Help:      "Pool index of the upstream key used for the next request",
			},
		),
		authRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_rejections_total",
				Help:      "Inbound requests rejected by the access gate",
			},
			[]string{"reason"},
		),
		promptTokensTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "prompt_tokens_estimated_total",
				Help:      "Estimated prompt tokens across relayed requests",
			},
		),
	}
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

func (c *Collector) ObserveRequest(streaming bool) {
	mode := "buffered"
	if streaming {
		mode = "stream"
	}
	c.requestsTotal.WithLabelValues(mode).Inc()
}

func (c *Collector) ObserveUpstream(status int, elapsed time.Duration) {
	c.upstreamResponses.WithLabelValues(strconv.Itoa(status)).Inc()
	c.upstreamDuration.Observe(elapsed.Seconds())
}

func (c *Collector) ObserveTransportError() {
	c.transportErrorsTotal.Inc()
}

// ObserveRotation records a rotation and the index that is now active.
func (c *Collector) ObserveRotation(activeIndex int) {
	c.keyRotationsTotal.Inc()
	c.activeKeyIndex.Set(float64(activeIndex))
}

func (c *Collector) ObserveAuthRejection(reason string) {
	c.authRejectionsTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) ObservePromptTokens(n int) {
	if n > 0 {
		c.promptTokensTotal.Add(float64(n))
	}
}
