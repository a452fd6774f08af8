// Package metrics exposes Prometheus collectors for the proxy's hot paths.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector this service registers. A single
// private registry is used instead of the global default one so tests
// can construct independent instances without collector-already-registered
// panics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	BytesTransferred  *prometheus.CounterVec
	MirrorLatencyMs   *prometheus.GaugeVec
	MirrorHealthy     *prometheus.GaugeVec
	ProbesTotal       *prometheus.CounterVec
	TrafficQueueDrops prometheus.Counter
	TokenFetchesTotal *prometheus.CounterVec
}

var (
	global *Metrics
	once   sync.Once
)

// Get returns the process-wide Metrics instance, constructing it on first use.
func Get() *Metrics {
	once.Do(func() {
		global = New()
	})
	return global
}

// New builds a fresh Metrics instance with its own registry. Used by Get
// for the process-wide singleton and directly by tests that want
// isolation from it.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_requests_total",
			Help: "Total number of client requests handled by the proxy engine.",
		}, []string{"method", "status", "mirror"}),
		BytesTransferred: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_bytes_transferred_total",
			Help: "Total bytes streamed back to clients.",
		}, []string{"mirror"}),
		MirrorLatencyMs: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxy_mirror_latency_ms",
			Help: "Last measured probe round-trip latency per mirror, in milliseconds.",
		}, []string{"prefix", "mirror"}),
		MirrorHealthy: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "proxy_mirror_healthy",
			Help: "1 if the mirror is currently healthy, 0 otherwise.",
		}, []string{"prefix", "mirror"}),
		ProbesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_probes_total",
			Help: "Total number of health probes run, by outcome.",
		}, []string{"outcome"}),
		TrafficQueueDrops: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "proxy_traffic_queue_drops_total",
			Help: "Traffic records dropped because the recorder queue was full.",
		}),
		TokenFetchesTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "proxy_token_fetches_total",
			Help: "Total realm token fetches performed by the token broker, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns the http.Handler that serves this instance's registry in
// Prometheus text exposition format, for mounting at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
