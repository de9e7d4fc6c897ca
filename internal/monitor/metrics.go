package monitor

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/feng04-qyq/backend/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridge"

// Metrics owns a private registry so tests and multiple servers never collide
// on the global one.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	sourceAnswers *prometheus.CounterVec
	wsConnections prometheus.Gauge
	eventsDropped *prometheus.CounterVec
	vaultOps      *prometheus.CounterVec
	validations   *prometheus.CounterVec
	riskWarnings  *prometheus.CounterVec
	info          *prometheus.GaugeVec

	started time.Time
}

// NewMetrics registers every bridge collector plus the Go runtime and process
// collectors. instanceID and version label the bridge_info gauge.
func NewMetrics(instanceID, version string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Read cache lookups by operation and result (hit|miss).",
		}, []string{"op", "result"}),
		sourceAnswers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_answers_total",
			Help:      "Aggregated reads by operation and answering source.",
		}, []string{"op", "source"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open WebSocket connections.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}, []string{"type"}),
		vaultOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_operations_total",
			Help:      "Credential vault operations by outcome.",
		}, []string{"op", "outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_validations_total",
			Help:      "Provider credential validations by outcome.",
		}, []string{"provider", "outcome"}),
		riskWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_warnings_total",
			Help:      "Risk warnings emitted by engines, by level.",
		}, []string{"level"}),
		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Static build and instance labels.",
		}, []string{"instance", "version"}),
		started: time.Now(),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpLatency,
		m.cacheLookups, m.sourceAnswers,
		m.wsConnections, m.eventsDropped,
		m.vaultOps, m.validations, m.riskWarnings,
		m.info,
	)
	m.info.WithLabelValues(instanceID, version).Set(1)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) CacheLookup(op string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SourceAnswer(op, source string) {
	m.sourceAnswers.WithLabelValues(op, source).Inc()
}

func (m *Metrics) WSConnections(delta int) { m.wsConnections.Add(float64(delta)) }

func (m *Metrics) EventDropped(e events.Event) {
	m.eventsDropped.WithLabelValues(string(e)).Inc()
}

func (m *Metrics) VaultOperation(op, outcome string) {
	m.vaultOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ProviderValidation(provider, outcome string) {
	m.validations.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RiskWarning(level string) {
	if level == "" {
		level = "unknown"
	}
	m.riskWarnings.WithLabelValues(level).Inc()
}

// RuntimeSnapshot is the small process summary embedded in health payloads.
type RuntimeSnapshot struct {
	Goroutines int     `json:"goroutines"`
	HeapAlloc  uint64  `json:"heap_alloc_bytes"`
	UptimeSec  float64 `json:"uptime_seconds"`
}

// Snapshot returns a point-in-time runtime summary.
func (m *Metrics) Snapshot() RuntimeSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeSnapshot{
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		UptimeSec:  time.Since(m.started).Seconds(),
	}
}
