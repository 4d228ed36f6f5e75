package httpserver

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var histogramBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2}

type serverMetrics struct {
	registry       *prometheus.Registry
	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	rateLimitHits  *prometheus.CounterVec
}

func newServerMetrics(queueSize, evictions func() float64) *serverMetrics {
	m := &serverMetrics{registry: prometheus.NewRegistry()}
	m.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metricbus",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	m.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metricbus",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})

	m.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metricbus",
		Subsystem: "http",
		Name:      "rate_limit_hits_total",
		Help:      "Number of rate-limited responses",
	}, []string{"route"})

	m.registry.MustRegister(
		m.requestTotal,
		m.requestLatency,
		m.rateLimitHits,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "metricbus",
			Subsystem: "http",
			Name:      "queue_size",
			Help:      "Metrics waiting in the polling queue",
		}, queueSize),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "metricbus",
			Subsystem: "http",
			Name:      "queue_evictions_total",
			Help:      "Metrics discarded because the polling queue was full",
		}, evictions),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *serverMetrics) recordRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

func (m *serverMetrics) recordRateLimitHit(route string) {
	m.rateLimitHits.With(prometheus.Labels{"route": route}).Inc()
}

var knownRoutes = []string{
	"/api/status",
	"/api/metrics",
	"/api/events",
	"/api/state",
	"/api/livesplit/start",
	"/api/livesplit/split",
	"/api/livesplit/reset",
	"/metrics",
	"/",
}

// routeLabel bounds label cardinality to the registered routes.
func routeLabel(path string) string {
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return "/"
	}
	for _, r := range knownRoutes {
		if r == path {
			return r
		}
	}
	return "other"
}
