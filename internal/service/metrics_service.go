package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/extension-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP
// surface and the extension workflow.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	transitionTotal *prometheus.CounterVec
	sweepScanned    prometheus.Counter
	sweepTriggered  prometheus.Counter
	sweepFailed     prometheus.Counter
	digestSent      prometheus.Counter
	digestFailed    prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheLatency    prometheus.Observer
}

// NewMetricsService registers the collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	transitionTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "extension_transitions_total",
		Help: "Workflow state transitions performed",
	}, []string{"from", "to"})

	sweepScanned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extension_sweep_items_scanned_total",
		Help: "Open items examined by trigger sweeps",
	})
	sweepTriggered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extension_sweep_rules_fired_total",
		Help: "Rules fired by trigger sweeps",
	})
	sweepFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extension_sweep_items_failed_total",
		Help: "Items that failed during trigger sweeps",
	})

	digestSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extension_digest_notifications_sent_total",
		Help: "Notifications delivered by digest runs",
	})
	digestFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "extension_digest_notifications_failed_total",
		Help: "Notifications that failed digest delivery",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})
	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})
	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitionTotal,
		sweepScanned, sweepTriggered, sweepFailed,
		digestSent, digestFailed,
		cacheHits, cacheMisses, cacheLatency, goroutines)

	return &MetricsService{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		transitionTotal: transitionTotal,
		sweepScanned:    sweepScanned,
		sweepTriggered:  sweepTriggered,
		sweepFailed:     sweepFailed,
		digestSent:      digestSent,
		digestFailed:    digestFailed,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		cacheLatency:    cacheLatency,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordTransition counts a workflow state change.
func (m *MetricsService) RecordTransition(from, to models.ItemState) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(string(from), string(to)).Inc()
}

// RecordSweep counts one trigger sweep pass.
func (m *MetricsService) RecordSweep(scanned, triggered, failed int) {
	if m == nil {
		return
	}
	m.sweepScanned.Add(float64(scanned))
	m.sweepTriggered.Add(float64(triggered))
	m.sweepFailed.Add(float64(failed))
}

// RecordDigest counts digest delivery outcomes.
func (m *MetricsService) RecordDigest(sent, failed int) {
	if m == nil {
		return
	}
	m.digestSent.Add(float64(sent))
	m.digestFailed.Add(float64(failed))
}

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
