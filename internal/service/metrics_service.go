package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ampline/fieldtest-api/internal/models"
	appErrors "github.com/ampline/fieldtest-api/pkg/errors"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic,
// report transitions, event delivery and the review cache.
type MetricsService struct {
	registry           *prometheus.Registry
	handler            http.Handler
	requestDuration    *prometheus.HistogramVec
	requestTotal       *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	transitionFailures *prometheus.CounterVec
	reverts            prometheus.Counter
	events             *prometheus.CounterVec
	cacheLatency       prometheus.Observer
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors.
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

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "report_transitions_total",
		Help: "Committed report status changes",
	}, []string{"from", "to"})

	transitionFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "report_transition_failures_total",
		Help: "Refused or failed report lifecycle operations",
	}, []string{"operation", "code"})

	reverts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "asset_reverts_total",
		Help: "Assets reverted from ready_for_review to in_progress",
	})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "report_events_total",
		Help: "Report events by delivery outcome",
	}, []string{"type", "outcome"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, transitions, transitionFailures, reverts, events, cacheLatency, cacheHits, cacheMisses, goroutines)

	return &MetricsService{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:    requestDuration,
		requestTotal:       requestTotal,
		transitions:        transitions,
		transitionFailures: transitionFailures,
		reverts:            reverts,
		events:             events,
		cacheLatency:       cacheLatency,
		cacheHits:          cacheHits,
		cacheMisses:        cacheMisses,
	}
}

// Registry exposes the underlying registry for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// RecordTransition counts a committed status change. Draft creation has an empty from.
func (m *MetricsService) RecordTransition(from, to models.ReportStatus) {
	if m == nil {
		return
	}
	label := string(from)
	if label == "" {
		label = "none"
	}
	m.transitions.WithLabelValues(label, string(to)).Inc()
}

// RecordTransitionFailure counts a refused lifecycle operation by error code.
func (m *MetricsService) RecordTransitionFailure(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.transitionFailures.WithLabelValues(operation, appErrors.FromError(err).Code).Inc()
}

// RecordRevert counts a committed asset revert.
func (m *MetricsService) RecordRevert() {
	if m == nil {
		return
	}
	m.reverts.Inc()
}

// RecordEvent counts an event delivery outcome: queued, published, dropped or failed.
func (m *MetricsService) RecordEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

// RecordCacheOperation records cache hit/miss metrics.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}
