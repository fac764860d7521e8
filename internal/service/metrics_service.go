package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/matricula-api/internal/models"
)

// Reconciliation pass results used as metric labels.
const (
	PassCompleted = "completed"
	PassSkipped   = "skipped"
	PassFailed    = "failed"
)

// MetricsService encapsulates Prometheus instrumentation. All methods are safe
// on a nil receiver.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Histogram
	cacheWrite      prometheus.Histogram
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	enrollmentDecisions *prometheus.CounterVec
	enrollmentFailures  *prometheus.CounterVec
	enrollmentRetries   *prometheus.CounterVec
	cancellations       *prometheus.CounterVec
	promotions          *prometheus.CounterVec
	reconcileFailures   *prometheus.CounterVec
	reconcilePasses     *prometheus.CounterVec
	passDuration        prometheus.Histogram

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	m := &MetricsService{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		cacheLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_latency_seconds",
			Help:    "Latency for cache operations",
			Buckets: prometheus.DefBuckets,
		}),
		cacheWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_write_seconds",
			Help:    "Latency for cache set operations",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_hit_ratio",
			Help: "Ratio of cache hits to total cache lookups",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),
		enrollmentDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_decisions_total",
			Help: "Seat decisions taken by the enrollment path",
		}, []string{"resource", "state"}),
		enrollmentFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_failures_total",
			Help: "Rejected enrollment and cancellation requests by error code",
		}, []string{"code"}),
		enrollmentRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_retries_total",
			Help: "Registration transactions retried after a serialization failure",
		}, []string{"operation"}),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollment_cancellations_total",
			Help: "Enrollments cancelled per resource kind",
		}, []string{"resource"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waitlist_promotions_total",
			Help: "Waitlisted enrollments promoted by reconciliation",
		}, []string{"resource"}),
		reconcileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_resource_failures_total",
			Help: "Resources that failed to reconcile",
		}, []string{"resource"}),
		reconcilePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_passes_total",
			Help: "Reconciliation passes by result",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reconciliation_pass_duration_seconds",
			Help:    "Duration of full reconciliation passes",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(
		m.requestDuration, m.requestTotal,
		m.cacheLatency, m.cacheWrite, m.cacheHitRatio, m.cacheHits, m.cacheMisses,
		m.enrollmentDecisions, m.enrollmentFailures, m.enrollmentRetries, m.cancellations,
		m.promotions, m.reconcileFailures, m.reconcilePasses, m.passDuration,
		goroutines,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
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

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordSeatDecision counts one pool decision of an enrollment.
func (m *MetricsService) RecordSeatDecision(kind models.ResourceKind, state models.EnrollmentState) {
	if m == nil {
		return
	}
	m.enrollmentDecisions.WithLabelValues(string(kind), string(state)).Inc()
}

// RecordEnrollmentFailure counts a rejected request by error code.
func (m *MetricsService) RecordEnrollmentFailure(code string) {
	if m == nil {
		return
	}
	m.enrollmentFailures.WithLabelValues(code).Inc()
}

// RecordRetry counts a retried registration transaction.
func (m *MetricsService) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.enrollmentRetries.WithLabelValues(operation).Inc()
}

// RecordCancellation counts a cancelled enrollment.
func (m *MetricsService) RecordCancellation(kind models.ResourceKind) {
	if m == nil {
		return
	}
	m.cancellations.WithLabelValues(string(kind)).Inc()
}

// RecordPromotions counts enrollments promoted off a waitlist.
func (m *MetricsService) RecordPromotions(kind models.ResourceKind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.promotions.WithLabelValues(string(kind)).Add(float64(n))
}

// RecordReconcileFailure counts a resource that failed to reconcile.
func (m *MetricsService) RecordReconcileFailure(kind models.ResourceKind) {
	if m == nil {
		return
	}
	m.reconcileFailures.WithLabelValues(string(kind)).Inc()
}

// ObserveReconcilePass records the result and, for executed passes, the duration.
func (m *MetricsService) ObserveReconcilePass(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.reconcilePasses.WithLabelValues(result).Inc()
	if result != PassSkipped {
		m.passDuration.Observe(duration.Seconds())
	}
}
