// Package metrics exposes Prometheus collectors for the analysis service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegrade_jobs_total",
			Help: "Total number of analysis jobs reaching a terminal status, labeled by status.",
		},
		[]string{"status"},
	)

	urlsAnalyzedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegrade_urls_analyzed_total",
			Help: "Total number of URLs analyzed, labeled by outcome (ok or degraded).",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sitegrade_url_analysis_duration_seconds",
			Help:    "Histogram of per-URL analysis latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sitegrade_active_jobs",
			Help: "Number of jobs currently running.",
		},
	)

	admissionQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sitegrade_admission_queue_depth",
			Help: "Current rate limiter wait queue depth, labeled by limiter name.",
		},
		[]string{"limiter"},
	)

	admissionWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitegrade_admission_wait_seconds",
			Help:    "Histogram of time spent queued before admission.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"limiter"},
	)

	credentialRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitegrade_credential_rotations_total",
			Help: "Total credential rotations, labeled by service and trigger.",
		},
		[]string{"service", "trigger"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.statusCode)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// ObserveJob records a job reaching a terminal status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveURLAnalysis records a finished per-URL analysis.
func ObserveURLAnalysis(degraded bool, duration time.Duration) {
	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	urlsAnalyzedTotal.WithLabelValues(outcome).Inc()
	analysisDurationSeconds.Observe(duration.Seconds())
}

// IncActiveJobs increments the running job count.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the running job count.
func DecActiveJobs() {
	activeJobs.Dec()
}

// SetAdmissionQueueDepth records the current wait queue depth for a limiter.
func SetAdmissionQueueDepth(limiter string, depth int) {
	admissionQueueDepth.WithLabelValues(limiter).Set(float64(depth))
}

// ObserveAdmissionWait records how long a call sat in the wait queue.
func ObserveAdmissionWait(limiter string, wait time.Duration) {
	admissionWaitSeconds.WithLabelValues(limiter).Observe(wait.Seconds())
}

// ObserveCredentialRotation records a rotation with its trigger
// (timer, failure, or manual).
func ObserveCredentialRotation(service, trigger string) {
	credentialRotationsTotal.WithLabelValues(service, trigger).Inc()
}
