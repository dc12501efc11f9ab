package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adboard_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adboard_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	slotClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adboard_slot_claims_total",
			Help: "Slot claim attempts by outcome (won, occupied, invalid, error)",
		},
		[]string{"outcome"},
	)

	freeSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "adboard_free_slots",
			Help: "Banner positions without a live occupant, as of the last count",
		},
	)

	sweepReleases = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "adboard_sweep_releases_total",
			Help: "Expired slot positions released by sweep or read-time healing",
		},
	)

	notificationSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adboard_notification_sends_total",
			Help: "Dispatch send results (sent, failed)",
		},
		[]string{"status"},
	)

	reconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adboard_reconcile_runs_total",
			Help: "Reconciliation runs by result (ok, failed)",
		},
		[]string{"result"},
	)

	reconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "adboard_reconcile_duration_seconds",
			Help:    "Wall time of one reconciliation run",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 120},
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordClaim records the outcome of one slot claim attempt.
func RecordClaim(outcome string) {
	slotClaims.WithLabelValues(outcome).Inc()
}

// SetFreeSlots publishes the latest free-capacity count.
func SetFreeSlots(n int) {
	freeSlots.Set(float64(n))
}

// AddSweepReleases adds released positions from one sweep pass.
func AddSweepReleases(n int) {
	sweepReleases.Add(float64(n))
}

// RecordSend records one per-recipient dispatch result.
func RecordSend(status string) {
	notificationSends.WithLabelValues(status).Inc()
}

// ObserveReconcileRun records one finished reconciliation run.
func ObserveReconcileRun(elapsed time.Duration, failed bool) {
	result := "ok"
	if failed {
		result = "failed"
	}
	reconcileRuns.WithLabelValues(result).Inc()
	reconcileDuration.Observe(elapsed.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency for every route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
