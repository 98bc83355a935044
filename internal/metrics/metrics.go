// Package metrics provides Prometheus instrumentation for the oracle engine.
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
	// StakesTotal counts accepted stakes, partitioned by outcome.
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_stakes_total",
		Help: "Total number of stakes placed",
	}, []string{"outcome"})

	// StakeVolume tracks cumulative staked base units by outcome.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_stake_volume_units_total",
		Help: "Cumulative staked value in base units",
	}, []string{"outcome"})

	// ClaimsTotal counts completed claims; result is "won" or "lost".
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_claims_total",
		Help: "Total number of completed payout claims",
	}, []string{"result"})

	// PayoutVolume tracks cumulative value released from escrow.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oracle_payout_volume_units_total",
		Help: "Cumulative value paid out of market escrows in base units",
	})

	// ResolutionsTotal counts resolved markets by winning outcome.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_resolutions_total",
		Help: "Total number of resolved markets",
	}, []string{"outcome"})

	// ActiveMarkets tracks the number of active markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_active_markets",
		Help: "Number of currently active markets",
	})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts failed operations by error code.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_rejections_total",
		Help: "Operations rejected, by operation and error code",
	}, []string{"op", "code"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oracle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// CacheLookups counts in-process cache lookups by cache and result.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_cache_lookups_total",
		Help: "In-process cache lookups",
	}, []string{"cache", "result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oracle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oracle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality; it is only
		// known after routing.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
