// Package metrics provides Prometheus instrumentation for the battle engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PledgesTotal counts accepted pledges, partitioned by side.
	PledgesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_pledges_total",
		Help: "Total number of accepted pledges",
	}, []string{"side"})

	// PledgeRejections counts rejected pledges by reason.
	PledgeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_pledge_rejections_total",
		Help: "Pledges rejected, by reason",
	}, []string{"reason"})

	// PledgeRetries counts internal retries after a concurrency conflict.
	PledgeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "battle_pledge_retries_total",
		Help: "Pledge transactions retried after a concurrency conflict",
	})

	// PledgeLatency tracks pledge submission latency.
	PledgeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "battle_pledge_latency_seconds",
		Help:    "Pledge submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PledgedAmount tracks cumulative pledged minor units.
	PledgedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "battle_pledged_amount_total",
		Help: "Cumulative pledged amount in minor currency units",
	})

	// SettlementsTotal counts settled battles by outcome (winner, tie).
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_settlements_total",
		Help: "Battles settled, by outcome",
	}, []string{"outcome"})

	// SettlementFailures counts per-battle sweep failures.
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_settlement_failures_total",
		Help: "Sweep steps that failed and will be retried",
	}, []string{"stage"})

	// FeesCollected tracks cumulative platform fees.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "battle_fees_collected_total",
		Help: "Cumulative platform fee in minor currency units",
	})

	// SweepDuration tracks settlement sweep duration.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "battle_sweep_duration_seconds",
		Help:    "Settlement sweep duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// OpenBattles tracks the number of open battles seen by the last sweep.
	OpenBattles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_open_battles",
		Help: "Number of currently open battles",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "battle_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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

// Hijack delegates to the underlying writer so WebSocket upgrades keep
// working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
