// Package metrics provides Prometheus instrumentation for the decision engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DepositsTotal counts credit deposits accepted.
	DepositsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmx_deposits_total",
		Help: "Total number of deposits accepted",
	})

	// TradesTotal counts trades executed, partitioned by decision.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmx_trades_total",
		Help: "Total number of trades executed",
	}, []string{"decision_id"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dmx_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// SettlementsTotal counts decisions settled.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmx_settlements_total",
		Help: "Total number of decisions settled",
	})

	// ClaimsTotal counts claims paid out.
	ClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmx_claims_total",
		Help: "Total number of claims paid out",
	})

	// ReentrancyRejections counts calls blocked by the reentrancy guard.
	ReentrancyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmx_reentrancy_rejections_total",
		Help: "Calls rejected by the reentrancy guard",
	})

	// ActiveDecisions tracks the number of open (unsettled) decisions.
	ActiveDecisions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmx_active_decisions",
		Help: "Number of currently open decisions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dmx_http_request_duration_seconds",
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

		// Use the raw path for the label; route patterns here are low
		// cardinality (numeric ids only).
		path := r.URL.Path
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

// Hijack exposes the wrapped writer's http.Hijacker so WebSocket
// upgrades succeed on instrumented routes.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return hj.Hijack()
}
