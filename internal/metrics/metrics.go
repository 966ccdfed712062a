// Package metrics provides Prometheus instrumentation for the simulator.
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
	// TradesTotal counts trades committed to the ledger, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts trades refused before commit, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_trade_rejections_total",
		Help: "Trades rejected by the ledger",
	}, []string{"side", "reason"})

	// TradeLatency measures end-to-end trade execution including the lock wait.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// ValuationsTotal counts portfolio valuations served.
	ValuationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_valuations_total",
		Help: "Total number of portfolio valuations",
	})

	// MissingPrices counts holdings valued at zero because no price resolved.
	MissingPrices = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_valuation_missing_prices_total",
		Help: "Holdings without a resolvable price at valuation time",
	})

	// FXLookups counts rate lookups by the tier that answered them.
	FXLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_fx_lookups_total",
		Help: "Exchange-rate lookups by source tier (pinned, stored, fallback)",
	}, []string{"tier"})

	// FXRefreshes counts refresh attempts against the quote source.
	FXRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_fx_refreshes_total",
		Help: "Exchange-rate refresh attempts by outcome",
	}, []string{"outcome"})

	// SimAdvances counts successful simulation clock advances.
	SimAdvances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_sim_advances_total",
		Help: "Total number of simulated-time advances",
	})

	// SimMonths counts simulated months credited across all sessions.
	SimMonths = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_sim_months_total",
		Help: "Simulated months elapsed across all sessions",
	})

	// SessionsStarted counts game sessions created.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simengine_sessions_started_total",
		Help: "Total number of game sessions started",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simengine_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern (/portfolio/{id}) rather than the
// raw path, keeping label cardinality bounded.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the websocket upgrader take over connections routed through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
