// Package metrics provides Prometheus instrumentation for the exchange core.
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
	// OrdersPlaced counts accepted orders, partitioned by type and side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_placed_total",
		Help: "Total number of orders accepted",
	}, []string{"type", "side"})

	// OrdersRejected counts rejected placements by error code.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_rejected_total",
		Help: "Total number of order placements rejected",
	}, []string{"code"})

	// TradesTotal counts executed trades, partitioned by liquidity source
	// and side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	}, []string{"source", "side"})

	// TradeVolume tracks cumulative traded quantity per event.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trade_volume_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"event_id", "side"})

	// PlacementLatency tracks end-to-end order placement duration.
	PlacementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_order_placement_seconds",
		Help:    "Order placement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// AMMRejections counts AMM fills refused by the all-or-nothing limit
	// price check.
	AMMRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_amm_limit_rejections_total",
		Help: "AMM fills rejected by limit price",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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
