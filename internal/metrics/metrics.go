// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// TradesTotal counts recorded trades, partitioned by kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trador_trades_total",
		Help: "Total number of trades recorded in the ledger",
	}, []string{"kind"})

	// SettlementFailures counts settlement attempts that left the
	// ledger untouched, by reason (failed, unconfirmed, funds, stale).
	SettlementFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trador_settlement_failures_total",
		Help: "Settlement attempts that did not mutate the ledger",
	}, []string{"reason"})

	// SettlementLatency tracks settlement round-trip time by direction.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trador_settlement_latency_seconds",
		Help:    "Settlement execution latency in seconds",
		Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"direction"})

	// SnapshotMisses counts evaluation cycles skipped for missing data.
	SnapshotMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trador_snapshot_misses_total",
		Help: "Per-asset evaluation cycles skipped because no snapshot was available",
	})

	// MonitoredAssets tracks the size of the monitored set.
	MonitoredAssets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trador_monitored_assets",
		Help: "Number of assets under active evaluation",
	})

	// Balance tracks the ledger's funding-currency balance.
	Balance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trador_balance",
		Help: "Ledger balance in the funding currency",
	})

	// TickDuration tracks loop iteration duration by loop.
	TickDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trador_tick_duration_seconds",
		Help:    "Scheduler tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"loop"})

	// PersistFailures counts ledger snapshots that failed to save.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trador_persist_failures_total",
		Help: "Ledger snapshots that could not be persisted",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trador_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trador_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trador_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveTick records the duration of one loop iteration started at start.
func ObserveTick(loop string, start time.Time) {
	TickDuration.WithLabelValues(loop).Observe(time.Since(start).Seconds())
}

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

		// Route patterns keep asset addresses out of the label set.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
