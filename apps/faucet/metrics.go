package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	rateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "faucet_rate_limit_total", Help: "Rate limit hits"},
		[]string{"type"},
	)
	claimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "faucet_claims_total", Help: "Claims by outcome"},
		[]string{"outcome"},
	)
	associationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "faucet_association_total", Help: "Token association attempts by outcome"},
		[]string{"outcome"},
	)
	ledgerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faucet_ledger_call_duration_seconds",
			Help:    "Ledger call latency including receipt",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 15, 30, 60},
		},
		[]string{"op", "status"},
	)
	cooldownPruned = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "faucet_cooldown_pruned_total", Help: "Expired cooldown records evicted"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, rateLimitHits, claimsTotal,
		associationsTotal, ledgerDuration, cooldownPruned)
}

// observeLedger records a ledger call started at start.
func observeLedger(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ledgerDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// instrument wraps handlers to record Prometheus metrics (method, route, status, duration).
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		method := r.Method
		ww := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(ww, r)
		path := routeLabel(r)
		status := statusLabel(ww.status)
		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// routeLabel is the matched chi route pattern, so unknown paths share one
// label value. Call it after the router has run.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// responseWriter captures status code for Prometheus labeling.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
