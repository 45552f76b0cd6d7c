package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Histogram: gateway HTTP latency in seconds. For /generate this is the
	// full stream duration.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"path", "method", "status_code"},
	)

	// Counter: failed requests by operation and error kind.
	RequestErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "request_errors_total",
			Help: "Total number of failed relay requests by operation and error kind.",
		},
		[]string{"op", "kind"},
	)

	// Counter: bytes relayed from upstream to callers.
	RelayBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bytes_total",
			Help: "Total number of upstream bytes relayed to callers.",
		},
	)

	// Gauge: generation streams currently open.
	RelayStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_streams_active",
			Help: "Number of generation streams currently being relayed.",
		},
	)

	// Counter: model names returned by /api/tags.
	ModelsListedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "models_listed_total",
			Help: "Total number of model names returned to callers.",
		},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		GatewayLatencySeconds,
		RequestErrorsTotal,
		RelayBytesTotal,
		RelayStreamsActive,
		ModelsListedTotal,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// capture status code
		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Deferred so streams cut with http.ErrAbortHandler are still observed.
		defer func() {
			duration := time.Since(start).Seconds()

			// Use the route pattern so per-caller query strings or unknown
			// paths don't explode label cardinality.
			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}
			method := r.Method
			status := strconv.Itoa(rec.statusCode)

			GatewayLatencySeconds.
				WithLabelValues(path, method, status).
				Observe(duration)
		}()

		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer, which is
// what flushes relayed chunks.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
