package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// labelHandler partitions HTTP metrics by logical endpoint name rather than
// the raw URL path.
const labelHandler = "handler"

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// Tests pass a fresh prometheus.Registry so the default one stays clean.
type serverMetrics struct {
	// queryRequestsTotal counts completed /api/query requests by outcome:
	// "ok", "bad_request", "not_ready", "timeout" or "error".
	queryRequestsTotal *prometheus.CounterVec

	// queryDurationSeconds records the wall-clock duration of each
	// /api/query request, retrieval and generation included.
	queryDurationSeconds *prometheus.HistogramVec

	// queryInFlight is the number of questions currently being answered.
	queryInFlight prometheus.Gauge

	// indexRecords is the number of records in the loaded index.
	indexRecords prometheus.Gauge

	// rateLimited counts questions rejected with 429.
	rateLimited prometheus.Counter

	httpRequestsTotal   *prometheus.CounterVec
	httpDurationSeconds *prometheus.HistogramVec
}

// newServerMetrics registers all server metrics against reg. ready backs the
// corpusqa_rag_initialized gauge.
func newServerMetrics(reg prometheus.Registerer, ready func() bool) *serverMetrics {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "corpusqa",
		Subsystem: "rag",
		Name:      "initialized",
		Help:      "1 once the index is built and questions are answered, 0 before.",
	}, func() float64 {
		if ready() {
			return 1
		}
		return 0
	})

	return &serverMetrics{
		queryRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corpusqa",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total number of /api/query requests completed, partitioned by outcome.",
		}, []string{"outcome"}),

		queryDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corpusqa",
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of /api/query requests.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}, []string{"outcome"}),

		queryInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "corpusqa",
			Subsystem: "query",
			Name:      "in_flight",
			Help:      "Number of questions currently being answered.",
		}),

		indexRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "corpusqa",
			Subsystem: "index",
			Name:      "records",
			Help:      "Number of chunk records in the loaded vector index.",
		}),

		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "corpusqa",
			Subsystem: "query",
			Name:      "rate_limited_total",
			Help:      "Total number of /api/query requests rejected by the per-client rate limit.",
		}),

		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "corpusqa",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the server, partitioned by method, handler, and status code.",
		}, []string{"method", labelHandler, "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "corpusqa",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", labelHandler}),
	}
}

// instrument records request count and latency for one named handler.
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw, ok := w.(*responseWriter)
		if !ok {
			rw = &responseWriter{ResponseWriter: w, status: http.StatusOK}
		}
		start := time.Now()
		next.ServeHTTP(rw, r)

		s.metrics.httpRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(rw.status)).Inc()
		s.metrics.httpDurationSeconds.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
	})
}
