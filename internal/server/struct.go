package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 0.0.0.0).
	Host string
	// Port is the TCP port to listen on (default: 8000).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	// It must exceed QueryTimeout.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// QueryTimeout bounds a single POST /api/query. Zero disables it.
	QueryTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on
	// POST /api/query (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on POST /api/query.
	// If empty, authentication is disabled.
	APIKey string
	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string
	// MetricsRegistry receives the server's collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Querier answers questions once the index is ready.
// *engine.Coordinator satisfies it; tests inject a fake.
type Querier interface {
	// Answer returns the final answer for question, or engine.ErrNotReady
	// while the index is still being built.
	Answer(ctx context.Context, question string) (string, error)
	// Ready reports whether the index has been built.
	Ready() bool
}

// Server is the HTTP front end of the question-answering service.
type Server struct {
	// querier answers POST /api/query.
	querier Querier
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	// Question is the user's natural language question.
	Question string `json:"question"`
}

// queryResponse is the JSON response for a successful POST /api/query.
type queryResponse struct {
	Response string `json:"response"`
}

// errorResponse is the JSON body of every error response.
type errorResponse struct {
	Detail string `json:"detail"`
}

// healthResponse is the JSON body returned by GET /api/health.
type healthResponse struct {
	Status         string `json:"status"`
	RAGInitialized bool   `json:"rag_initialized"`
}

// rootResponse is the JSON body returned by GET /.
type rootResponse struct {
	Message string `json:"message"`
}
