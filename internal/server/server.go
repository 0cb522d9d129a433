// Package server implements the HTTP API that answers questions about the
// essay corpus. It is started by the `corpusqa serve` command and accepts
// requests before the index is ready, answering 503 until it is.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/corpusqa/internal/engine"
	"github.com/54b3r/corpusqa/internal/logging"
)

// notReadyDetail is the 503 body while the index is being built.
const notReadyDetail = "RAG system still initializing, try again later."

// retryAfterSeconds is sent with every 503 from POST /api/query.
const retryAfterSeconds = 5

// maxBodyBytes caps the POST /api/query request body.
const maxBodyBytes = 64 << 10

// New constructs a Server from the provided querier and config.
func New(q Querier, cfg *Config) (*Server, error) {
	if q == nil {
		return nil, fmt.Errorf("server: querier must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8000
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		querier: q,
		cfg:     cfg,
		log:     cfg.Logger,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry, q.Ready),
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: API key not set, POST /api/query is unauthenticated")
	}

	rl := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.metrics.rateLimited.Inc)
	sweepCtx, stop := context.WithCancel(context.Background())
	go rl.run(sweepCtx)
	s.stopRL = stop

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.routes(rl),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return s, nil
}

// routes builds the handler tree: request logging and CORS wrap every route,
// rate limiting and auth wrap only the query endpoint.
func (s *Server) routes(rl *rateLimiter) http.Handler {
	mux := http.NewServeMux()

	query := rl.middleware(authMiddleware(s.cfg.APIKey, http.HandlerFunc(s.handleQuery)))
	mux.Handle("POST /api/query", s.instrument("query", query))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	mux.Handle("GET /{$}", s.instrument("root", http.HandlerFunc(s.handleRoot)))

	return requestLogger(s.log, corsMiddleware(s.cfg.CORSOrigins, mux))
}

// Handler returns the server's root handler. Tests drive it with httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// SetIndexRecords publishes the number of records in the loaded index.
func (s *Server) SetIndexRecords(n int) {
	s.metrics.indexRecords.Set(float64(n))
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("corpusqa server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleQuery handles POST /api/query. The answer is returned in one JSON
// body once generation and scope filtering have finished.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	start := time.Now()
	outcome := "error"
	defer func() {
		s.metrics.queryRequestsTotal.WithLabelValues(outcome).Inc()
		s.metrics.queryDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		outcome = "bad_request"
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := r.Context()
	if s.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.QueryTimeout)
		defer cancel()
	}

	s.metrics.queryInFlight.Inc()
	answer, err := s.querier.Answer(ctx, req.Question)
	s.metrics.queryInFlight.Dec()

	switch {
	case err == nil:
		outcome = "ok"
		writeJSON(w, http.StatusOK, queryResponse{Response: answer})
	case errors.Is(err, engine.ErrEmptyQuestion):
		outcome = "bad_request"
		writeError(w, http.StatusBadRequest, "question is required")
	case errors.Is(err, engine.ErrNotReady):
		outcome = "not_ready"
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, http.StatusServiceUnavailable, notReadyDetail)
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
		log.Error("query timed out", slog.Duration("timeout", s.cfg.QueryTimeout))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		log.Error("query failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleRoot handles GET /.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{Message: "RAG Chatbot API is running!"})
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"detail": detail} with the given status.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
