package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/54b3r/corpusqa/internal/logging"
)

// probeTimeout bounds each dependency probe in GET /api/ready.
const probeTimeout = 5 * time.Second

// Pinger is a dependency that can report its own reachability.
// Implementations must be safe to call from multiple goroutines.
type Pinger interface {
	// Ping returns nil when the dependency is reachable.
	Ping(ctx context.Context) error
	// Name labels the dependency in readiness responses
	// (e.g. "ollama", "vector_store").
	Name() string
}

// setupReporter is implemented by queriers that can explain why the index
// is not available. *engine.Coordinator implements it.
type setupReporter interface {
	Err() error
}

// readyCheck is one entry of the GET /api/ready body.
type readyCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Ready is true only when the index is built and every probe passed.
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
}

// handleHealth handles GET /api/health. It always answers 200 and reports
// whether the index has been built.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		RAGInitialized: s.querier.Ready(),
	})
}

// handleReady handles GET /api/ready. The first check is always the index;
// the registered pingers follow in order. Pingers run concurrently, each
// under probeTimeout. The response is 200 only when every check passed.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	checks := make([]readyCheck, len(s.pingers)+1)
	checks[0] = s.indexCheck()

	var wg sync.WaitGroup
	for i, p := range s.pingers {
		wg.Go(func() {
			checks[i+1] = probe(r.Context(), p)
		})
	}
	wg.Wait()

	ready := true
	for _, c := range checks {
		if c.OK {
			continue
		}
		ready = false
		if c.Name != "index" {
			log.Warn("readiness probe failed",
				slog.String("dependency", c.Name),
				slog.String("error", c.Error),
			)
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResponse{Ready: ready, Checks: checks})
}

// indexCheck reports whether questions can be answered, and why not.
func (s *Server) indexCheck() readyCheck {
	c := readyCheck{Name: "index", OK: s.querier.Ready()}
	if c.OK {
		return c
	}
	c.Error = "index not built yet"
	if sr, ok := s.querier.(setupReporter); ok {
		if err := sr.Err(); err != nil {
			c.Error = "index build failed: " + err.Error()
		}
	}
	return c
}

// probe runs one pinger under probeTimeout and times it.
func probe(ctx context.Context, p Pinger) readyCheck {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(ctx)
	c := readyCheck{
		Name:      p.Name(),
		OK:        err == nil,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		c.Error = err.Error()
	}
	return c
}
