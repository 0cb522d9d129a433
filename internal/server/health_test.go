package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Fake Pinger for readiness tests
// ---------------------------------------------------------------------------

// fakePinger is a test double for the Pinger interface.
type fakePinger struct {
	// name is returned by Name().
	name string
	// err is returned by Ping(); nil means healthy.
	err error
}

func (f *fakePinger) Name() string                 { return f.name }
func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// newReadyTestServer builds a *Server with a built index and the given
// pingers wired in.
func newReadyTestServer(t *testing.T, pingers ...Pinger) *Server {
	t.Helper()
	s, _ := newTestServer(t, readyQuerier("ok"), func(c *Config) { c.Pingers = pingers })
	return s
}

// ---------------------------------------------------------------------------
// GET /api/health — liveness
// ---------------------------------------------------------------------------

// TestHandleHealth verifies that GET /api/health always returns 200 and
// reports whether the index has been built.
func TestHandleHealth(t *testing.T) {
	t.Parallel()

	for _, ready := range []bool{false, true} {
		q := &fakeQuerier{}
		q.ready.Store(ready)
		s, _ := newTestServer(t, q)

		req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
		w := httptest.NewRecorder()
		s.handleHealth(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200 OK, got %d: %s", w.Code, w.Body.String())
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type: expected application/json, got %q", ct)
		}

		var body healthResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode JSON response: %v", err)
		}
		if body.Status != "healthy" || body.RAGInitialized != ready {
			t.Errorf("ready=%v: got %+v", ready, body)
		}
	}
}

// ---------------------------------------------------------------------------
// GET /api/ready — readiness
// ---------------------------------------------------------------------------

// TestHandleReady_NoPingers verifies that /api/ready returns 200 with
// ready:true and an empty checks array when no pingers are registered.
func TestHandleReady_NoPingers(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Ready {
		t.Errorf("expected ready:true with no pingers")
	}
	if len(resp.Checks) != 1 || resp.Checks[0].Name != "index" {
		t.Errorf("expected only the index check, got %+v", resp.Checks)
	}
}

// TestHandleReady_AllHealthy verifies that /api/ready returns 200 with
// ready:true when all pingers succeed.
func TestHandleReady_AllHealthy(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "llm", err: nil},
		&fakePinger{name: "vector_store", err: nil},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Ready {
		t.Errorf("expected ready:true")
	}
	if len(resp.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(resp.Checks))
	}
	for _, c := range resp.Checks {
		if !c.OK {
			t.Errorf("check %q: expected ok:true", c.Name)
		}
		if c.Error != "" {
			t.Errorf("check %q: expected no error, got %q", c.Name, c.Error)
		}
	}
}

// TestHandleReady_OneFailing verifies that /api/ready returns 503 with
// ready:false when one pinger fails, and the failing check has ok:false
// with a non-empty error field.
func TestHandleReady_OneFailing(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "llm", err: nil},
		&fakePinger{name: "vector_store", err: errors.New("connection refused")},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ready {
		t.Errorf("expected ready:false")
	}

	var storeCheck *readyCheck
	for i := range resp.Checks {
		if resp.Checks[i].Name == "vector_store" {
			storeCheck = &resp.Checks[i]
		}
	}
	if storeCheck == nil {
		t.Fatal("vector_store check missing from response")
	}
	if storeCheck.OK {
		t.Errorf("vector_store check: expected ok:false")
	}
	if storeCheck.Error == "" {
		t.Errorf("vector_store check: expected non-empty error")
	}
}

// TestHandleReady_AllFailing verifies that /api/ready returns 503 with
// ready:false and all checks showing ok:false when every pinger fails.
func TestHandleReady_AllFailing(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		&fakePinger{name: "llm", err: errors.New("timeout")},
		&fakePinger{name: "vector_store", err: errors.New("connection refused")},
	)
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d — body: %s", w.Code, w.Body.String())
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ready {
		t.Errorf("expected ready:false")
	}
	for _, c := range resp.Checks {
		if c.Name != "index" && c.OK {
			t.Errorf("check %q: expected ok:false", c.Name)
		}
	}
}

// TestHandleReady_ContentType verifies the response always has Content-Type
// application/json regardless of probe outcome.
func TestHandleReady_ContentType(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t, &fakePinger{name: "llm", err: errors.New("down")})
	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	w := httptest.NewRecorder()

	s.handleReady(w, req)

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: expected application/json, got %q", ct)
	}
}

// TestHandleReady_IndexNotBuilt verifies that /api/ready returns 503 while
// the index is still being built, even when every dependency is reachable.
func TestHandleReady_IndexNotBuilt(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &fakeQuerier{}, func(c *Config) {
		c.Pingers = []Pinger{&fakePinger{name: "llm"}}
	})
	w := httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Ready || resp.Checks[0].Name != "index" || resp.Checks[0].OK {
		t.Errorf("unexpected response %+v", resp)
	}
}

type fakeStore struct{ err error }

func (f fakeStore) Ping(context.Context) error { return f.err }

type fakeHealthCheck struct{ err error }

func (f fakeHealthCheck) HealthCheck(context.Context) error { return f.err }

// TestPingers verifies the concrete LLM and store pingers.
func TestPingers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if err := NewStorePinger(fakeStore{}, "vector_store").Ping(ctx); err != nil {
		t.Errorf("healthy store: %v", err)
	}
	if err := NewStorePinger(fakeStore{err: errors.New("down")}, "vector_store").Ping(ctx); err == nil {
		t.Error("failing store should report an error")
	}

	if err := NewLLMPinger(nil, fakeHealthCheck{}, "ollama").Ping(ctx); err != nil {
		t.Errorf("healthy llm: %v", err)
	}
	err := NewLLMPinger(nil, fakeHealthCheck{err: errors.New("401")}, "openai").Ping(ctx)
	if err == nil || !strings.Contains(err.Error(), "openai") {
		t.Errorf("want labelled error, got %v", err)
	}
	if err := NewLLMPinger(nil, nil, "ark").Ping(ctx); err == nil {
		t.Error("pinger without model or health check should fail")
	}
}

// slowPinger sleeps before answering so concurrent probing is observable.
type slowPinger struct {
	name  string
	delay time.Duration
}

func (p slowPinger) Name() string { return p.name }
func (p slowPinger) Ping(ctx context.Context) error {
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TestHandleReady_ProbesRunConcurrently verifies that probes overlap and
// that results keep the registration order.
func TestHandleReady_ProbesRunConcurrently(t *testing.T) {
	t.Parallel()

	s := newReadyTestServer(t,
		slowPinger{name: "llm", delay: 300 * time.Millisecond},
		slowPinger{name: "vector_store", delay: 300 * time.Millisecond},
		slowPinger{name: "extra", delay: 300 * time.Millisecond},
	)

	start := time.Now()
	w := httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	elapsed := time.Since(start)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if elapsed >= 800*time.Millisecond {
		t.Errorf("probes look sequential: took %s", elapsed)
	}

	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := []string{"index", "llm", "vector_store", "extra"}
	for i, name := range want {
		if resp.Checks[i].Name != name {
			t.Errorf("check %d = %q, want %q", i, resp.Checks[i].Name, name)
		}
	}
	if resp.Checks[1].LatencyMS < 250 {
		t.Errorf("latency not recorded: %d ms", resp.Checks[1].LatencyMS)
	}
}

// failedQuerier is a querier whose index build failed.
type failedQuerier struct{ fakeQuerier }

func (*failedQuerier) Err() error { return errors.New("corpus fetch: unexpected status 404") }

// TestHandleReady_IndexBuildFailed verifies that a failed build is reported
// with its cause rather than as still building.
func TestHandleReady_IndexBuildFailed(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t, &failedQuerier{})
	w := httptest.NewRecorder()
	s.handleReady(w, httptest.NewRequest(http.MethodGet, "/api/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var resp readyResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := resp.Checks[0].Error; !strings.Contains(got, "index build failed") || !strings.Contains(got, "404") {
		t.Errorf("index error = %q", got)
	}
}
