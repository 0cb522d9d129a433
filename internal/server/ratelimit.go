package server

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/corpusqa/internal/logging"
)

const (
	// defaultRateLimit is the sustained questions per second allowed per
	// client when Config.RateLimit is zero.
	defaultRateLimit = 10
	// defaultRateBurst is the per-client burst when Config.RateBurst is zero.
	defaultRateBurst = 20
	// bucketTTL is how long an idle client keeps its bucket.
	bucketTTL = 5 * time.Minute
	// sweepInterval is how often idle buckets are dropped.
	sweepInterval = time.Minute
)

// bucket is one client's token bucket.
type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter throttles POST /api/query per client address. Each question
// costs an embedding call and a generation, so the limit protects the model
// backend as much as the server.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
	// now is time.Now outside tests.
	now func() time.Time
	// onReject is called for every throttled request.
	onReject func()
}

// newRateLimiter returns a limiter allowing rps questions per second with
// the given burst per client. onReject may be nil.
func newRateLimiter(rps float64, burst int, onReject func()) *rateLimiter {
	if onReject == nil {
		onReject = func() {}
	}
	return &rateLimiter{
		buckets:  make(map[string]*bucket),
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
		onReject: onReject,
	}
}

// run drops idle buckets every sweepInterval until ctx is done.
func (rl *rateLimiter) run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// reserve takes a token for client. When none is available it returns false
// and how long the client should wait before retrying.
func (rl *rateLimiter) reserve(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[client]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[client] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// sweep removes buckets idle for longer than bucketTTL and returns how many
// were removed.
func (rl *rateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-bucketTTL)
	removed := 0
	for client, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, client)
			removed++
		}
	}
	return removed
}

// middleware answers 429 with a JSON detail and a Retry-After rounded up to
// whole seconds when the client is over its limit.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		ok, wait := rl.reserve(client)
		if !ok {
			rl.onReject()
			secs := max(1, int(math.Ceil(wait.Seconds())))
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", client),
				slog.Int("retry_after_s", secs),
			)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the host part of RemoteAddr. X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
