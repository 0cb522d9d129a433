package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/54b3r/corpusqa/internal/logging"
)

// apiKeyHeader is accepted as an alternative to a Bearer token, for clients
// that cannot set Authorization.
const apiKeyHeader = "X-API-Key"

// authMiddleware requires the service API key on the wrapped handler. With an
// empty apiKey every request passes; New warns about that once at startup.
// The presented key is never logged.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		return next
	}
	want := []byte(apiKey)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, via := presentedKey(r)
		if got == "" {
			logging.FromContext(r.Context()).Warn("auth: no API key presented")
			w.Header().Set("WWW-Authenticate", `Bearer realm="corpusqa"`)
			writeError(w, http.StatusUnauthorized, "authorization required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			logging.FromContext(r.Context()).Warn("auth: invalid API key", slog.String("via", via))
			w.Header().Set("WWW-Authenticate", `Bearer realm="corpusqa", error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// presentedKey returns the key from "Authorization: Bearer <key>" or, failing
// that, from X-API-Key, along with the header it came from.
func presentedKey(r *http.Request) (key, via string) {
	if k := bearerToken(r); k != "" {
		return k, "authorization"
	}
	if k := strings.TrimSpace(r.Header.Get(apiKeyHeader)); k != "" {
		return k, "x-api-key"
	}
	return "", ""
}

// bearerToken extracts <token> from "Authorization: Bearer <token>". The
// scheme is case-insensitive; anything else yields "".
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
