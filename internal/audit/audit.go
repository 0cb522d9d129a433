// Package audit emits one structured record per CLI invocation describing
// the command and the configuration it runs with, grouped by area (model,
// embedding, index, server, observability). Secrets are recorded as "set" or
// "unset", never by value.
package audit

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// group is one area of configuration in the audit record.
type group struct {
	name string
	keys []key
}

// key is one environment variable in a group.
type key struct {
	name   string
	secret bool
}

// groups is the ordered audit layout.
var groups = []group{
	{"model", []key{
		{"MODEL_PROVIDER", false},
		{"OLLAMA_HOST", false},
		{"OLLAMA_MODEL", false},
		{"OLLAMA_KEEP_ALIVE", false},
		{"OPENAI_API_KEY", true},
		{"OPENAI_MODEL", false},
		{"OPENAI_BASE_URL", false},
		{"AZURE_OPENAI_API_KEY", true},
		{"AZURE_OPENAI_ENDPOINT", false},
		{"AZURE_OPENAI_DEPLOYMENT", false},
		{"ARK_API_KEY", true},
		{"ARK_MODEL", false},
		{"GOOGLE_API_KEY", true},
		{"GEMINI_MODEL", false},
		{"MODEL_TEMPERATURE", false},
		{"MODEL_MAX_TOKENS", false},
	}},
	{"embedding", []key{
		{"EMBEDDING_PROVIDER", false},
		{"EMBEDDING_MODEL", false},
		{"EMBEDDING_DIMENSIONS", false},
		{"EMBEDDING_ENDPOINT", false},
		{"EMBEDDING_API_KEY", true},
	}},
	{"index", []key{
		{"CORPUS_DIR", false},
		{"CORPUS_URL", false},
		{"CORPUS_IDENTITY", false},
		{"CHUNK_SIZE", false},
		{"CHUNK_OVERLAP", false},
		{"VECTOR_STORE", false},
		{"INDEX_PATH", false},
		{"INDEX_STRICT_OPEN", false},
		{"QDRANT_HOST", false},
		{"QDRANT_PORT", false},
		{"QDRANT_API_KEY", true},
		{"RAG_TOP_K", false},
		{"RAG_MIN_SCORE", false},
	}},
	{"server", []key{
		{"SERVER_HOST", false},
		{"SERVER_PORT", false},
		{"QUERY_TIMEOUT", false},
		{"CORS_ORIGINS", false},
		{"RATE_LIMIT", false},
		{"RATE_BURST", false},
		{"CORPUSQA_API_KEY", true},
	}},
	{"observability", []key{
		{"LOG_LEVEL", false},
		{"LOG_FORMAT", false},
		{"LANGFUSE_HOST", false},
		{"LANGFUSE_PUBLIC_KEY", true},
		{"LANGFUSE_SECRET_KEY", true},
	}},
}

// secrets is the set of audited keys whose values are never logged.
var secrets = func() map[string]bool {
	m := make(map[string]bool)
	for _, g := range groups {
		for _, k := range g.keys {
			if k.secret {
				m[k.name] = true
			}
		}
	}
	return m
}()

// LogCommandStart records that command started with the config file at
// configPath ("" when none was found) and the current environment.
func LogCommandStart(ctx context.Context, log *slog.Logger, command string, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", displayPath(configPath)),
	}
	for _, g := range groups {
		fields := make([]any, 0, len(g.keys))
		for _, k := range g.keys {
			fields = append(fields, slog.String(k.name, SanitiseKey(k.name, os.Getenv(k.name))))
		}
		attrs = append(attrs, slog.Group(g.name, fields...))
	}
	log.LogAttrs(ctx, slog.LevelInfo, "audit: command start", attrs...)
}

// SanitiseKey returns what may be logged for key: "set"/"unset" for secrets,
// otherwise the value or "unset".
func SanitiseKey(key, value string) string {
	switch {
	case value == "":
		return "unset"
	case secrets[key]:
		return "set"
	default:
		return value
	}
}

// displayPath shortens the home directory to "~" and reports "none" for an
// empty path.
func displayPath(p string) string {
	if p == "" {
		return "none"
	}
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(p, home) {
		return "~" + p[len(home):]
	}
	return p
}
