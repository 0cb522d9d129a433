package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for the corpus and index. The corpus defaults point at the
// essay collection the scope filter's keyword lists are tuned for.
const (
	DefaultCorpusDir        = "./paul_graham"
	DefaultCorpusFile       = "paul_graham_essay.txt"
	DefaultCorpusURL        = "https://raw.githubusercontent.com/run-llama/llama_index/main/docs/docs/examples/data/paul_graham/paul_graham_essay.txt"
	DefaultIdentity         = "paul_graham_essays"
	DefaultBackend          = "sqlite"
	DefaultIndexPath        = "./storage/index.db"
	DefaultChunkSize        = 2048
	DefaultChunkOverlap     = 256
	DefaultTopK             = 10
	DefaultMaxContextTokens = 12000
	DefaultQueryTimeout     = 2 * time.Minute
)

// Settings is the typed view of the environment used by the CLI commands.
// It is resolved after [Load] and [LoadDotEnv] have populated the environment.
type Settings struct {
	// CorpusDir is the local directory holding the source documents.
	CorpusDir string
	// CorpusURL is the remote source fetched when CorpusFile is missing.
	CorpusURL string
	// CorpusFile is the file name CorpusURL is saved as inside CorpusDir.
	CorpusFile string
	// ChunkSize is the maximum chunk length in runes.
	ChunkSize int
	// ChunkOverlap is the number of runes shared by consecutive chunks.
	ChunkOverlap int

	// Backend is the vector store backend: sqlite, qdrant, chromem.
	Backend string
	// Identity is the corpus identity used as table or collection name.
	Identity string
	// IndexPath is the on-disk location for embedded backends.
	IndexPath string
	// StrictOpen surfaces unexpected store-open errors instead of rebuilding.
	StrictOpen bool
	// TopK is the number of chunks retrieved per question.
	TopK int
	// MaxContextTokens caps the estimated size of the retrieved context.
	MaxContextTokens int
	// MinScore drops retrieved chunks less similar than this (0 disables).
	MinScore float32

	// QdrantHost is the Qdrant server hostname.
	QdrantHost string
	// QdrantPort is the Qdrant gRPC port.
	QdrantPort int
	// QdrantAPIKey is the optional Qdrant API key.
	QdrantAPIKey string
	// QdrantTLS enables TLS for the Qdrant connection.
	QdrantTLS bool

	// ServerHost is the HTTP bind address.
	ServerHost string
	// ServerPort is the HTTP port.
	ServerPort int
	// APIKey is the optional Bearer token for /api/query.
	APIKey string
	// CORSOrigins lists the browser origins allowed to call the API.
	CORSOrigins []string
	// QueryTimeout bounds a single HTTP query.
	QueryTimeout time.Duration
	// RateLimit and RateBurst bound questions per client IP; zero means the
	// server defaults.
	RateLimit float64
	RateBurst int
	// ScopeKeywords replaces the built-in in-domain keyword list when non-empty.
	ScopeKeywords []string
}

// FromEnv resolves Settings from the process environment, applying defaults
// for anything unset or unparseable.
func FromEnv() *Settings {
	s := &Settings{
		CorpusDir:        envOr("CORPUS_DIR", DefaultCorpusDir),
		CorpusURL:        envOr("CORPUS_URL", DefaultCorpusURL),
		CorpusFile:       envOr("CORPUS_FILE", DefaultCorpusFile),
		ChunkSize:        envInt("CHUNK_SIZE", DefaultChunkSize),
		ChunkOverlap:     envInt("CHUNK_OVERLAP", DefaultChunkOverlap),
		Backend:          strings.ToLower(envOr("VECTOR_STORE", DefaultBackend)),
		Identity:         envOr("CORPUS_IDENTITY", DefaultIdentity),
		StrictOpen:       os.Getenv("INDEX_STRICT_OPEN") == "true",
		TopK:             envInt("RAG_TOP_K", DefaultTopK),
		MaxContextTokens: envInt("MAX_CONTEXT_TOKENS", DefaultMaxContextTokens),
		MinScore:         envFloat32("RAG_MIN_SCORE", 0),
		QdrantHost:       envOr("QDRANT_HOST", "localhost"),
		QdrantPort:       envInt("QDRANT_PORT", 6334),
		QdrantAPIKey:     os.Getenv("QDRANT_API_KEY"),
		QdrantTLS:        os.Getenv("QDRANT_TLS") == "true",
		ServerHost:       envOr("SERVER_HOST", "0.0.0.0"),
		ServerPort:       envInt("SERVER_PORT", 8000),
		APIKey:           os.Getenv("CORPUSQA_API_KEY"),
		CORSOrigins:      splitList(envOr("CORS_ORIGINS", "http://localhost:3000")),
		QueryTimeout:     envDuration("QUERY_TIMEOUT", DefaultQueryTimeout),
		RateLimit:        float64(envFloat32("RATE_LIMIT", 0)),
		RateBurst:        envInt("RATE_BURST", 0),
		ScopeKeywords:    splitList(os.Getenv("SCOPE_KEYWORDS")),
	}

	s.IndexPath = os.Getenv("INDEX_PATH")
	if s.IndexPath == "" {
		s.IndexPath = DefaultIndexPath
		if s.Backend == "chromem" {
			s.IndexPath = "./storage/chromem"
		}
	}

	return s
}

// envOr returns the value of key, or fallback if unset or empty.
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns the integer value of key, or fallback if unset, empty, or
// not parseable.
func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// envFloat32 parses key as a float32, or returns fallback.
func envFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}

// envDuration parses key as a Go duration, or returns fallback.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// splitList splits a comma-separated list, trimming blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
