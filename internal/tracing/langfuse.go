// Package tracing installs eino callback handlers for the chat model and
// prompt components: a debug-level slog handler that times every component
// call and, when credentials are present, a Langfuse exporter.
package tracing

import (
	"os"

	"github.com/cloudwego/eino-ext/callbacks/langfuse"
	"github.com/cloudwego/eino/callbacks"
)

// LangfuseConfig holds Langfuse credentials.
type LangfuseConfig struct {
	Host      string
	PublicKey string
	SecretKey string
}

// LangfuseFromEnv reads LANGFUSE_HOST, LANGFUSE_PUBLIC_KEY and
// LANGFUSE_SECRET_KEY. ok is false when either key is missing.
func LangfuseFromEnv() (cfg LangfuseConfig, ok bool) {
	cfg = LangfuseConfig{
		Host:      os.Getenv("LANGFUSE_HOST"),
		PublicKey: os.Getenv("LANGFUSE_PUBLIC_KEY"),
		SecretKey: os.Getenv("LANGFUSE_SECRET_KEY"),
	}
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return cfg, false
	}
	if cfg.Host == "" {
		cfg.Host = "https://cloud.langfuse.com"
	}
	return cfg, true
}

// NewLangfuse returns the Langfuse callback handler and the flush function
// that must be called before process exit so buffered traces are sent.
func NewLangfuse(cfg LangfuseConfig) (callbacks.Handler, func()) {
	return langfuse.NewLangfuseHandler(&langfuse.Config{
		Host:      cfg.Host,
		PublicKey: cfg.PublicKey,
		SecretKey: cfg.SecretKey,
		Name:      "corpusqa",
	})
}
