package server

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/corpusqa/internal/logging"
	"github.com/54b3r/corpusqa/internal/provider"
)

// LLMPinger probes the chat model backend for GET /api/ready.
type LLMPinger struct {
	// model is the chat model probed when no health check exists.
	model model.BaseChatModel
	// healthCheck is the token-free probe; nil for backends without one.
	healthCheck provider.HealthChecker
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// NewLLMPinger constructs an LLMPinger for the given model and backend name.
func NewLLMPinger(m model.BaseChatModel, hc provider.HealthChecker, name string) *LLMPinger {
	return &LLMPinger{model: m, healthCheck: hc, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping uses the health check when available, otherwise a one-message
// Generate call, which consumes tokens.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if p.healthCheck != nil {
		if err := p.healthCheck.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s health check failed: %w", p.name, err)
		}
		return nil
	}
	if p.model == nil {
		return fmt.Errorf("%s: no model configured", p.name)
	}

	logging.FromContext(ctx).Debug("pinger: using Generate-based health check")
	resp, err := p.model.Generate(ctx, []*schema.Message{schema.UserMessage("ping")})
	if err != nil {
		return fmt.Errorf("generate failed: %w", err)
	}
	if resp == nil {
		return fmt.Errorf("generate returned nil response")
	}
	return nil
}

// pingable is anything with a reachability check, such as *rag.Index.
type pingable interface {
	Ping(ctx context.Context) error
}

// StorePinger probes a vector store that can report its own reachability,
// such as the Qdrant or SQLite stores.
type StorePinger struct {
	store pingable
	name  string
}

// NewStorePinger constructs a StorePinger labelled name.
func NewStorePinger(store pingable, name string) *StorePinger {
	return &StorePinger{store: store, name: name}
}

// Name returns the dependency label used in readiness responses.
func (p *StorePinger) Name() string { return p.name }

// Ping delegates to the store.
func (p *StorePinger) Ping(ctx context.Context) error {
	if err := p.store.Ping(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}
