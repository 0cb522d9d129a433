package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/embedding"
)

// defaultOllamaTimeout covers a cold model load plus one batch.
const defaultOllamaTimeout = 2 * time.Minute

// OllamaEmbedder implements embedding.Embedder against Ollama's /api/embed.
// Inputs longer than the model's context are truncated server-side so a
// single oversized chunk never fails a whole index build.
type OllamaEmbedder struct {
	endpoint  string
	model     string
	keepAlive string
	client    *http.Client
}

// OllamaConfig configures an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama base URL, e.g. "http://localhost:11434".
	Host string
	// Model is the embedding model, e.g. "nomic-embed-text".
	Model string
	// KeepAlive is how long Ollama keeps the model loaded after a call
	// (Ollama duration syntax, e.g. "10m"). Empty uses the server default.
	KeepAlive string
	// Timeout bounds one request. Defaults to two minutes.
	Timeout time.Duration
}

// NewOllamaEmbedder constructs an OllamaEmbedder from cfg.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultOllamaTimeout
	}
	return &OllamaEmbedder{
		endpoint:  strings.TrimRight(cfg.Host, "/") + "/api/embed",
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
		client:    &http.Client{Timeout: timeout},
	}
}

type ollamaEmbedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	Truncate  bool     `json:"truncate"`
	KeepAlive string   `json:"keep_alive,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Error      string      `json:"error,omitempty"`
}

// EmbedStrings returns one embedding per text, in order. embedding.WithModel
// overrides the configured model for the call.
func (e *OllamaEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := e.model
	if o := embedding.GetCommonOptions(&embedding.Options{Model: &model}, opts...); o.Model != nil {
		model = *o.Model
	}

	body, err := json.Marshal(ollamaEmbedRequest{
		Model:     model,
		Input:     texts,
		Truncate:  true,
		KeepAlive: e.keepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %s: %w", model, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: read response: %w", err)
	}

	var result ollamaEmbedResponse
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && result.Error != "" {
			return nil, fmt.Errorf("ollama embedder: %s: %s", model, result.Error)
		}
		return nil, fmt.Errorf("ollama embedder: %s: HTTP %d", model, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("ollama embedder: decode response: %w", decodeErr)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}

	return result.Embeddings, nil
}
