package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HealthChecker probes a backend without spending tokens.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// httpCheck is a HealthChecker that expects a 2xx from a GET request.
type httpCheck struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// HealthCheck performs the GET request.
func (c *httpCheck) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("provider: health request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider: health request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("provider: health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// NewHealthCheck returns a listing-endpoint probe for the configured backend,
// or nil when the backend has no such endpoint (Ark).
func NewHealthCheck(cfg *Config) HealthChecker {
	client := &http.Client{Timeout: 10 * time.Second}

	switch cfg.Backend {
	case BackendOllama:
		return &httpCheck{
			url:    strings.TrimRight(cfg.Ollama.Host, "/") + "/api/tags",
			client: client,
		}
	case BackendOpenAI:
		base := cfg.OpenAI.BaseURL
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return &httpCheck{
			url:     strings.TrimRight(base, "/") + "/models",
			headers: map[string]string{"Authorization": "Bearer " + cfg.OpenAI.APIKey},
			client:  client,
		}
	case BackendAzure:
		az := cfg.AzureOpenAI
		return &httpCheck{
			url:     strings.TrimRight(az.Endpoint, "/") + "/openai/models?api-version=" + url.QueryEscape(az.APIVersion),
			headers: map[string]string{"api-key": az.APIKey},
			client:  client,
		}
	case BackendGemini:
		return &httpCheck{
			url:     "https://generativelanguage.googleapis.com/v1beta/models",
			headers: map[string]string{"x-goog-api-key": cfg.Gemini.APIKey},
			client:  client,
		}
	default:
		return nil
	}
}
