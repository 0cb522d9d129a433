package embedder

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
	"google.golang.org/genai"
)

// Gemini embedding task types.
const (
	geminiTaskDocument = "RETRIEVAL_DOCUMENT"
	geminiTaskQuery    = "RETRIEVAL_QUERY"
)

// GeminiEmbedder implements embedding.Embedder and QueryEmbedder on the
// Gemini API. Documents and queries are embedded with different task types.
type GeminiEmbedder struct {
	// client is the shared genai client.
	client *genai.Client
	// model is the embedding model name (e.g. "text-embedding-004").
	model string
	// dimensions truncates the output vector when > 0.
	dimensions int
}

// GeminiConfig holds the settings for constructing a GeminiEmbedder.
type GeminiConfig struct {
	// APIKey is the Google AI Studio API key.
	APIKey string
	// Model is the embedding model name.
	Model string
	// Dimensions is the requested output dimensionality (0 = model default).
	Dimensions int
}

// NewGeminiEmbedder creates the genai client and returns a GeminiEmbedder.
func NewGeminiEmbedder(ctx context.Context, cfg *GeminiConfig) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: failed to create client: %w", err)
	}
	return &GeminiEmbedder{client: client, model: cfg.Model, dimensions: cfg.Dimensions}, nil
}

// EmbedStrings embeds texts as retrieval documents.
func (e *GeminiEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	return e.embed(ctx, texts, geminiTaskDocument, opts)
}

// EmbedQueryStrings embeds texts as retrieval queries.
func (e *GeminiEmbedder) EmbedQueryStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	return e.embed(ctx, texts, geminiTaskQuery, opts)
}

func (e *GeminiEmbedder) embed(ctx context.Context, texts []string, task string, opts []embedding.Option) ([][]float64, error) {
	model := e.model
	if o := embedding.GetCommonOptions(&embedding.Options{Model: &model}, opts...); o.Model != nil {
		model = *o.Model
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	cfg := &genai.EmbedContentConfig{TaskType: task}
	if e.dimensions > 0 {
		d := int32(e.dimensions)
		cfg.OutputDimensionality = &d
	}

	resp, err := e.client.Models.EmbedContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embedder: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini embedder: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}

	out := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		v := make([]float64, len(emb.Values))
		for j, x := range emb.Values {
			v[j] = float64(x)
		}
		out[i] = v
	}
	return out, nil
}
