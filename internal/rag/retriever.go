package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/corpusqa/internal/logging"
)

// Searcher runs a nearest-neighbour query. Both *Index and VectorStore
// satisfy it.
type Searcher interface {
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)
}

// DefaultRetriever embeds the question in query flavor and searches the
// index with it.
type DefaultRetriever struct {
	embedder    Embedder
	searcher    Searcher
	defaultTopK int
	// minScore drops results less similar than this when positive.
	minScore float32
}

// RetrieverOption configures a DefaultRetriever.
type RetrieverOption func(*DefaultRetriever)

// WithMinScore drops retrieved chunks whose cosine similarity is below min.
// A min of zero or less keeps every result.
// The engine then sees fewer (possibly zero) passages and the model is more
// likely to refuse, which the scope filter turns into an out-of-scope reply.
func WithMinScore(min float32) RetrieverOption {
	return func(r *DefaultRetriever) { r.minScore = min }
}

// NewRetriever constructs a DefaultRetriever. defaultTopK is used when
// Retrieve is called with topK <= 0 (10 if not positive).
func NewRetriever(embedder Embedder, searcher Searcher, defaultTopK int, opts ...RetrieverOption) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if searcher == nil {
		return nil, fmt.Errorf("rag: searcher must not be nil")
	}
	if defaultTopK <= 0 {
		defaultTopK = 10
	}
	r := &DefaultRetriever{
		embedder:    embedder,
		searcher:    searcher,
		defaultTopK: defaultTopK,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Retrieve returns up to topK chunks for query, most similar first.
func (r *DefaultRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	if topK <= 0 {
		topK = r.defaultTopK
	}
	query = strings.TrimSpace(query)

	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("rag: embedder returned an empty query vector")
	}

	docs, err := r.searcher.Search(ctx, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}

	kept := docs[:0]
	for _, d := range docs {
		if r.minScore <= 0 || d.Score >= r.minScore {
			kept = append(kept, d)
		}
	}

	log := logging.FromContext(ctx)
	if log.Enabled(ctx, slog.LevelDebug) {
		sources := make([]string, len(kept))
		for i, d := range kept {
			sources[i] = fmt.Sprintf("%s@%.3f", d.Source, d.Score)
		}
		log.Debug("rag: retrieved",
			slog.Int("requested", topK),
			slog.Int("found", len(docs)),
			slog.Int("kept", len(kept)),
			slog.Any("sources", sources),
		)
	}

	return kept, nil
}
