package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/embedding"

	"github.com/54b3r/corpusqa/internal/logging"
)

// DefaultBatchSize is the number of texts sent to a provider per request
// when Options.BatchSize is zero.
const DefaultBatchSize = 64

// ErrCountMismatch is returned when a provider returns a different number of
// vectors than texts it was given.
var ErrCountMismatch = errors.New("embedder: provider returned wrong number of embeddings")

// QueryEmbedder is implemented by providers that embed search queries
// differently from documents (asymmetric retrieval models). Providers that do
// not implement it have their EmbedStrings used for both flavors.
type QueryEmbedder interface {
	EmbedQueryStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error)
}

// Options tunes a Float32 adapter.
type Options struct {
	// BatchSize caps the number of texts per provider call (DefaultBatchSize if zero).
	BatchSize int
	// DocumentPrefix is prepended to every document text before embedding.
	DocumentPrefix string
	// QueryPrefix is prepended to every query text before embedding.
	QueryPrefix string
}

// Float32 adapts any eino embedding.Embedder to the float32 vectors the
// vector stores require. Output is always parallel to input: same length,
// same order, no deduplication. It is safe for concurrent use when the
// wrapped provider is.
type Float32 struct {
	// base is the wrapped provider.
	base embedding.Embedder
	// query is base as a QueryEmbedder, nil when unsupported.
	query QueryEmbedder
	// opts holds batching and prefix settings.
	opts Options
}

// NewFloat32 wraps base. A zero Options uses DefaultBatchSize and no prefixes.
func NewFloat32(base embedding.Embedder, opts Options) *Float32 {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	f := &Float32{base: base, opts: opts}
	if q, ok := base.(QueryEmbedder); ok {
		f.query = q
	}
	return f
}

// EmbedText embeds a single document text.
func (f *Float32) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds document texts in order.
func (f *Float32) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return f.embed(ctx, texts, f.opts.DocumentPrefix, f.base.EmbedStrings)
}

// EmbedQuery embeds a single search query.
func (f *Float32) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := f.EmbedQueries(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedQueries embeds search queries in order, using the provider's query
// flavor when it has one.
func (f *Float32) EmbedQueries(ctx context.Context, queries []string) ([][]float32, error) {
	call := f.base.EmbedStrings
	if f.query != nil {
		call = f.query.EmbedQueryStrings
	}
	return f.embed(ctx, queries, f.opts.QueryPrefix, call)
}

type embedFunc func(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error)

// embed splits texts into batches, calls the provider, checks counts and
// converts every element to float32.
func (f *Float32) embed(ctx context.Context, texts []string, prefix string, call embedFunc) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	log := logging.FromContext(ctx)
	for start := 0; start < len(texts); start += f.opts.BatchSize {
		end := min(start+f.opts.BatchSize, len(texts))
		batch := texts[start:end]
		if prefix != "" {
			prefixed := make([]string, len(batch))
			for i, t := range batch {
				prefixed[i] = prefix + t
			}
			batch = prefixed
		}

		vecs, err := call(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("embedder: batch [%d:%d]: %w", start, end, err)
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("%w: sent %d, got %d", ErrCountMismatch, len(batch), len(vecs))
		}
		for _, v := range vecs {
			out = append(out, toFloat32(v))
		}

		log.Debug("embedder: batch embedded",
			slog.Int("start", start),
			slog.Int("size", len(batch)),
		)
	}
	return out, nil
}

// toFloat32 narrows a provider vector. A nil input stays nil so the index
// sanitizer can default it.
func toFloat32(v []float64) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
