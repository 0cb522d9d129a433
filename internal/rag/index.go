package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/54b3r/corpusqa/internal/corpus"
	"github.com/54b3r/corpusqa/internal/logging"
)

// Options controls BuildOrLoad.
type Options struct {
	// ForceRebuild skips the reuse check and always rebuilds.
	ForceRebuild bool
	// StrictOpen returns unexpected Count errors instead of rebuilding.
	// ErrNotFound always leads to a build.
	StrictOpen bool
}

// Index is a searchable snapshot for one corpus identity. It is read-only
// after BuildOrLoad returns and safe for concurrent use.
type Index struct {
	// store holds the records.
	store VectorStore
	// schema is the layout the records were written with.
	schema Schema
	// count is the number of records at load or build time.
	count int
	// reused is true when an existing snapshot was loaded without writes.
	reused bool
}

// BuildOrLoad returns an Index for schema.Identity. When the store already
// holds a committed, non-empty snapshot it is reused without embedding or
// writing. Otherwise chunks without embeddings are embedded with emb and
// every chunk is passed through Sanitize; only then is the store reset, the
// records inserted and the snapshot committed. A failure while preparing
// records leaves the previous snapshot untouched, and a failure after Reset
// leaves an uncommitted snapshot that the next call rebuilds.
func BuildOrLoad(ctx context.Context, store VectorStore, schema Schema, chunks []corpus.Chunk, emb Embedder, opts Options) (*Index, error) {
	log := logging.FromContext(ctx).With(slog.String("identity", schema.Identity))

	if !opts.ForceRebuild {
		n, err := store.Count(ctx)
		switch {
		case err == nil && n > 0:
			log.Info("rag: reusing existing index", slog.Int("records", n))
			return &Index{store: store, schema: schema, count: n, reused: true}, nil
		case err == nil:
			log.Info("rag: existing index is empty, building")
		case errors.Is(err, ErrNotFound):
			log.Info("rag: no complete index, building", slog.Any("reason", err))
		case opts.StrictOpen:
			return nil, fmt.Errorf("rag: open index %q: %w", schema.Identity, err)
		default:
			log.Warn("rag: failed to open existing index, rebuilding", slog.Any("error", err))
		}
	}

	start := time.Now()
	records, err := prepareRecords(ctx, log, chunks, emb, schema.Dimension)
	if err != nil {
		return nil, err
	}

	if err := store.Reset(ctx, schema); err != nil {
		return nil, fmt.Errorf("rag: reset index %q: %w", schema.Identity, err)
	}
	if err := store.Insert(ctx, records); err != nil {
		return nil, fmt.Errorf("rag: insert into %q: %w", schema.Identity, err)
	}
	if err := store.Commit(ctx); err != nil {
		return nil, fmt.Errorf("rag: commit %q: %w", schema.Identity, err)
	}

	log.Info("rag: index built",
		slog.Int("chunks", len(chunks)),
		slog.Int("records", len(records)),
		slog.Duration("duration", time.Since(start)),
	)
	return &Index{store: store, schema: schema, count: len(records)}, nil
}

// prepareRecords embeds and sanitizes chunks without touching the store.
// Chunks with empty text are dropped.
func prepareRecords(ctx context.Context, log *slog.Logger, chunks []corpus.Chunk, emb Embedder, dim int) ([]Record, error) {
	embedded, err := embedMissing(ctx, chunks, emb)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(embedded))
	for _, c := range embedded {
		rec, ok := Sanitize(c, dim)
		if !ok {
			log.Warn("rag: dropping chunk with empty text", slog.String("chunk_id", c.ID))
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// embedMissing returns a copy of chunks where every chunk with text and no
// embedding has been embedded in document flavor.
func embedMissing(ctx context.Context, chunks []corpus.Chunk, emb Embedder) ([]corpus.Chunk, error) {
	out := make([]corpus.Chunk, len(chunks))
	copy(out, chunks)

	var idx []int
	var texts []string
	for i, c := range out {
		if c.Embedding == nil && c.Text != "" {
			idx = append(idx, i)
			texts = append(texts, c.Text)
		}
	}
	if len(texts) == 0 {
		return out, nil
	}
	if emb == nil {
		return nil, fmt.Errorf("rag: %d chunks need embedding but no embedder was given", len(texts))
	}

	vecs, err := emb.EmbedTexts(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("rag: embedding chunks: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("rag: embedder returned %d vectors for %d chunks", len(vecs), len(texts))
	}
	for j, i := range idx {
		out[i].Embedding = vecs[j]
	}
	return out, nil
}

// Search returns at most topK documents nearest to queryEmbedding.
func (ix *Index) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	if topK <= 0 || ix.count == 0 {
		return nil, nil
	}
	if len(queryEmbedding) != ix.schema.Dimension {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(queryEmbedding), ix.schema.Dimension)
	}
	return ix.store.Search(ctx, queryEmbedding, topK)
}

// Count returns the number of records in the index.
func (ix *Index) Count() int { return ix.count }

// Reused reports whether the index was loaded from an existing snapshot.
func (ix *Index) Reused() bool { return ix.reused }

// Schema returns the layout of the index.
func (ix *Index) Schema() Schema { return ix.schema }

// Close releases the underlying store.
func (ix *Index) Close() error { return ix.store.Close() }

// Ping reports whether the underlying store is reachable. Stores that cannot
// be probed, such as the in-process chromem store, always report success.
func (ix *Index) Ping(ctx context.Context) error {
	if p, ok := ix.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
