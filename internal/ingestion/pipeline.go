// Package ingestion implements the corpus ingestion pipeline.
// It makes sure the corpus files exist locally, loads and chunks them, and
// builds (or reuses) the vector index for the corpus identity.
// The pipeline backs the serve, ingest and ask commands.
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/54b3r/corpusqa/internal/corpus"
	"github.com/54b3r/corpusqa/internal/logging"
	"github.com/54b3r/corpusqa/internal/rag"
)

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// CorpusDir is the local directory holding the corpus files.
	CorpusDir string

	// Remote lists files fetched into CorpusDir when missing.
	Remote []corpus.RemoteFile

	// ChunkSize is the maximum chunk length in runes.
	// Defaults to 2048 if zero.
	ChunkSize int

	// ChunkOverlap is the number of runes shared by consecutive chunks.
	ChunkOverlap int

	// FetchTimeout bounds each corpus download. Defaults to 30s if zero.
	FetchTimeout time.Duration

	// Store selects the vector store backend.
	Store rag.StoreConfig

	// Schema is the index layout (identity and embedding width).
	Schema rag.Schema

	// Options controls reuse and rebuild behaviour.
	Options rag.Options
}

// Pipeline orchestrates the fetch → load → chunk → embed → index flow for
// one corpus identity.
type Pipeline struct {
	// embedder converts chunk text into vectors.
	embedder rag.Embedder

	// cfg holds the resolved pipeline configuration.
	cfg *Config

	// fetcher downloads missing corpus files.
	fetcher *corpus.Fetcher

	// chunker splits documents into overlapping chunks.
	chunker *corpus.Chunker

	// openStore constructs the vector store. rag.Open outside tests.
	openStore func(rag.StoreConfig, rag.Schema) (rag.VectorStore, error)
}

// NewPipeline constructs a Pipeline from the provided embedder and config.
func NewPipeline(embedder rag.Embedder, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("ingestion: config must not be nil")
	}
	if cfg.CorpusDir == "" {
		return nil, fmt.Errorf("ingestion: corpus directory must be set")
	}
	if cfg.Schema.Identity == "" {
		return nil, fmt.Errorf("ingestion: corpus identity must be set")
	}
	if cfg.Schema.Dimension <= 0 {
		return nil, fmt.Errorf("ingestion: embedding dimension must be positive, got %d", cfg.Schema.Dimension)
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 2048
	}

	chunker, err := corpus.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	return &Pipeline{
		embedder:  embedder,
		cfg:       cfg,
		fetcher:   corpus.NewFetcher(cfg.FetchTimeout),
		chunker:   chunker,
		openStore: rag.Open,
	}, nil
}

// Run fetches missing corpus files, loads and chunks the corpus and returns
// the index for the configured identity. An existing non-empty snapshot is
// reused unless Options.ForceRebuild is set. The caller owns the returned
// index and must Close it.
func (p *Pipeline) Run(ctx context.Context) (*rag.Index, error) {
	log := logging.FromContext(ctx)

	dir, err := p.fetcher.Ensure(ctx, p.cfg.CorpusDir, p.cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	docs, err := corpus.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	chunks := p.chunker.Chunk(docs)
	log.Info("ingestion: corpus chunked",
		slog.Int("documents", len(docs)),
		slog.Int("chunks", len(chunks)),
		slog.Int("chunk_size", p.chunker.Size()),
		slog.Int("chunk_overlap", p.chunker.Overlap()),
	)

	store, err := p.openStore(p.cfg.Store, p.cfg.Schema)
	if err != nil {
		return nil, fmt.Errorf("ingestion: open %s store: %w", p.cfg.Store.Backend, err)
	}

	ix, err := rag.BuildOrLoad(ctx, store, p.cfg.Schema, chunks, p.embedder, p.cfg.Options)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	log.Info("ingestion: index ready",
		slog.String("backend", p.cfg.Store.Backend),
		slog.Int("records", ix.Count()),
		slog.Bool("reused", ix.Reused()),
	)
	return ix, nil
}
