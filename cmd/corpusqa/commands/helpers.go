package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"

	"github.com/54b3r/corpusqa/internal/config"
	"github.com/54b3r/corpusqa/internal/corpus"
	"github.com/54b3r/corpusqa/internal/embedder"
	"github.com/54b3r/corpusqa/internal/engine"
	"github.com/54b3r/corpusqa/internal/ingestion"
	"github.com/54b3r/corpusqa/internal/rag"
	"github.com/54b3r/corpusqa/internal/scope"
)

// newEmbedder validates the embedding configuration and constructs the
// embedder selected by EMBEDDING_PROVIDER / MODEL_PROVIDER.
func newEmbedder(ctx context.Context, log *slog.Logger) (*embedder.Float32, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised",
		slog.String("backend", embedder.Backend()),
		slog.Int("dimensions", embedder.DefaultDimensions(embedder.Backend())),
	)
	return emb, nil
}

// newPipeline wires the ingestion pipeline from settings.
func newPipeline(s *config.Settings, emb rag.Embedder, opts rag.Options) (*ingestion.Pipeline, error) {
	var remote []corpus.RemoteFile
	if s.CorpusURL != "" {
		remote = []corpus.RemoteFile{{Name: s.CorpusFile, URL: s.CorpusURL}}
	}

	return ingestion.NewPipeline(emb, &ingestion.Config{
		CorpusDir:    s.CorpusDir,
		Remote:       remote,
		ChunkSize:    s.ChunkSize,
		ChunkOverlap: s.ChunkOverlap,
		Store: rag.StoreConfig{
			Backend: s.Backend,
			Path:    s.IndexPath,
			Qdrant: rag.QdrantConfig{
				Host:   s.QdrantHost,
				Port:   s.QdrantPort,
				APIKey: s.QdrantAPIKey,
				UseTLS: s.QdrantTLS,
			},
		},
		Schema: rag.Schema{
			Identity:  s.Identity,
			Dimension: embedder.DefaultDimensions(embedder.Backend()),
		},
		Options: opts,
	})
}

// newEngine builds the question-answering engine over a ready index.
func newEngine(chatModel model.BaseChatModel, ix *rag.Index, emb rag.Embedder, s *config.Settings) (*engine.Engine, error) {
	retriever, err := rag.NewRetriever(emb, ix, s.TopK, rag.WithMinScore(s.MinScore))
	if err != nil {
		return nil, err
	}
	return engine.New(&engine.Config{
		ChatModel:        chatModel,
		Retriever:        retriever,
		Filter:           scope.New(scope.DefaultRules(), scope.WithKeywords(s.ScopeKeywords)),
		TopK:             s.TopK,
		MaxContextTokens: s.MaxContextTokens,
	})
}
