package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/corpusqa/internal/config"
	"github.com/54b3r/corpusqa/internal/logging"
	"github.com/54b3r/corpusqa/internal/rag"
)

// NewIngestCmd constructs the `corpusqa ingest` command, which fetches the
// corpus and builds the vector index without starting the server.
func NewIngestCmd() *cobra.Command {
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Fetch the corpus and build the vector index",
		Long: `Fetch the corpus (if missing), chunk and embed it, and persist the vector
index so later 'serve' and 'ask' runs start without re-embedding.

An existing non-empty index for CORPUS_IDENTITY is reused unless --rebuild
is given.

Relevant environment variables:
  CORPUS_DIR, CORPUS_URL, CORPUS_FILE   corpus location and remote source
  CHUNK_SIZE, CHUNK_OVERLAP             chunking (default 2048 / 256 runes)
  VECTOR_STORE                          sqlite (default), qdrant, chromem
  INDEX_PATH                            sqlite file or chromem directory
  QDRANT_HOST, QDRANT_PORT              Qdrant connection (gRPC)
  EMBEDDING_PROVIDER, EMBEDDING_MODEL   embedding backend

Examples:
  corpusqa ingest
  corpusqa ingest --rebuild
  VECTOR_STORE=qdrant corpusqa ingest`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)
			s := config.FromEnv()

			emb, err := newEmbedder(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			pipeline, err := newPipeline(s, emb, rag.Options{ForceRebuild: rebuild, StrictOpen: s.StrictOpen})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}

			ix, err := pipeline.Run(ctx)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer ix.Close()

			log.Info("ingestion complete",
				slog.String("identity", s.Identity),
				slog.Int("records", ix.Count()),
				slog.Bool("reused", ix.Reused()),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "index %q ready: %d records (reused: %t)\n", s.Identity, ix.Count(), ix.Reused())
			return nil
		},
	}

	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Drop any existing index and rebuild from the corpus")

	return cmd
}
