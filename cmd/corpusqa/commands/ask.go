package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/corpusqa/internal/config"
	"github.com/54b3r/corpusqa/internal/logging"
	"github.com/54b3r/corpusqa/internal/provider"
	"github.com/54b3r/corpusqa/internal/rag"
	"github.com/54b3r/corpusqa/internal/tracing"
)

// NewAskCmd constructs the `corpusqa ask` command, which answers a single
// question from the command line and prints the answer to stdout.
func NewAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question about the corpus",
		Long: `Answer one question about the corpus and print the answer.

The index is loaded (or built on first use) exactly as 'serve' does, so the
answer matches what POST /api/query would return. Questions outside the
corpus get the same out-of-scope reply.

Examples:
  corpusqa ask "What did the author work on before college?"
  corpusqa ask "How did Y Combinator start?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			flush := tracing.Install(log)
			defer flush()

			s := config.FromEnv()

			chatModel, _, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			emb, err := newEmbedder(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			pipeline, err := newPipeline(s, emb, rag.Options{StrictOpen: s.StrictOpen})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			ix, err := pipeline.Run(ctx)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer ix.Close()

			eng, err := newEngine(chatModel, ix, emb, s)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			answer, err := eng.Answer(ctx, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}

	return cmd
}
