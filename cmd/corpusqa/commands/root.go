// Package commands defines all Cobra CLI commands for the corpusqa binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/corpusqa/internal/audit"
	"github.com/54b3r/corpusqa/internal/config"
	"github.com/54b3r/corpusqa/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "corpusqa",
		Short: "Answer questions about a document corpus with retrieval-augmented generation",
		Long: `corpusqa answers questions about a fixed document corpus (by default the
Paul Graham essay collection). It chunks and embeds the corpus into a vector
index, retrieves the most relevant passages for each question and asks an LLM
to answer from that context only. Answers the context cannot support are
replaced with a polite out-of-scope reply.

Model provider is selected via the MODEL_PROVIDER environment variable,
a .env file, or a YAML config file (~/.corpusqa/config.yaml).
See 'corpusqa --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// .env first, then YAML; neither overrides variables already set.
			if err := config.LoadDotEnv(log); err != nil {
				return err
			}
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}

			audit.LogCommandStart(cmd.Context(), log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.corpusqa/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewServeCmd(),
		NewIngestCmd(),
		NewVersionCmd(),
	)

	return root
}
