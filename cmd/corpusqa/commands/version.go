package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/corpusqa/internal/version"
)

// NewVersionCmd constructs the `corpusqa version` subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the corpusqa version, git commit, and build date",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "corpusqa %s (commit: %s, built: %s)\n",
				version.Version, version.Commit, version.BuildDate)
		},
	}
}
