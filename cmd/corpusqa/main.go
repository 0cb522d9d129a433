// Command corpusqa is the entry point for the corpus question-answering
// service. It provides a CLI (via Cobra) for building the index, asking
// one-off questions and serving the HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/54b3r/corpusqa/cmd/corpusqa/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
