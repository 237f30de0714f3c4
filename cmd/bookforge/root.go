package main

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "bookforge",
	Short: "Assemble EPUB, PDF, HTML and MOBI books from chapters and source documents",
	Long: `bookforge turns chapters, markdown, HTML and text files into finished books.

Generation requests are queued and rendered in the background; their status and
output files are exposed over a small HTTP API.

Commands:
  serve     run the HTTP API and, for the local executor, the worker pool
  worker    consume render tasks from Redis (asynq executor)
  generate  render one request file synchronously`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: $BOOKFORGE_CONFIG or ./config.yaml)",
	)
}
