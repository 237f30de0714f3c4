package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/executor"
	"github.com/jo-hoe/bookforge/internal/jobs"
)

var (
	generateFormat string
	generateOutput string
	generateRoot   string
)

var generateCmd = &cobra.Command{
	Use:   "generate <request.json>",
	Short: "Render one generation request and print the output path",
	Long: `Render a single generation request synchronously, without the API or a
persistent job store. The request file uses the same JSON shape as
POST /v1/generations; output_path is honored here. Local files and images
referenced by the request are read from the request file's directory, or from
--root when given.

Examples:
  bookforge generate book.json
  bookforge generate book.json --format pdf -o ./out/book.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req, err := readRequest(args[0])
		if err != nil {
			return err
		}
		if generateFormat != "" {
			req.Format = book.Format(generateFormat)
		}
		if generateOutput != "" {
			req.OutputPath = generateOutput
		}

		a, err := newApp(ctx, jobs.NewMemoryStore())
		if err != nil {
			return err
		}
		defer a.Close()
		root := generateRoot
		if root == "" {
			root = filepath.Dir(args[0])
		}
		a.setFileRoot(root)

		ex := executor.NewInline(a.log, a.store, a.ctrl, a.executorOptions())
		id, err := ex.Submit(ctx, req)
		if err != nil {
			return err
		}
		job, err := ex.Status(ctx, id)
		if err != nil {
			return err
		}
		if job.State != jobs.StateSucceeded {
			return fmt.Errorf("generation failed: %s: %s", deref(job.ErrorCode), deref(job.ErrorMessage))
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), *job.ResultPath)
		return err
	},
}

func readRequest(path string) (book.GenerationRequest, error) {
	var req book.GenerationRequest
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - user supplied request file
	if err != nil {
		return req, fmt.Errorf("read request: %w", err)
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse request: %w", err)
	}
	return req, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func init() {
	generateCmd.Flags().StringVar(&generateFormat, "format", "", "override the request format (epub, pdf, html, mobi)")
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "write the book to this path instead of the output directory")
	generateCmd.Flags().StringVar(&generateRoot, "root", "", "directory local files and images are read from (default: the request file's directory)")
	rootCmd.AddCommand(generateCmd)
}
