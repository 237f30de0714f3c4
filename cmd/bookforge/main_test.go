package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestGenerateCommand_HTML(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "books")
	cfg := writeFile(t, dir, "config.yaml", "server:\n  logLevel: error\nstorage:\n  backend: memory\n  outputDir: \""+filepath.ToSlash(out)+"\"\n")
	req := writeFile(t, dir, "book.json", `{
  "project_id": "cli",
  "title": "Command Line Book",
  "author": "Ada",
  "format": "epub",
  "chapters": [{"title": "One", "content": "<p>Hello</p>"}]
}`)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"generate", req, "--config", cfg, "--format", "html"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		generateFormat, generateOutput, generateRoot, cfgFile = "", "", "", ""
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}

	path := strings.TrimSpace(stdout.String())
	if filepath.Dir(path) != filepath.Join(out, "cli") || !strings.HasPrefix(filepath.Base(path), "Command_Line_Book_") || filepath.Ext(path) != ".html" {
		t.Fatalf("output path = %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), "Hello") {
		t.Fatalf("output missing chapter content")
	}
}

func TestGenerateCommand_FileResourcesStayBesideRequest(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "books")
	cfg := writeFile(t, dir, "config.yaml", "server:\n  logLevel: error\nstorage:\n  backend: memory\n  outputDir: \""+filepath.ToSlash(out)+"\"\n")
	writeFile(t, dir, "chapter.txt", "beside the request")
	secret := writeFile(t, t.TempDir(), "secret.txt", "top secret")
	body, err := json.Marshal(map[string]any{
		"title":  "Files",
		"format": "html",
		"resources": []map[string]any{
			{"id": "1", "order": 1, "kind": "file", "source": "chapter.txt"},
			{"id": "2", "order": 2, "kind": "file", "source": secret},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	req := writeFile(t, dir, "book.json", string(body))

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"generate", req, "--config", cfg})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		generateFormat, generateOutput, generateRoot, cfgFile = "", "", "", ""
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	})
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("generate: %v", err)
	}
	data, err := os.ReadFile(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(data), "beside the request") {
		t.Fatalf("file next to the request was not extracted")
	}
	if strings.Contains(string(data), "top secret") {
		t.Fatalf("file outside the request directory was read")
	}
}

func TestReadRequest_Invalid(t *testing.T) {
	dir := t.TempDir()
	if _, err := readRequest(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := readRequest(writeFile(t, dir, "bad.json", "{")); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	if !newLogger("debug").Enabled(ctx, slog.LevelDebug) {
		t.Fatalf("debug level not enabled")
	}
	if newLogger("warn").Enabled(ctx, slog.LevelInfo) {
		t.Fatalf("info enabled at warn")
	}
	if !newLogger("").Enabled(ctx, slog.LevelInfo) || newLogger("").Enabled(ctx, slog.LevelDebug) {
		t.Fatalf("default should be info")
	}
}
