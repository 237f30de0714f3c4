package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jo-hoe/bookforge/internal/common"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3Gi", 3 * 1024 * 1024 * 1024},
		{"3GiB", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
		{"512B", 512},
		{"1.5Ki", 1536},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	for _, bad := range []string{"", "bad", "10XB", "-1Mi"} {
		if _, err := ParseByteSize(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	return p
}

func TestLoad_WithEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BOOKFORGE_TEST_API_KEY", "secret123")

	p := writeConfig(t, `
server:
  address: ":0"
  readTimeout: 1s
  writeTimeout: 2s
  idleTimeout: 3s
  maxRequestSize: 1Mi
  apiKey: "${BOOKFORGE_TEST_API_KEY}"
  shutdownGrace: 5s
  logLevel: debug

storage:
  outputDir: "`+escapeBackslashes(dir)+`"
  backend: memory

executor:
  type: local
  workerCount: 2
  queueCapacity: 7

render:
  defaultSplitLevel: H2
  chunkLength: 5000
  mobi:
    converterPath: /opt/calibre/ebook-convert
    timeout: 30s
  pdf:
    noSandbox: true

callback:
  retries: 5
  backoff: 1s
`)

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load config: %v", err)
	}
	if cfg.Server.Addr != ":0" {
		t.Fatalf("address = %q", cfg.Server.Addr)
	}
	if cfg.Server.ReadTimeout != 1*time.Second || cfg.Server.WriteTimeout != 2*time.Second || cfg.Server.IdleTimeout != 3*time.Second {
		t.Fatalf("timeouts not parsed correctly")
	}
	if uint64(cfg.Server.MaxRequestSize) != 1024*1024 {
		t.Fatalf("maxRequestSize not parsed: %d", cfg.Server.MaxRequestSize)
	}
	if cfg.Server.APIKey != "secret123" {
		t.Fatalf("env expansion for apiKey failed: %q", cfg.Server.APIKey)
	}
	if cfg.Storage.OutputDir != dir || cfg.Storage.Backend != BackendMemory {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Executor.WorkerCount != 2 || cfg.Executor.QueueCapacity != 7 {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	if cfg.Render.DefaultSplitLevel != "h2" || cfg.Render.ChunkLength != 5000 {
		t.Fatalf("render = %+v", cfg.Render)
	}
	if cfg.Render.MOBI.ConverterPath != "/opt/calibre/ebook-convert" || cfg.Render.MOBI.Timeout != 30*time.Second {
		t.Fatalf("mobi = %+v", cfg.Render.MOBI)
	}
	if !cfg.Render.PDF.NoSandbox {
		t.Fatalf("pdf.noSandbox not parsed")
	}
	if cfg.Callback.Retries != 5 || cfg.Callback.Backoff != time.Second {
		t.Fatalf("callback = %+v", cfg.Callback)
	}
}

func TestLoad_Defaults(t *testing.T) {
	p := writeConfig(t, "{}\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.LogLevel != "info" {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
	if cfg.Storage.OutputDir != common.DefaultOutputDir || cfg.Storage.Backend != BackendSQLite {
		t.Fatalf("storage defaults = %+v", cfg.Storage)
	}
	if !strings.HasSuffix(cfg.Storage.DatabasePath, common.DatabaseFileName) {
		t.Fatalf("databasePath should end with %s, got %s", common.DatabaseFileName, cfg.Storage.DatabasePath)
	}
	if cfg.Storage.UploadDir != filepath.Join(common.DefaultOutputDir, common.UploadDirName) {
		t.Fatalf("uploadDir default = %q", cfg.Storage.UploadDir)
	}
	if cfg.Executor.Type != ExecutorLocal || cfg.Executor.QueueCapacity != common.DefaultQueueCapacity || cfg.Executor.AsynqQueue != common.DefaultAsynqQueue {
		t.Fatalf("executor defaults = %+v", cfg.Executor)
	}
	if cfg.Render.DefaultSplitLevel != "h1" || cfg.Render.ChunkLength != 0 {
		t.Fatalf("render defaults = %+v", cfg.Render)
	}
	if cfg.Render.MOBI.ConverterPath != common.EbookConvertExecutable || cfg.Render.MOBI.Timeout != 300*time.Second {
		t.Fatalf("mobi defaults = %+v", cfg.Render.MOBI)
	}
}

func TestLoad_ConfigPathFromEnv(t *testing.T) {
	p := writeConfig(t, "server:\n  address: \":9999\"\n")
	t.Setenv("BOOKFORGE_CONFIG", p)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("address = %q", cfg.Server.Addr)
	}
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestLoad_Validation(t *testing.T) {
	cases := map[string]string{
		"unknown backend":       "storage:\n  backend: postgres\n",
		"redis without url":     "storage:\n  backend: redis\n",
		"asynq without url":     "executor:\n  type: asynq\n",
		"asynq on memory store": "storage:\n  backend: memory\n  redisUrl: redis://localhost:6379\nexecutor:\n  type: asynq\n",
		"unknown executor":      "executor:\n  type: k8s\n",
		"too many workers":      "executor:\n  workerCount: 64\n",
		"bad split level":       "render:\n  defaultSplitLevel: h3\n",
		"negative chunk":        "render:\n  chunkLength: -1\n",
		"bad log level":         "server:\n  logLevel: loud\n",
		"bad byte size":         "server:\n  maxRequestSize: lots\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := &Config{Storage: StorageConfig{
		OutputDir:    filepath.Join(root, "out"),
		Backend:      BackendSQLite,
		UploadDir:    filepath.Join(root, "up"),
		DatabasePath: filepath.Join(root, "db", "jobs.db"),
	}}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{"out", "up", "db"} {
		if fi, err := os.Stat(filepath.Join(root, d)); err != nil || !fi.IsDir() {
			t.Fatalf("%s not created: %v", d, err)
		}
	}
}

func escapeBackslashes(p string) string {
	// On Windows, YAML literal may require escaping backslashes
	return strings.ReplaceAll(p, `\`, `\\`)
}
