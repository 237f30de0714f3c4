package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/bookforge/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Executor ExecutorConfig `yaml:"executor"`
	Render   RenderConfig   `yaml:"render"`
	Callback CallbackConfig `yaml:"callback"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr           string        `yaml:"address"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxRequestSize ByteSize      `yaml:"maxRequestSize"`
	APIKey         string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace  time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	LogLevel       string        `yaml:"logLevel"`      // debug|info|warn|error
}

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// StorageConfig controls where jobs and generated files live.
type StorageConfig struct {
	OutputDir    string        `yaml:"outputDir"`
	UploadDir    string        `yaml:"uploadDir"`    // only root local files and images are read from; defaults to outputDir/uploads
	Backend      string        `yaml:"backend"`      // sqlite|redis|memory
	DatabasePath string        `yaml:"databasePath"` // optional, overrides outputDir/bookforge.db
	RedisURL     string        `yaml:"redisUrl"`
	JobTTL       time.Duration `yaml:"jobTTL"` // redis only; zero keeps finished jobs forever
}

// Executor types.
const (
	ExecutorLocal = "local"
	ExecutorAsynq = "asynq"
)

// ExecutorConfig selects how jobs are run.
type ExecutorConfig struct {
	Type          string        `yaml:"type"` // local|asynq
	WorkerCount   int           `yaml:"workerCount"`
	QueueCapacity int           `yaml:"queueCapacity"`
	AsynqQueue    string        `yaml:"asynqQueue"`
	TaskTimeout   time.Duration `yaml:"taskTimeout"` // optional per-task deadline
}

// RenderConfig groups renderer options.
type RenderConfig struct {
	DefaultSplitLevel string        `yaml:"defaultSplitLevel"`
	ChunkLength       int           `yaml:"chunkLength"` // 0 disables chunking of long chapters
	MOBI              MOBISettings  `yaml:"mobi"`
	PDF               PDFSettings   `yaml:"pdf"`
	Images            ImageSettings `yaml:"images"`
}

// MOBISettings configure the external converter.
type MOBISettings struct {
	ConverterPath string        `yaml:"converterPath"`
	Timeout       time.Duration `yaml:"timeout"`
}

// PDFSettings configure the headless browser used for printing.
type PDFSettings struct {
	BrowserBin string        `yaml:"browserBin"` // optional, rod downloads a browser when empty
	Timeout    time.Duration `yaml:"timeout"`
	NoSandbox  bool          `yaml:"noSandbox"`
}

// ImageSettings configure remote image fetching.
type ImageSettings struct {
	FetchTimeout time.Duration `yaml:"fetchTimeout"`
	Retries      uint          `yaml:"retries"`
}

// CallbackConfig configures completion callbacks.
type CallbackConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries uint          `yaml:"retries"` // number of callback attempts
	Backoff time.Duration `yaml:"backoff"` // base backoff duration
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(strings.TrimSpace(value.Value))
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)
	units := []struct {
		suffix string
		value  uint64
	}{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil || val < 0 {
				return 0, fmt.Errorf("invalid size number in %q", orig)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// envFiles are loaded before the config file is expanded. Existing
// environment variables win over values in these files.
var envFiles = []string{".env.local", ".env"}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var BOOKFORGE_CONFIG, then default to "config.yaml".
// A missing default config.yaml is not an error: defaults apply.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	explicit := true
	if path == "" {
		if env := os.Getenv("BOOKFORGE_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
			explicit = false
		}
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 - reading sanitized config file path is expected
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadEnvFiles() {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		// godotenv.Load never overrides variables that are already set.
		_ = godotenv.Load(f)
	}
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 2 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxRequestSize == 0 {
		cfg.Server.MaxRequestSize = ByteSize(10 * 1024 * 1024) // 10 MiB default
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Storage defaults
	if strings.TrimSpace(cfg.Storage.OutputDir) == "" {
		cfg.Storage.OutputDir = common.DefaultOutputDir
	}
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = filepath.Join(cfg.Storage.OutputDir, common.DatabaseFileName)
	}
	if strings.TrimSpace(cfg.Storage.UploadDir) == "" {
		cfg.Storage.UploadDir = filepath.Join(cfg.Storage.OutputDir, common.UploadDirName)
	}

	// Executor defaults
	cfg.Executor.Type = strings.ToLower(strings.TrimSpace(cfg.Executor.Type))
	if cfg.Executor.Type == "" {
		cfg.Executor.Type = ExecutorLocal
	}
	if cfg.Executor.QueueCapacity <= 0 {
		cfg.Executor.QueueCapacity = common.DefaultQueueCapacity
	}
	if cfg.Executor.AsynqQueue == "" {
		cfg.Executor.AsynqQueue = common.DefaultAsynqQueue
	}

	// Render defaults
	cfg.Render.DefaultSplitLevel = strings.ToLower(strings.TrimSpace(cfg.Render.DefaultSplitLevel))
	if cfg.Render.DefaultSplitLevel == "" {
		cfg.Render.DefaultSplitLevel = "h1"
	}
	if cfg.Render.MOBI.ConverterPath == "" {
		cfg.Render.MOBI.ConverterPath = common.EbookConvertExecutable
	}
	if cfg.Render.MOBI.Timeout == 0 {
		cfg.Render.MOBI.Timeout = 300 * time.Second
	}
	if cfg.Render.PDF.Timeout == 0 {
		cfg.Render.PDF.Timeout = 2 * time.Minute
	}
	if cfg.Render.Images.FetchTimeout == 0 {
		cfg.Render.Images.FetchTimeout = 15 * time.Second
	}
	if cfg.Render.Images.Retries == 0 {
		cfg.Render.Images.Retries = 3
	}

	// Callback defaults
	if cfg.Callback.Timeout == 0 {
		cfg.Callback.Timeout = 10 * time.Second
	}
	if cfg.Callback.Retries == 0 {
		cfg.Callback.Retries = 3
	}
	if cfg.Callback.Backoff == 0 {
		cfg.Callback.Backoff = 2 * time.Second
	}
}

func validate(cfg *Config) error {
	switch cfg.Storage.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(cfg.Storage.RedisURL) == "" {
			return errors.New("storage.redisUrl is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of sqlite, redis, memory", cfg.Storage.Backend)
	}

	switch cfg.Executor.Type {
	case ExecutorLocal:
	case ExecutorAsynq:
		if strings.TrimSpace(cfg.Storage.RedisURL) == "" {
			return errors.New("storage.redisUrl is required for the asynq executor")
		}
		if cfg.Storage.Backend == BackendMemory {
			return errors.New("the asynq executor needs a shared store: use storage.backend sqlite or redis")
		}
	default:
		return fmt.Errorf("executor.type %q is not one of local, asynq", cfg.Executor.Type)
	}
	if cfg.Executor.WorkerCount > common.MaxWorkerCount {
		return fmt.Errorf("executor.workerCount must be at most %d", common.MaxWorkerCount)
	}

	switch cfg.Render.DefaultSplitLevel {
	case "h1", "h2":
	default:
		return fmt.Errorf("render.defaultSplitLevel %q is not one of h1, h2", cfg.Render.DefaultSplitLevel)
	}
	if cfg.Render.ChunkLength < 0 {
		return errors.New("render.chunkLength must not be negative")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Server.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("server.logLevel %q is not one of debug, info, warn, error", cfg.Server.LogLevel)
	}
	return nil
}

// EnsureDirs creates the output and upload directories and, for sqlite, the
// database directory.
func (c *Config) EnsureDirs() error {
	if err := os.MkdirAll(c.Storage.OutputDir, 0o750); err != nil {
		return fmt.Errorf("ensure outputDir: %w", err)
	}
	if c.Storage.UploadDir != "" {
		if err := os.MkdirAll(c.Storage.UploadDir, 0o750); err != nil {
			return fmt.Errorf("ensure uploadDir: %w", err)
		}
	}
	if c.Storage.Backend == BackendSQLite {
		if err := os.MkdirAll(filepath.Dir(c.Storage.DatabasePath), 0o750); err != nil {
			return fmt.Errorf("ensure database dir: %w", err)
		}
	}
	return nil
}
