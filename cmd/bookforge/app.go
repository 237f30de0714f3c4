package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/config"
	"github.com/jo-hoe/bookforge/internal/executor"
	"github.com/jo-hoe/bookforge/internal/extract"
	"github.com/jo-hoe/bookforge/internal/jobs"
	"github.com/jo-hoe/bookforge/internal/normalize"
	"github.com/jo-hoe/bookforge/internal/processor"
	"github.com/jo-hoe/bookforge/internal/render"
	"github.com/jo-hoe/bookforge/internal/render/epub"
	"github.com/jo-hoe/bookforge/internal/render/htmldoc"
	"github.com/jo-hoe/bookforge/internal/render/mobi"
	"github.com/jo-hoe/bookforge/internal/render/pdf"
	"github.com/jo-hoe/bookforge/internal/segment"
)

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   jobs.Store
	ctrl    *processor.Controller
	printer *pdf.RodPrinter
	images  *render.ImageLoader
}

// newApp loads configuration and wires the pipeline. A nil store opens the
// configured backend.
func newApp(ctx context.Context, store jobs.Store) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// Error ignored: maxprocs.Set only fails on an invalid GOMAXPROCS env value,
	// in which case the runtime default stays in place.
	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))

	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	if store == nil {
		store, err = openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	norm := normalize.New()
	seg := segment.New(norm)
	seg.ChunkLength = cfg.Render.ChunkLength

	images := render.NewImageLoader(cfg.Storage.UploadDir, cfg.Render.Images.FetchTimeout, cfg.Render.Images.Retries)
	printer := pdf.NewRodPrinter(pdf.BrowserConfig{
		Bin:       cfg.Render.PDF.BrowserBin,
		NoSandbox: cfg.Render.PDF.NoSandbox,
		Timeout:   cfg.Render.PDF.Timeout,
	})
	epubRenderer := epub.New(logger, images)
	registry := render.NewRegistry(
		htmldoc.New(logger, images),
		epubRenderer,
		pdf.New(logger, images, printer, cfg.Render.PDF.Timeout),
		mobi.New(logger, epubRenderer, cfg.Render.MOBI.ConverterPath, cfg.Render.MOBI.Timeout),
	)

	ctrl := processor.New(
		logger,
		store,
		seg,
		registry,
		extract.New(logger, norm, cfg.Storage.UploadDir),
		processor.NewNotifier(cfg.Callback.Timeout, cfg.Callback.Retries, cfg.Callback.Backoff),
	)
	return &app{cfg: cfg, log: logger, store: store, ctrl: ctrl, printer: printer, images: images}, nil
}

// setFileRoot points file resources and local images at dir instead of the
// configured upload directory.
func (a *app) setFileRoot(dir string) {
	a.images.Root = dir
	a.ctrl.Extractor.Root = dir
}

func (a *app) Close() {
	if err := a.printer.Close(); err != nil {
		a.log.Warn("close browser", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "err", err)
	}
}

func (a *app) executorOptions() executor.Options {
	return executor.Options{
		OutputDir:         a.cfg.Storage.OutputDir,
		DefaultSplitLevel: book.ParseSplitLevel(a.cfg.Render.DefaultSplitLevel),
	}
}

func openStore(ctx context.Context, cfg *config.Config) (jobs.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return jobs.NewMemoryStore(), nil
	case config.BackendRedis:
		s, err := jobs.OpenRedisStore(ctx, cfg.Storage.RedisURL, cfg.Storage.JobTTL)
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return s, nil
	default:
		s, err := jobs.NewSQLiteStore(cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		return s, nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
