// Package mobi produces Kindle files by converting a rendered EPUB with Calibre's
// ebook-convert.
package mobi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/common"
	"github.com/jo-hoe/bookforge/internal/render"
	"github.com/jo-hoe/bookforge/internal/storage"
)

const (
	DefaultTimeout = 300 * time.Second
	stderrTail     = 2048
)

type Renderer struct {
	Log *slog.Logger
	// EPUB produces the intermediate package handed to the converter.
	EPUB          render.Renderer
	ConverterPath string
	Timeout       time.Duration
}

var _ render.Renderer = (*Renderer)(nil)

func New(log *slog.Logger, epub render.Renderer, converterPath string, timeout time.Duration) *Renderer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if converterPath == "" {
		converterPath = common.EbookConvertExecutable
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Renderer{Log: log, EPUB: epub, ConverterPath: converterPath, Timeout: timeout}
}

func (r *Renderer) Format() book.Format { return book.FormatMOBI }

func (r *Renderer) Render(ctx context.Context, doc render.Document, outputPath string) (string, error) {
	if err := render.Validate(book.FormatMOBI, doc); err != nil {
		return "", err
	}
	bin, err := exec.LookPath(r.ConverterPath)
	if err != nil {
		return "", book.NewRenderError(book.FormatMOBI, doc.Title,
			fmt.Errorf("%w: %s not found: %v", book.ErrConverterUnavailable, r.ConverterPath, err))
	}

	scratch, err := os.MkdirTemp("", "bookforge-mobi-*")
	if err != nil {
		return "", book.NewRenderError(book.FormatMOBI, doc.Title, fmt.Errorf("create scratch dir: %w", err))
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	epubPath, err := r.EPUB.Render(ctx, doc, filepath.Join(scratch, "book.epub"))
	if err != nil {
		return "", book.NewRenderError(book.FormatMOBI, doc.Title, fmt.Errorf("intermediate epub: %w", err))
	}

	err = storage.WriteAtomic(outputPath, func(tmp string) error {
		return r.convert(ctx, bin, epubPath, tmp)
	})
	if err != nil {
		return "", book.NewRenderError(book.FormatMOBI, doc.Title, err)
	}
	r.Log.Info("mobi generated", "path", outputPath, "converter", bin)
	return outputPath, nil
}

// convert runs the converter once. The target keeps its .mobi extension because
// ebook-convert picks the output format from it.
func (r *Renderer) convert(ctx context.Context, bin, epubPath, target string) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, epubPath, target)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %v", book.ErrConversionTimeout, r.Timeout)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", book.ErrCancelled, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: exit code %d: %s", book.ErrConversionFailed, exitErr.ExitCode(), tail(stderr.String()))
	}
	return fmt.Errorf("%w: %v", book.ErrConversionFailed, err)
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTail {
		s = "..." + s[len(s)-stderrTail:]
	}
	return s
}
