// Package extract turns uploaded source files into HTML the segmenter can split.
package extract

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-shiori/go-readability"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/normalize"
	"github.com/jo-hoe/bookforge/internal/storage"
)

// DefaultMaxBytes bounds the size of a single source file.
const DefaultMaxBytes = 32 << 20

type Kind int

const (
	KindFailed Kind = iota
	KindExtracted
)

func (k Kind) String() string {
	if k == KindExtracted {
		return "extracted"
	}
	return "failed"
}

// Result says whether a resource yielded text. A failed result is not an error:
// the resource is used as opaque source instead.
type Result struct {
	Kind   Kind
	Text   string
	Reason string
}

func Extracted(text string) Result { return Result{Kind: KindExtracted, Text: text} }

func Failed(format string, args ...any) Result {
	return Result{Kind: KindFailed, Reason: fmt.Sprintf(format, args...)}
}

func (r Result) OK() bool { return r.Kind == KindExtracted }

type Extractor struct {
	Log  *slog.Logger
	Norm *normalize.Normalizer
	// Root is the only directory file resources are read from. Empty disables
	// file extraction.
	Root     string
	MaxBytes int64
}

func New(log *slog.Logger, norm *normalize.Normalizer, root string) *Extractor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if norm == nil {
		norm = normalize.New()
	}
	return &Extractor{Log: log, Norm: norm, Root: root, MaxBytes: DefaultMaxBytes}
}

// Extract reads a FILE resource and converts it to HTML by detected type:
// HTML goes through readability, markdown through goldmark, plain text is
// escaped and wrapped in paragraphs. Other kinds carry no file to read.
func (e *Extractor) Extract(ctx context.Context, r book.Resource) Result {
	if r.Kind != book.KindFile {
		return Failed("no extractor for %s resources", r.Kind)
	}
	if err := ctx.Err(); err != nil {
		return Failed("%v", err)
	}
	path, err := e.resolve(r.Source)
	if err != nil {
		return Failed("%v", err)
	}
	data, err := e.read(path)
	if err != nil {
		return Failed("%v", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return Failed("file %s is empty", filepath.Base(path))
	}

	mt := mimetype.Detect(data)
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case mt.Is("text/html") || ext == ".html" || ext == ".htm":
		return e.fromHTML(string(data), path)
	case ext == ".md" || ext == ".markdown":
		return Extracted(e.Norm.MarkdownToHTML(string(data)))
	case strings.HasPrefix(mt.String(), "text/plain"):
		return Extracted(e.Norm.Enhance(html.EscapeString(string(data))))
	default:
		return Failed("unsupported file type %s (%s)", ext, mt.String())
	}
}

// Apply runs Extract over every resource without content and returns a copy in
// which successful extractions fill Content. Failures are logged and left as-is.
func (e *Extractor) Apply(ctx context.Context, resources []book.Resource) []book.Resource {
	out := make([]book.Resource, len(resources))
	copy(out, resources)
	for i, r := range out {
		if r.HasContent() || r.Kind != book.KindFile {
			continue
		}
		res := e.Extract(ctx, r)
		if !res.OK() {
			e.Log.Warn("extraction failed, using source verbatim", "resource_id", r.ID, "reason", res.Reason)
			continue
		}
		text := res.Text
		out[i].Content = &text
	}
	return out
}

func (e *Extractor) fromHTML(raw, path string) Result {
	base, _ := url.Parse("file://" + filepath.ToSlash(path))
	article, err := readability.FromReader(strings.NewReader(raw), base)
	if err == nil && strings.TrimSpace(article.Content) != "" {
		return Extracted(article.Content)
	}
	if err != nil {
		e.Log.Debug("readability failed, keeping sanitized document", "path", path, "error", err)
	}
	cleaned := e.Norm.Sanitize(raw)
	if strings.TrimSpace(cleaned) == "" {
		return Failed("html file %s has no readable content", filepath.Base(path))
	}
	return Extracted(cleaned)
}

func (e *Extractor) resolve(source string) (string, error) {
	if strings.TrimSpace(source) == "" {
		return "", fmt.Errorf("file resource has no path")
	}
	return storage.Confine(e.Root, source)
}

func (e *Extractor) read(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = f.Close() }()
	limit := e.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("source file exceeds %d bytes", limit)
	}
	return data, nil
}
