// Package epub renders books as EPUB packages with go-epub.
package epub

import (
	"context"
	_ "embed"
	"fmt"
	"html"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	goepub "github.com/go-shiori/go-epub"
	"github.com/google/uuid"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/render"
	"github.com/jo-hoe/bookforge/internal/storage"
)

//go:embed book.css
var bookCSS []byte

// Renderer builds one EPUB section per chapter plus navigation, cover and metadata.
type Renderer struct {
	Log    *slog.Logger
	Images *render.ImageLoader
}

var _ render.Renderer = (*Renderer)(nil)

func New(log *slog.Logger, images *render.ImageLoader) *Renderer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Renderer{Log: log, Images: images}
}

func (r *Renderer) Format() book.Format { return book.FormatEPUB }

func (r *Renderer) Render(ctx context.Context, doc render.Document, outputPath string) (string, error) {
	if err := render.Validate(book.FormatEPUB, doc); err != nil {
		return "", err
	}
	err := storage.WriteAtomic(outputPath, func(tmp string) error {
		return r.build(ctx, doc, tmp)
	})
	if err != nil {
		return "", book.NewRenderError(book.FormatEPUB, doc.Title, err)
	}
	r.Log.Info("epub generated", "path", outputPath, "chapters", len(doc.Chapters))
	return outputPath, nil
}

// build writes the finished package to dest.
func (r *Renderer) build(ctx context.Context, doc render.Document, dest string) error {
	scratch, err := os.MkdirTemp("", "bookforge-epub-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	e, err := goepub.NewEpub(doc.Title)
	if err != nil {
		return fmt.Errorf("create epub: %w", err)
	}
	if doc.Author != "" {
		e.SetAuthor(doc.Author)
	}
	e.SetLang(doc.Meta("language", "en"))
	e.SetIdentifier(packageIdentifier())
	if doc.Description != "" {
		e.SetDescription(doc.Description)
	}

	cssFile := filepath.Join(scratch, "book.css")
	if err := os.WriteFile(cssFile, bookCSS, 0o600); err != nil {
		return fmt.Errorf("write stylesheet: %w", err)
	}
	cssPath, err := e.AddCSS(cssFile, "book.css")
	if err != nil {
		return fmt.Errorf("add stylesheet: %w", err)
	}

	media := &mediaAdder{ctx: ctx, log: r.Log, loader: r.Images, epub: e, dir: scratch}
	if doc.Cover != nil && *doc.Cover != "" {
		if coverPath, ok := media.add(*doc.Cover, "cover"); ok {
			e.SetCover(coverPath, "")
		}
	}

	for i, ch := range doc.Chapters {
		if err := ctx.Err(); err != nil {
			return err
		}
		content := render.RewriteImages(ch.Content, func(src string) (string, bool) {
			return media.add(src, fmt.Sprintf("image-%03d", media.count+1))
		})
		body := fmt.Sprintf("<h1>%s</h1>\n<div>%s</div>", html.EscapeString(ch.Title), toXHTML(content))
		if _, err := e.AddSection(body, ch.Title, fmt.Sprintf("chapter_%d.xhtml", i+1), cssPath); err != nil {
			return fmt.Errorf("add chapter %d %q: %w", i+1, ch.Title, err)
		}
	}

	raw := filepath.Join(scratch, "book.epub")
	if err := e.Write(raw); err != nil {
		return fmt.Errorf("write epub: %w", err)
	}

	extra := map[string]string{}
	if v := doc.Meta("publisher", ""); v != "" {
		extra["publisher"] = v
	}
	if v := doc.Meta("date", ""); v != "" {
		extra["date"] = v
	}
	return patchMetadata(raw, dest, extra)
}

// packageIdentifier derives the package id from a time-based UUID.
func packageIdentifier() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return "urn:uuid:" + uuid.NewString()
	}
	return "urn:uuid:" + id.String()
}

// mediaAdder loads images through the shared loader, stages them in dir and adds
// them to the package. Failures are logged and the image is left out.
type mediaAdder struct {
	ctx    context.Context
	log    *slog.Logger
	loader *render.ImageLoader
	epub   *goepub.Epub
	dir    string
	count  int
	seen   map[string]string
}

func (m *mediaAdder) add(src, name string) (string, bool) {
	if p, ok := m.seen[src]; ok {
		return p, true
	}
	if m.loader == nil {
		m.log.Warn("skipping image, no loader configured", "src", src)
		return "", false
	}
	img, err := m.loader.Load(m.ctx, src)
	if err != nil {
		m.log.Warn("skipping image", "src", src, "err", err)
		return "", false
	}
	file := filepath.Join(m.dir, name+img.Ext)
	if err := os.WriteFile(file, img.Data, 0o600); err != nil {
		m.log.Warn("skipping image", "src", src, "err", err)
		return "", false
	}
	internal, err := m.epub.AddImage(file, name+img.Ext)
	if err != nil {
		m.log.Warn("skipping image", "src", src, "err", err)
		return "", false
	}
	if m.seen == nil {
		m.seen = make(map[string]string)
	}
	m.seen[src] = internal
	if !strings.HasPrefix(name, "cover") {
		m.count++
	}
	return internal, true
}
