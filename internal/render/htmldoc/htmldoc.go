// Package htmldoc renders a book as one self-contained HTML document.
package htmldoc

import (
	"bytes"
	"context"
	_ "embed"
	"html/template"
	"io"
	"log/slog"
	"strings"

	"github.com/vincent-petithory/dataurl"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/render"
	"github.com/jo-hoe/bookforge/internal/segment"
	"github.com/jo-hoe/bookforge/internal/storage"
)

//go:embed templates/book.html.tmpl
var bookTemplate string

//go:embed templates/screen.css
var screenCSS string

var tmpl = template.Must(template.New("book").Parse(bookTemplate))

// Options tune the assembled document.
type Options struct {
	CSS string // stylesheet, screen style when empty
	TOC bool   // include the table of contents block
}

// Renderer writes HTML books. Images are inlined as data URIs so the file is portable.
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

func (r *Renderer) Format() book.Format { return book.FormatHTML }

func (r *Renderer) Render(ctx context.Context, doc render.Document, outputPath string) (string, error) {
	if err := render.Validate(book.FormatHTML, doc); err != nil {
		return "", err
	}
	out, err := r.Assemble(ctx, doc, Options{TOC: true})
	if err != nil {
		return "", book.NewRenderError(book.FormatHTML, doc.Title, err)
	}
	if err := storage.WriteFileAtomic(outputPath, out); err != nil {
		return "", book.NewRenderError(book.FormatHTML, doc.Title, err)
	}
	r.Log.Info("html generated", "path", outputPath, "chapters", len(doc.Chapters))
	return outputPath, nil
}

type chapterView struct {
	Anchor  string
	Title   string
	Content template.HTML
	First   bool
}

type pageView struct {
	Lang        string
	Title       string
	Author      string
	Description string
	CSS         template.CSS
	Cover       template.URL
	TOC         template.HTML
	Chapters    []chapterView
}

// Assemble builds the complete document. Chapter bodies are trusted as already
// sanitized; images that cannot be loaded are dropped with a warning.
func (r *Renderer) Assemble(ctx context.Context, doc render.Document, opts Options) ([]byte, error) {
	css := opts.CSS
	if css == "" {
		css = screenCSS
	}
	view := pageView{
		Lang:        doc.Meta("language", "en"),
		Title:       doc.Title,
		Author:      doc.Author,
		Description: doc.Description,
		CSS:         template.CSS(css), // #nosec G203 - stylesheet is a build-time constant
	}
	if doc.Cover != nil && *doc.Cover != "" {
		if uri, ok := r.inline(ctx, *doc.Cover); ok {
			view.Cover = template.URL(uri) // #nosec G203 - data URI built from a verified image
		}
	}
	if opts.TOC {
		view.TOC = template.HTML(segment.BuildTOC(doc.Chapters)) // #nosec G203 - titles escaped by BuildTOC
	}
	for i, ch := range doc.Chapters {
		content := render.RewriteImages(ch.Content, func(src string) (string, bool) {
			return r.inline(ctx, src)
		})
		view.Chapters = append(view.Chapters, chapterView{
			Anchor:  book.Anchor(i),
			Title:   ch.Title,
			Content: template.HTML(content), // #nosec G203 - chapter bodies are sanitized upstream
			First:   i == 0,
		})
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inline turns an image reference into a data URI.
func (r *Renderer) inline(ctx context.Context, src string) (string, bool) {
	if strings.HasPrefix(src, "data:") {
		return src, true
	}
	if r.Images == nil {
		r.Log.Warn("skipping image, no loader configured", "src", src)
		return "", false
	}
	img, err := r.Images.Load(ctx, src)
	if err != nil {
		r.Log.Warn("skipping image", "src", src, "err", err)
		return "", false
	}
	mediaType := strings.TrimSpace(strings.SplitN(img.MIME, ";", 2)[0])
	return dataurl.New(img.Data, mediaType).String(), true
}
