// Package pdf renders books as paginated A4 PDF documents via headless Chrome.
package pdf

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/render"
	"github.com/jo-hoe/bookforge/internal/render/htmldoc"
	"github.com/jo-hoe/bookforge/internal/storage"
)

//go:embed print.css
var printCSS string

// Renderer lays a book out as print HTML and hands it to a Printer. The stylesheet
// is fixed: A4, 2cm margins, justified text, cover and chapters on fresh pages.
type Renderer struct {
	Log     *slog.Logger
	HTML    *htmldoc.Renderer
	Printer Printer
	Timeout time.Duration
}

var _ render.Renderer = (*Renderer)(nil)

func New(log *slog.Logger, images *render.ImageLoader, printer Printer, timeout time.Duration) *Renderer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Renderer{
		Log:     log,
		HTML:    htmldoc.New(log, images),
		Printer: printer,
		Timeout: timeout,
	}
}

func (r *Renderer) Format() book.Format { return book.FormatPDF }

func (r *Renderer) Render(ctx context.Context, doc render.Document, outputPath string) (string, error) {
	if err := render.Validate(book.FormatPDF, doc); err != nil {
		return "", err
	}
	data, err := r.print(ctx, doc)
	if err != nil {
		return "", book.NewRenderError(book.FormatPDF, doc.Title, err)
	}
	pages, err := pageCount(data)
	if err != nil {
		return "", book.NewRenderError(book.FormatPDF, doc.Title, fmt.Errorf("printer produced an invalid PDF: %w", err))
	}
	if err := storage.WriteFileAtomic(outputPath, data); err != nil {
		return "", book.NewRenderError(book.FormatPDF, doc.Title, err)
	}
	r.Log.Info("pdf generated", "path", outputPath, "chapters", len(doc.Chapters), "pages", pages)
	return outputPath, nil
}

func (r *Renderer) print(ctx context.Context, doc render.Document) ([]byte, error) {
	if r.Printer == nil {
		return nil, fmt.Errorf("no PDF printer configured")
	}
	page, err := r.HTML.Assemble(ctx, doc, htmldoc.Options{CSS: printCSS, TOC: true})
	if err != nil {
		return nil, fmt.Errorf("assemble print document: %w", err)
	}

	scratch, err := os.MkdirTemp("", "bookforge-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()
	htmlPath := filepath.Join(scratch, "book.html")
	if err := os.WriteFile(htmlPath, page, 0o600); err != nil {
		return nil, fmt.Errorf("write print document: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return r.Printer.Print(ctx, htmlPath, PrintOptions{Title: doc.Title})
}

// pageCount parses the document with pdfcpu, which doubles as a structural check.
func pageCount(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(bytes.NewReader(data), conf)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("document has no pages")
	}
	return n, nil
}
