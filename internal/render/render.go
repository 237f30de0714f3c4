// Package render defines the format-independent renderer contract and dispatch.
package render

import (
	"context"
	"fmt"
	"sort"

	"github.com/jo-hoe/bookforge/internal/book"
)

// Document is everything a renderer needs to assemble one book.
type Document struct {
	Title       string
	Author      string
	Description string
	Chapters    []book.Chapter
	Cover       *string           // optional path or URL of the cover image
	Metadata    map[string]string // language, publisher, date, ...
}

// DocumentFromRequest builds a Document for req with already resolved chapters.
func DocumentFromRequest(req book.GenerationRequest, chapters []book.Chapter) Document {
	desc := req.Description
	if desc == "" {
		desc = req.Metadata["description"]
	}
	return Document{
		Title:       req.Title,
		Author:      req.Author,
		Description: desc,
		Chapters:    chapters,
		Cover:       req.CoverImage,
		Metadata:    req.Metadata,
	}
}

// Meta returns the metadata value for key or def when absent.
func (d Document) Meta(key, def string) string {
	if v, ok := d.Metadata[key]; ok && v != "" {
		return v
	}
	return def
}

// Renderer assembles a Document into a single artifact at outputPath and returns
// the final path. Implementations never leave a partial file at outputPath.
type Renderer interface {
	Format() book.Format
	Render(ctx context.Context, doc Document, outputPath string) (string, error)
}

// Registry holds one renderer per format.
type Registry struct {
	byFormat map[book.Format]Renderer
}

func NewRegistry(renderers ...Renderer) *Registry {
	r := &Registry{byFormat: make(map[book.Format]Renderer)}
	for _, rr := range renderers {
		r.Add(rr)
	}
	return r
}

func (r *Registry) Add(rr Renderer) {
	r.byFormat[rr.Format()] = rr
}

// Get returns the renderer for f or an UnsupportedFormatError.
func (r *Registry) Get(f book.Format) (Renderer, error) {
	rr, ok := r.byFormat[f]
	if !ok {
		return nil, &book.UnsupportedFormatError{Format: string(f)}
	}
	return rr, nil
}

func (r *Registry) Formats() []book.Format {
	out := make([]book.Format, 0, len(r.byFormat))
	for f := range r.byFormat {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks the parts of a Document every renderer relies on.
func Validate(f book.Format, doc Document) error {
	if len(doc.Chapters) == 0 {
		return book.ErrEmptyContent
	}
	if doc.Title == "" {
		return book.NewRenderError(f, doc.Title, fmt.Errorf("title is required"))
	}
	return nil
}
