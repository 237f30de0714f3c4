// Package book holds the data shared by every stage of the generation pipeline:
// resources, chapters, output formats and generation requests.
package book

import (
	"sort"
	"strconv"
	"strings"
)

// ResourceKind describes where a resource's content originates.
type ResourceKind string

const (
	KindURL  ResourceKind = "url"
	KindFile ResourceKind = "file"
	KindText ResourceKind = "text"
	KindAPI  ResourceKind = "api"
)

// Resource is one caller-supplied content source with an explicit ordering position.
type Resource struct {
	ID       string         `json:"id"`
	Order    int            `json:"order"`
	Kind     ResourceKind   `json:"kind"`
	Source   string         `json:"source"`
	Title    *string        `json:"title,omitempty"`
	Content  *string        `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HasContent reports whether the resource carries pre-extracted content.
func (r Resource) HasContent() bool {
	return r.Content != nil && strings.TrimSpace(*r.Content) != ""
}

// SortResources returns a copy of rs ordered by Order. Ties keep insertion order.
func SortResources(rs []Resource) []Resource {
	out := make([]Resource, len(rs))
	copy(out, rs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Chapter is a titled unit of HTML content consumed by renderers.
type Chapter struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Anchor returns the position-based anchor for the chapter at index i.
func Anchor(i int) string {
	return "chapter-" + strconv.Itoa(i+1)
}

// Format is an output publication format.
type Format string

const (
	FormatEPUB Format = "epub"
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
	FormatMOBI Format = "mobi"
)

// Formats lists every supported format.
var Formats = []Format{FormatEPUB, FormatPDF, FormatHTML, FormatMOBI}

// ParseFormat validates a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", &UnsupportedFormatError{Format: s}
}

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType is the media type served for files of this format.
func (f Format) ContentType() string {
	switch f {
	case FormatEPUB:
		return "application/epub+zip"
	case FormatPDF:
		return "application/pdf"
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatMOBI:
		return "application/x-mobipocket-ebook"
	}
	return "application/octet-stream"
}

// SplitLevel is the heading level chapters are split on.
type SplitLevel string

const (
	SplitH1 SplitLevel = "h1"
	SplitH2 SplitLevel = "h2"
)

// ParseSplitLevel accepts "h1" or "h2"; anything else, including empty, yields h1.
func ParseSplitLevel(s string) SplitLevel {
	if strings.EqualFold(strings.TrimSpace(s), string(SplitH2)) {
		return SplitH2
	}
	return SplitH1
}

// GenerationRequest describes one book to build. It is treated as immutable once submitted.
type GenerationRequest struct {
	ProjectID   string            `json:"project_id"`
	Title       string            `json:"title"`
	Author      string            `json:"author"`
	Description string            `json:"description,omitempty"`
	Chapters    []Chapter         `json:"chapters,omitempty"`
	Resources   []Resource        `json:"resources,omitempty"`
	Format      Format            `json:"format"`
	OutputPath  string            `json:"output_path,omitempty"`
	CoverImage  *string           `json:"cover_image,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	SplitLevel  SplitLevel        `json:"split_level,omitempty"`
	CallbackURL *string           `json:"callback_url,omitempty"` // receives the final job status when set
}

// Clone returns a deep copy so the submitted request cannot be mutated by the caller afterwards.
func (r GenerationRequest) Clone() GenerationRequest {
	out := r
	if r.Chapters != nil {
		out.Chapters = append([]Chapter(nil), r.Chapters...)
	}
	if r.Resources != nil {
		out.Resources = make([]Resource, len(r.Resources))
		for i, res := range r.Resources {
			c := res
			if res.Title != nil {
				v := *res.Title
				c.Title = &v
			}
			if res.Content != nil {
				v := *res.Content
				c.Content = &v
			}
			if res.Metadata != nil {
				c.Metadata = make(map[string]any, len(res.Metadata))
				for k, v := range res.Metadata {
					c.Metadata[k] = v
				}
			}
			out.Resources[i] = c
		}
	}
	if r.CoverImage != nil {
		v := *r.CoverImage
		out.CoverImage = &v
	}
	if r.CallbackURL != nil {
		v := *r.CallbackURL
		out.CallbackURL = &v
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
