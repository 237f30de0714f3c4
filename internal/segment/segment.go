// Package segment turns normalized content and ordered resources into chapters.
package segment

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-shiori/dom"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/common"
	"github.com/jo-hoe/bookforge/internal/normalize"
)

// Segmenter splits content into chapters. It holds no per-call state.
type Segmenter struct {
	norm *normalize.Normalizer
	// ChunkLength splits chapter bodies longer than this many characters into
	// numbered parts at block boundaries. Zero keeps every chapter whole.
	ChunkLength int
}

// New creates a Segmenter backed by the given Normalizer.
func New(n *normalize.Normalizer) *Segmenter {
	if n == nil {
		n = normalize.New()
	}
	return &Segmenter{norm: n}
}

// Normalizer exposes the normalizer the segmenter sanitizes with.
func (s *Segmenter) Normalizer() *normalize.Normalizer { return s.norm }

// ExtractChapters splits HTML content on headings of the given level. Without any
// such heading the whole sanitized content becomes a single chapter titled "Content".
// Content before the first heading is discarded and deeper headings stay inside
// the enclosing chapter.
func (s *Segmenter) ExtractChapters(content string, level book.SplitLevel) []book.Chapter {
	tag := string(level)
	if tag != string(book.SplitH2) {
		tag = string(book.SplitH1)
	}

	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return []book.Chapter{{Title: common.ContentChapter, Content: s.norm.Sanitize(content)}}
	}
	headings := dom.GetElementsByTagName(doc, tag)
	if len(headings) == 0 {
		return []book.Chapter{{Title: common.ContentChapter, Content: s.norm.Sanitize(content)}}
	}

	chapters := make([]book.Chapter, 0, len(headings))
	for _, h := range headings {
		title := s.norm.NormalizeText(dom.TextContent(h))
		if title == "" {
			title = common.UntitledChapter
		}
		var body strings.Builder
		for sib := h.NextSibling; sib != nil; sib = sib.NextSibling {
			if containsHeading(sib, tag) {
				break
			}
			if err := html.Render(&body, sib); err != nil {
				break
			}
		}
		chapters = append(chapters, book.Chapter{
			Title:   title,
			Content: s.norm.Sanitize(body.String()),
		})
	}
	return chapters
}

// containsHeading reports whether n is, or wraps, a heading with the given tag.
func containsHeading(n *html.Node, tag string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if dom.TagName(n) == tag {
		return true
	}
	return len(dom.GetElementsByTagName(n, tag)) > 0
}

// Expand turns resources into chapters in ascending Order, ties kept in insertion
// order. Resources with content are split with ExtractChapters; the others become
// one chapter whose body is the raw source.
func (s *Segmenter) Expand(resources []book.Resource, level book.SplitLevel) []book.Chapter {
	var chapters []book.Chapter
	for _, r := range book.SortResources(resources) {
		if r.HasContent() {
			chapters = append(chapters, s.ExtractChapters(*r.Content, level)...)
			continue
		}
		title := common.UntitledChapter
		if r.Title != nil && strings.TrimSpace(*r.Title) != "" {
			title = strings.TrimSpace(*r.Title)
		}
		chapters = append(chapters, book.Chapter{Title: title, Content: r.Source})
	}
	return chapters
}

// Resolve returns the request's explicit chapters when present, otherwise the
// expansion of its resources. Long chapters are split when ChunkLength is set.
func (s *Segmenter) Resolve(req book.GenerationRequest) []book.Chapter {
	var chapters []book.Chapter
	if len(req.Chapters) > 0 {
		chapters = append(chapters, req.Chapters...)
	} else {
		chapters = s.Expand(req.Resources, req.SplitLevel)
	}
	if s.ChunkLength > 0 {
		chapters = s.splitLong(chapters)
	}
	return chapters
}

func (s *Segmenter) splitLong(chapters []book.Chapter) []book.Chapter {
	out := make([]book.Chapter, 0, len(chapters))
	for _, ch := range chapters {
		parts := splitBlocks(ch.Content, s.ChunkLength)
		if len(parts) == 1 {
			out = append(out, ch)
			continue
		}
		for i, p := range parts {
			out = append(out, book.Chapter{
				Title:   fmt.Sprintf("%s (%d)", ch.Title, i+1),
				Content: p,
			})
		}
	}
	return out
}

// splitBlocks groups the top-level nodes of an HTML fragment into parts of at most
// maxLength runes. Nodes are never cut, so markup stays balanced and a block
// longer than maxLength becomes a part of its own.
func splitBlocks(content string, maxLength int) []string {
	if utf8.RuneCountInString(content) <= maxLength {
		return []string{content}
	}
	nodes, err := html.ParseFragment(strings.NewReader(content), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return []string{content}
	}

	var parts []string
	var cur strings.Builder
	curLen := 0
	for _, n := range nodes {
		if n.Type == html.TextNode && strings.TrimSpace(n.Data) == "" {
			continue
		}
		var b strings.Builder
		if err := html.Render(&b, n); err != nil {
			return []string{content}
		}
		block := b.String()
		blockLen := utf8.RuneCountInString(block)
		if curLen > 0 && curLen+1+blockLen > maxLength {
			parts = append(parts, cur.String())
			cur.Reset()
			curLen = 0
		}
		if curLen > 0 {
			cur.WriteByte('\n')
			curLen++
		}
		cur.WriteString(block)
		curLen += blockLen
	}
	if curLen > 0 {
		parts = append(parts, cur.String())
	}
	if len(parts) == 0 {
		return []string{content}
	}
	return parts
}
