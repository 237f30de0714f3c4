package normalize

import (
	"bytes"
	stdhtml "html"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

// Heading is one entry of a document outline collected during markdown conversion.
type Heading struct {
	Level int
	ID    string
	Text  string
}

func newMarkdown() goldmark.Markdown {
	return goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			extension.Footnote,
			extension.Typographer,
		),
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithXHTML(),
		),
	)
}

// MarkdownToHTML converts markdown to HTML. Raw HTML in the source is omitted.
func (n *Normalizer) MarkdownToHTML(markdown string) string {
	out, _ := n.MarkdownToHTMLWithTOC(markdown)
	return out
}

// MarkdownToHTMLWithTOC converts markdown and also returns the heading outline in
// document order, with the generated heading ids, for building a table of contents.
func (n *Normalizer) MarkdownToHTMLWithTOC(markdown string) (string, []Heading) {
	src := []byte(markdown)
	doc := n.md.Parser().Parse(text.NewReader(src))

	var headings []Heading
	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := node.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		var id string
		if v, ok := h.AttributeString("id"); ok {
			if b, ok := v.([]byte); ok {
				id = string(b)
			}
		}
		headings = append(headings, Heading{
			Level: h.Level,
			ID:    id,
			Text:  strings.TrimSpace(nodeText(h, src)),
		})
		return ast.WalkSkipChildren, nil
	})

	var buf bytes.Buffer
	if err := n.md.Renderer().Render(&buf, src, doc); err != nil {
		return escapeAsText(markdown), headings
	}
	return buf.String(), headings
}

func nodeText(node ast.Node, src []byte) string {
	var sb strings.Builder
	for c := node.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				sb.WriteByte(' ')
			}
		case *ast.String:
			// typographer substitutions are entities
			sb.WriteString(stdhtml.UnescapeString(string(t.Value)))
		default:
			sb.WriteString(nodeText(c, src))
		}
	}
	return sb.String()
}
