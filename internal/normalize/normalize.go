// Package normalize cleans and canonicalizes raw content before segmentation.
package normalize

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/go-shiori/dom"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	xhtml "golang.org/x/net/html"
)

// Elements removed together with everything inside them.
var droppedElements = []string{"script", "style", "iframe", "noscript"}

// Structural and inline elements kept by Sanitize. Everything else is unwrapped.
var keptElements = []string{
	"a", "abbr", "article", "aside", "b", "blockquote", "br", "caption", "cite", "code",
	"col", "colgroup", "dd", "del", "dfn", "div", "dl", "dt", "em", "figcaption", "figure",
	"footer", "h1", "h2", "h3", "h4", "h5", "h6", "header", "hr", "i", "img", "ins", "kbd",
	"li", "main", "mark", "nav", "ol", "p", "pre", "q", "s", "samp", "section", "small",
	"span", "strong", "sub", "sup", "table", "tbody", "td", "tfoot", "th", "thead", "tr",
	"u", "ul",
}

// Normalizer is a stateless content cleaner. The zero value is not usable; use New.
type Normalizer struct {
	policy *bluemonday.Policy
	md     goldmark.Markdown
}

// New builds a Normalizer with the sanitizer policy and markdown engine configured.
func New() *Normalizer {
	p := bluemonday.NewPolicy()
	p.AllowElements(keptElements...)
	p.AllowAttrs("href", "src", "alt", "title").Globally()
	p.AllowStandardURLs()
	// AllowStandardURLs turns on rel="nofollow"; only the attributes above may appear.
	p.RequireNoFollowOnLinks(false)
	p.AllowDataURIImages()
	p.SkipElementsContent(droppedElements...)
	return &Normalizer{policy: p, md: newMarkdown()}
}

// Sanitize removes unsafe elements and every attribute outside href, src, alt and title.
// Sanitize(Sanitize(x)) == Sanitize(x).
func (n *Normalizer) Sanitize(content string) string {
	return n.policy.Sanitize(content)
}

// NormalizeText collapses whitespace runs to single spaces, strips zero-width
// spaces and byte order marks, and trims the result.
func (n *Normalizer) NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.NewReplacer("\u200b", "", "\ufeff", "").Replace(text)
	return strings.Join(strings.Fields(text), " ")
}

// Chunk splits content on blank-line paragraph boundaries into pieces of at most
// maxLength characters. A paragraph longer than maxLength is never split and becomes
// its own chunk. strings.Join(chunks, "\n\n") always reproduces content.
// A maxLength <= 0 disables the bound.
func (n *Normalizer) Chunk(content string, maxLength int) []string {
	if maxLength <= 0 || utf8.RuneCountInString(content) <= maxLength {
		return []string{content}
	}

	const sep = "\n\n"
	sepLen := len(sep)

	var chunks []string
	var current []string
	currentLen := 0
	for _, para := range strings.Split(content, sep) {
		paraLen := utf8.RuneCountInString(para)
		if len(current) > 0 && currentLen+sepLen+paraLen > maxLength {
			chunks = append(chunks, strings.Join(current, sep))
			current = current[:0]
			currentLen = 0
		}
		if len(current) > 0 {
			currentLen += sepLen
		}
		current = append(current, para)
		currentLen += paraLen
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, sep))
	}
	return chunks
}

// Enhance wraps blank-line separated paragraphs in <p> elements when the content
// carries no paragraph markup of its own.
func (n *Normalizer) Enhance(content string) string {
	if strings.TrimSpace(content) == "" {
		return content
	}
	if doc, err := xhtml.Parse(strings.NewReader(content)); err == nil {
		if len(dom.GetElementsByTagName(doc, "p")) > 0 {
			return content
		}
	}
	var sb strings.Builder
	for _, para := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("<p>")
		sb.WriteString(para)
		sb.WriteString("</p>")
	}
	return sb.String()
}

// escapeAsText is the last-resort rendering of content that could not be processed.
func escapeAsText(s string) string {
	return "<p>" + html.EscapeString(s) + "</p>"
}
