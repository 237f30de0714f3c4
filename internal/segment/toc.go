package segment

import (
	"html"
	"strings"

	"github.com/jo-hoe/bookforge/internal/book"
)

// BuildTOC renders an ordered list linking to each chapter by position
// (#chapter-1, #chapter-2, ...), so duplicate titles never collide.
func BuildTOC(chapters []book.Chapter) string {
	var sb strings.Builder
	sb.WriteString(`<div class="toc"><h2>Table of Contents</h2><ol>`)
	for i, ch := range chapters {
		sb.WriteString(`<li><a href="#`)
		sb.WriteString(book.Anchor(i))
		sb.WriteString(`">`)
		sb.WriteString(html.EscapeString(ch.Title))
		sb.WriteString(`</a></li>`)
	}
	sb.WriteString(`</ol></div>`)
	return sb.String()
}
