package segment

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/normalize"
)

func strPtr(s string) *string { return &s }

func TestExtractChapters_NoHeadings(t *testing.T) {
	s := New(normalize.New())
	in := `<p>Just text</p><script>evil()</script>`
	got := s.ExtractChapters(in, book.SplitH1)
	if len(got) != 1 {
		t.Fatalf("chapters = %+v", got)
	}
	if got[0].Title != "Content" {
		t.Fatalf("title = %q", got[0].Title)
	}
	if want := s.Normalizer().Sanitize(in); got[0].Content != want {
		t.Fatalf("body = %q, want sanitized input %q", got[0].Content, want)
	}
}

func TestExtractChapters_SplitsOnH1(t *testing.T) {
	s := New(nil)
	in := `<p>intro</p><h1>One</h1><p>a</p><h2>Sub</h2><p>b</p><h1> Two </h1><p>c</p>`
	got := s.ExtractChapters(in, book.SplitH1)
	if len(got) != 2 {
		t.Fatalf("chapters = %+v", got)
	}
	if got[0].Title != "One" || got[0].Content != `<p>a</p><h2>Sub</h2><p>b</p>` {
		t.Fatalf("first chapter = %+v", got[0])
	}
	if got[1].Title != "Two" || got[1].Content != `<p>c</p>` {
		t.Fatalf("second chapter = %+v", got[1])
	}
	for _, ch := range got {
		if strings.Contains(ch.Content, "intro") {
			t.Fatalf("content before first heading leaked into %q", ch.Title)
		}
	}
}

func TestExtractChapters_SplitsOnH2(t *testing.T) {
	s := New(nil)
	in := `<h2>First</h2><p>x</p><h3>deep</h3><h2>Second</h2><p>y</p>`
	got := s.ExtractChapters(in, book.SplitH2)
	if len(got) != 2 || got[0].Title != "First" || got[1].Title != "Second" {
		t.Fatalf("chapters = %+v", got)
	}
	if !strings.Contains(got[0].Content, "<h3>deep</h3>") {
		t.Fatalf("deeper heading should stay in body: %q", got[0].Content)
	}
}

func TestExtractChapters_SanitizesBodiesAndTitles(t *testing.T) {
	s := New(nil)
	in := `<h1>  Spaced
	Title </h1><p class="x" onclick="y()">ok</p><script>bad()</script>`
	got := s.ExtractChapters(in, book.SplitH1)
	if len(got) != 1 || got[0].Title != "Spaced Title" {
		t.Fatalf("chapters = %+v", got)
	}
	if got[0].Content != "<p>ok</p>" {
		t.Fatalf("body = %q", got[0].Content)
	}
}

func TestExtractChapters_HeadingWrappedInSibling(t *testing.T) {
	s := New(nil)
	in := `<h1>A</h1><p>a</p><div><h1>B</h1><p>b</p></div>`
	got := s.ExtractChapters(in, book.SplitH1)
	if len(got) != 2 {
		t.Fatalf("chapters = %+v", got)
	}
	if strings.Contains(got[0].Content, "B") {
		t.Fatalf("chapter A contains next heading text: %q", got[0].Content)
	}
	if got[1].Title != "B" || got[1].Content != "<p>b</p>" {
		t.Fatalf("chapter B = %+v", got[1])
	}
}

func TestExtractChapters_NHeadingsProperty(t *testing.T) {
	s := New(nil)
	rng := rand.New(rand.NewSource(7))
	for n := 1; n <= 12; n++ {
		var sb strings.Builder
		sb.WriteString("<p>preamble</p>")
		for i := 0; i < n; i++ {
			fmt.Fprintf(&sb, "<h1>Heading %d</h1>", i)
			for p := 0; p < rng.Intn(4); p++ {
				fmt.Fprintf(&sb, "<p>body %d-%d</p>", i, p)
			}
		}
		got := s.ExtractChapters(sb.String(), book.SplitH1)
		if len(got) != n {
			t.Fatalf("n=%d: got %d chapters", n, len(got))
		}
		for i, ch := range got {
			if ch.Title == "" {
				t.Fatalf("chapter %d has empty title", i)
			}
			if i+1 < n && strings.Contains(ch.Content, fmt.Sprintf("Heading %d", i+1)) {
				t.Fatalf("chapter %d body contains next heading: %q", i, ch.Content)
			}
		}
	}
}

func TestExpand_OrdersByResourceOrder(t *testing.T) {
	s := New(nil)
	resources := []book.Resource{
		{ID: "r3", Order: 3, Content: strPtr("<h1>Three</h1><p>3</p>")},
		{ID: "r1", Order: 1, Content: strPtr("<h1>One</h1><p>1</p><h1>OneB</h1>")},
		{ID: "r2", Order: 2, Title: strPtr("Two"), Source: "raw source two"},
		{ID: "r0", Order: 0, Source: "untitled source"},
	}
	got := s.Expand(resources, book.SplitH1)
	wantTitles := []string{"Untitled", "One", "OneB", "Two", "Three"}
	if len(got) != len(wantTitles) {
		t.Fatalf("chapters = %+v", got)
	}
	for i, w := range wantTitles {
		if got[i].Title != w {
			t.Fatalf("chapter %d title = %q, want %q", i, got[i].Title, w)
		}
	}
	if got[0].Content != "untitled source" || got[3].Content != "raw source two" {
		t.Fatalf("raw sources not used verbatim: %+v", got)
	}
}

func TestExpand_PermutationInvariant(t *testing.T) {
	s := New(nil)
	base := make([]book.Resource, 8)
	for i := range base {
		base[i] = book.Resource{
			ID:      fmt.Sprintf("r%d", i),
			Order:   i * 10,
			Content: strPtr(fmt.Sprintf("<h1>Chapter %d</h1><p>%d</p>", i, i)),
		}
	}
	want := s.Expand(base, book.SplitH1)
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 25; iter++ {
		shuffled := append([]book.Resource(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := s.Expand(shuffled, book.SplitH1)
		if len(got) != len(want) {
			t.Fatalf("length mismatch")
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("iteration %d: chapter %d = %+v, want %+v", iter, i, got[i], want[i])
			}
		}
	}
}

func TestExpand_TiesKeepInsertionOrder(t *testing.T) {
	s := New(nil)
	resources := []book.Resource{
		{Order: 1, Title: strPtr("B"), Source: "b"},
		{Order: 1, Title: strPtr("A"), Source: "a"},
	}
	got := s.Expand(resources, book.SplitH1)
	if got[0].Title != "B" || got[1].Title != "A" {
		t.Fatalf("ties reordered: %+v", got)
	}
}

func TestResolve_PrefersExplicitChapters(t *testing.T) {
	s := New(nil)
	req := book.GenerationRequest{
		Chapters:  []book.Chapter{{Title: "Explicit", Content: "<p>x</p>"}},
		Resources: []book.Resource{{Order: 1, Source: "ignored"}},
	}
	got := s.Resolve(req)
	if len(got) != 1 || got[0].Title != "Explicit" {
		t.Fatalf("Resolve = %+v", got)
	}
	if len(s.Resolve(book.GenerationRequest{})) != 0 {
		t.Fatalf("empty request should resolve to no chapters")
	}
}

func TestResolve_SplitsLongChapters(t *testing.T) {
	s := New(nil)
	s.ChunkLength = 10
	req := book.GenerationRequest{
		Chapters: []book.Chapter{
			{Title: "Long", Content: "<p>aaaa</p>\n\n<p>bbbb</p>"},
			{Title: "Short", Content: "<p>c</p>"},
		},
	}
	got := s.Resolve(req)
	if len(got) != 3 {
		t.Fatalf("Resolve = %+v", got)
	}
	if got[0].Title != "Long (1)" || got[1].Title != "Long (2)" || got[2].Title != "Short" {
		t.Fatalf("titles = %q %q %q", got[0].Title, got[1].Title, got[2].Title)
	}
}

func TestResolve_SplitKeepsBlocksWhole(t *testing.T) {
	s := New(nil)
	s.ChunkLength = 30
	pre := "<pre>line one\n\nline two</pre>"
	list := "<ul><li>first item</li>\n\n<li>second item</li></ul>"
	req := book.GenerationRequest{
		Chapters: []book.Chapter{{Title: "Code", Content: "<p>intro</p>\n" + pre + "\n" + list}},
	}
	got := s.Resolve(req)
	if len(got) != 3 {
		t.Fatalf("Resolve = %+v", got)
	}
	if got[0].Content != "<p>intro</p>" || got[1].Content != pre || got[2].Content != list {
		t.Fatalf("parts = %q | %q | %q", got[0].Content, got[1].Content, got[2].Content)
	}
	for _, ch := range got {
		for _, tag := range []string{"pre", "ul", "li"} {
			if strings.Count(ch.Content, "<"+tag+">") != strings.Count(ch.Content, "</"+tag+">") {
				t.Fatalf("unbalanced <%s> in %q", tag, ch.Content)
			}
		}
	}
}

func TestBuildTOC_AnchorsByPosition(t *testing.T) {
	chapters := []book.Chapter{{Title: "Same"}, {Title: "Same"}, {Title: "A & B"}}
	toc := BuildTOC(chapters)
	for _, want := range []string{
		`<h2>Table of Contents</h2>`,
		`<li><a href="#chapter-1">Same</a></li>`,
		`<li><a href="#chapter-2">Same</a></li>`,
		`<li><a href="#chapter-3">A &amp; B</a></li>`,
	} {
		if !strings.Contains(toc, want) {
			t.Fatalf("toc missing %q: %s", want, toc)
		}
	}
}
