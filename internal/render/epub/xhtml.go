package epub

import (
	"archive/zip"
	"fmt"
	"html"
	"io"
	"os"
	"regexp"
	"strings"

	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// toXHTML re-serializes an HTML fragment so void elements are self-closed and
// stray markup is balanced, as EPUB content documents must be well-formed XML.
func toXHTML(fragment string) string {
	ctx := &xhtml.Node{Type: xhtml.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := xhtml.ParseFragment(strings.NewReader(fragment), ctx)
	if err != nil {
		return "<p>" + html.EscapeString(fragment) + "</p>"
	}
	var sb strings.Builder
	for _, n := range nodes {
		if err := xhtml.Render(&sb, n); err != nil {
			return "<p>" + html.EscapeString(fragment) + "</p>"
		}
	}
	return sb.String()
}

// patchMetadata copies the package at src to dest, adding Dublin Core entries
// (publisher, date) to the OPF metadata block when they are not already there.
// Entry order and compression are preserved so mimetype stays first and stored.
func patchMetadata(src, dest string, extra map[string]string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open epub: %w", err)
	}
	defer zr.Close()

	out, err := os.Create(dest) // #nosec G304 - dest is a temp path chosen by storage.WriteAtomic
	if err != nil {
		return fmt.Errorf("create epub: %w", err)
	}
	zw := zip.NewWriter(out)

	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".opf") || len(extra) == 0 {
			if err := zw.Copy(f); err != nil {
				_ = out.Close()
				return fmt.Errorf("copy %s: %w", f.Name, err)
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("open %s: %w", f.Name, err)
		}
		opf, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("read %s: %w", f.Name, err)
		}
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Deflate, Modified: f.Modified})
		if err != nil {
			_ = out.Close()
			return fmt.Errorf("create %s: %w", f.Name, err)
		}
		if _, err := io.WriteString(w, addDublinCore(string(opf), extra)); err != nil {
			_ = out.Close()
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("finish epub: %w", err)
	}
	return out.Close()
}

func addDublinCore(opf string, extra map[string]string) string {
	idx := strings.Index(opf, "</metadata>")
	if idx < 0 {
		return opf
	}
	var insert strings.Builder
	for _, key := range []string{"publisher", "date"} {
		v, ok := extra[key]
		if !ok {
			continue
		}
		elem := fmt.Sprintf("<dc:%s>%s</dc:%s>", key, html.EscapeString(v), key)
		existing := regexp.MustCompile(`(?s)<dc:` + key + `\b[^>]*>.*?</dc:` + key + `>`)
		if existing.MatchString(opf) {
			opf = existing.ReplaceAllLiteralString(opf, elem)
			continue
		}
		insert.WriteString("    " + elem + "\n")
	}
	idx = strings.Index(opf, "</metadata>")
	return opf[:idx] + insert.String() + opf[idx:]
}
