package render

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/storage"
)

// pngHeader is enough for content sniffing to classify bytes as image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type fakeRenderer struct{ f book.Format }

func (r fakeRenderer) Format() book.Format { return r.f }
func (r fakeRenderer) Render(ctx context.Context, doc Document, out string) (string, error) {
	return out, nil
}

func TestRegistry_Dispatch(t *testing.T) {
	reg := NewRegistry(fakeRenderer{book.FormatHTML}, fakeRenderer{book.FormatEPUB})
	if r, err := reg.Get(book.FormatHTML); err != nil || r.Format() != book.FormatHTML {
		t.Fatalf("Get(html) = %v, %v", r, err)
	}
	_, err := reg.Get(book.FormatPDF)
	var ufe *book.UnsupportedFormatError
	if !errors.As(err, &ufe) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
	if got := reg.Formats(); len(got) != 2 || got[0] != book.FormatEPUB {
		t.Fatalf("Formats = %v", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(book.FormatHTML, Document{Title: "t"}); !errors.Is(err, book.ErrEmptyContent) {
		t.Fatalf("empty chapters: %v", err)
	}
	doc := Document{Chapters: []book.Chapter{{Title: "a"}}}
	var re *book.RenderError
	if err := Validate(book.FormatHTML, doc); !errors.As(err, &re) {
		t.Fatalf("missing title: %v", err)
	}
	doc.Title = "t"
	if err := Validate(book.FormatHTML, doc); err != nil {
		t.Fatalf("valid doc: %v", err)
	}
}

func TestDocumentFromRequest(t *testing.T) {
	req := book.GenerationRequest{
		Title:    "T",
		Author:   "A",
		Metadata: map[string]string{"description": "from meta", "language": "de"},
	}
	doc := DocumentFromRequest(req, []book.Chapter{{Title: "c"}})
	if doc.Description != "from meta" || doc.Meta("language", "en") != "de" || doc.Meta("publisher", "none") != "none" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestRewriteImages(t *testing.T) {
	in := `<p><img alt="a" src="keep.png"><img src="drop.png" alt="b"><img src="data:image/png;base64,AA=="></p>`
	out := RewriteImages(in, func(src string) (string, bool) {
		if src == "drop.png" {
			return "", false
		}
		return "images/" + src, true
	})
	if !strings.Contains(out, `<img alt="a" src="images/keep.png">`) {
		t.Fatalf("kept image not rewritten: %s", out)
	}
	if strings.Contains(out, "drop.png") {
		t.Fatalf("dropped image still present: %s", out)
	}
	if !strings.Contains(out, "data:image/png;base64,AA==") {
		t.Fatalf("data uri touched: %s", out)
	}
}

func TestImageLoader_LocalFile(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(img, pngHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	txt := filepath.Join(dir, "notes.txt")
	_ = os.WriteFile(txt, []byte("hello"), 0o644)

	l := NewImageLoader(dir, time.Second, 1)
	got, err := l.Load(context.Background(), img)
	if err != nil {
		t.Fatalf("Load png: %v", err)
	}
	if got.MIME != "image/png" || got.Ext != ".png" {
		t.Fatalf("image = %s %s", got.MIME, got.Ext)
	}
	if _, err := l.Load(context.Background(), txt); !errors.Is(err, errNotImage) {
		t.Fatalf("text file accepted as image: %v", err)
	}
	if _, err := l.Load(context.Background(), filepath.Join(dir, "missing.png")); err == nil {
		t.Fatalf("missing file should fail")
	}
	if _, err := l.Load(context.Background(), "pic.png"); err != nil {
		t.Fatalf("relative path under root: %v", err)
	}
}

func TestImageLoader_LocalConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "pic.png")
	if err := os.WriteFile(outside, pngHeader, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewImageLoader(root, time.Second, 1).Load(context.Background(), outside); !errors.Is(err, storage.ErrOutsideRoot) {
		t.Fatalf("image outside root: err = %v", err)
	}
	if _, err := NewImageLoader(root, time.Second, 1).Load(context.Background(), "file://"+outside); !errors.Is(err, storage.ErrOutsideRoot) {
		t.Fatalf("file:// image outside root: err = %v", err)
	}
	if _, err := NewImageLoader("", time.Second, 1).Load(context.Background(), outside); !errors.Is(err, storage.ErrNoRoot) {
		t.Fatalf("local image without root: err = %v", err)
	}
}

func TestImageLoader_RemoteRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/missing.png"):
			atomic.AddInt32(&calls, 100)
			http.NotFound(w, r)
		case atomic.AddInt32(&calls, 1) == 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			_, _ = w.Write(pngHeader)
		}
	}))
	defer srv.Close()

	l := NewImageLoader("", time.Second, 3)
	l.Delay = time.Millisecond
	got, err := l.Load(context.Background(), srv.URL+"/pic.png")
	if err != nil {
		t.Fatalf("Load remote: %v", err)
	}
	if got.MIME != "image/png" {
		t.Fatalf("mime = %s", got.MIME)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected one retry, calls = %d", n)
	}

	atomic.StoreInt32(&calls, 0)
	if _, err := l.Load(context.Background(), srv.URL+"/missing.png"); err == nil {
		t.Fatalf("404 should fail")
	}
	if n := atomic.LoadInt32(&calls); n != 100 {
		t.Fatalf("404 should not be retried, calls = %d", n)
	}
}
