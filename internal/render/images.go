package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/jo-hoe/bookforge/internal/storage"
)

// Image is a loaded picture ready for embedding.
type Image struct {
	Data []byte
	MIME string // e.g. image/png
	Ext  string // e.g. .png
}

// ImageLoader fetches images referenced by chapters or a cover. Local paths are read
// from disk below Root; http(s) URLs are downloaded with a bounded number of retries.
type ImageLoader struct {
	// Root confines local images. Empty rejects every local path.
	Root     string
	Client   *http.Client
	Attempts uint
	Delay    time.Duration
	MaxBytes int64
}

// NewImageLoader returns a loader with conservative defaults that reads local
// images from root only.
func NewImageLoader(root string, timeout time.Duration, attempts uint) *ImageLoader {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if attempts == 0 {
		attempts = 3
	}
	return &ImageLoader{
		Root:     root,
		Client:   &http.Client{Timeout: timeout},
		Attempts: attempts,
		Delay:    500 * time.Millisecond,
		MaxBytes: defaultMaxImageBytes,
	}
}

const defaultMaxImageBytes = 20 << 20

var errNotImage = errors.New("not an image")

// IsRemote reports whether src is an http(s) URL.
func IsRemote(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

// Load reads src and verifies that it actually is an image.
func (l *ImageLoader) Load(ctx context.Context, src string) (Image, error) {
	var data []byte
	var err error
	if IsRemote(src) {
		data, err = l.fetch(ctx, src)
	} else {
		data, err = l.readLocal(strings.TrimPrefix(src, "file://"))
	}
	if err != nil {
		return Image{}, err
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return Image{}, fmt.Errorf("%w: %s is %s", errNotImage, src, mt.String())
	}
	return Image{Data: data, MIME: mt.String(), Ext: mt.Extension()}, nil
}

func (l *ImageLoader) readLocal(src string) ([]byte, error) {
	path, err := storage.Confine(l.Root, src)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) // #nosec G304 - confined to Root
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	limit := l.MaxBytes
	if limit <= 0 {
		limit = defaultMaxImageBytes
	}
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("image %s exceeds %d bytes", src, limit)
	}
	return data, nil
}

func (l *ImageLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	return retry.DoWithData(
		func() ([]byte, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, retry.Unrecoverable(err)
			}
			resp, err := l.Client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Unrecoverable(fmt.Errorf("image download returned status %d", resp.StatusCode))
			}
			if resp.StatusCode != http.StatusOK {
				return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
			}
			return io.ReadAll(io.LimitReader(resp.Body, l.MaxBytes))
		},
		retry.Context(ctx),
		retry.Attempts(l.Attempts),
		retry.Delay(l.Delay),
		retry.LastErrorOnly(true),
	)
}

var imgTagRegex = regexp.MustCompile(`<img([^>]*?)\ssrc=["']([^"']+)["']([^>]*)>`)

// RewriteImages calls replace for every <img> src that is not already a data URI.
// replace returns the new src, or ok=false to drop the image from the output.
func RewriteImages(content string, replace func(src string) (newSrc string, ok bool)) string {
	return imgTagRegex.ReplaceAllStringFunc(content, func(match string) string {
		m := imgTagRegex.FindStringSubmatch(match)
		if len(m) < 4 {
			return match
		}
		src := m[2]
		if strings.HasPrefix(src, "data:") {
			return match
		}
		newSrc, ok := replace(src)
		if !ok {
			return ""
		}
		return fmt.Sprintf(`<img%s src="%s"%s>`, m[1], newSrc, m[3])
	})
}
