package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrNoRoot      = errors.New("no upload directory configured")
	ErrOutsideRoot = errors.New("path is outside the upload directory")
)

// Confine resolves path against root and returns the absolute result. Relative
// paths are taken from root; absolute ones must already lie below it. An empty
// root admits nothing, so local files are only readable once a directory is
// configured.
func Confine(root, path string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", ErrNoRoot
	}
	if strings.TrimSpace(path) == "" {
		return "", errors.New("empty path")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	p := filepath.Clean(path)
	if !filepath.IsAbs(p) {
		p = filepath.Join(absRoot, p)
	}
	rel, err := filepath.Rel(absRoot, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return p, nil
}
