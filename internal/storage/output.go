package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jo-hoe/bookforge/internal/book"
	"github.com/jo-hoe/bookforge/internal/util"
)

// OutputPath builds a collision-free artifact path for a job:
// <baseDir>/<projectID>/<title>_<jobID>.<ext>. Jobs without a project share "default".
func OutputPath(baseDir, projectID, jobID, title string, format book.Format) string {
	project := util.Slug(projectID)
	if strings.TrimSpace(projectID) == "" {
		project = "default"
	}
	name := fmt.Sprintf("%s_%s%s", util.Slug(title), jobID, format.Extension())
	return filepath.Join(baseDir, project, name)
}

// WriteFunc receives a temporary path in the destination directory and must leave
// the complete artifact there.
type WriteFunc func(tmpPath string) error

// WriteAtomic creates the parent directory of path, lets write produce the artifact
// at a temporary sibling path with the same extension, then renames it into place.
// On any failure the temporary file is removed and nothing appears at path.
func WriteAtomic(path string, write WriteFunc) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("output path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}
	tmp := TempSibling(path)
	if err := write(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	info, err := os.Stat(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("stat temp output: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(tmp)
		return errors.New("renderer produced an empty file")
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("move output into place: %w", err)
	}
	return nil
}

// WriteFileAtomic writes data to path through WriteAtomic.
func WriteFileAtomic(path string, data []byte) error {
	return WriteAtomic(path, func(tmp string) error {
		return os.WriteFile(tmp, data, 0o644)
	})
}

// TempSibling returns a hidden, random path next to path that keeps its extension,
// so tools that pick their output type by extension still work.
func TempSibling(path string) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf(".%s-%s.tmp%s", stem, randomHex(8), ext))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
