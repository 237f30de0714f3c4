package util

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s parses as a UUID.
func ValidID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

var reUnsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slug turns a title into a filesystem-safe name: spaces become underscores and
// anything outside [A-Za-z0-9._-] is dropped.
func Slug(title string) string {
	s := strings.TrimSpace(title)
	s = strings.Join(strings.Fields(s), "_")
	s = reUnsafeName.ReplaceAllString(s, "")
	s = strings.Trim(s, "._-")
	if s == "" {
		return "book"
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
