package safety

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ArchivePath joins a single file name onto dir and returns the absolute
// result. Names that are empty, dot entries, absolute, or that carry a path
// separator are rejected so the archive always lands directly in dir.
func ArchivePath(dir, name string) (string, error) {
	switch {
	case name == "" || name == "." || name == "..":
		return "", fmt.Errorf("invalid archive name %q", name)
	case filepath.IsAbs(name) || strings.ContainsAny(name, `/\`):
		return "", fmt.Errorf("archive name %q must not contain a path", name)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve save dir: %w", err)
	}
	return filepath.Join(abs, name), nil
}

// FileName reduces s to a single safe path element, replacing runs of
// characters outside [a-zA-Z0-9._-] with "_". fallback is used when nothing
// survives.
func FileName(s, fallback string) string {
	slug := unsafeFileChars.ReplaceAllString(s, "_")
	slug = strings.Trim(slug, "._-")
	if slug == "" {
		return fallback
	}
	return slug
}
