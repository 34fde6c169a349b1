package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ValidatePath rejects empty paths, ".." traversal, and absolute paths when
// allowAbsolute is false.
func ValidatePath(p string, allowAbsolute bool) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}

	cleanPath := filepath.Clean(p)
	for _, part := range strings.Split(filepath.ToSlash(cleanPath), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", p)
		}
	}

	if !allowAbsolute && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("absolute paths not allowed: %s", p)
	}

	return nil
}

// SecureJoin joins path elements onto base and fails if the result escapes it.
//
// Example usage:
//
//	attrs, err := SecureJoin(root, dataset, "s0", "attributes.json")
//	if err != nil {
//		return fmt.Errorf("invalid dataset path: %w", err)
//	}
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}

// JoinKey joins object key segments with single slashes. Leading and trailing
// slashes on each segment are dropped and empty segments skipped, so
// JoinKey("data/", "/pos0", "metadata.txt") is "data/pos0/metadata.txt".
func JoinKey(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		s = strings.Trim(s, "/")
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return path.Clean(strings.Join(parts, "/"))
}
