package utils

import (
	"os"
	"path/filepath"
)

// EnsureCleanDir removes path if it exists and recreates it empty.
func EnsureCleanDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return err
	}
	return os.MkdirAll(path, 0755)
}

// MatchPatterns resolves glob patterns relative to base and returns the
// matches as base-relative paths. Patterns that match nothing are not an
// error; callers decide whether empty is acceptable.
func MatchPatterns(base string, patterns []string) ([]string, error) {
	var out []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(base, pattern))
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			rel, err := filepath.Rel(base, m)
			if err != nil {
				return nil, err
			}
			out = append(out, rel)
		}
	}
	return out, nil
}
