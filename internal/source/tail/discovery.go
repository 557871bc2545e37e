package tail

import (
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// resolveGlobs returns deduplicated absolute paths of regular files
// matching any of the given glob patterns.
func resolveGlobs(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var paths []string

	for _, pattern := range patterns {
		pattern, err := absPattern(pattern)
		if err != nil {
			return nil, err
		}

		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}

		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				continue
			}
			info, err := os.Stat(abs)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			if !seen[abs] {
				seen[abs] = true
				paths = append(paths, abs)
			}
		}
	}

	return paths, nil
}

// watchRoots extracts the static directory prefixes from glob patterns
// for fsnotify directory watching.
func watchRoots(patterns []string) []string {
	seen := make(map[string]bool)
	var dirs []string

	for _, pattern := range patterns {
		pattern, err := absPattern(pattern)
		if err != nil {
			continue
		}
		dir := globRoot(pattern)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

// globRoot returns the longest directory path before the first glob
// metacharacter. A pattern with no metacharacters is a literal file
// path; its parent directory is the root.
func globRoot(pattern string) string {
	for i, c := range pattern {
		switch c {
		case '*', '?', '[', '{':
			return filepath.Dir(pattern[:i])
		}
	}
	return filepath.Dir(pattern)
}

// matchesPatterns reports whether path matches any of the glob patterns.
func matchesPatterns(path string, patterns []string) bool {
	for _, pattern := range patterns {
		pattern, err := absPattern(pattern)
		if err != nil {
			continue
		}
		if ok, _ := doublestar.PathMatch(pattern, path); ok {
			return true
		}
	}
	return false
}

func absPattern(pattern string) (string, error) {
	if filepath.IsAbs(pattern) {
		return pattern, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(wd, pattern), nil
}
