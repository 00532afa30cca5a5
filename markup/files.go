package markup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"
	"golang.org/x/mod/module"
)

// DefaultPatterns match the markup files scanned for assembly references.
var DefaultPatterns = []string{"**/*.xaml", "**/*.axaml"}

// HasFilePathPrefix reports whether the filesystem path s begins with the
// elements in prefix. Volume names compare case-insensitively, the rest of
// the path does not.
func HasFilePathPrefix(s, prefix string) bool {
	sv := filepath.VolumeName(s)
	pv := filepath.VolumeName(prefix)
	s = s[len(sv):]
	prefix = prefix[len(pv):]
	if !strings.EqualFold(sv, pv) {
		return false
	}

	switch {
	case len(s) == len(prefix):
		return s == prefix
	case prefix == "":
		return true
	case len(s) > len(prefix):
		if prefix[len(prefix)-1] == filepath.Separator {
			return strings.HasPrefix(s, prefix)
		}
		return s[len(prefix)] == filepath.Separator && s[:len(prefix)] == prefix
	}
	return false
}

// TrimFilePathPrefix returns s without the leading path elements in prefix,
// or s unchanged when it is not under prefix.
func TrimFilePathPrefix(s, prefix string) string {
	if prefix == "" || !HasFilePathPrefix(s, prefix) {
		return s
	}
	trimmed := s[len(prefix):]
	if len(trimmed) > 0 && os.IsPathSeparator(trimmed[0]) {
		trimmed = trimmed[1:]
	}
	return trimmed
}

// isBadName reports whether a file or directory name is one that would
// not be shipped with the module's sources.
func isBadName(name string) bool {
	if err := module.CheckFilePath(name); err != nil {
		return true
	}
	switch name {
	case "", ".bzr", ".hg", ".git", ".svn":
		return true
	}
	return false
}

// A PatternError indicates a malformed markup pattern.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("pattern %s: %v", e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// FindFiles walks dir recursively and returns the absolute paths of the
// regular files whose slash-separated path relative to dir matches one of
// patterns. Hidden and underscore-prefixed entries are skipped, and so is
// any subdirectory holding its own go.mod.
func FindFiles(dir string, patterns []string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		name := d.Name()
		if isBadName(name) || name[0] == '.' || name[0] == '_' {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if _, err := os.Stat(filepath.Join(path, "go.mod")); err == nil {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel := filepath.ToSlash(TrimFilePathPrefix(path, dir))
		for _, p := range patterns {
			ok, err := doublestar.Match(p, rel)
			if err != nil {
				return &PatternError{Pattern: p, Err: err}
			}
			if ok {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
