// Package markup finds the assemblies referenced from markup files, which
// compiled code alone does not reveal.
package markup

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

const assemblyKey = "assembly="

// FileReader reads a file's text.
type FileReader interface {
	Read(path string) (string, error)
}

type Reader struct {
	files    FileReader
	patterns []string
}

// NewReader returns a reader scanning files that match patterns, or
// DefaultPatterns when none are given.
func NewReader(files FileReader, patterns ...string) *Reader {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	return &Reader{files: files, patterns: patterns}
}

// ReferencedAssemblies returns the assembly names declared on the root
// element of one markup file, e.g. xmlns:c="clr-namespace:Ctl;assembly=Ctl.Lib".
func (r *Reader) ReferencedAssemblies(path string) ([]string, error) {
	text, err := r.files.Read(path)
	if err != nil {
		return nil, err
	}
	d := xml.NewDecoder(strings.NewReader(text))
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: no root element", path)
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		var names []string
		for _, a := range start.Attr {
			i := strings.LastIndex(a.Value, assemblyKey)
			if i < 0 {
				continue
			}
			if name := strings.TrimSpace(a.Value[i+len(assemblyKey):]); name != "" {
				names = append(names, name)
			}
		}
		return names, nil
	}
}

// Scan reads every markup file below dir and returns the distinct
// referenced assembly names for which keep returns true, sorted. Files
// that cannot be read or parsed are reported in problems and skipped.
func (r *Reader) Scan(dir string, keep func(string) bool) (names []string, problems []error, err error) {
	files, err := FindFiles(dir, r.patterns)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool)
	for _, f := range files {
		refs, err := r.ReferencedAssemblies(f)
		if err != nil {
			problems = append(problems, err)
			continue
		}
		for _, name := range refs {
			if seen[name] || (keep != nil && !keep(name)) {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, problems, nil
}
