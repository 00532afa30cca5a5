package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"refanalyzer/model"
)

var (
	// ErrUnsupportedManifest is returned for files no format understands.
	ErrUnsupportedManifest = errors.New("unsupported manifest")

	// ErrManifestParse is returned when a manifest cannot be parsed.
	ErrManifestParse = errors.New("cannot parse manifest")
)

// Editor reads and edits the dependency declarations of a manifest.
type Editor interface {
	// DeclaredProjects returns the project dependencies, identified by the
	// output identity of the referenced project.
	DeclaredProjects(path string) ([]model.DeclaredReference, error)
	DeclaredPackages(path string) ([]model.DeclaredReference, error)
	// DeclaredDependencies is the union of projects and packages.
	DeclaredDependencies(path string) ([]model.DeclaredReference, error)
	RemoveDeclaredProjectDependencies(path string, targets []string) error
	RemoveDeclaredPackages(path string, targets []string) error
}

// format is one manifest syntax.
type format interface {
	projects(path, text string) ([]model.DeclaredReference, error)
	packages(path, text string) ([]model.DeclaredReference, error)
	removeProjects(path, text string, targets map[string]bool) (string, int, error)
	removePackages(path, text string, targets map[string]bool) (string, int, error)
}

// CachedEditor is an Editor whose every manifest access goes through a
// Cache, including reads of referenced projects' manifests.
type CachedEditor struct {
	cache *Cache
	gomod format
	proj  format
}

func NewEditor(cache *Cache) *CachedEditor {
	return &CachedEditor{
		cache: cache,
		gomod: &goModFormat{cache: cache},
		proj:  &msbuildFormat{cache: cache},
	}
}

// Cache returns the cache the editor reads through.
func (e *CachedEditor) Cache() *Cache {
	return e.cache
}

// IsManifest reports whether path names a manifest the editor understands.
func IsManifest(path string) bool {
	base := filepath.Base(path)
	return base == "go.mod" || isProjectFile(base)
}

func isProjectFile(base string) bool {
	ext := strings.ToLower(filepath.Ext(base))
	return len(ext) > len(".proj") && strings.HasSuffix(ext, "proj")
}

func (e *CachedEditor) formatFor(path string) (format, error) {
	base := filepath.Base(path)
	switch {
	case base == "go.mod":
		return e.gomod, nil
	case isProjectFile(base):
		return e.proj, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedManifest, path)
}

func (e *CachedEditor) load(path string) (format, string, error) {
	f, err := e.formatFor(path)
	if err != nil {
		return nil, "", err
	}
	text, err := e.cache.Read(path)
	if err != nil {
		return nil, "", err
	}
	return f, text, nil
}

func (e *CachedEditor) DeclaredProjects(path string) ([]model.DeclaredReference, error) {
	f, text, err := e.load(path)
	if err != nil {
		return nil, err
	}
	return f.projects(path, text)
}

func (e *CachedEditor) DeclaredPackages(path string) ([]model.DeclaredReference, error) {
	f, text, err := e.load(path)
	if err != nil {
		return nil, err
	}
	return f.packages(path, text)
}

func (e *CachedEditor) DeclaredDependencies(path string) ([]model.DeclaredReference, error) {
	projects, err := e.DeclaredProjects(path)
	if err != nil {
		return nil, err
	}
	packages, err := e.DeclaredPackages(path)
	if err != nil {
		return nil, err
	}
	return model.UniqueDeclared(append(projects, packages...)), nil
}

func (e *CachedEditor) RemoveDeclaredProjectDependencies(path string, targets []string) error {
	return e.remove(path, targets, format.removeProjects)
}

func (e *CachedEditor) RemoveDeclaredPackages(path string, targets []string) error {
	return e.remove(path, targets, format.removePackages)
}

func (e *CachedEditor) remove(path string, targets []string, op func(format, string, string, map[string]bool) (string, int, error)) error {
	if len(targets) == 0 {
		return nil
	}
	f, text, err := e.load(path)
	if err != nil {
		return err
	}
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	edited, removed, err := op(f, path, text, set)
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	return e.cache.Write(path, edited)
}
