package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"golang.org/x/mod/modfile"

	"refanalyzer/model"
)

// LocalReplacement is a replace directive pointing at a directory.
type LocalReplacement struct {
	OldPath string
	OldVers string
	// Dir is the absolute replacement directory.
	Dir string
}

// ParseGoMod parses go.mod text read from path.
func ParseGoMod(path, text string) (*modfile.File, error) {
	f, err := modfile.Parse(path, []byte(text), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	return f, nil
}

// LocalReplacements returns the directory replacements of a go.mod file,
// keyed by the replaced module path.
func LocalReplacements(modDir string, f *modfile.File) map[string]LocalReplacement {
	replacements := make(map[string]LocalReplacement)
	for _, replace := range f.Replace {
		if replace.New.Version != "" || !modfile.IsDirectoryPath(replace.New.Path) {
			continue
		}
		dir := filepath.FromSlash(replace.New.Path)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(modDir, dir)
		}
		replacements[replace.Old.Path] = LocalReplacement{
			OldPath: replace.Old.Path,
			OldVers: replace.Old.Version,
			Dir:     filepath.Clean(dir),
		}
	}
	return replacements
}

// goModFormat handles go.mod files. Directly required modules that are
// replaced by a local directory are project dependencies; the other
// direct requirements are packages.
type goModFormat struct {
	cache *Cache
}

func (g *goModFormat) parse(path, text string) (*modfile.File, map[string]LocalReplacement, error) {
	f, err := ParseGoMod(path, text)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, LocalReplacements(filepath.Dir(path), f), nil
}

// localIdentity reads the module path declared by the replacement's own
// go.mod, falling back to the required path.
func (g *goModFormat) localIdentity(required string, r LocalReplacement) (string, error) {
	text, err := g.cache.Read(filepath.Join(r.Dir, "go.mod"))
	if errors.Is(err, fs.ErrNotExist) {
		return required, nil
	}
	if err != nil {
		return "", err
	}
	if p := modfile.ModulePath([]byte(text)); p != "" {
		return p, nil
	}
	return required, nil
}

func (g *goModFormat) projects(path, text string) ([]model.DeclaredReference, error) {
	f, replacements, err := g.parse(path, text)
	if err != nil {
		return nil, err
	}
	var refs []model.DeclaredReference
	for _, req := range f.Require {
		r, ok := replacements[req.Mod.Path]
		if !ok || req.Indirect {
			continue
		}
		id, err := g.localIdentity(req.Mod.Path, r)
		if err != nil {
			return nil, err
		}
		refs = append(refs, model.DeclaredReference{
			Target: id,
			Kind:   model.ProjectReference,
			Path:   filepath.Join(r.Dir, "go.mod"),
		})
	}
	return refs, nil
}

func (g *goModFormat) packages(path, text string) ([]model.DeclaredReference, error) {
	f, replacements, err := g.parse(path, text)
	if err != nil {
		return nil, err
	}
	var refs []model.DeclaredReference
	for _, req := range f.Require {
		if _, local := replacements[req.Mod.Path]; local || req.Indirect {
			continue
		}
		refs = append(refs, model.DeclaredReference{Target: req.Mod.Path, Kind: model.PackageReference})
	}
	return refs, nil
}

func (g *goModFormat) removeProjects(path, text string, targets map[string]bool) (string, int, error) {
	f, replacements, err := g.parse(path, text)
	if err != nil {
		return "", 0, err
	}
	removed := 0
	for _, req := range f.Require {
		r, ok := replacements[req.Mod.Path]
		if !ok {
			continue
		}
		id, err := g.localIdentity(req.Mod.Path, r)
		if err != nil {
			return "", 0, err
		}
		if !targets[id] && !targets[req.Mod.Path] {
			continue
		}
		if err := f.DropRequire(req.Mod.Path); err != nil {
			return "", 0, err
		}
		if err := f.DropReplace(r.OldPath, r.OldVers); err != nil {
			return "", 0, err
		}
		removed++
	}
	return g.format(f, removed)
}

func (g *goModFormat) removePackages(path, text string, targets map[string]bool) (string, int, error) {
	f, replacements, err := g.parse(path, text)
	if err != nil {
		return "", 0, err
	}
	removed := 0
	for _, req := range f.Require {
		if _, local := replacements[req.Mod.Path]; local || !targets[req.Mod.Path] {
			continue
		}
		if err := f.DropRequire(req.Mod.Path); err != nil {
			return "", 0, err
		}
		removed++
	}
	return g.format(f, removed)
}

func (g *goModFormat) format(f *modfile.File, removed int) (string, int, error) {
	if removed == 0 {
		return "", 0, nil
	}
	f.Cleanup()
	out, err := f.Format()
	if err != nil {
		return "", 0, err
	}
	return string(out), removed, nil
}
