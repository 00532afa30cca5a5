package gofront

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"

	"refanalyzer/compilation"
	"refanalyzer/manifest"
)

const (
	goModFile  = "go.mod"
	goWorkFile = "go.work"
)

// findGoModDir walks up from dir to the nearest directory holding a go.mod.
func findGoModDir(dir string) (string, error) {
	for {
		if _, err := os.Stat(filepath.Join(dir, goModFile)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found in any parent directory", goModFile)
		}
		dir = parent
	}
}

// resolveGraphPath turns a build graph path into either a go.work file or
// a go.mod file. A directory is looked up for go.work first, then go.mod
// in it or its parents.
func resolveGraphPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		switch filepath.Base(abs) {
		case goWorkFile, goModFile:
			return abs, nil
		}
		return "", fmt.Errorf("%s: %w", abs, manifest.ErrUnsupportedManifest)
	}
	if _, err := os.Stat(filepath.Join(abs, goWorkFile)); err == nil {
		return filepath.Join(abs, goWorkFile), nil
	}
	modDir, err := findGoModDir(abs)
	if err != nil {
		return "", err
	}
	return filepath.Join(modDir, goModFile), nil
}

// readModule reads a module's path from its go.mod through the cache.
func readModule(cache *manifest.Cache, goMod string) (compilation.ModuleInfo, error) {
	text, err := cache.Read(goMod)
	if err != nil {
		return compilation.ModuleInfo{}, err
	}
	f, err := manifest.ParseGoMod(goMod, text)
	if err != nil {
		return compilation.ModuleInfo{}, fmt.Errorf("%s: %w", goMod, err)
	}
	if f.Module == nil || f.Module.Mod.Path == "" {
		return compilation.ModuleInfo{}, fmt.Errorf("%s: no module directive: %w", goMod, manifest.ErrManifestParse)
	}
	return compilation.ModuleInfo{Name: f.Module.Mod.Path, Path: goMod}, nil
}

// loadWorkspace returns the modules a go.work file uses. Use directives
// whose go.mod cannot be read are reported as diagnostics and skipped.
func loadWorkspace(cache *manifest.Cache, workPath string) ([]compilation.ModuleInfo, []compilation.Diagnostic, error) {
	text, err := cache.Read(workPath)
	if err != nil {
		return nil, nil, err
	}
	wf, err := modfile.ParseWork(workPath, []byte(text), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", manifest.ErrManifestParse, err)
	}

	workDir := filepath.Dir(workPath)
	var (
		modules []compilation.ModuleInfo
		diags   []compilation.Diagnostic
	)
	for _, use := range wf.Use {
		dir := filepath.FromSlash(use.Path)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, dir)
		}
		info, err := readModule(cache, filepath.Join(filepath.Clean(dir), goModFile))
		if err != nil {
			msg := fmt.Sprintf("skipping workspace module %s: %v", use.Path, err)
			if errors.Is(err, fs.ErrNotExist) {
				msg = fmt.Sprintf("skipping workspace module %s: no %s", use.Path, goModFile)
			}
			diags = append(diags, compilation.Diagnostic{
				Severity: compilation.SeverityWarning,
				Message:  msg,
				Location: positionOf(workPath, use.Syntax.Start.Line, use.Syntax.Start.LineRune),
			})
			continue
		}
		modules = append(modules, info)
	}
	return modules, diags, nil
}
