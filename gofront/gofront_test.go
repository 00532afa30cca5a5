package gofront

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refanalyzer/analyzer"
	"refanalyzer/compilation"
	"refanalyzer/manifest"
	"refanalyzer/model"
	"refanalyzer/walker"
)

func requireGo(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go command not available")
	}
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, text := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(text), 0o644))
	}
}

// workspace lays out an app module using lib, declaring an unused module
// and importing only the standard library besides lib.
func workspace(t *testing.T) string {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"go.work":    "go 1.21\n\nuse (\n\t./app\n\t./lib\n\t./unused\n)\n",
		"lib/go.mod": "module example.com/lib\n\ngo 1.21\n",
		"lib/lib.go": `package lib

type Base struct{ ID int }

type Widget struct {
	Base
	Name string
}

type Namer interface{ Name() string }

type Doer interface {
	Namer
	Do() error
}

type Box[T any] struct{ Value T }

func New(name string) *Widget { return &Widget{Name: name} }

var Default = New("default")

const Version = "1.0"
`,
		"unused/go.mod":    "module example.com/unused\n\ngo 1.21\n",
		"unused/unused.go": "package unused\n\nfunc Nothing() {}\n",
		"app/go.mod": `module example.com/app

go 1.21

require (
	example.com/lib v0.0.0
	example.com/unused v0.0.0
)

replace example.com/lib => ../lib

replace example.com/unused => ../unused
`,
		"app/main.go": `package main

import (
	"fmt"

	"example.com/lib"
)

type local struct{ w *lib.Widget }

func main() {
	w := lib.New("x")
	fmt.Println(w.Name, local{w: w})
}
`,
	})
	return root
}

func TestParsePosition(t *testing.T) {
	tests := []struct {
		pos  string
		want model.Location
	}{
		{"", model.Location{}},
		{"-", model.Location{}},
		{"/src/a.go:12:5", model.Location{File: "/src/a.go", Line: 12, Column: 5}},
		{"/src/a.go:12", model.Location{File: "/src/a.go", Line: 12}},
		{`C:\src\a.go:3:1`, model.Location{File: `C:\src\a.go`, Line: 3, Column: 1}},
		{"go.mod", model.Location{File: "go.mod"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parsePosition(tt.pos), tt.pos)
	}
}

func TestIsStdPath(t *testing.T) {
	assert.True(t, isStdPath("fmt"))
	assert.True(t, isStdPath("net/http"))
	assert.False(t, isStdPath("example.com/lib"))
	assert.False(t, isStdPath(""))
}

func TestLoadWorkspace(t *testing.T) {
	root := workspace(t)
	writeFiles(t, root, map[string]string{
		"go.work": "go 1.21\n\nuse (\n\t./app\n\t./lib\n\t./missing\n)\n",
	})
	p := New(manifest.NewCache(nil))

	modules, diags, err := p.LoadBuildGraph(context.Background(), root, map[string]string{"tags": "integration"})
	require.NoError(t, err)

	var names []string
	for _, m := range modules {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"example.com/app", "example.com/lib"}, names)
	assert.Equal(t, filepath.Join(root, "app", "go.mod"), modules[0].Path)
	require.Len(t, diags, 1)
	assert.Equal(t, compilation.SeverityWarning, diags[0].Severity)
	assert.Contains(t, diags[0].Message, "./missing")
	assert.Equal(t, 6, diags[0].Location.Line)
}

func TestLoadSingleModule(t *testing.T) {
	root := workspace(t)
	p := New(manifest.NewCache(nil))

	modules, diags, err := p.LoadBuildGraph(context.Background(), filepath.Join(root, "lib", "go.mod"), nil)
	require.NoError(t, err)
	assert.Empty(t, diags)
	assert.Equal(t, []compilation.ModuleInfo{{Name: "example.com/lib", Path: filepath.Join(root, "lib", "go.mod")}}, modules)

	modules, _, err = p.LoadBuildGraph(context.Background(), filepath.Join(root, "unused"), nil)
	require.NoError(t, err)
	assert.Equal(t, "example.com/unused", modules[0].Name)
}

func TestLoadUnsupportedFile(t *testing.T) {
	root := workspace(t)
	_, _, err := New(manifest.NewCache(nil)).LoadBuildGraph(context.Background(), filepath.Join(root, "app", "main.go"), nil)
	assert.ErrorIs(t, err, manifest.ErrUnsupportedManifest)
}

func TestBuildProperties(t *testing.T) {
	p := New(manifest.NewCache(nil))
	p.props = map[string]string{"tags": "a,b", "GOOS": "plan9"}

	cfg := p.config(context.Background(), "/src")

	assert.Equal(t, []string{"-tags=a,b"}, cfg.BuildFlags)
	assert.Contains(t, cfg.Env, "GOOS=plan9")
	assert.True(t, cfg.Tests, "test files are loaded by default")
	assert.Equal(t, "/src", cfg.Dir)

	p.props = map[string]string{"tests": "false"}
	assert.False(t, p.config(context.Background(), "/src").Tests)
}

func TestLocateArtifact(t *testing.T) {
	root := workspace(t)
	p := New(manifest.NewCache(nil))

	dir, ok := p.LocateArtifact(model.DeclaredReference{Target: "example.com/lib", Kind: model.ProjectReference, Path: filepath.Join(root, "lib", "go.mod")}, "")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(root, "lib"), dir)

	_, ok = p.LocateArtifact(model.DeclaredReference{Target: "github.com/x/y", Kind: model.PackageReference}, "")
	assert.False(t, ok)
	_, ok = p.LocateArtifact(model.DeclaredReference{Target: "gone", Kind: model.ProjectReference, Path: filepath.Join(root, "gone", "go.mod")}, "")
	assert.False(t, ok)
}

func compileApp(t *testing.T, root string) compilation.CompiledUnit {
	t.Helper()
	p := New(manifest.NewCache(nil))
	_, _, err := p.LoadBuildGraph(context.Background(), root, nil)
	require.NoError(t, err)
	unit, err := p.Compile(context.Background(), model.NewModule("example.com/app", filepath.Join(root, "app", "go.mod")))
	require.NoError(t, err)
	return unit
}

func TestCompileAndWalk(t *testing.T) {
	requireGo(t)
	root := workspace(t)
	unit := compileApp(t, root)

	assert.Equal(t, "example.com/app", unit.Identity())
	assert.Contains(t, unit.ReferencedIdentities(), "example.com/lib")
	assert.Contains(t, unit.ReferencedIdentities(), StdOwner)
	require.Len(t, unit.SyntaxTrees(), 1)
	assert.Equal(t, "main.go", filepath.Base(unit.SyntaxTrees()[0].Path()))

	diags, err := unit.Emit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, diags)

	w := walker.New(walker.WithIgnore(walker.IgnoreExact(unit.Identity()), walker.IgnorePrefix(StdOwner)))
	occurrences, err := w.Walk(context.Background(), unit.SyntaxTrees(), unit.Resolver)
	require.NoError(t, err)
	require.NotEmpty(t, occurrences)

	names := map[string]bool{}
	for _, o := range occurrences {
		assert.Equal(t, "example.com/lib", o.Owner)
		assert.NotZero(t, o.Location.Line)
		names[o.TypeName] = true
	}
	assert.True(t, names["Widget"])
	assert.True(t, names["Base"], "embedded base type is part of the closure")
	assert.True(t, names["example.com/lib"], "package functions are contained by their package")
}

func TestEmitReportsTypeErrors(t *testing.T) {
	requireGo(t)
	root := workspace(t)
	writeFiles(t, root, map[string]string{
		"app/broken.go": "package main\n\nfunc broken() int { return \"no\" }\n",
	})
	unit := compileApp(t, root)
	unit.AddMetadata(filepath.Join(root, "nowhere"))

	diags, err := unit.Emit(context.Background())
	require.NoError(t, err)

	var errs, warnings int
	for _, d := range diags {
		switch d.Severity {
		case compilation.SeverityError:
			errs++
			assert.Equal(t, "broken.go", filepath.Base(d.Location.File))
			assert.Equal(t, 3, d.Location.Line)
		case compilation.SeverityWarning:
			warnings++
		}
	}
	assert.Equal(t, 1, errs)
	assert.Equal(t, 1, warnings)
}

func TestTypeAdapters(t *testing.T) {
	requireGo(t)
	root := workspace(t)
	writeFiles(t, root, map[string]string{
		"app/more.go": `package main

import "example.com/lib"

var box lib.Box[lib.Widget]

var doer lib.Doer

var byName map[string]*lib.Widget
`,
	})
	u := compileApp(t, root).(*unit)

	lookup := func(name string) compilation.Type {
		for _, pkg := range u.pkgs {
			if obj := pkg.Types.Scope().Lookup(name); obj != nil {
				return u.typeOf(obj.Type())
			}
		}
		t.Fatalf("%s not found", name)
		return nil
	}
	typeNames := func(types []compilation.Type) []string {
		var out []string
		for _, tt := range types {
			out = append(out, tt.Owner()+":"+tt.Name())
		}
		sort.Strings(out)
		return out
	}

	box := lookup("box")
	assert.Equal(t, "Box", box.Name())
	assert.Equal(t, "example.com/lib", box.Owner())
	assert.Equal(t, []string{"example.com/lib:Widget"}, typeNames(box.TypeArguments()))

	doer := lookup("doer")
	assert.Equal(t, []string{"example.com/lib:Namer"}, typeNames(doer.AllInterfaces()))
	assert.Nil(t, doer.BaseType())

	byName := lookup("byName")
	assert.Equal(t, "", byName.Owner())
	assert.Equal(t, []string{":string", "example.com/lib:Widget"}, typeNames(byName.TypeArguments()))
	widget := byName.TypeArguments()[1]
	require.NotNil(t, widget.BaseType())
	assert.Equal(t, "Base", widget.BaseType().Name())
	assert.Nil(t, widget.BaseType().BaseType())
}

func TestAnalyzeGoWorkspace(t *testing.T) {
	requireGo(t)
	root := workspace(t)
	cache := manifest.NewCache(nil)
	a := analyzer.New(New(cache), manifest.NewEditor(cache), analyzer.Config{})

	modules, err := a.Load(context.Background(), root)
	require.NoError(t, err)
	app, err := a.Module("example.com/app")
	require.NoError(t, err)
	require.Len(t, modules, 3)

	report, err := a.Analyze(context.Background(), app)
	require.NoError(t, err)

	assert.Equal(t, []string{"example.com/unused"}, report.DiffTargets())
	assert.Positive(t, report.ReferencesTo("example.com/lib"))
	assert.Zero(t, report.ReferencesTo(StdOwner))

	removed, err := a.RemoveUnused(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com/unused"}, removed)

	data, err := os.ReadFile(filepath.Join(root, "app", "go.mod"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "example.com/unused")
	assert.Contains(t, string(data), "replace example.com/lib => ../lib")

	again, err := a.Analyze(context.Background(), app)
	require.NoError(t, err)
	assert.Empty(t, again.Diff())
}

const testOnlyUse = `package main

import (
	"testing"

	"example.com/unused"
)

func TestRun(t *testing.T) { unused.Nothing() }
`

func TestDependencyUsedOnlyByTestsIsKept(t *testing.T) {
	requireGo(t)
	root := workspace(t)
	writeFiles(t, root, map[string]string{"app/main_test.go": testOnlyUse})
	cache := manifest.NewCache(nil)
	a := analyzer.New(New(cache), manifest.NewEditor(cache), analyzer.Config{})

	_, err := a.Load(context.Background(), root)
	require.NoError(t, err)
	app, err := a.Module("example.com/app")
	require.NoError(t, err)

	report, err := a.Analyze(context.Background(), app)
	require.NoError(t, err)
	assert.Empty(t, report.DiffTargets())
	assert.Positive(t, report.ReferencesTo("example.com/unused"))

	removed, err := a.RemoveUnused(context.Background(), report)
	require.NoError(t, err)
	assert.Empty(t, removed)
	data, err := os.ReadFile(filepath.Join(root, "app", "go.mod"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "example.com/unused")
}

func TestTestVariantFilesAreWalkedOnce(t *testing.T) {
	requireGo(t)
	root := workspace(t)
	writeFiles(t, root, map[string]string{"app/main_test.go": testOnlyUse})
	unit := compileApp(t, root)

	var names []string
	for _, tree := range unit.SyntaxTrees() {
		names = append(names, filepath.Base(tree.Path()))
	}
	assert.Equal(t, []string{"main.go", "main_test.go"}, names)

	diags, err := unit.Emit(context.Background())
	require.NoError(t, err)
	assert.Empty(t, diags)
}

func TestTestsCanBeExcluded(t *testing.T) {
	requireGo(t)
	root := workspace(t)
	writeFiles(t, root, map[string]string{"app/main_test.go": testOnlyUse})
	cache := manifest.NewCache(nil)
	a := analyzer.New(New(cache), manifest.NewEditor(cache), analyzer.Config{
		BuildProperties: map[string]string{PropTests: "false"},
	})

	_, err := a.Load(context.Background(), root)
	require.NoError(t, err)
	app, err := a.Module("example.com/app")
	require.NoError(t, err)

	report, err := a.Analyze(context.Background(), app)
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com/unused"}, report.DiffTargets())
}
