package analyzer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"refanalyzer/compilation"
	"refanalyzer/manifest"
	"refanalyzer/model"
	"refanalyzer/pipeline"
)

const appProject = `<Project Sdk="Microsoft.NET.Sdk">
  <ItemGroup>
    <PackageReference Include="Newtonsoft.Json" Version="13.0.1" />
  </ItemGroup>
  <ItemGroup>
    <ProjectReference Include="..\A\A.csproj" />
    <ProjectReference Include="..\B\B.csproj" />
  </ItemGroup>
</Project>
`

type recordSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordSink) Write(line string) {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

func (s *recordSink) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

var (
	typeB      = &compilation.FakeType{TypeName: "Widget", OwnerName: "B"}
	typeString = &compilation.FakeType{TypeName: "String", OwnerName: "System.Private.CoreLib"}
	typeSelf   = &compilation.FakeType{TypeName: "Program", OwnerName: "App"}
)

// appUnit uses B and the runtime from a type declared in App.
func appUnit() *compilation.FakeUnit {
	decl := &compilation.FakeNode{Nodes: []*compilation.FakeNode{
		{Symbol: &compilation.FakeSymbol{SymbolName: "Widget", SymbolKind: compilation.KindType, Type: typeB}},
		{Symbol: &compilation.FakeSymbol{SymbolName: "Name", SymbolKind: compilation.KindProperty, Container: typeSelf, Property: typeString}},
		{},
	}}
	return &compilation.FakeUnit{
		Name:  "App",
		Trees: []*compilation.FakeTree{{FilePath: "Program.cs", Decls: []*compilation.FakeNode{decl}}},
	}
}

type fixture struct {
	dir      string
	manifest string
	provider *compilation.FakeProvider
	unit     *compilation.FakeUnit
	sink     *recordSink
	analyzer *Analyzer
	module   *model.Module
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	appDir := filepath.Join(dir, "App")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	path := filepath.Join(appDir, "App.csproj")
	require.NoError(t, os.WriteFile(path, []byte(appProject), 0o644))

	unit := appUnit()
	provider := &compilation.FakeProvider{
		Modules: []compilation.ModuleInfo{{Name: "App", Path: path}},
		Units:   map[string]*compilation.FakeUnit{"App": unit},
		Runtime: []string{"System"},
	}
	sink := &recordSink{}
	editor := manifest.NewEditor(manifest.NewCache(nil))
	return &fixture{
		dir:      dir,
		manifest: path,
		provider: provider,
		unit:     unit,
		sink:     sink,
		analyzer: New(provider, editor, cfg, WithSink(sink)),
		module:   model.NewModule("App", path),
	}
}

func (f *fixture) writeFile(t *testing.T, rel, text string) string {
	t.Helper()
	p := filepath.Join(f.dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(text), 0o644))
	return p
}

func targets(refs []model.ActualReference) []string {
	var out []string
	for _, r := range refs {
		out = append(out, r.Target)
	}
	return out
}

func TestAnalyzeReportsUnusedDeclarations(t *testing.T) {
	f := newFixture(t, Config{})

	report, err := f.analyzer.Analyze(context.Background(), f.module)
	require.NoError(t, err)

	assert.Equal(t, "App", report.Module)
	assert.Equal(t, f.manifest, report.Path)
	assert.Equal(t, []string{"B"}, targets(report.Actual))
	assert.Equal(t, 1, report.ReferencesTo("B"))
	assert.Equal(t, []string{"A", "Newtonsoft.Json"}, report.DiffTargets())
	for _, d := range report.Diff() {
		assert.Contains(t, report.Declared, d)
	}
}

func TestAnalyzeWithoutPathFailsFast(t *testing.T) {
	f := newFixture(t, Config{})
	var compiled atomic.Int32
	f.provider.CompileHook = func(ctx context.Context, m *model.Module) error {
		compiled.Add(1)
		return nil
	}

	_, err := f.analyzer.Analyze(context.Background(), model.NewModule("Orphan", ""))

	assert.ErrorIs(t, err, ErrNoModulePath)
	assert.Zero(t, compiled.Load())
}

func TestCompileErrors(t *testing.T) {
	diags := []compilation.Diagnostic{
		{Severity: compilation.SeverityWarning, Message: "unused variable"},
		{Severity: compilation.SeverityError, Message: "CS0246 missing type", Location: model.Location{File: "Program.cs", Line: 3, Column: 5}},
		{Severity: compilation.SeverityError, Message: "CS1002 ; expected"},
	}

	t.Run("stop on errors", func(t *testing.T) {
		f := newFixture(t, Config{StopOnCompileErrors: true})
		f.unit.Diagnostics = diags

		_, err := f.analyzer.Analyze(context.Background(), f.module)

		require.ErrorIs(t, err, ErrCompilation)
		var ce *CompileError
		require.True(t, errors.As(err, &ce))
		assert.Len(t, ce.Diagnostics, 2)
		assert.Contains(t, err.Error(), "CS0246 missing type"+DiagnosticSeparator+"error: CS1002 ; expected")
		assert.NotContains(t, err.Error(), "unused variable")
		assert.Len(t, f.sink.get(), 3)
	})

	t.Run("continue on errors", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.unit.Diagnostics = diags

		report, err := f.analyzer.Analyze(context.Background(), f.module)

		require.NoError(t, err)
		assert.Equal(t, []string{"B"}, targets(report.Actual))
		assert.Len(t, f.sink.get(), 3)
	})

	t.Run("policy can change between analyses", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.unit.Diagnostics = diags
		f.analyzer.SetStopOnCompileErrors(true)

		_, err := f.analyzer.Analyze(context.Background(), f.module)
		assert.ErrorIs(t, err, ErrCompilation)
	})
}

func TestMarkupReferencesAreUnioned(t *testing.T) {
	f := newFixture(t, Config{})
	f.writeFile(t, "App/Views/Main.xaml", `<Window xmlns="http://schemas.microsoft.com/winfx/2006/xaml/presentation"
        xmlns:a="clr-namespace:A.Controls;assembly=A"
        xmlns:s="clr-namespace:System;assembly=System.Runtime"
        xmlns:b="clr-namespace:B;assembly=B">
</Window>`)
	f.writeFile(t, "App/Views/Broken.xaml", `<Window`)

	report, err := f.analyzer.Analyze(context.Background(), f.module)
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, targets(report.Actual))
	assert.Zero(t, report.ReferencesTo("A"))
	assert.Equal(t, 1, report.ReferencesTo("B"))
	assert.Equal(t, []string{"Newtonsoft.Json"}, report.DiffTargets())

	var skipped int
	for _, line := range f.sink.get() {
		if strings.Contains(line, "Broken.xaml") {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)
}

func TestRemoveUnusedThenReanalyze(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	report, err := f.analyzer.Analyze(ctx, f.module)
	require.NoError(t, err)
	require.NotEmpty(t, report.Diff())

	removed, err := f.analyzer.RemoveUnused(ctx, report)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "Newtonsoft.Json"}, removed)

	data, err := os.ReadFile(f.manifest)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `A.csproj`)
	assert.NotContains(t, string(data), `Newtonsoft.Json`)
	assert.Contains(t, string(data), `B.csproj`)

	again, err := f.analyzer.Analyze(ctx, f.module)
	require.NoError(t, err)
	assert.Empty(t, again.Diff())

	removed, err = f.analyzer.RemoveUnused(ctx, again)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestRemoveUnusedWithoutPath(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.analyzer.RemoveUnused(context.Background(), model.Report{Module: "Orphan"})
	assert.ErrorIs(t, err, ErrNoModulePath)
}

func TestDependencyArtifactsAreAddedAsMetadata(t *testing.T) {
	t.Run("configuration output dir", func(t *testing.T) {
		f := newFixture(t, Config{BuildProperties: map[string]string{"Configuration": "Debug"}})
		dll := f.writeFile(t, "App/bin/Debug/B.dll", "")
		exe := f.writeFile(t, "App/bin/Debug/A.exe", "")

		_, err := f.analyzer.Analyze(context.Background(), f.module)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{dll, exe}, f.unit.Metadata())
	})

	t.Run("absolute output dir", func(t *testing.T) {
		f := newFixture(t, Config{})
		out := filepath.Join(f.dir, "out")
		f.analyzer.cfg.OutputDir = out
		dll := f.writeFile(t, "out/A.dll", "")

		_, err := f.analyzer.Analyze(context.Background(), f.module)
		require.NoError(t, err)
		assert.Equal(t, []string{dll}, f.unit.Metadata())
	})
}

type locatingProvider struct {
	*compilation.FakeProvider
	asked []string
}

func (p *locatingProvider) LocateArtifact(dep model.DeclaredReference, outputDir string) (string, bool) {
	p.asked = append(p.asked, dep.Target)
	if dep.Kind == model.ProjectReference {
		return "/artifacts/" + dep.Target, true
	}
	return "", false
}

func TestProviderLocatesArtifacts(t *testing.T) {
	f := newFixture(t, Config{})
	provider := &locatingProvider{FakeProvider: f.provider}
	a := New(provider, manifest.NewEditor(manifest.NewCache(nil)), Config{})

	_, err := a.Analyze(context.Background(), f.module)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "Newtonsoft.Json"}, provider.asked)
	assert.Equal(t, []string{"/artifacts/A", "/artifacts/B"}, f.unit.Metadata())
}

func TestOutputDir(t *testing.T) {
	m := filepath.FromSlash("/src/App/App.csproj")
	assert.Equal(t, filepath.FromSlash("/src/App/bin"), OutputDir(m, Config{}))
	assert.Equal(t, filepath.FromSlash("/src/App/bin/Release"), OutputDir(m, Config{BuildProperties: map[string]string{"Configuration": "Release"}}))
	assert.Equal(t, filepath.FromSlash("/src/App/build"), OutputDir(m, Config{OutputDir: "build"}))
	assert.Equal(t, filepath.FromSlash("/out"), OutputDir(m, Config{OutputDir: filepath.FromSlash("/out")}))
}

func TestLoad(t *testing.T) {
	f := newFixture(t, Config{BuildProperties: map[string]string{"Configuration": "Debug"}})
	f.provider.Modules = []compilation.ModuleInfo{
		{Name: "Zeta", Path: "/src/Zeta/Zeta.csproj"},
		{Name: "App", Path: f.manifest},
		{Name: "Core", Path: "/src/Core/Core.csproj"},
	}
	f.provider.LoadDiag = []compilation.Diagnostic{{Severity: compilation.SeverityWarning, Message: "project skipped"}}
	cache := f.analyzer.editor.Cache()

	_, err := f.analyzer.Analyze(context.Background(), f.module)
	require.NoError(t, err)
	require.True(t, cache.Contains(f.manifest))

	modules, err := f.analyzer.Load(context.Background(), filepath.Join(f.dir, "App.sln"))
	require.NoError(t, err)

	var names []string
	for _, m := range modules {
		names = append(names, m.Name)
		assert.Equal(t, model.NotStarted, m.Stage())
		assert.True(t, m.Report().IsEmpty())
	}
	assert.Equal(t, []string{"App", "Core", "Zeta"}, names)
	assert.False(t, cache.Contains(f.manifest))
	assert.Equal(t, map[string]string{"Configuration": "Debug"}, f.provider.Properties())
	assert.Equal(t, []string{"warning: project skipped"}, f.sink.get())
	assert.Equal(t, modules, f.analyzer.Modules())

	core, err := f.analyzer.Module("Core")
	require.NoError(t, err)
	assert.Equal(t, "/src/Core/Core.csproj", core.Path)
	_, err = f.analyzer.Module("Missing")
	assert.ErrorIs(t, err, ErrModuleNotFound)
}

// readingProvider reads every module manifest through the cache while
// loading, as a real build graph loader does.
type readingProvider struct {
	*compilation.FakeProvider
	cache *manifest.Cache
}

func (p *readingProvider) LoadBuildGraph(ctx context.Context, path string, props map[string]string) ([]compilation.ModuleInfo, []compilation.Diagnostic, error) {
	for _, m := range p.Modules {
		if _, err := p.cache.Read(m.Path); err != nil {
			return nil, nil, err
		}
	}
	return p.FakeProvider.LoadBuildGraph(ctx, path, props)
}

func TestLoadKeepsManifestsReadWhileLoading(t *testing.T) {
	f := newFixture(t, Config{})
	cache := manifest.NewCache(nil)
	a := New(&readingProvider{FakeProvider: f.provider, cache: cache}, manifest.NewEditor(cache), Config{})

	_, err := a.Load(context.Background(), f.dir)
	require.NoError(t, err)
	require.True(t, cache.Contains(f.manifest))
	before := cache.Stats()

	_, err = cache.Read(f.manifest)
	require.NoError(t, err)
	after := cache.Stats()
	assert.Equal(t, before.Reads, after.Reads)
	assert.Equal(t, before.Hits+1, after.Hits)
}

func TestLoadFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.provider.LoadErr = errors.New("solution file is corrupt")

	_, err := f.analyzer.Load(context.Background(), "/src/App.sln")

	assert.ErrorIs(t, err, ErrLoad)
	assert.ErrorContains(t, err, "solution file is corrupt")
}

func TestAnalyzeAll(t *testing.T) {
	f := newFixture(t, Config{})
	orphan := model.NewModule("Orphan", "")

	analyses := f.analyzer.AnalyzeAll(context.Background(), []*model.Module{f.module, orphan}, pipeline.WithSlots(1))

	require.Len(t, analyses, 2)
	first := <-analyses[0].Outcome
	require.NoError(t, first.Err)
	assert.Equal(t, []string{"A", "Newtonsoft.Json"}, first.Report.DiffTargets())
	second := <-analyses[1].Outcome
	assert.ErrorIs(t, second.Err, ErrNoModulePath)

	assert.Equal(t, model.Finished, f.module.Stage())
	assert.Equal(t, first.Report, f.module.Report())
	assert.ErrorIs(t, orphan.Err(), ErrNoModulePath)
}

func TestAnalyzeHonoursCancellation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.analyzer.Analyze(ctx, f.module)
	assert.ErrorIs(t, err, context.Canceled)
}
