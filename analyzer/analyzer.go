// Package analyzer compares the dependencies a module declares in its
// manifest with the dependencies its compiled code actually uses.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"refanalyzer/compilation"
	"refanalyzer/manifest"
	"refanalyzer/markup"
	"refanalyzer/model"
	"refanalyzer/pipeline"
	"refanalyzer/walker"
)

// DefaultOutputDir is where declared dependencies' artifacts are looked up,
// relative to the manifest directory.
const DefaultOutputDir = "bin"

// Config holds the analysis policy.
type Config struct {
	// StopOnCompileErrors fails a module whose compilation reports errors.
	StopOnCompileErrors bool
	BuildProperties     map[string]string
	// OutputDir overrides the artifact directory. Relative values are
	// resolved against the manifest directory.
	OutputDir      string
	MarkupPatterns []string
	// IgnorePrefixes are owner prefixes ignored on top of the provider's
	// runtime prefixes.
	IgnorePrefixes []string
	// Parallelism bounds the walker goroutines per module.
	Parallelism int
}

type Analyzer struct {
	provider compilation.Provider
	editor   *manifest.CachedEditor
	markup   *markup.Reader
	sink     MessageSink
	logger   *slog.Logger

	mu      sync.RWMutex
	cfg     Config
	modules []*model.Module
}

type Option func(*Analyzer)

func WithSink(sink MessageSink) Option {
	return func(a *Analyzer) {
		if sink != nil {
			a.sink = sink
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMarkupReader replaces the reader built from Config.MarkupPatterns.
func WithMarkupReader(r *markup.Reader) Option {
	return func(a *Analyzer) {
		a.markup = r
	}
}

func New(provider compilation.Provider, editor *manifest.CachedEditor, cfg Config, opts ...Option) *Analyzer {
	a := &Analyzer{
		provider: provider,
		editor:   editor,
		sink:     DiscardSink,
		logger:   slog.Default(),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.markup == nil {
		a.markup = markup.NewReader(manifest.OSFileAccess{}, cfg.MarkupPatterns...)
	}
	return a
}

func (a *Analyzer) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// SetStopOnCompileErrors changes the compile error policy for later analyses.
func (a *Analyzer) SetStopOnCompileErrors(stop bool) {
	a.mu.Lock()
	a.cfg.StopOnCompileErrors = stop
	a.mu.Unlock()
}

// SetBuildProperties changes the properties passed to the next Load.
func (a *Analyzer) SetBuildProperties(props map[string]string) {
	a.mu.Lock()
	a.cfg.BuildProperties = props
	a.mu.Unlock()
}

// Load loads the build graph at path and returns its modules sorted by name.
// It starts a new manifest cache generation.
func (a *Analyzer) Load(ctx context.Context, path string) ([]*model.Module, error) {
	cfg := a.config()
	a.logger.Info("loading build graph", "path", path, "properties", cfg.BuildProperties)

	// The new generation starts before the provider reads the manifests, so
	// its reads stay cached for the analyses that follow.
	a.editor.Cache().InvalidateAll()
	infos, diags, err := a.provider.LoadBuildGraph(ctx, path, cfg.BuildProperties)
	for _, d := range diags {
		a.sink.Write(d.String())
	}
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrLoad, path, err)
	}

	modules := make([]*model.Module, 0, len(infos))
	for _, info := range infos {
		modules = append(modules, model.NewModule(info.Name, info.Path))
	}
	model.SortModules(modules)

	a.mu.Lock()
	a.modules = modules
	a.mu.Unlock()
	a.logger.Info("build graph loaded", "modules", len(modules))
	return modules, nil
}

// Modules returns the modules of the last Load.
func (a *Analyzer) Modules() []*model.Module {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]*model.Module(nil), a.modules...)
}

// Module returns the loaded module called name.
func (a *Analyzer) Module(name string) (*model.Module, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, m := range a.modules {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
}

// Analyze builds the reference report of one module.
func (a *Analyzer) Analyze(ctx context.Context, module *model.Module) (model.Report, error) {
	if module.Path == "" {
		return model.EmptyReport, fmt.Errorf("%s: %w", module.Name, ErrNoModulePath)
	}
	cfg := a.config()
	logger := a.logger.With("module", module.Name)

	unit, err := a.provider.Compile(ctx, module)
	if err != nil {
		return model.EmptyReport, fmt.Errorf("compile %s: %w", module.Name, err)
	}

	declared, err := a.editor.DeclaredDependencies(module.Path)
	if err != nil {
		return model.EmptyReport, fmt.Errorf("%s: %w", module.Name, err)
	}
	if artifacts := a.locateArtifacts(module.Path, declared, cfg); len(artifacts) > 0 {
		logger.Debug("adding dependency metadata", "artifacts", artifacts)
		unit.AddMetadata(artifacts...)
	}

	diags, err := unit.Emit(ctx)
	if err != nil {
		return model.EmptyReport, fmt.Errorf("emit %s: %w", module.Name, err)
	}
	var errs []compilation.Diagnostic
	for _, d := range diags {
		a.sink.Write(d.String())
		if d.IsError() {
			errs = append(errs, d)
		}
	}
	if len(errs) > 0 && cfg.StopOnCompileErrors {
		return model.EmptyReport, &CompileError{Module: module.Name, Diagnostics: errs}
	}

	ignore := a.ignoreRules(unit.Identity(), cfg)
	w := walker.New(walker.WithIgnore(ignore...), walker.WithParallelism(cfg.Parallelism))
	occurrences, err := w.Walk(ctx, unit.SyntaxTrees(), unit.Resolver)
	if err != nil {
		return model.EmptyReport, err
	}

	fromMarkup, err := a.markupReferences(ctx, module.Path, ignore)
	if err != nil {
		return model.EmptyReport, fmt.Errorf("%s: %w", module.Name, err)
	}

	report := model.NewReport(module.Name, module.Path, declared,
		model.UnionActual(model.GroupOccurrences(occurrences), fromMarkup))
	logger.Debug("module analysed", "occurrences", len(occurrences), "markup", len(fromMarkup))
	return report, nil
}

func (a *Analyzer) ignoreRules(self string, cfg Config) []walker.IgnoreFunc {
	rules := []walker.IgnoreFunc{walker.IgnoreExact(self)}
	for _, p := range a.provider.RuntimePrefixes() {
		rules = append(rules, walker.IgnorePrefix(p))
	}
	for _, p := range cfg.IgnorePrefixes {
		rules = append(rules, walker.IgnorePrefix(p))
	}
	return rules
}

func (a *Analyzer) markupReferences(ctx context.Context, manifestPath string, ignore []walker.IgnoreFunc) ([]model.ActualReference, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keep := func(name string) bool {
		for _, rule := range ignore {
			if rule(name) {
				return false
			}
		}
		return true
	}
	names, problems, err := a.markup.Scan(filepath.Dir(manifestPath), keep)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, p := range problems {
		a.sink.Write(fmt.Sprintf("warning: skipped markup file: %v", p))
	}
	refs := make([]model.ActualReference, 0, len(names))
	for _, n := range names {
		refs = append(refs, model.ActualReference{Target: n})
	}
	return refs, nil
}

// OutputDir returns the artifact directory used for the manifest at path.
func OutputDir(manifestPath string, cfg Config) string {
	dir := cfg.OutputDir
	if dir == "" {
		dir = DefaultOutputDir
		if c := cfg.BuildProperties["Configuration"]; c != "" {
			dir = filepath.Join(dir, c)
		}
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(manifestPath), dir)
	}
	return dir
}

func (a *Analyzer) locateArtifacts(manifestPath string, declared []model.DeclaredReference, cfg Config) []string {
	outputDir := OutputDir(manifestPath, cfg)
	locator, hasLocator := a.provider.(compilation.ArtifactLocator)
	var paths []string
	for _, dep := range declared {
		if hasLocator {
			if p, ok := locator.LocateArtifact(dep, outputDir); ok {
				paths = append(paths, p)
			}
			continue
		}
		for _, ext := range []string{".dll", ".exe"} {
			p := filepath.Join(outputDir, dep.Target+ext)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				paths = append(paths, p)
				break
			}
		}
	}
	return paths
}

// AnalyzeAll analyses modules through a pipeline with the given options and
// returns one Analysis per module, in submission order.
func (a *Analyzer) AnalyzeAll(ctx context.Context, modules []*model.Module, opts ...pipeline.Option) []model.Analysis {
	opts = append([]pipeline.Option{pipeline.WithLogger(a.logger)}, opts...)
	return pipeline.New(a, opts...).Dispatch(ctx, modules)
}

// RemoveUnused deletes the report's unused declarations from its manifest
// and returns the removed targets.
func (a *Analyzer) RemoveUnused(ctx context.Context, report model.Report) ([]string, error) {
	if report.Path == "" {
		return nil, fmt.Errorf("%s: %w", report.Module, ErrNoModulePath)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var projects, packages []string
	for _, d := range report.Diff() {
		if d.Kind == model.PackageReference {
			packages = append(packages, d.Target)
		} else {
			projects = append(projects, d.Target)
		}
	}
	if len(projects) > 0 {
		if err := a.editor.RemoveDeclaredProjectDependencies(report.Path, projects); err != nil {
			return nil, err
		}
	}
	if len(packages) > 0 {
		if err := a.editor.RemoveDeclaredPackages(report.Path, packages); err != nil {
			return nil, err
		}
	}
	removed := append(projects, packages...)
	sort.Strings(removed)
	if len(removed) > 0 {
		a.logger.Info("removed unused references", "module", report.Module, "targets", strings.Join(removed, ","))
	}
	return removed, nil
}
